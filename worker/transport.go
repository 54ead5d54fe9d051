package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Transports accepted by NewFactory.
const (
	TransportProcess = "process"
	TransportInproc  = "inproc"
)

// ErrUnknownTransport is returned by NewFactory for an unsupported name.
var ErrUnknownTransport = errors.New("worker: unknown transport")

type options struct {
	logger  *zap.Logger
	command []string
	env     []string
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger used by the client and, for in-process workers,
// by the server.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCommand overrides the worker process command line. The default is
// the running executable with the "worker" argument.
func WithCommand(name string, args ...string) Option {
	return func(o *options) {
		o.command = append([]string{name}, args...)
	}
}

// WithEnv adds KEY=value entries to the worker process environment, on top
// of this process's own.
func WithEnv(kv ...string) Option {
	return func(o *options) {
		o.env = append(o.env, kv...)
	}
}

func newOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// NewFactory returns the factory for transport.
func NewFactory(transport string, opts ...Option) (Factory, error) {
	switch transport {
	case "", TransportProcess:
		return func(ctx context.Context, hooks Hooks) (*Client, error) {
			return Spawn(ctx, hooks, opts...)
		}, nil
	case TransportInproc:
		return PipeFactory(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}
}

// PipeFactory returns a Factory that starts in-process workers.
func PipeFactory(opts ...Option) Factory {
	return func(ctx context.Context, hooks Hooks) (*Client, error) {
		return Pipe(ctx, hooks, opts...)
	}
}

// Pipe starts a server in this process, connected over net.Pipe.
func Pipe(ctx context.Context, hooks Hooks, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	local, remote := net.Pipe()

	srv := NewServer(WithServerLogger(o.logger.Named("worker")))
	served := make(chan error, 1)

	go func() {
		served <- srv.Serve(context.WithoutCancel(ctx), remote)
	}()

	stop := func() error {
		_ = local.Close()

		return remote.Close()
	}

	wait := func() error {
		_ = remote.Close()

		return <-served
	}

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(local))

	return newClient(conn, hooks, o.logger, stop, wait), nil
}

// Spawn starts a worker child process speaking the protocol on its stdin
// and stdout. Its stderr is forwarded to the logger.
func Spawn(ctx context.Context, hooks Hooks, opts ...Option) (*Client, error) {
	o := newOptions(opts)

	command := o.command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("worker: locate executable: %w", err)
		}

		command = []string{exe, "worker"}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.WaitDelay = 5 * time.Second

	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", command[0], err)
	}

	logger := o.logger.With(zap.Int("pid", cmd.Process.Pid))
	go forward(stderr, logger)

	stop := func() error {
		err := cmd.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}

		_ = cmd.Wait()

		return nil
	}

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(&stdio{Reader: stdout, Writer: stdin}))

	return newClient(conn, hooks, logger, stop, cmd.Wait), nil
}

func forward(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(stripansi.Strip(scanner.Text()))
		if line != "" {
			logger.Debug(line, zap.String("source", "worker"))
		}
	}
}

// stdio joins a reader and a writer into one stream. Closing it closes the
// writer, which the worker sees as end of input.
type stdio struct {
	io.Reader
	io.Writer
}

func (s *stdio) Close() error {
	if c, ok := s.Writer.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// ServeStdio runs a worker over the process's stdin and stdout.
func ServeStdio(ctx context.Context, logger *zap.Logger) error {
	srv := NewServer(WithServerLogger(logger))

	return srv.Serve(ctx, &stdio{Reader: os.Stdin, Writer: os.Stdout})
}
