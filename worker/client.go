package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// ErrWorkerGone is returned when the worker process died or its stream
// closed before a reply arrived.
var ErrWorkerGone = errors.New("worker: gone")

// Hooks receive the worker's requests to the runner.
type Hooks struct {
	// Log receives log notifications.
	Log func(level, message string)

	// Breakpoint is called when the script pauses. Execution resumes when
	// it returns; an error aborts the run.
	Breakpoint func(ctx context.Context, file string, line int) error
}

// Factory starts a worker and returns a connected client.
type Factory func(ctx context.Context, hooks Hooks) (*Client, error)

// Client is the runner side of the protocol.
type Client struct {
	conn   jsonrpc2.Conn
	hooks  Hooks
	logger *zap.Logger

	// stop tears the transport down; wait blocks until it is gone.
	stop func() error
	wait func() error

	mu       sync.Mutex
	disposed bool
	killed   bool
	closed   bool
}

func newClient(conn jsonrpc2.Conn, hooks Hooks, logger *zap.Logger, stop, wait func() error) *Client {
	c := &Client{
		conn:   conn,
		hooks:  hooks,
		logger: logger,
		stop:   stop,
		wait:   wait,
	}

	conn.Go(context.Background(), c.handle)

	return c
}

func (c *Client) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case MethodLog:
		var p LogParams

		err := json.Unmarshal(req.Params(), &p)
		if err == nil && c.hooks.Log != nil {
			c.hooks.Log(p.Level, p.Message)
		}

		return reply(ctx, nil, nil)
	case MethodBreakpoint:
		var p BreakpointParams

		err := json.Unmarshal(req.Params(), &p)
		if err != nil {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}

		if c.hooks.Breakpoint == nil {
			return reply(ctx, nil, nil)
		}

		go func() {
			bctx, cancel := context.WithCancel(ctx)
			defer cancel()

			// A killed worker releases the pause.
			go func() {
				select {
				case <-c.conn.Done():
					cancel()
				case <-bctx.Done():
				}
			}()

			_ = reply(bctx, nil, c.hooks.Breakpoint(bctx, p.File, p.Line))
		}()

		return nil
	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (c *Client) gone() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return true
	}

	select {
	case <-c.conn.Done():
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	_ = c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params, res any) error {
	if c.gone() {
		return fmt.Errorf("%s: %w", method, ErrWorkerGone)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A pending call is never answered once the stream is gone.
	go func() {
		select {
		case <-c.conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := c.conn.Call(ctx, method, params, res)
	if err == nil {
		return nil
	}

	if c.gone() {
		return fmt.Errorf("%s: %w", method, ErrWorkerGone)
	}

	return fmt.Errorf("worker: %s: %w", method, err)
}

// Init loads and initializes the worker's modules.
func (c *Client) Init(ctx context.Context, p InitParams) (*InitResult, error) {
	var res InitResult

	err := c.call(ctx, MethodInit, p, &res)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// Run executes one script and waits for its result.
func (c *Client) Run(ctx context.Context, p RunParams) (*RunResult, error) {
	var res RunResult

	err := c.call(ctx, MethodRun, p, &res)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// Dispose asks the worker to release its modules, then shuts the transport
// down. Only the first call does anything.
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed || c.killed {
		c.mu.Unlock()

		return nil
	}

	c.disposed = true
	c.mu.Unlock()

	var res DisposeResult

	err := c.call(ctx, MethodDispose, nil, &res)
	if err == nil && res.Kind != Disposed {
		err = fmt.Errorf("worker: dispose: unexpected reply %q", res.Kind)
	}

	c.close()

	if c.wait != nil {
		waitErr := c.wait()
		if waitErr != nil {
			c.logger.Debug("worker exit", zap.Error(waitErr))
		}
	}

	return err
}

// Kill terminates the worker without disposing its modules. Safe to call
// more than once and after Dispose.
func (c *Client) Kill() error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()

		return nil
	}

	c.killed = true
	c.mu.Unlock()

	c.close()

	if c.stop == nil {
		return nil
	}

	return c.stop()
}

// Done is closed once the connection to the worker is gone.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}
