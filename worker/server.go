package worker

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rlch/drover"
	"github.com/rlch/drover/artifact"
	"github.com/rlch/drover/classify"
	"github.com/rlch/drover/intercept"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/script"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Protocol errors returned to the runner as JSON-RPC errors.
var (
	ErrNotInitialized = jsonrpc2.NewError(jsonrpc2.ServerNotInitialized, "worker: not initialized")
	ErrBusy           = jsonrpc2.NewError(jsonrpc2.InvalidRequest, "worker: a run is already in progress")
	ErrDisposed       = jsonrpc2.NewError(jsonrpc2.InvalidRequest, "worker: disposed")
)

// Server is the worker side of the protocol. It owns the module instances
// and evaluates one script at a time.
type Server struct {
	logger *zap.Logger
	conn   jsonrpc2.Conn

	mu          sync.Mutex
	initialized bool
	running     bool
	disposed    bool

	session *intercept.Session
	proxies map[string]*intercept.Proxy
	order   []string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a server with no modules loaded.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:  zap.NewNop(),
		proxies: map[string]*intercept.Proxy{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve speaks the protocol over rwc until the stream closes.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.conn = jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	s.conn.Go(ctx, s.handle)

	<-s.conn.Done()

	err := s.conn.Err()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}

	return err
}

func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case MethodInit:
		var p InitParams

		err := json.Unmarshal(req.Params(), &p)
		if err != nil {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}

		res, err := s.init(ctx, p)

		return reply(ctx, res, err)
	case MethodRun:
		var p RunParams

		err := json.Unmarshal(req.Params(), &p)
		if err != nil {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}

		err = s.begin()
		if err != nil {
			return reply(ctx, nil, err)
		}

		// The read loop must stay free while the script runs so breakpoint
		// replies can come back.
		go func() {
			res := s.run(ctx, p)

			s.mu.Lock()
			s.running = false
			s.mu.Unlock()

			_ = reply(ctx, res, nil)
		}()

		return nil
	case MethodDispose:
		return reply(ctx, s.dispose(ctx), nil)
	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (s *Server) init(ctx context.Context, p InitParams) (*InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, ErrDisposed
	}

	if s.initialized {
		return &InitResult{Kind: InitFailed, Error: &result.Failure{
			Kind:    drover.KindWorker,
			Message: "worker already initialized",
			Fatal:   true,
		}}, nil
	}

	opts := []intercept.Option{
		intercept.WithDelay(p.Delay),
		intercept.WithLogger(s.logger),
	}

	if p.Artifacts.Screenshots {
		store, err := newStore(ctx, p.Artifacts)
		if err != nil {
			return initFailed(err, "", ""), nil
		}

		if p.ArtifactPrefix != "" {
			store = artifact.Prefixed(store, p.ArtifactPrefix)
		}

		opts = append(opts, intercept.WithArtifacts(store))
	}

	s.session = intercept.NewSession(opts...)

	modules := p.Modules
	if len(modules) == 0 {
		modules = map[string]drover.ModuleConfig{}
		for _, name := range drover.RegisteredModules() {
			modules[name] = nil
		}
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		cfg := modules[name]

		m, err := drover.NewModule(name, cfg)
		if err != nil {
			return initFailed(err, name, drover.OpInit), nil
		}

		if la, ok := m.(drover.LogAware); ok {
			la.SetLog(s.notifyLog)
		}

		proxy := s.session.Wrap(m)
		s.proxies[name] = proxy
		s.order = append(s.order, name)

		if cfg.Bool("init", false) && proxy.Has(drover.OpInit) {
			_, err = proxy.Invoke(ctx, drover.OpInit, nil)
			if err != nil {
				return initFailed(err, name, drover.OpInit), nil
			}
		}
	}

	s.session.Reset()
	s.initialized = true

	s.logger.Debug("worker initialized", zap.Strings("modules", s.order))

	return &InitResult{Kind: InitSuccess}, nil
}

func newStore(ctx context.Context, cfg drover.ArtifactConfig) (artifact.Store, error) {
	if cfg.S3 != nil {
		return artifact.NewS3Store(ctx, *cfg.S3)
	}

	return artifact.NewFileStore(cfg.Dir), nil
}

func initFailed(err error, module, op string) *InitResult {
	var stepErr *intercept.StepError
	if errors.As(err, &stepErr) {
		return &InitResult{Kind: InitFailed, Error: stepErr.Failure}
	}

	return &InitResult{Kind: InitFailed, Error: classify.Classify(err, module, op).Failure()}
}

func (s *Server) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.disposed:
		return ErrDisposed
	case !s.initialized:
		return ErrNotInitialized
	case s.running:
		return ErrBusy
	}

	s.running = true

	return nil
}

func (s *Server) run(ctx context.Context, p RunParams) *RunResult {
	start := time.Now()

	res := &RunResult{Kind: ExecutionSuccess}

	defer func() {
		res.Duration = time.Since(start)
	}()

	prog, err := script.Parse(p.File, p.Source)
	if err != nil {
		res.Kind = ExecutionFailed
		res.Error = classify.Classify(err, "", "").Failure()
		res.Steps = []*result.Step{}

		return res
	}

	s.session.Reset()
	s.session.SetContinueOnError(p.ContinueOnError)

	ectx := p.Context

	err = prog.Run(ctx, s, &ectx, script.WithBreakpoints(p.Breakpoints, s.breakpoint))

	res.Steps = s.session.Steps()
	res.Vars = ectx.Vars

	if err != nil {
		res.Kind = ExecutionFailed

		var stepErr *intercept.StepError
		if errors.As(err, &stepErr) {
			res.Error = stepErr.Failure
		} else {
			res.Error = classify.Classify(err, "", "").Failure()
		}
	}

	return res
}

func (s *Server) dispose(ctx context.Context) *DisposeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return &DisposeResult{Kind: Disposed}
	}

	s.disposed = true

	for _, name := range slices.Backward(s.order) {
		m := s.proxies[name].Module()

		var err error

		switch d := m.(type) {
		case drover.Disposer:
			err = d.Dispose(ctx)
		default:
			if op, ok := m.Operations()[drover.OpDispose]; ok && m.IsInitialized() {
				_, err = op.Fn(ctx, nil)
			}
		}

		if err != nil {
			s.logger.Warn("module dispose failed", zap.String("module", name), zap.Error(err))
		}
	}

	s.logger.Debug("worker disposed")

	return &DisposeResult{Kind: Disposed}
}

// Call dispatches a module call from the running script.
func (s *Server) Call(ctx context.Context, module, op string, args []any) (any, error) {
	proxy, ok := s.proxies[module]
	if !ok {
		return nil, drover.Errorf(drover.KindModuleNotFound, "module %q is not loaded", module)
	}

	return proxy.Invoke(ctx, op, args)
}

// IsModule reports whether name is a loaded module.
func (s *Server) IsModule(name string) bool {
	_, ok := s.proxies[name]

	return ok
}

// SetTransaction labels the steps recorded from now on.
func (s *Server) SetTransaction(name string) {
	s.session.SetTransaction(name)
}

func (s *Server) breakpoint(ctx context.Context, file string, line int) error {
	_, err := s.conn.Call(ctx, MethodBreakpoint, BreakpointParams{File: file, Line: line}, nil)

	return err
}

func (s *Server) notifyLog(level, message string) {
	err := s.conn.Notify(context.Background(), MethodLog, LogParams{Level: level, Message: message})
	if err != nil {
		s.logger.Debug("log notification dropped", zap.Error(err))
	}
}
