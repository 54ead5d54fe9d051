// Package intercept wraps automation modules so that every operation call
// becomes a timed, classified step.
package intercept

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rlch/drover"
	"github.com/rlch/drover/artifact"
	"github.com/rlch/drover/classify"
	"github.com/rlch/drover/result"
	"go.uber.org/zap"
)

// StepError aborts the enclosing iteration after a fatal step failure.
type StepError struct {
	Step    *result.Step
	Failure *result.Failure
	Cause   error
}

func (e *StepError) Error() string {
	return e.Step.Name + ": " + e.Failure.Error()
}

func (e *StepError) Unwrap() error { return e.Cause }

// Session holds the state shared by all proxies of one script run: the step
// log, the current transaction label and the interception options.
type Session struct {
	mu          sync.Mutex
	steps       []*result.Step
	transaction string

	delay           time.Duration
	continueOnError bool
	artifacts       artifact.Store
	logger          *zap.Logger
	now             func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithDelay throttles public operations by d.
func WithDelay(d time.Duration) Option {
	return func(s *Session) {
		s.delay = d
	}
}

// WithContinueOnError records fatal failures without aborting.
func WithContinueOnError(v bool) Option {
	return func(s *Session) {
		s.continueOnError = v
	}
}

// WithArtifacts enables failure artifact capture into store.
func WithArtifacts(store artifact.Store) Option {
	return func(s *Session) {
		s.artifacts = store
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an empty session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetTransaction labels the steps recorded from now on. "" clears it.
func (s *Session) SetTransaction(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transaction = name
}

// Transaction returns the current label.
func (s *Session) Transaction() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transaction
}

// SetContinueOnError changes the abort policy for subsequent calls.
func (s *Session) SetContinueOnError(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.continueOnError = v
}

// Steps returns the recorded steps in invocation order.
func (s *Session) Steps() []*result.Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*result.Step, len(s.steps))
	copy(out, s.steps)

	return out
}

// Reset drops recorded steps and the transaction label.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps = nil
	s.transaction = ""
}

func (s *Session) record(step *result.Step) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps = append(s.steps, step)

	return len(s.steps)
}

// Proxy is a module whose operations are intercepted.
type Proxy struct {
	session *Session
	module  drover.Module
	ops     map[string]drover.Operation
}

// Wrap intercepts m within the session.
func (s *Session) Wrap(m drover.Module) *Proxy {
	return &Proxy{session: s, module: m, ops: m.Operations()}
}

// Module returns the wrapped module.
func (p *Proxy) Module() drover.Module { return p.module }

// Name returns the wrapped module's name.
func (p *Proxy) Name() string { return p.module.Name() }

// Has reports whether the module exposes op.
func (p *Proxy) Has(op string) bool {
	_, ok := p.ops[op]

	return ok
}

// Invoke calls op with args. A failed step returns a *StepError only when
// the failure is fatal and the session does not continue on error;
// otherwise the failure is recorded and Invoke returns (nil, nil).
func (p *Proxy) Invoke(ctx context.Context, name string, args []any) (any, error) {
	s := p.session
	module := p.module.Name()

	op, ok := p.ops[name]
	if !ok {
		return p.fail(ctx, name, args, s.now(), drover.Errorf(drover.KindOperationNotFound, "%s has no operation %q", module, name))
	}

	if op.Kind == drover.OpInternal {
		return op.Fn(ctx, args)
	}

	if op.Kind == drover.OpPublic && !p.module.IsInitialized() {
		return p.fail(ctx, name, args, s.now(), drover.Errorf(drover.KindModuleNotInitialized, "%s is not initialized; call %s.init() first", module, module))
	}

	if op.Kind == drover.OpPublic && s.delay > 0 {
		timer := time.NewTimer(s.delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	start := s.now()
	out, err := op.Fn(ctx, args)

	if err != nil {
		return p.fail(ctx, name, args, start, err)
	}

	end := s.now()
	step := p.newStep(name, args, start, end)
	step.Status = result.Passed
	s.record(step)

	s.logger.Debug("step passed", zap.String("step", step.Name), zap.Duration("duration", step.Duration))

	return out, nil
}

func (p *Proxy) newStep(name string, args []any, start, end time.Time) *result.Step {
	step := &result.Step{
		Name:        Signature(p.module.Name(), name, args),
		Module:      p.module.Name(),
		Operation:   name,
		Start:       start,
		End:         end,
		Duration:    end.Sub(start),
		Transaction: p.session.Transaction(),
	}

	if sr, ok := p.module.(drover.StatsReporter); ok {
		step.Stats = sr.LastStats()
	}

	return step
}

func (p *Proxy) fail(ctx context.Context, name string, args []any, start time.Time, err error) (any, error) {
	s := p.session
	c := classify.Classify(err, p.module.Name(), name)
	f := c.Failure()

	step := p.newStep(name, args, start, s.now())
	step.Failure = f

	step.Status = result.Warning
	if f.Fatal {
		step.Status = result.Failed
	}

	seq := s.record(step)

	if s.artifacts != nil {
		step.Artifact = p.captureArtifact(ctx, seq, name)
	}

	s.logger.Debug("step failed",
		zap.String("step", step.Name),
		zap.String("kind", string(f.Kind)),
		zap.Bool("fatal", f.Fatal),
		zap.String("message", f.Message))

	s.mu.Lock()
	cont := s.continueOnError
	s.mu.Unlock()

	if f.Fatal && !cont {
		return nil, &StepError{Step: step, Failure: f, Cause: err}
	}

	return nil, nil
}

func (p *Proxy) captureArtifact(ctx context.Context, seq int, op string) string {
	taker, ok := p.module.(drover.ArtifactTaker)
	if !ok {
		return ""
	}

	name := fmt.Sprintf("%03d-%s.%s", seq, p.module.Name(), op)

	data, err := taker.TakeFailureArtifact(ctx, name)
	if err != nil {
		p.session.logger.Warn("failure artifact capture failed", zap.String("artifact", name), zap.Error(err))

		return ""
	}

	if len(data) == 0 {
		return ""
	}

	ref, err := p.session.artifacts.Put(ctx, name, data)
	if err != nil {
		p.session.logger.Warn("failure artifact store failed", zap.String("artifact", name), zap.Error(err))

		return ""
	}

	return ref
}

const maxArgLen = 120

// Signature renders a call as module.op(args) with JSON-encoded arguments.
func Signature(module, op string, args []any) string {
	var b strings.Builder

	b.WriteString(module)
	b.WriteByte('.')
	b.WriteString(op)
	b.WriteByte('(')

	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(formatArg(a))
	}

	b.WriteByte(')')

	return b.String()
}

func formatArg(a any) string {
	data, err := json.Marshal(a)

	s := string(data)
	if err != nil {
		s = fmt.Sprintf("%v", a)
	}

	if len(s) > maxArgLen {
		s = s[:maxArgLen-3] + "..."
	}

	return s
}
