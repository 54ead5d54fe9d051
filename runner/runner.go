package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/acarl005/stripansi"
	"github.com/google/uuid"
	"github.com/rlch/drover"
	"github.com/rlch/drover/classify"
	"github.com/rlch/drover/params"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a Runner lifecycle state.
type State int

// Runner states. Killed is reachable from every state except Disposed.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateRunning
	StateDisposing
	StateDisposed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BreakpointFunc is called when a script pauses on a breakpoint. Execution
// resumes when it returns.
type BreakpointFunc func(ctx context.Context, file string, line int) error

// Runner executes one lane of a suite.
type Runner struct {
	suite   *drover.Suite
	lane    int
	caps    drover.Capabilities
	factory worker.Factory
	handler Handler
	tally   *Tally
	logger  *zap.Logger
	tracer  trace.Tracer

	maxFailures     int
	onBreak         BreakpointFunc
	env             map[string]string
	delay           time.Duration
	continueOnError bool
	artifacts       drover.ArtifactConfig
	suiteParams     *params.Source
	paramOpts       []params.Option

	mu         sync.Mutex
	state      State
	client     *worker.Client
	test       *result.Test
	caseParams map[*drover.Case]*params.Source
	vars       map[string]any
	current    Event

	// open is the case iteration waiting on the worker, if any.
	open *result.CaseIteration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLane sets the lane index reported in results and events.
func WithLane(i int) Option {
	return func(r *Runner) {
		r.lane = i
	}
}

// WithCapabilities sets the lane's target environment.
func WithCapabilities(caps drover.Capabilities) Option {
	return func(r *Runner) {
		r.caps = caps.Clone()
	}
}

// WithWorker sets how the lane's worker is started.
func WithWorker(f worker.Factory) Option {
	return func(r *Runner) {
		r.factory = f
	}
}

// WithHandler sets the event handler.
func WithHandler(h Handler) Option {
	return func(r *Runner) {
		r.handler = h
	}
}

// WithTally shares a tally between runners.
func WithTally(t *Tally) Option {
	return func(r *Runner) {
		r.tally = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithTracer sets the tracer used for lane, case and iteration spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = t
	}
}

// WithMaxFailures stops the traversal once n iterations have failed.
func WithMaxFailures(n int) Option {
	return func(r *Runner) {
		r.maxFailures = n
	}
}

// WithFailFast stops on first failure.
func WithFailFast(enabled bool) Option {
	return func(r *Runner) {
		if enabled {
			r.maxFailures = 1
		}
	}
}

// WithBreakpoint sets the callback for breakpoint pauses.
func WithBreakpoint(fn BreakpointFunc) Option {
	return func(r *Runner) {
		r.onBreak = fn
	}
}

// WithEnv sets the env bag. Suite env entries take precedence.
func WithEnv(env map[string]string) Option {
	return func(r *Runner) {
		r.env = env
	}
}

// WithDelay throttles public operations, overriding the suite's delay.
func WithDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.delay = d
	}
}

// WithContinueOnError records fatal step failures without aborting
// iterations, regardless of suite and case settings.
func WithContinueOnError(enabled bool) Option {
	return func(r *Runner) {
		r.continueOnError = enabled
	}
}

// WithArtifacts configures failure artifact capture in the worker.
func WithArtifacts(cfg drover.ArtifactConfig) Option {
	return func(r *Runner) {
		r.artifacts = cfg
	}
}

// WithParams replaces the suite-level parameter source, typically with one
// partition of it.
func WithParams(src *params.Source) Option {
	return func(r *Runner) {
		r.suiteParams = src
	}
}

// WithParamOptions passes options to every parameter source the runner opens.
func WithParamOptions(opts ...params.Option) Option {
	return func(r *Runner) {
		r.paramOpts = append(r.paramOpts, opts...)
	}
}

// New creates a Runner for suite.
func New(suite *drover.Suite, opts ...Option) *Runner {
	r := &Runner{
		suite:      suite,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/rlch/drover/runner"),
		caseParams: map[*drover.Case]*params.Source{},
		vars:       map[string]any{},
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.tally == nil {
		r.tally = NewTally()
	}

	r.handler = NewMultiHandler(NewTallyHandler(), r.handler, NewStopOnFailHandler(r.maxFailures))
	r.logger = r.logger.With(zap.String("suite", suite.Name), zap.Int("lane", r.lane))
	r.test = result.NewTest(uuid.NewString(), suite.Name, r.lane, r.caps, time.Now())

	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Result returns the lane's result tree. It is sealed once Run, Dispose or
// Kill has returned.
func (r *Runner) Result() *result.Test {
	return r.test
}

// Tally returns the tally events are accumulated into.
func (r *Runner) Tally() *Tally {
	return r.tally
}

// transition moves from one of from to to.
func (r *Runner) transition(to State, from ...State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateKilled {
		return ErrKilled
	}

	for _, s := range from {
		if r.state == s {
			r.state = to

			return nil
		}
	}

	return fmt.Errorf("%w: %s while %s", ErrInvalidState, to, r.state)
}

// Init opens parameter sources, starts the worker and loads its modules.
func (r *Runner) Init(ctx context.Context) error {
	err := r.transition(StateInitializing, StateUninitialized)
	if err != nil {
		return err
	}

	err = r.openParams()
	if err != nil {
		r.fail(classify.Classify(err, "", "").Failure())

		return err
	}

	if r.factory == nil {
		r.fail(&result.Failure{Kind: drover.KindWorker, Message: ErrNoWorker.Error(), Fatal: true})

		return ErrNoWorker
	}

	client, err := r.factory(ctx, worker.Hooks{Log: r.log, Breakpoint: r.breakpoint})
	if err != nil {
		return r.workerFailed(err)
	}

	r.mu.Lock()
	if r.state == StateKilled {
		r.mu.Unlock()

		_ = client.Kill()

		return ErrKilled
	}

	r.client = client
	r.mu.Unlock()

	delay := r.delay
	if delay == 0 {
		delay = r.suite.Delay
	}

	res, err := client.Init(ctx, worker.InitParams{
		Modules:        r.suite.Modules,
		Caps:           r.caps,
		Delay:          delay,
		Artifacts:      r.artifacts,
		ArtifactPrefix: r.test.ID,
	})
	if err != nil {
		return r.workerFailed(err)
	}

	if res.Kind != worker.InitSuccess {
		f := res.Error
		if f == nil {
			f = &result.Failure{Kind: drover.KindWorker, Message: string(res.Kind), Fatal: true}
		}

		r.fail(f)
		r.logger.Error("worker init failed", zap.String("kind", string(f.Kind)), zap.String("message", f.Message))

		return fmt.Errorf("%w: %s", ErrInitFailed, f.Message)
	}

	r.logger.Debug("runner ready")

	return r.transition(StateReady, StateInitializing)
}

func (r *Runner) openParams() error {
	if r.suiteParams == nil && r.suite.Params != nil {
		src, err := params.Open(r.suite.Params, r.suite.Dir(), r.paramOpts...)
		if err != nil {
			return err
		}

		r.suiteParams = src
	}

	for _, c := range r.suite.Cases {
		if c.Params == nil {
			continue
		}

		src, err := params.Open(c.Params, r.suite.Dir(), r.paramOpts...)
		if err != nil {
			return fmt.Errorf("case %s: %w", c.Name, err)
		}

		r.caseParams[c] = src
	}

	return nil
}

// Run walks the suite and returns the sealed result. The error is
// ErrMaxFailures when the failure limit stopped the walk, ErrKilled after
// Kill, or an orchestration failure that is also recorded as the result's
// summary failure.
func (r *Runner) Run(ctx context.Context) (*result.Test, error) {
	err := r.transition(StateRunning, StateReady)
	if err != nil {
		return r.test, err
	}

	ctx, span := r.tracer.Start(ctx, "drover.lane", trace.WithAttributes(
		attribute.String("drover.suite", r.suite.Name),
		attribute.Int("drover.lane", r.lane),
		attribute.String("drover.test_id", r.test.ID),
		attribute.String("drover.caps", r.caps.Label()),
	))
	defer span.End()

	_ = r.emit(ctx, Event{Action: ActionTestStart})

	err = r.traverse(ctx)

	if errors.Is(err, ErrMaxFailures) {
		r.logger.Info("max failures reached, stopping")
	} else if err != nil && !errors.Is(err, ErrKilled) {
		r.fail(&result.Failure{Kind: drover.KindWorker, Message: err.Error(), Fatal: true})
	}

	r.mu.Lock()
	if r.state == StateKilled && err == nil {
		err = ErrKilled
	}

	r.test.Seal(time.Now())

	if r.state == StateRunning {
		r.state = StateReady
	}
	r.mu.Unlock()

	_ = r.emit(ctx, Event{
		Action:  ActionTestEnd,
		Status:  r.test.Status,
		Elapsed: r.test.Duration(),
		Failure: r.test.Failure,
	})

	if r.test.Status == result.Failed {
		span.SetStatus(codes.Error, "failed")
	}

	return r.test, err
}

func (r *Runner) traverse(ctx context.Context) error {
	for si := 1; si <= r.suite.Iterations; si++ {
		if r.State() == StateKilled {
			return ErrKilled
		}

		sir := result.NewSuiteIteration(si, time.Now())

		r.mu.Lock()
		_ = r.test.Add(sir)
		r.mu.Unlock()

		_ = r.emit(ctx, Event{Action: ActionSuiteIterationStart, SuiteIteration: si})

		for _, c := range r.suite.Cases {
			err := r.runCase(ctx, si, sir, c)
			if err != nil {
				return err
			}
		}

		r.mu.Lock()
		sir.Seal(time.Now())
		r.mu.Unlock()

		err := r.emit(ctx, Event{
			Action:         ActionSuiteIterationEnd,
			SuiteIteration: si,
			Status:         sir.Status,
			Elapsed:        sir.End.Sub(sir.Start),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) runCase(ctx context.Context, si int, sir *result.SuiteIteration, c *drover.Case) error {
	rows := 0
	if src := r.caseParams[c]; src != nil {
		rows = src.Len()
	}

	n := r.suite.IterationCount(c, rows)
	file, source, readErr := r.suite.ReadScript(c)

	ctx, span := r.tracer.Start(ctx, "drover.case", trace.WithAttributes(
		attribute.String("drover.case", c.Name),
		attribute.Int("drover.suite_iteration", si),
		attribute.Int("drover.iterations", n),
	))
	defer span.End()

	cr := result.NewCase(c.Name, time.Now())

	r.mu.Lock()
	_ = sir.Add(cr)
	r.mu.Unlock()

	base := Event{Path: []string{c.Name}, SuiteIteration: si}

	_ = r.emit(ctx, with(base, Event{Action: ActionCaseStart}))

	for i := 1; i <= n; i++ {
		it, err := r.runIteration(ctx, base, cr, c, i, file, source, readErr)
		if err != nil {
			return err
		}

		if it.Status == result.Failed {
			break
		}
	}

	r.mu.Lock()
	cr.Seal(time.Now())
	r.mu.Unlock()

	if cr.Status == result.Failed {
		span.SetStatus(codes.Error, "failed")
	}

	return r.emit(ctx, with(base, Event{
		Action:  ActionCaseEnd,
		Status:  cr.Status,
		Elapsed: cr.End.Sub(cr.Start),
	}))
}

func (r *Runner) runIteration(
	ctx context.Context,
	base Event,
	cr *result.Case,
	c *drover.Case,
	i int,
	file, source string,
	readErr error,
) (*result.CaseIteration, error) {
	if r.State() == StateKilled {
		return nil, ErrKilled
	}

	ctx, span := r.tracer.Start(ctx, "drover.iteration", trace.WithAttributes(attribute.Int("drover.iteration", i)))
	defer span.End()

	base.Iteration = i

	it := result.NewCaseIteration(i, time.Now())

	r.mu.Lock()
	_ = cr.Add(it)
	r.current = base
	r.open = it
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.open = nil
		r.mu.Unlock()
	}()

	_ = r.emit(ctx, with(base, Event{Action: ActionIterationStart}))

	ectx, err := r.context(c)
	if readErr != nil {
		err = drover.WrapError(drover.KindScript, readErr)
	}

	if err != nil {
		r.mu.Lock()
		_ = it.Fail(classify.Classify(err, "", "").Failure())
		it.Seal(time.Now())
		r.mu.Unlock()

		return it, r.endIteration(ctx, span, base, it)
	}

	res, err := r.client.Run(ctx, worker.RunParams{
		File:            file,
		Source:          source,
		Context:         ectx,
		Breakpoints:     c.Breakpoints,
		ContinueOnError: r.continueOnError || r.suite.ContinueOnErrorFor(c),
	})
	if err != nil {
		r.mu.Lock()
		killed := r.state == StateKilled
		if !killed {
			_ = it.Fail(interrupted(err))
		}

		it.Seal(time.Now())
		r.mu.Unlock()

		if killed {
			return it, ErrKilled
		}

		return it, fmt.Errorf("%w: %w", ErrWorkerFailed, err)
	}

	for _, step := range res.Steps {
		_ = r.emit(ctx, with(base, Event{Action: ActionStep, Step: step, Status: step.Status, Elapsed: step.Duration, Failure: step.Failure}))
	}

	r.mu.Lock()
	_ = it.Add(res.Steps...)

	if res.Error != nil {
		_ = it.Fail(res.Error)
	}

	it.Seal(time.Now())

	if res.Vars != nil {
		r.vars = res.Vars
	}
	r.mu.Unlock()

	return it, r.endIteration(ctx, span, base, it)
}

func (r *Runner) endIteration(ctx context.Context, span trace.Span, base Event, it *result.CaseIteration) error {
	if it.Status == result.Failed {
		span.SetStatus(codes.Error, "failed")
	}

	return r.emit(ctx, with(base, Event{
		Action:  ActionIterationEnd,
		Status:  it.Status,
		Elapsed: it.Duration(),
		Failure: iterationFailure(it),
	}))
}

// iterationFailure picks the failure that explains a failed iteration.
func iterationFailure(it *result.CaseIteration) *result.Failure {
	if it.Failure != nil {
		return it.Failure
	}

	for _, s := range it.Steps {
		if s.Status == result.Failed {
			return s.Failure
		}
	}

	return nil
}

// context builds the iteration's execution context: suite then case
// parameters, the carried vars, env and caps. Every source used advances.
func (r *Runner) context(c *drover.Case) (drover.ExecutionContext, error) {
	merged := map[string]any{}

	for _, src := range []*params.Source{r.suiteParams, r.caseParams[c]} {
		if src == nil {
			continue
		}

		row, err := src.Current()
		if err != nil {
			return drover.ExecutionContext{}, err
		}

		err = mergo.Merge(&merged, row, mergo.WithOverride)
		if err != nil {
			return drover.ExecutionContext{}, err
		}

		src.Advance()
	}

	env := maps.Clone(r.env)
	if env == nil {
		env = map[string]string{}
	}

	maps.Copy(env, r.suite.Env)

	r.mu.Lock()
	vars := r.vars
	r.mu.Unlock()

	return drover.NewExecutionContext(merged, env, vars, r.caps), nil
}

// Dispose asks the worker to release its modules and seals the result.
// Calling it again, or after Kill, does nothing.
func (r *Runner) Dispose(ctx context.Context) error {
	r.mu.Lock()

	switch r.state {
	case StateDisposing, StateDisposed, StateKilled:
		r.mu.Unlock()

		return nil
	case StateRunning:
		r.mu.Unlock()

		return fmt.Errorf("%w: dispose while running", ErrInvalidState)
	case StateUninitialized, StateInitializing, StateReady:
	}

	r.state = StateDisposing
	client := r.client
	r.mu.Unlock()

	var err error
	if client != nil {
		err = client.Dispose(ctx)
	}

	r.mu.Lock()
	r.test.Seal(time.Now())

	if r.state == StateDisposing {
		r.state = StateDisposed
	}
	r.mu.Unlock()

	r.logger.Debug("runner disposed")

	return err
}

// Kill terminates the worker without an orderly dispose and seals whatever
// result exists. Safe to call in any state and more than once.
func (r *Runner) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateKilled || r.state == StateDisposed {
		return
	}

	prev := r.state
	r.state = StateKilled

	if r.client != nil {
		err := r.client.Kill()
		if err != nil {
			r.logger.Warn("worker kill failed", zap.Error(err))
		}
	}

	if !r.test.Sealed() && (prev == StateRunning || prev == StateInitializing) {
		_ = r.test.Fail(interrupted(ErrKilled))
	}

	if r.open != nil {
		_ = r.open.Fail(interrupted(ErrKilled))
	}

	r.test.Seal(time.Now())

	r.logger.Debug("runner killed", zap.Stringer("from", prev))
}

// interrupted is the failure of a script cut off by the loss of its worker.
func interrupted(err error) *result.Failure {
	return &result.Failure{Kind: drover.KindWorker, Message: err.Error(), Fatal: true}
}

func (r *Runner) fail(f *result.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_ = r.test.Fail(f)
}

func (r *Runner) workerFailed(err error) error {
	if r.State() == StateKilled {
		return ErrKilled
	}

	r.fail(&result.Failure{Kind: drover.KindWorker, Message: err.Error(), Fatal: true})

	return fmt.Errorf("%w: %w", ErrWorkerFailed, err)
}

func (r *Runner) emit(ctx context.Context, event Event) error {
	event.Time = time.Now()
	event.Suite = r.suite.Name
	event.TestID = r.test.ID
	event.Lane = r.lane

	return r.handler.Event(ctx, event, r.tally)
}

// with overlays the set fields of ev on base.
func with(base, ev Event) Event {
	ev.Path = base.Path
	ev.SuiteIteration = base.SuiteIteration

	if ev.Iteration == 0 {
		ev.Iteration = base.Iteration
	}

	return ev
}

func (r *Runner) log(level, message string) {
	message = strings.TrimRight(stripansi.Strip(message), "\n")

	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()

	logger := r.logger.With(zap.String("case", cur.CaseName()), zap.Int("iteration", cur.Iteration))

	switch strings.ToLower(level) {
	case "debug":
		logger.Debug(message)
	case "warn", "warning":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}

	_ = r.emit(context.Background(), with(cur, Event{Action: ActionLog, Level: level, Output: message}))
}

func (r *Runner) breakpoint(ctx context.Context, file string, line int) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()

	_ = r.emit(ctx, with(cur, Event{Action: ActionBreakpoint, File: file, Line: line}))

	if r.onBreak == nil {
		return nil
	}

	return r.onBreak(ctx, file, line)
}

// Execute runs a lane start to finish: Init, Run and Dispose. Cancelling
// ctx kills the lane.
func Execute(ctx context.Context, suite *drover.Suite, opts ...Option) (*result.Test, error) {
	r := New(suite, opts...)

	stop := context.AfterFunc(ctx, r.Kill)
	defer stop()

	err := r.Init(ctx)
	if err == nil {
		_, err = r.Run(ctx)
	}

	derr := r.Dispose(context.WithoutCancel(ctx))
	if derr != nil {
		r.logger.Warn("dispose failed", zap.Error(derr))
	}

	return r.Result(), err
}
