// Package launcher fans a suite out over parallel lanes, one runner and
// worker per capability set, and gathers the lanes' results.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rlch/drover"
	"github.com/rlch/drover/params"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/runner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Launcher runs suites across lanes.
type Launcher struct {
	parallel   int
	rampUp     time.Duration
	hasRampUp  bool
	logger     *zap.Logger
	opts       []runner.Option
	paramOpts  []params.Option
	onLaneDone func(*result.Test, error)
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithParallel overrides the suite's parallel lane limit.
func WithParallel(n int) Option {
	return func(l *Launcher) {
		l.parallel = n
	}
}

// WithRampUp overrides the suite's ramp-up window.
func WithRampUp(d time.Duration) Option {
	return func(l *Launcher) {
		l.rampUp = d
		l.hasRampUp = true
	}
}

// WithLogger sets the logger. It is also handed to every runner.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithRunnerOptions adds options applied to every lane's runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(l *Launcher) {
		l.opts = append(l.opts, opts...)
	}
}

// WithParamOptions adds options used when opening the suite's parameter
// table for partitioning.
func WithParamOptions(opts ...params.Option) Option {
	return func(l *Launcher) {
		l.paramOpts = append(l.paramOpts, opts...)
	}
}

// WithLaneDone registers a callback invoked as each lane finishes.
func WithLaneDone(fn func(*result.Test, error)) Option {
	return func(l *Launcher) {
		l.onLaneDone = fn
	}
}

// New creates a Launcher.
func New(opts ...Option) *Launcher {
	l := &Launcher{logger: zap.NewNop()}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Run executes suite once per capability set. A nil or empty caps list runs
// a single lane with default capabilities.
//
// Results are sorted by lane. Assertion failures live in the results; the
// returned error is the first orchestration failure, after which no further
// lanes are started. Lanes already running are left to finish unless ctx is
// cancelled.
func (l *Launcher) Run(ctx context.Context, suite *drover.Suite, caps []drover.Capabilities) ([]*result.Test, error) {
	if len(caps) == 0 {
		caps = []drover.Capabilities{nil}
	}

	parallel := l.parallel
	if parallel <= 0 {
		parallel = suite.Parallel
	}

	parallel = max(parallel, 1)

	rampUp := suite.RampUp
	if l.hasRampUp {
		rampUp = l.rampUp
	}

	parts, err := l.partition(suite, len(caps))
	if err != nil {
		return nil, err
	}

	admit, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var (
		mu      sync.Mutex
		results []*result.Test
	)

	g := new(errgroup.Group)
	g.SetLimit(parallel)

	for i, c := range caps {
		if admit.Err() != nil {
			break
		}

		delay := stagger(i, parallel, rampUp)

		g.Go(func() error {
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()

				select {
				case <-admit.Done():
					return nil
				case <-t.C:
				}
			}

			if admit.Err() != nil {
				return nil
			}

			opts := append(slices.Clone(l.opts),
				runner.WithLane(i),
				runner.WithCapabilities(c),
				runner.WithLogger(l.logger),
			)
			if parts != nil {
				opts = append(opts, runner.WithParams(parts[i]))
			}

			l.logger.Debug("lane starting", zap.Int("lane", i), zap.String("caps", c.Label()), zap.Duration("delay", delay))

			test, err := runner.Execute(ctx, suite, opts...)

			mu.Lock()
			results = append(results, test)
			mu.Unlock()

			if l.onLaneDone != nil {
				l.onLaneDone(test, err)
			}

			if !isOrchestration(err) || ctx.Err() != nil {
				return nil
			}

			l.logger.Error("lane failed", zap.Int("lane", i), zap.Error(err))

			err = fmt.Errorf("lane %d: %w", i, err)
			stop(err)

			return err
		})
	}

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	slices.SortFunc(results, func(a, b *result.Test) int {
		return a.Lane - b.Lane
	})

	return results, err
}

// partition splits the suite's parameter table between lanes when the suite
// asks for it. It returns nil when lanes open their own tables.
func (l *Launcher) partition(suite *drover.Suite, lanes int) ([]*params.Source, error) {
	if suite.Params == nil || !suite.Params.Partition {
		return nil, nil
	}

	src, err := params.Open(suite.Params, suite.Dir(), l.paramOpts...)
	if err != nil {
		return nil, err
	}

	if src.Len() < lanes {
		l.logger.Warn("fewer parameter rows than lanes, lanes share rows",
			zap.Int("rows", src.Len()), zap.Int("lanes", lanes))
	}

	return src.Partition(lanes), nil
}

// stagger is how long lane i waits before starting: an even share of rampUp
// per slot, capped at rampUp.
func stagger(i, parallel int, rampUp time.Duration) time.Duration {
	if rampUp <= 0 || i == 0 {
		return 0
	}

	return min(time.Duration(i)*rampUp/time.Duration(parallel), rampUp)
}

// isOrchestration reports whether a lane error should stop new lanes. Test
// failures never surface here; hitting the failure limit or being killed by
// cancellation is not an orchestration failure either.
func isOrchestration(err error) bool {
	return err != nil && !errors.Is(err, runner.ErrMaxFailures) && !errors.Is(err, runner.ErrKilled)
}
