package launcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rlch/drover"
	"github.com/rlch/drover/internal/probe"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/runner"
	"github.com/rlch/drover/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func suite(source string) *drover.Suite {
	s := &drover.Suite{
		Name:    "load",
		Modules: map[string]drover.ModuleConfig{probe.Name: nil},
		Cases:   []*drover.Case{{Name: "c", Source: source}},
	}
	if err := s.Validate(); err != nil {
		panic(err)
	}

	return s
}

func TestRunParallelLanes(t *testing.T) {
	s := suite("probe.wait(20)")
	s.Parallel = 2

	caps := []drover.Capabilities{{"name": "chrome"}, {"name": "firefox"}}

	l := New(WithRunnerOptions(runner.WithWorker(worker.PipeFactory())))

	results, err := l.Run(context.Background(), s, caps)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for i, test := range results {
		assert.Equal(t, i, test.Lane)
		assert.Equal(t, caps[i].Label(), test.Capabilities.Label())
		assert.Equal(t, result.Passed, test.Status)
		assert.True(t, test.Sealed())
	}

	assert.NotEqual(t, results[0].ID, results[1].ID)
}

func TestRunDefaultLane(t *testing.T) {
	l := New(WithRunnerOptions(runner.WithWorker(worker.PipeFactory())))

	results, err := l.Run(context.Background(), suite("probe.echo(1)"), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "default", results[0].Capabilities.Label())
}

func TestRunPartitionsParams(t *testing.T) {
	s := suite(`probe.fail("ASSERT_ERROR", params.who)`)
	s.Params = &drover.ParamSpec{
		Partition: true,
		Rows:      []map[string]any{{"who": "row-a"}, {"who": "row-b"}, {"who": "row-c"}, {"who": "row-d"}, {"who": "row-e"}},
	}

	l := New(WithParallel(2), WithRunnerOptions(runner.WithWorker(worker.PipeFactory())))

	results, err := l.Run(context.Background(), s, []drover.Capabilities{nil, nil})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for i, want := range []string{"row-a", "row-c"} {
		f := results[i].Iterations[0].Cases[0].Iterations[0].Failure
		require.NotNil(t, f)
		assert.Contains(t, f.Message, want)
	}
}

func TestRunStopsAdmittingOnOrchestrationError(t *testing.T) {
	s := suite("probe.echo(1)")
	s.Modules = map[string]drover.ModuleConfig{"missing": nil}

	var (
		mu    sync.Mutex
		lanes []int
	)

	l := New(
		WithParallel(1),
		WithRunnerOptions(runner.WithWorker(worker.PipeFactory())),
		WithLaneDone(func(test *result.Test, _ error) {
			mu.Lock()
			defer mu.Unlock()

			lanes = append(lanes, test.Lane)
		}),
	)

	results, err := l.Run(context.Background(), s, make([]drover.Capabilities, 3))
	require.ErrorIs(t, err, runner.ErrInitFailed)
	require.Len(t, results, 1)
	assert.Equal(t, []int{0}, lanes)
	require.NotNil(t, results[0].Failure)
	assert.Equal(t, drover.KindModuleNotFound, results[0].Failure.Kind)
}

func TestRunMaxFailuresIsNotFatal(t *testing.T) {
	s := suite(`probe.fail("ASSERT_ERROR", "x")`)

	l := New(WithParallel(2), WithRunnerOptions(runner.WithWorker(worker.PipeFactory()), runner.WithFailFast(true)))

	results, err := l.Run(context.Background(), s, make([]drover.Capabilities, 2))
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRunRampUp(t *testing.T) {
	s := suite("probe.echo(1)")
	s.Parallel = 2
	s.RampUp = 200 * time.Millisecond

	l := New(WithRunnerOptions(runner.WithWorker(worker.PipeFactory())))

	start := time.Now()
	results, err := l.Run(context.Background(), s, make([]drover.Capabilities, 2))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRunCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	l := New(WithParallel(2), WithRunnerOptions(runner.WithWorker(worker.PipeFactory())))

	results, err := l.Run(ctx, suite("probe.wait(5000)"), make([]drover.Capabilities, 2))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for _, test := range results {
		assert.True(t, test.Sealed())
	}
}

func TestStagger(t *testing.T) {
	tests := []struct {
		i, parallel int
		rampUp      time.Duration
		want        time.Duration
	}{
		{0, 4, time.Second, 0},
		{1, 4, time.Second, 250 * time.Millisecond},
		{3, 4, time.Second, 750 * time.Millisecond},
		{9, 4, time.Second, time.Second},
		{5, 4, 0, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, stagger(tt.i, tt.parallel, tt.rampUp), "lane %d", tt.i)
	}
}
