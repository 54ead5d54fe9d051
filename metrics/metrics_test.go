package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rlch/drover"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func feed(t *testing.T, c *Collector, tally *runner.Tally) {
	t.Helper()

	step := &result.Step{
		Module:    "http",
		Operation: "get",
		Status:    result.Failed,
		Duration:  120 * time.Millisecond,
		Failure:   &result.Failure{Kind: drover.KindTimeout, Fatal: true},
		Stats:     map[string]float64{"ttfb_ms": 42},
	}

	events := []runner.Event{
		{Action: runner.ActionTestStart, Suite: "s"},
		{Action: runner.ActionIterationStart, Suite: "s", Path: []string{"c"}, SuiteIteration: 1, Iteration: 1},
		{Action: runner.ActionStep, Suite: "s", Path: []string{"c"}, SuiteIteration: 1, Iteration: 1, Step: step, Status: step.Status},
		{Action: runner.ActionIterationEnd, Suite: "s", Path: []string{"c"}, SuiteIteration: 1, Iteration: 1, Status: result.Failed, Elapsed: time.Second},
		{Action: runner.ActionTestEnd, Suite: "s", Status: result.Failed},
	}

	for _, e := range events {
		tally.Add(e)
		require.NoError(t, c.Event(context.Background(), e, tally))
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	feed(t, c, runner.NewTally())

	assert.InDelta(t, 1, testutil.ToFloat64(c.stepsTotal.WithLabelValues("http", "get", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.iterationsTotal.WithLabelValues("s", "c", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.failuresTotal.WithLabelValues("TIMEOUT", "true")), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(c.stepStats.WithLabelValues("http", "get", "ttfb_ms")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(c.lanesActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.lanesTotal.WithLabelValues("s", "failed")), 0)
}

func TestWrite(t *testing.T) {
	c := NewCollector()
	feed(t, c, runner.NewTally())

	path := filepath.Join(t.TempDir(), "drover.prom")
	require.NoError(t, c.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `drover_steps_total{module="http",operation="get",status="failed"} 1`)
	assert.Contains(t, string(data), "drover_iteration_duration_seconds_bucket")
}

func TestRouter(t *testing.T) {
	c := NewCollector()
	feed(t, c, runner.NewTally())

	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "drover_lanes_total")

	resp, err = http.Get(srv.URL + "/summary")
	require.NoError(t, err)

	var s map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	_ = resp.Body.Close()

	assert.EqualValues(t, 1, s["total"])
	assert.EqualValues(t, 1, s["failed"])
	assert.EqualValues(t, 1, s["steps"])

	resp, err = http.Post(srv.URL+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServe(t *testing.T) {
	c := NewCollector()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- c.Serve(ctx, "127.0.0.1:0", zap.NewNop()) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
