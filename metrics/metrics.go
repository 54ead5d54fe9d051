// Package metrics exposes run progress as Prometheus metrics, either served
// over HTTP while the run is live or written to a text file at the end.
package metrics

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/runner"
	"go.uber.org/zap"
)

// Collector records runner events. It implements runner.Handler.
type Collector struct {
	registry *prometheus.Registry
	tally    atomic.Pointer[runner.Tally]

	iterationsTotal   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	stepStats         *prometheus.GaugeVec
	failuresTotal     *prometheus.CounterVec
	lanesActive       prometheus.Gauge
	lanesTotal        *prometheus.CounterVec
}

// NewCollector initializes a new metrics registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "drover_iterations_total", Help: "Case iterations finished"},
			[]string{"suite", "case", "status"},
		),
		iterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_iteration_duration_seconds",
				Help:    "Case iteration duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"suite", "case"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "drover_steps_total", Help: "Steps executed"},
			[]string{"module", "operation", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drover_step_duration_seconds",
				Help:    "Step duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module", "operation", "transaction"},
		),
		stepStats: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "drover_step_stat", Help: "Last statistic reported by a module operation"},
			[]string{"module", "operation", "stat"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "drover_failures_total", Help: "Failures by error kind"},
			[]string{"kind", "fatal"},
		),
		lanesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "drover_lanes_active", Help: "Lanes currently running"},
		),
		lanesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "drover_lanes_total", Help: "Lanes finished"},
			[]string{"suite", "status"},
		),
	}

	registry.MustRegister(
		c.iterationsTotal, c.iterationDuration,
		c.stepsTotal, c.stepDuration, c.stepStats,
		c.failuresTotal, c.lanesActive, c.lanesTotal,
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Event records an event.
func (c *Collector) Event(_ context.Context, event runner.Event, tally *runner.Tally) error {
	if tally != nil {
		c.tally.Store(tally)
	}

	switch event.Action {
	case runner.ActionTestStart:
		c.lanesActive.Inc()
	case runner.ActionStep:
		c.observeStep(event.Step)
	case runner.ActionIterationEnd:
		c.iterationsTotal.WithLabelValues(event.Suite, event.CaseName(), string(event.Status)).Inc()
		c.iterationDuration.WithLabelValues(event.Suite, event.CaseName()).Observe(event.Elapsed.Seconds())
	case runner.ActionTestEnd:
		c.lanesActive.Dec()
		c.lanesTotal.WithLabelValues(event.Suite, string(event.Status)).Inc()

		if event.Failure != nil {
			c.observeFailure(event.Failure)
		}
	case runner.ActionSuiteIterationStart, runner.ActionCaseStart, runner.ActionIterationStart,
		runner.ActionLog, runner.ActionBreakpoint, runner.ActionCaseEnd, runner.ActionSuiteIterationEnd:
	}

	return nil
}

func (c *Collector) observeStep(step *result.Step) {
	if step == nil {
		return
	}

	c.stepsTotal.WithLabelValues(step.Module, step.Operation, string(step.Status)).Inc()
	c.stepDuration.WithLabelValues(step.Module, step.Operation, step.Transaction).Observe(step.Duration.Seconds())

	for name, v := range step.Stats {
		c.stepStats.WithLabelValues(step.Module, step.Operation, name).Set(v)
	}

	if step.Failure != nil {
		c.observeFailure(step.Failure)
	}
}

func (c *Collector) observeFailure(f *result.Failure) {
	c.failuresTotal.WithLabelValues(string(f.Kind), strconv.FormatBool(f.Fatal)).Inc()
}

// Err is a no-op.
func (c *Collector) Err(string) error {
	return nil
}

// Write writes all metrics to a Prometheus text file.
func (c *Collector) Write(path string) error {
	metricFamilies, err := c.registry.Gather()
	if err != nil {
		return err
	}

	var buf bytes.Buffer

	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range metricFamilies {
		err := enc.Encode(family)
		if err != nil {
			return err
		}
	}

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Router serves /metrics, /summary and /healthz.
func (c *Collector) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/summary", c.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return r
}

type summary struct {
	runner.Counts

	Elapsed string `json:"elapsed"`
}

func (c *Collector) handleSummary(w http.ResponseWriter, _ *http.Request) {
	var s summary

	if t := c.tally.Load(); t != nil {
		s.Counts = t.Counts()
		s.Elapsed = s.Counts.Elapsed.Round(time.Millisecond).String()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// Serve listens on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           c.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
