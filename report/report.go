// Package report writes finished lane results to their destinations.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rlch/drover/result"
)

// Sink receives the results of a run.
type Sink interface {
	Write(ctx context.Context, tests []*result.Test) error
}

// WriteAll hands tests to every sink and joins their errors.
func WriteAll(ctx context.Context, tests []*result.Test, sinks ...Sink) error {
	var errs []error

	for _, s := range sinks {
		err := s.Write(ctx, tests)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Report is the JSON document written by JSONSink.
type Report struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Ok          bool           `json:"ok"`
	Totals      result.Counts  `json:"totals"`
	Tests       []*result.Test `json:"tests"`
}

// Build assembles a Report from lane results.
func Build(tests []*result.Test, now time.Time) Report {
	r := Report{GeneratedAt: now, Ok: true, Tests: tests}

	for _, t := range tests {
		c := t.Counts()
		r.Totals.Cases += c.Cases
		r.Totals.CasesFailed += c.CasesFailed
		r.Totals.Iterations += c.Iterations
		r.Totals.IterationsFailed += c.IterationsFailed
		r.Totals.Steps += c.Steps
		r.Totals.StepsFailed += c.StepsFailed
		r.Totals.Warnings += c.Warnings

		if t.Status == result.Failed {
			r.Ok = false
		}
	}

	return r
}

// JSONSink writes the report as indented JSON to a file.
type JSONSink struct {
	Path string
}

// NewJSONSink creates a sink writing to path. Parent directories are created.
func NewJSONSink(path string) *JSONSink {
	return &JSONSink{Path: path}
}

func (s *JSONSink) Write(_ context.Context, tests []*result.Test) error {
	data, err := json.MarshalIndent(Build(tests, time.Now()), "", "  ")
	if err != nil {
		return fmt.Errorf("report: encoding: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(s.Path), 0o755)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	return os.WriteFile(s.Path, data, 0o644)
}

// TableSink renders a per-lane summary table.
type TableSink struct {
	w     io.Writer
	title string
	color bool
}

// NewTableSink creates a table sink. color selects a colored style.
func NewTableSink(w io.Writer, title string, color bool) *TableSink {
	return &TableSink{w: w, title: title, color: color}
}

func (s *TableSink) Write(_ context.Context, tests []*result.Test) error {
	t := table.NewWriter()
	t.SetOutputMirror(s.w)
	t.SetTitle(s.title)

	t.AppendHeader(table.Row{
		"Suite", "Lane", "Capabilities", "Duration", "Iterations", "Failed", "Steps", "Warnings", "Status",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", AutoMerge: true},
		{Name: "Capabilities", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Iterations", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Steps", Align: text.AlignRight},
		{Name: "Warnings", Align: text.AlignRight},
	})

	rep := Build(tests, time.Now())

	var total time.Duration

	for _, test := range tests {
		c := test.Counts()
		total = max(total, test.Duration())

		t.AppendRow(table.Row{
			test.Suite,
			test.Lane,
			test.Capabilities.Label(),
			formatDuration(test.Duration()),
			c.Iterations,
			c.IterationsFailed,
			c.Steps,
			c.Warnings,
			statusText(test),
		})
	}

	if s.color {
		if rep.Ok {
			t.SetStyle(table.StyleColoredBlackOnGreenWhite)
		} else {
			t.SetStyle(table.StyleColoredBlackOnRedWhite)
		}
	} else {
		t.SetStyle(table.StyleLight)
	}

	overall := "PASS"
	if !rep.Ok {
		overall = "FAIL"
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		len(tests),
		"",
		formatDuration(total),
		rep.Totals.Iterations,
		rep.Totals.IterationsFailed,
		rep.Totals.Steps,
		rep.Totals.Warnings,
		overall,
	})

	t.Render()

	return nil
}

func statusText(t *result.Test) string {
	switch {
	case t.Failure != nil:
		return "ERROR: " + string(t.Failure.Kind)
	case t.Status == result.Failed:
		return "FAIL"
	case t.Status == result.Passed:
		return "PASS"
	default:
		return string(t.Status)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	return d.Truncate(time.Millisecond).String()
}
