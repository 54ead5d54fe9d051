package runner

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rlch/drover/result"
)

// Formatter renders runner events and the final tally.
type Formatter interface {
	Format(event Event, tally *Tally) error
	Summary(tally *Tally) error
}

// FormatHandler is a Handler that delegates to a Formatter. It is safe for
// use by concurrent lanes.
type FormatHandler struct {
	mu        sync.Mutex
	formatter Formatter
	stderr    io.Writer
}

// NewFormatHandler creates a handler that formats events.
func NewFormatHandler(f Formatter, stderr io.Writer) *FormatHandler {
	return &FormatHandler{formatter: f, stderr: stderr}
}

// Event formats the event.
func (h *FormatHandler) Event(_ context.Context, event Event, tally *Tally) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.formatter.Format(event, tally)
}

// Err writes to stderr.
func (h *FormatHandler) Err(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.stderr.Write([]byte(text + "\n"))

	return err
}

// Summary renders the final summary.
func (h *FormatHandler) Summary(tally *Tally) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.formatter.Summary(tally)
}

// -----------------------------------------------------------------------------
// Dots Formatter
// -----------------------------------------------------------------------------

// DotsFormatter is a minimal formatter that prints dots for progress.
type DotsFormatter struct {
	w     io.Writer
	count int
}

// NewDotsFormatter creates a dots formatter.
func NewDotsFormatter(w io.Writer) *DotsFormatter {
	return &DotsFormatter{w: w}
}

const lineWidth = 80

// Format prints one character per finished iteration and one per lane that
// failed outside any iteration.
func (d *DotsFormatter) Format(event Event, _ *Tally) error {
	var char string

	switch {
	case event.Action == ActionIterationEnd && event.Status == result.Failed:
		char = "F"
	case event.Action == ActionIterationEnd:
		char = "."
	case event.Action == ActionTestEnd && event.Failure != nil:
		char = "E"
	default:
		return nil
	}

	_, err := fmt.Fprint(d.w, char)
	d.count++

	if d.count%lineWidth == 0 {
		_, _ = fmt.Fprintln(d.w)
	}

	return err
}

// Summary prints the final results.
func (d *DotsFormatter) Summary(tally *Tally) error {
	if d.count > 0 && d.count%lineWidth != 0 {
		_, _ = fmt.Fprintln(d.w)
	}

	_, _ = fmt.Fprintln(d.w)

	for _, o := range tally.FailedOutcomes() {
		_, _ = fmt.Fprintf(d.w, "FAIL %s\n", o.Label())

		if o.Failure != nil {
			_, _ = fmt.Fprintf(d.w, "  %s\n", o.Failure.Error())
		}

		for _, line := range o.Output {
			_, _ = fmt.Fprintf(d.w, "  | %s\n", line)
		}

		_, _ = fmt.Fprintln(d.w)
	}

	status := "PASS"
	if !tally.Ok() {
		status = "FAIL"
	}

	_, _ = fmt.Fprintf(d.w, "%s %d iterations, %d passed, %d failed, %d steps, %d warnings in %s\n",
		status,
		tally.Total,
		tally.Passed,
		tally.Failed,
		tally.Steps,
		tally.Warnings,
		tally.Elapsed().Round(time.Millisecond),
	)

	return nil
}

// -----------------------------------------------------------------------------
// Verbose Formatter
// -----------------------------------------------------------------------------

// VerboseFormatter prints every iteration, step and log line.
type VerboseFormatter struct {
	w io.Writer
}

// NewVerboseFormatter creates a verbose formatter.
func NewVerboseFormatter(w io.Writer) *VerboseFormatter {
	return &VerboseFormatter{w: w}
}

// Format prints each event as it occurs.
func (v *VerboseFormatter) Format(event Event, _ *Tally) error {
	switch event.Action {
	case ActionIterationStart:
		_, _ = fmt.Fprintf(v.w, "=== RUN   %s\n", event.Label())
	case ActionStep:
		mark := "ok  "

		switch event.Status {
		case result.Failed:
			mark = "FAIL"
		case result.Warning:
			mark = "WARN"
		case result.Passed:
		}

		_, _ = fmt.Fprintf(v.w, "    %s %s (%s)\n", mark, stepName(event.Step), event.Elapsed.Round(time.Millisecond))

		if event.Failure != nil {
			_, _ = fmt.Fprintf(v.w, "         %s\n", event.Failure.Error())
		}
	case ActionLog:
		_, _ = fmt.Fprintf(v.w, "    %s\n", event.Output)
	case ActionBreakpoint:
		_, _ = fmt.Fprintf(v.w, "=== PAUSE %s at %s:%d\n", event.Label(), event.File, event.Line)
	case ActionIterationEnd:
		if event.Status == result.Failed {
			_, _ = fmt.Fprintf(v.w, "--- FAIL: %s (%s)\n", event.Label(), event.Elapsed.Round(time.Millisecond))

			if event.Failure != nil {
				_, _ = fmt.Fprintf(v.w, "    %s\n", event.Failure.Error())
			}
		} else {
			_, _ = fmt.Fprintf(v.w, "--- PASS: %s (%s)\n", event.Label(), event.Elapsed.Round(time.Millisecond))
		}
	case ActionTestEnd:
		if event.Failure != nil {
			_, _ = fmt.Fprintf(v.w, "--- ERROR: lane %d: %s\n", event.Lane, event.Failure.Error())
		}
	case ActionTestStart, ActionSuiteIterationStart, ActionCaseStart, ActionCaseEnd, ActionSuiteIterationEnd:
	}

	return nil
}

func stepName(s *result.Step) string {
	if s == nil {
		return ""
	}

	if s.Transaction != "" {
		return "[" + s.Transaction + "] " + s.Name
	}

	return s.Name
}

// Summary prints the final results.
func (v *VerboseFormatter) Summary(tally *Tally) error {
	_, _ = fmt.Fprintln(v.w)

	status := "PASS"
	if !tally.Ok() {
		status = "FAIL"
	}

	_, _ = fmt.Fprintf(v.w, "%s\n", status)
	_, _ = fmt.Fprintf(v.w, "  %d iterations, %d passed, %d failed, %d errors\n",
		tally.Total,
		tally.Passed,
		tally.Failed,
		tally.Errors,
	)
	_, _ = fmt.Fprintf(v.w, "  %d steps, %d warnings\n", tally.Steps, tally.Warnings)
	_, _ = fmt.Fprintf(v.w, "  elapsed: %s\n", tally.Elapsed().Round(time.Millisecond))

	return nil
}

// -----------------------------------------------------------------------------
// JSON Formatter
// -----------------------------------------------------------------------------

// JSONFormatter outputs newline-delimited JSON events.
type JSONFormatter struct {
	enc *json.Encoder
}

// NewJSONFormatter creates a JSON formatter.
func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{enc: json.NewEncoder(w)}
}

type jsonEvent struct {
	Time           string          `json:"time"`
	Action         string          `json:"action"`
	Suite          string          `json:"suite,omitempty"`
	TestID         string          `json:"testId,omitempty"`
	Lane           int             `json:"lane"`
	Case           string          `json:"case,omitempty"`
	SuiteIteration int             `json:"suiteIteration,omitempty"`
	Iteration      int             `json:"iteration,omitempty"`
	Status         string          `json:"status,omitempty"`
	Elapsed        float64         `json:"elapsed,omitempty"`
	Step           *result.Step    `json:"step,omitempty"`
	Failure        *result.Failure `json:"failure,omitempty"`
	Level          string          `json:"level,omitempty"`
	Output         string          `json:"output,omitempty"`
	File           string          `json:"file,omitempty"`
	Line           int             `json:"line,omitempty"`
}

// Format outputs a JSON event.
func (j *JSONFormatter) Format(event Event, _ *Tally) error {
	je := jsonEvent{
		Time:           event.Time.Format(time.RFC3339Nano),
		Action:         string(event.Action),
		Suite:          event.Suite,
		TestID:         event.TestID,
		Lane:           event.Lane,
		Case:           event.CaseName(),
		SuiteIteration: event.SuiteIteration,
		Iteration:      event.Iteration,
		Status:         string(event.Status),
		Step:           event.Step,
		Failure:        event.Failure,
		Level:          event.Level,
		Output:         event.Output,
		File:           event.File,
		Line:           event.Line,
	}

	if event.Action.IsEnd() {
		je.Elapsed = event.Elapsed.Seconds()
	}

	return j.enc.Encode(je)
}

type jsonSummary struct {
	Action   string  `json:"action"`
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errors   int     `json:"errors"`
	Steps    int     `json:"steps"`
	Warnings int     `json:"warnings"`
	Elapsed  float64 `json:"elapsed"`
	Ok       bool    `json:"ok"`
}

// Summary outputs the final JSON summary.
func (j *JSONFormatter) Summary(tally *Tally) error {
	return j.enc.Encode(jsonSummary{
		Action:   "summary",
		Total:    tally.Total,
		Passed:   tally.Passed,
		Failed:   tally.Failed,
		Errors:   tally.Errors,
		Steps:    tally.Steps,
		Warnings: tally.Warnings,
		Elapsed:  tally.Elapsed().Seconds(),
		Ok:       tally.Ok(),
	})
}

// NewFormatter creates a formatter by name: "dots" (default), "verbose" or
// "json".
func NewFormatter(name string, w io.Writer) Formatter {
	switch name {
	case "verbose":
		return NewVerboseFormatter(w)
	case "json":
		return NewJSONFormatter(w)
	default:
		return NewDotsFormatter(w)
	}
}
