package runner

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rlch/drover"
	"github.com/rlch/drover/result"
)

func iterationEnd(name string, i int, status result.Status) Event {
	return Event{Action: ActionIterationEnd, Suite: "s", Path: []string{name}, SuiteIteration: 1, Iteration: i, Status: status}
}

func TestDotsFormatter_Format(t *testing.T) {
	var buf bytes.Buffer

	f := NewDotsFormatter(&buf)

	_ = f.Format(Event{Action: ActionIterationStart}, nil)

	if buf.Len() != 0 {
		t.Error("Non-terminal should produce no output")
	}

	_ = f.Format(iterationEnd("a", 1, result.Passed), nil)
	_ = f.Format(iterationEnd("a", 2, result.Failed), nil)
	_ = f.Format(Event{Action: ActionTestEnd, Failure: &result.Failure{Kind: drover.KindWorker}}, nil)
	_ = f.Format(Event{Action: ActionTestEnd}, nil)

	if got := buf.String(); got != ".FE" {
		t.Errorf("got %q, want %q", got, ".FE")
	}
}

func TestDotsFormatter_Summary(t *testing.T) {
	var buf bytes.Buffer

	f := NewDotsFormatter(&buf)

	tally := NewTally()
	tally.Add(iterationEnd("login", 1, result.Passed))

	failed := iterationEnd("checkout", 1, result.Failed)
	failed.Failure = &result.Failure{Kind: drover.KindElementNotFound, Message: "no #pay"}
	tally.Add(failed)
	tally.Finish()

	_ = f.Summary(tally)

	got := buf.String()

	if !bytes.Contains(buf.Bytes(), []byte("FAIL checkout #1")) {
		t.Errorf("missing 'FAIL checkout #1' in:\n%s", got)
	}

	if !bytes.Contains(buf.Bytes(), []byte("ELEMENT_NOT_FOUND: no #pay")) {
		t.Errorf("missing failure in:\n%s", got)
	}

	if !bytes.Contains(buf.Bytes(), []byte("2 iterations, 1 passed, 1 failed")) {
		t.Errorf("missing summary counts in:\n%s", got)
	}
}

func TestVerboseFormatter_Format(t *testing.T) {
	var buf bytes.Buffer

	f := NewVerboseFormatter(&buf)

	_ = f.Format(Event{Action: ActionIterationStart, Path: []string{"Login"}, SuiteIteration: 1, Iteration: 2}, nil)

	if got, want := buf.String(), "=== RUN   Login #2\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	buf.Reset()

	end := iterationEnd("Login", 2, result.Passed)
	end.Elapsed = 10 * time.Millisecond
	_ = f.Format(end, nil)

	if got, want := buf.String(), "--- PASS: Login #2 (10ms)\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	buf.Reset()

	_ = f.Format(Event{
		Action: ActionStep,
		Status: result.Warning,
		Step:   &result.Step{Name: `assert.soft(1, 2)`, Transaction: "cart"},
	}, nil)

	if got, want := buf.String(), "    WARN [cart] assert.soft(1, 2) (0s)\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJSONFormatter_Format(t *testing.T) {
	var buf bytes.Buffer

	f := NewJSONFormatter(&buf)

	fixedTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	_ = f.Format(Event{
		Time:           fixedTime,
		Action:         ActionIterationEnd,
		Suite:          "shop",
		Lane:           1,
		Path:           []string{"Checkout"},
		SuiteIteration: 1,
		Iteration:      3,
		Status:         result.Passed,
		Elapsed:        50 * time.Millisecond,
	}, nil)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if got["action"] != "iteration-end" {
		t.Errorf("action = %v, want iteration-end", got["action"])
	}

	if got["case"] != "Checkout" {
		t.Errorf("case = %v, want Checkout", got["case"])
	}

	if got["elapsed"] != 0.05 {
		t.Errorf("elapsed = %v, want 0.05", got["elapsed"])
	}
}

func TestJSONFormatter_Summary(t *testing.T) {
	var buf bytes.Buffer

	f := NewJSONFormatter(&buf)

	tally := NewTally()
	tally.Add(iterationEnd("a", 1, result.Passed))
	tally.Add(iterationEnd("b", 1, result.Failed))
	tally.Finish()

	_ = f.Summary(tally)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if got["action"] != "summary" {
		t.Errorf("action = %v, want summary", got["action"])
	}

	total, ok := got["total"].(float64)
	if !ok || total != 2 {
		t.Errorf("total = %v, want 2", got["total"])
	}

	okVal, ok := got["ok"].(bool)
	if !ok || okVal {
		t.Errorf("ok = %v, want false", got["ok"])
	}
}
