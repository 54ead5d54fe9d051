package runner

import (
	"strconv"
	"sync"
	"time"

	"github.com/rlch/drover/result"
)

// Tally accumulates outcomes from events. One Tally may be shared by every
// lane of a launch.
type Tally struct {
	mu sync.RWMutex

	StartTime time.Time
	EndTime   time.Time

	// Iteration counts.
	Total  int
	Passed int
	Failed int

	Steps    int
	Warnings int

	// Errors counts lanes that ended with a summary failure.
	Errors int

	// Outcomes indexed by event ID.
	Outcomes map[string]*Outcome

	// Order preserves insertion order for display.
	Order []string
}

// NewTally creates an initialized Tally.
func NewTally() *Tally {
	return &Tally{
		StartTime: time.Now(),
		Outcomes:  make(map[string]*Outcome),
	}
}

// Add records an event.
func (t *Tally) Add(event Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Action {
	case ActionIterationStart:
		t.outcome(event)
	case ActionStep:
		t.Steps++

		if event.Step != nil && event.Step.Status == result.Warning {
			t.Warnings++
		}
	case ActionLog:
		o := t.outcome(event)
		o.Output = append(o.Output, event.Output)
	case ActionIterationEnd:
		o := t.outcome(event)
		o.Status = event.Status
		o.Elapsed = event.Elapsed
		o.Failure = event.Failure

		t.Total++

		if event.Status == result.Failed {
			t.Failed++
		} else {
			t.Passed++
		}
	case ActionTestEnd:
		if event.Failure != nil {
			t.Errors++

			o := t.outcome(event)
			o.Status = result.Failed
			o.Failure = event.Failure
			o.Elapsed = event.Elapsed
		}
	case ActionTestStart, ActionSuiteIterationStart, ActionCaseStart, ActionBreakpoint,
		ActionCaseEnd, ActionSuiteIterationEnd:
		// Not counted
	}
}

func (t *Tally) outcome(event Event) *Outcome {
	id := event.ID()

	o, ok := t.Outcomes[id]
	if !ok {
		o = &Outcome{
			Path:           event.Path,
			Lane:           event.Lane,
			SuiteIteration: event.SuiteIteration,
			Iteration:      event.Iteration,
			label:          event.Label(),
		}
		t.Outcomes[id] = o
		t.Order = append(t.Order, id)
	}

	return o
}

// Finish marks the tally as complete.
func (t *Tally) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.EndTime = time.Now()
}

// Elapsed returns the total execution time.
func (t *Tally) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}

	return t.EndTime.Sub(t.StartTime)
}

// Counts is a point-in-time copy of a tally's counters.
type Counts struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Steps    int           `json:"steps"`
	Warnings int           `json:"warnings"`
	Errors   int           `json:"errors"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Counts returns the current counters. Safe while lanes are running.
func (t *Tally) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()

	elapsed := t.EndTime.Sub(t.StartTime)
	if t.EndTime.IsZero() {
		elapsed = time.Since(t.StartTime)
	}

	return Counts{
		Total:    t.Total,
		Passed:   t.Passed,
		Failed:   t.Failed,
		Steps:    t.Steps,
		Warnings: t.Warnings,
		Errors:   t.Errors,
		Elapsed:  elapsed,
	}
}

// Ok returns true if nothing failed.
func (t *Tally) Ok() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.Failed == 0 && t.Errors == 0
}

// Failures returns failed iterations plus lane errors.
func (t *Tally) Failures() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.Failed + t.Errors
}

// FailedOutcomes returns failed iterations and lane errors in order.
func (t *Tally) FailedOutcomes() []*Outcome {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var failed []*Outcome

	for _, id := range t.Order {
		o := t.Outcomes[id]
		if o.Status == result.Failed {
			failed = append(failed, o)
		}
	}

	return failed
}

// Outcome is the tallied result of one case iteration, or of a lane that
// failed outside any iteration.
type Outcome struct {
	Path           []string
	Lane           int
	SuiteIteration int
	Iteration      int
	Status         result.Status
	Elapsed        time.Duration
	Failure        *result.Failure
	Output         []string

	label string
}

// Label names the outcome for display.
func (o *Outcome) Label() string {
	if o.label == "" {
		return "lane " + strconv.Itoa(o.Lane)
	}

	return o.label
}
