// Package runner drives one lane of a suite: it owns a worker, walks suite
// iterations, cases and case iterations, and builds the lane's result tree.
package runner

import (
	"strconv"
	"strings"
	"time"

	"github.com/rlch/drover/result"
)

// Action represents the type of runner event.
type Action string

// Action constants for runner events.
const (
	ActionTestStart           Action = "test-start"
	ActionSuiteIterationStart Action = "suite-iteration-start"
	ActionCaseStart           Action = "case-start"
	ActionIterationStart      Action = "iteration-start"
	ActionStep                Action = "step"
	ActionLog                 Action = "log"
	ActionBreakpoint          Action = "breakpoint"
	ActionIterationEnd        Action = "iteration-end"
	ActionCaseEnd             Action = "case-end"
	ActionSuiteIterationEnd   Action = "suite-iteration-end"
	ActionTestEnd             Action = "test-end"
)

// IsTerminal returns true for the end of a case iteration, the unit that
// passes or fails.
func (a Action) IsTerminal() bool {
	return a == ActionIterationEnd
}

// IsEnd returns true for any event that closes an aggregate.
func (a Action) IsEnd() bool {
	switch a {
	case ActionIterationEnd, ActionCaseEnd, ActionSuiteIterationEnd, ActionTestEnd:
		return true
	default:
		return false
	}
}

// Event represents a single runner event.
type Event struct {
	Time   time.Time
	Action Action
	Suite  string
	TestID string
	Lane   int

	// Path is ["case"] for case level events and empty above that.
	Path []string

	SuiteIteration int
	Iteration      int

	// Status and Elapsed are set on end events.
	Status  result.Status
	Elapsed time.Duration

	Step    *result.Step
	Failure *result.Failure

	// Level and Output carry a worker log line.
	Level  string
	Output string

	// File and Line locate a breakpoint.
	File string
	Line int
}

// PathString returns the path as a slash-separated string.
func (e Event) PathString() string {
	return strings.Join(e.Path, "/")
}

// ID returns an identifier unique across lanes and iterations:
// "suite::lane::case::suiteIteration.iteration".
func (e Event) ID() string {
	parts := []string{e.Suite, strconv.Itoa(e.Lane)}
	parts = append(parts, e.Path...)

	if e.Iteration > 0 {
		parts = append(parts, strconv.Itoa(e.SuiteIteration)+"."+strconv.Itoa(e.Iteration))
	}

	return strings.Join(parts, "::")
}

// CaseName returns the case the event belongs to, if any.
func (e Event) CaseName() string {
	if len(e.Path) == 0 {
		return ""
	}

	return e.Path[len(e.Path)-1]
}

// Label is a short human-readable name: "case #2" or "case #1.2" when the
// suite runs more than once.
func (e Event) Label() string {
	name := e.PathString()
	if e.Iteration == 0 {
		return name
	}

	if e.SuiteIteration > 1 {
		return name + " #" + strconv.Itoa(e.SuiteIteration) + "." + strconv.Itoa(e.Iteration)
	}

	return name + " #" + strconv.Itoa(e.Iteration)
}
