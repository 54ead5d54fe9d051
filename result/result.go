// Package result holds the tree of outcomes a run produces: steps nested in
// case iterations, cases, suite iterations and finally one Test per lane.
//
// Aggregates derive their status when sealed and refuse changes afterwards.
// None of the types lock; the runner that owns a tree serializes access.
package result

import (
	"errors"
	"fmt"
	"time"

	"github.com/rlch/drover"
)

// ErrSealed is returned when a sealed aggregate is modified.
var ErrSealed = errors.New("result: already sealed")

// Status is the outcome of a step or aggregate.
type Status string

// Statuses. Aggregates are only ever Passed or Failed.
const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Warning Status = "warning"
)

// Failure explains why a step or run went wrong. It is computed once, at
// classification time, and never changed.
type Failure struct {
	Kind    drover.ErrorKind `json:"type"`
	Message string           `json:"message"`
	File    string           `json:"file,omitempty"`
	Line    int              `json:"line,omitempty"`
	Column  int              `json:"column,omitempty"`
	Fatal   bool             `json:"fatal"`

	// Diagnostic is a serialized payload kept for unclassified errors.
	Diagnostic string `json:"diagnostic,omitempty"`
}

func (f *Failure) Error() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s: %s (%s:%d:%d)", f.Kind, f.Message, f.File, f.Line, f.Column)
	}

	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Step is one intercepted module operation.
type Step struct {
	Name        string             `json:"name"`
	Module      string             `json:"module"`
	Operation   string             `json:"operation"`
	Status      Status             `json:"status"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	Duration    time.Duration      `json:"duration"`
	Transaction string             `json:"transaction,omitempty"`
	Failure     *Failure           `json:"failure,omitempty"`
	Artifact    string             `json:"artifact,omitempty"`
	Stats       map[string]float64 `json:"stats,omitempty"`
}

// CaseIteration is one execution of a case's script.
type CaseIteration struct {
	Index int       `json:"index"`
	Steps []*Step   `json:"steps"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Failure is set when the script itself failed rather than a step, or
	// repeats the fatal step failure that aborted the run.
	Failure *Failure `json:"failure,omitempty"`

	Status Status `json:"status,omitempty"`
	sealed bool
}

// NewCaseIteration starts an iteration at the given 1-based index.
func NewCaseIteration(index int, start time.Time) *CaseIteration {
	return &CaseIteration{Index: index, Start: start}
}

// Add appends steps in invocation order.
func (it *CaseIteration) Add(steps ...*Step) error {
	if it.sealed {
		return ErrSealed
	}

	it.Steps = append(it.Steps, steps...)

	return nil
}

// Fail records the iteration-level failure.
func (it *CaseIteration) Fail(f *Failure) error {
	if it.sealed {
		return ErrSealed
	}

	it.Failure = f

	return nil
}

// Seal fixes the end time and derives the status: failed when any step
// failed or a fatal iteration failure is recorded. Sealing twice is a no-op.
func (it *CaseIteration) Seal(end time.Time) {
	if it.sealed {
		return
	}

	it.sealed = true
	it.End = end
	it.Status = Passed

	if it.Failure != nil && it.Failure.Fatal {
		it.Status = Failed
	}

	for _, s := range it.Steps {
		if s.Status == Failed {
			it.Status = Failed
		}
	}
}

// Sealed reports whether Seal has been called.
func (it *CaseIteration) Sealed() bool { return it.sealed }

// Duration is End-Start once sealed.
func (it *CaseIteration) Duration() time.Duration { return it.End.Sub(it.Start) }

// Case collects the iterations of one case within one suite iteration.
type Case struct {
	Name       string           `json:"name"`
	Iterations []*CaseIteration `json:"iterations"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Status     Status           `json:"status,omitempty"`
	sealed     bool
}

// NewCase starts a case result.
func NewCase(name string, start time.Time) *Case {
	return &Case{Name: name, Start: start}
}

// Add appends an iteration.
func (c *Case) Add(it *CaseIteration) error {
	if c.sealed {
		return ErrSealed
	}

	c.Iterations = append(c.Iterations, it)

	return nil
}

// Seal seals any open iteration, then derives the status: failed iff an
// iteration failed.
func (c *Case) Seal(end time.Time) {
	if c.sealed {
		return
	}

	c.sealed = true
	c.End = end
	c.Status = Passed

	for _, it := range c.Iterations {
		it.Seal(end)

		if it.Status == Failed {
			c.Status = Failed
		}
	}
}

// Sealed reports whether Seal has been called.
func (c *Case) Sealed() bool { return c.sealed }

// SuiteIteration collects every case for one pass over the suite.
type SuiteIteration struct {
	Index  int       `json:"index"`
	Cases  []*Case   `json:"cases"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status Status    `json:"status,omitempty"`
	sealed bool
}

// NewSuiteIteration starts a suite iteration at the given 1-based index.
func NewSuiteIteration(index int, start time.Time) *SuiteIteration {
	return &SuiteIteration{Index: index, Start: start}
}

// Add appends a case.
func (si *SuiteIteration) Add(c *Case) error {
	if si.sealed {
		return ErrSealed
	}

	si.Cases = append(si.Cases, c)

	return nil
}

// Seal seals open cases and derives the status.
func (si *SuiteIteration) Seal(end time.Time) {
	if si.sealed {
		return
	}

	si.sealed = true
	si.End = end
	si.Status = Passed

	for _, c := range si.Cases {
		c.Seal(end)

		if c.Status == Failed {
			si.Status = Failed
		}
	}
}

// Sealed reports whether Seal has been called.
func (si *SuiteIteration) Sealed() bool { return si.sealed }

// Test is the complete outcome of one lane running a suite.
type Test struct {
	ID           string              `json:"id"`
	Suite        string              `json:"suite"`
	Lane         int                 `json:"lane"`
	Capabilities drover.Capabilities `json:"capabilities"`
	Iterations   []*SuiteIteration   `json:"iterations"`
	Start        time.Time           `json:"start"`
	End          time.Time           `json:"end"`

	// Failure is an orchestration failure (the worker died, the protocol
	// broke) as opposed to anything a script did.
	Failure *Failure `json:"failure,omitempty"`

	Status Status `json:"status,omitempty"`
	sealed bool
}

// NewTest starts the result for one lane.
func NewTest(id, suite string, lane int, caps drover.Capabilities, start time.Time) *Test {
	return &Test{
		ID:           id,
		Suite:        suite,
		Lane:         lane,
		Capabilities: caps.Clone(),
		Start:        start,
	}
}

// Add appends a suite iteration.
func (t *Test) Add(si *SuiteIteration) error {
	if t.sealed {
		return ErrSealed
	}

	t.Iterations = append(t.Iterations, si)

	return nil
}

// Fail records the orchestration failure. The first one wins.
func (t *Test) Fail(f *Failure) error {
	if t.sealed {
		return ErrSealed
	}

	if t.Failure == nil {
		t.Failure = f
	}

	return nil
}

// Seal seals the whole tree and derives the status.
func (t *Test) Seal(end time.Time) {
	if t.sealed {
		return
	}

	t.sealed = true
	t.End = end
	t.Status = Passed

	if t.Failure != nil {
		t.Status = Failed
	}

	for _, si := range t.Iterations {
		si.Seal(end)

		if si.Status == Failed {
			t.Status = Failed
		}
	}
}

// Sealed reports whether Seal has been called.
func (t *Test) Sealed() bool { return t.sealed }

// Duration is End-Start once sealed.
func (t *Test) Duration() time.Duration { return t.End.Sub(t.Start) }

// Counts summarises a Test tree.
type Counts struct {
	Cases            int `json:"cases"`
	CasesFailed      int `json:"casesFailed"`
	Iterations       int `json:"iterations"`
	IterationsFailed int `json:"iterationsFailed"`
	Steps            int `json:"steps"`
	StepsFailed      int `json:"stepsFailed"`
	Warnings         int `json:"warnings"`
}

// Counts walks the tree.
func (t *Test) Counts() Counts {
	var c Counts

	for _, si := range t.Iterations {
		for _, cr := range si.Cases {
			c.Cases++

			if cr.Status == Failed {
				c.CasesFailed++
			}

			for _, it := range cr.Iterations {
				c.Iterations++

				if it.Status == Failed {
					c.IterationsFailed++
				}

				for _, s := range it.Steps {
					c.Steps++

					switch s.Status {
					case Failed:
						c.StepsFailed++
					case Warning:
						c.Warnings++
					case Passed:
					}
				}
			}
		}
	}

	return c
}

// Failures lists every failure in the tree, the summary failure first.
func (t *Test) Failures() []*Failure {
	var out []*Failure

	if t.Failure != nil {
		out = append(out, t.Failure)
	}

	for _, si := range t.Iterations {
		for _, cr := range si.Cases {
			for _, it := range cr.Iterations {
				for _, s := range it.Steps {
					if s.Failure != nil {
						out = append(out, s.Failure)
					}
				}

				if it.Failure != nil && !containsFailure(it.Steps, it.Failure) {
					out = append(out, it.Failure)
				}
			}
		}
	}

	return out
}

func containsFailure(steps []*Step, f *Failure) bool {
	for _, s := range steps {
		if s.Failure == f || s.Failure != nil && *s.Failure == *f {
			return true
		}
	}

	return false
}
