// Package worker runs scripts in an isolated worker and speaks the JSON-RPC
// protocol between a runner and that worker.
//
// The runner drives the worker with three calls: init, run and dispose. The
// worker sends log notifications back and, when a breakpoint is hit, calls
// breakpoint on the runner and waits for the reply before continuing.
package worker

import (
	"time"

	"github.com/rlch/drover"
	"github.com/rlch/drover/result"
)

// Protocol methods.
const (
	MethodInit       = "init"
	MethodRun        = "run"
	MethodDispose    = "dispose"
	MethodLog        = "log"
	MethodBreakpoint = "breakpoint"
)

// ResultKind tags every reply.
type ResultKind string

const (
	InitSuccess      ResultKind = "init-success"
	InitFailed       ResultKind = "init-failed"
	ExecutionSuccess ResultKind = "execution-success"
	ExecutionFailed  ResultKind = "execution-failed"
	Disposed         ResultKind = "disposed"
)

// InitParams configures the worker's modules.
type InitParams struct {
	// Modules to load with their options. Empty loads every registered
	// module with no options.
	Modules map[string]drover.ModuleConfig `json:"modules,omitempty"`

	Caps  drover.Capabilities `json:"caps,omitempty"`
	Delay time.Duration       `json:"delay,omitempty"`

	// Artifacts enables failure artifact capture when Screenshots is set.
	Artifacts      drover.ArtifactConfig `json:"artifacts"`
	ArtifactPrefix string                `json:"artifactPrefix,omitempty"`
}

// InitResult answers init.
type InitResult struct {
	Kind  ResultKind      `json:"kind"`
	Error *result.Failure `json:"error,omitempty"`
}

// RunParams asks the worker to execute one script.
type RunParams struct {
	File            string                  `json:"file"`
	Source          string                  `json:"source"`
	Context         drover.ExecutionContext `json:"context"`
	Breakpoints     []int                   `json:"breakpoints,omitempty"`
	ContinueOnError bool                    `json:"continueOnError,omitempty"`
}

// RunResult answers run. Vars is the script's vars bag after execution;
// numbers come back as float64.
type RunResult struct {
	Kind     ResultKind      `json:"kind"`
	Steps    []*result.Step  `json:"steps"`
	Vars     map[string]any  `json:"vars,omitempty"`
	Duration time.Duration   `json:"duration"`
	Error    *result.Failure `json:"error,omitempty"`
}

// DisposeResult answers dispose.
type DisposeResult struct {
	Kind ResultKind `json:"kind"`
}

// LogParams is a log line emitted inside the worker.
type LogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// BreakpointParams reports that execution paused before a line.
type BreakpointParams struct {
	File string `json:"file"`
	Line int    `json:"line"`
}
