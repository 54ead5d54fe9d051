package runner

import "errors"

// Sentinel errors for the runner package.
var (
	// ErrMaxFailures is returned when the max failure limit is reached.
	ErrMaxFailures = errors.New("runner: max failures reached")

	// ErrKilled is returned by operations interrupted by Kill.
	ErrKilled = errors.New("runner: killed")

	// ErrInvalidState is returned when an operation is called in the wrong
	// lifecycle state.
	ErrInvalidState = errors.New("runner: invalid state")

	// ErrNoWorker is returned when no worker factory is configured.
	ErrNoWorker = errors.New("runner: no worker configured")

	// ErrInitFailed is returned when the worker reports init-failed.
	ErrInitFailed = errors.New("runner: worker init failed")

	// ErrWorkerFailed wraps worker deaths and protocol errors.
	ErrWorkerFailed = errors.New("runner: worker failed")
)
