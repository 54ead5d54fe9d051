package drover

import "errors"

// Sentinel errors.
var (
	// ErrConfigNotFound is returned when no .drover.yaml is found.
	ErrConfigNotFound = errors.New("drover: no .drover.yaml found")

	// ErrUnknownModule is returned when an unregistered module is requested.
	ErrUnknownModule = errors.New("drover: unknown module")

	// ErrInvalidSuite is returned when a suite definition fails validation.
	ErrInvalidSuite = errors.New("drover: invalid suite")

	// ErrNoScript is returned when a case has neither a script path nor inline source.
	ErrNoScript = errors.New("drover: case has no script")
)
