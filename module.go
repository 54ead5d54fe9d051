package drover

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// OperationKind says how the interceptor treats an operation.
type OperationKind int

const (
	// OpPublic operations are recorded as steps, throttled and gated on
	// IsInitialized.
	OpPublic OperationKind = iota

	// OpLifecycle operations (init, dispose) are recorded but never throttled
	// and may run on an uninitialized module.
	OpLifecycle

	// OpInternal operations bypass step recording and the init gate.
	OpInternal
)

func (k OperationKind) String() string {
	switch k {
	case OpPublic:
		return "public"
	case OpLifecycle:
		return "lifecycle"
	case OpInternal:
		return "internal"
	default:
		return fmt.Sprintf("OperationKind(%d)", int(k))
	}
}

// OperationFunc is the business logic behind one operation.
type OperationFunc func(ctx context.Context, args []any) (any, error)

// Operation is a named capability a module exposes to scripts.
type Operation struct {
	Kind OperationKind
	Fn   OperationFunc

	// Usage is a one-line signature shown by `drover modules`.
	Usage string
}

// Public declares a recorded, throttled operation.
func Public(usage string, fn OperationFunc) Operation {
	return Operation{Kind: OpPublic, Fn: fn, Usage: usage}
}

// Lifecycle declares an init/dispose style operation.
func Lifecycle(usage string, fn OperationFunc) Operation {
	return Operation{Kind: OpLifecycle, Fn: fn, Usage: usage}
}

// Internal declares an unrecorded helper operation.
func Internal(usage string, fn OperationFunc) Operation {
	return Operation{Kind: OpInternal, Fn: fn, Usage: usage}
}

// Well-known lifecycle operation names.
const (
	OpInit    = "init"
	OpDispose = "dispose"
)

// Module is an automation driver exposing named operations. Module authors
// implement only the operations; timing, step recording and error
// classification are applied uniformly by the interceptor.
type Module interface {
	Name() string
	Operations() map[string]Operation
	IsInitialized() bool
}

// ArtifactTaker is implemented by modules that can capture evidence (a
// screenshot, a response dump) when an operation fails.
type ArtifactTaker interface {
	TakeFailureArtifact(ctx context.Context, name string) ([]byte, error)
}

// Disposer is implemented by modules holding resources that must be released
// when the worker shuts down.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// StatsReporter is implemented by modules that attach statistics to the
// step produced by their most recent operation.
type StatsReporter interface {
	LastStats() map[string]float64
}

// LogFunc emits a log line from inside a worker.
type LogFunc func(level, message string)

// LogAware is implemented by modules that want to emit log lines.
type LogAware interface {
	SetLog(LogFunc)
}

// ModuleConfig holds module-specific options from .drover.yaml or a suite.
type ModuleConfig map[string]any

// String returns the string option key or def.
func (c ModuleConfig) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}

	return def
}

// Bool returns the bool option key or def.
func (c ModuleConfig) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}

	return def
}

// Int returns the integer option key or def.
func (c ModuleConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Duration returns the duration option key (a Go duration string or a
// number of milliseconds) or def.
func (c ModuleConfig) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return def
		}

		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	default:
		return def
	}
}

// ModuleFactory constructs a module from its configuration.
type ModuleFactory func(cfg ModuleConfig) (Module, error)

var modules = make(map[string]ModuleFactory)

// RegisterModule registers a module factory by name. Modules call it from
// init() so that importing the package is enough to make them available.
func RegisterModule(name string, factory ModuleFactory) {
	modules[name] = factory
}

// NewModule creates a module instance by name.
func NewModule(name string, cfg ModuleConfig) (Module, error) {
	factory, ok := modules[name]
	if !ok {
		return nil, &Error{Kind: KindModuleNotFound, Message: name, Err: ErrUnknownModule}
	}

	if cfg == nil {
		cfg = ModuleConfig{}
	}

	return factory(cfg)
}

// RegisteredModules returns the names of all registered modules, sorted.
func RegisteredModules() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Arg returns args[i] as T or an INVALID_ARGUMENT error.
func Arg[T any](args []any, i int, name string) (T, error) {
	var zero T

	if i >= len(args) {
		return zero, Errorf(KindInvalidArgument, "missing argument %d (%s)", i+1, name)
	}

	v, ok := args[i].(T)
	if !ok {
		return zero, Errorf(KindInvalidArgument, "argument %d (%s): expected %T, got %T", i+1, name, zero, args[i])
	}

	return v, nil
}

// OptArg returns args[i] as T, or def when the argument is absent or nil.
func OptArg[T any](args []any, i int, name string, def T) (T, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}

	return Arg[T](args, i, name)
}

// IntArg returns args[i] as an int, accepting any numeric representation.
func IntArg(args []any, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, Errorf(KindInvalidArgument, "missing argument %d (%s)", i+1, name)
	}

	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, Errorf(KindInvalidArgument, "argument %d (%s): expected number, got %T", i+1, name, args[i])
	}
}
