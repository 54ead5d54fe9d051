// Package probe registers the "probe" module, a scriptable stand-in for a
// real driver used by worker, runner and launcher tests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rlch/drover"
)

// Name is the module's registry name.
const Name = "probe"

var disposed atomic.Int64

func init() {
	drover.RegisterModule(Name, New)
}

// Disposed returns how many probe instances have been disposed.
func Disposed() int64 { return disposed.Load() }

// Module answers scripts predictably.
type Module struct {
	initialized bool
	log         drover.LogFunc
	calls       atomic.Int64
}

// New creates a probe. Option lazy leaves it uninitialized until init().
func New(cfg drover.ModuleConfig) (drover.Module, error) {
	return &Module{initialized: !cfg.Bool("lazy", false)}, nil
}

func (m *Module) Name() string        { return Name }
func (m *Module) IsInitialized() bool { return m.initialized }

func (m *Module) SetLog(fn drover.LogFunc) { m.log = fn }

func (m *Module) Dispose(context.Context) error {
	disposed.Add(1)

	return nil
}

func (m *Module) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		drover.OpInit: drover.Lifecycle("init()", func(context.Context, []any) (any, error) {
			m.initialized = true

			return nil, nil
		}),
		"echo": drover.Public("echo(value)", func(_ context.Context, args []any) (any, error) {
			m.calls.Add(1)

			if len(args) == 0 {
				return nil, nil
			}

			return args[0], nil
		}),
		"find": drover.Public("find(selector)", func(_ context.Context, args []any) (any, error) {
			m.calls.Add(1)

			sel, err := drover.Arg[string](args, 0, "selector")
			if err != nil {
				return nil, err
			}

			if strings.HasPrefix(sel, "#missing") {
				return nil, fmt.Errorf("no such element: Unable to locate element: %s", sel)
			}

			return sel, nil
		}),
		"fail": drover.Public("fail(kind, message)", func(_ context.Context, args []any) (any, error) {
			m.calls.Add(1)

			kind, err := drover.Arg[string](args, 0, "kind")
			if err != nil {
				return nil, err
			}

			msg, err := drover.OptArg(args, 1, "message", "probe failure")
			if err != nil {
				return nil, err
			}

			if kind == "" {
				return nil, errors.New(msg)
			}

			return nil, &drover.Error{Kind: drover.ErrorKind(kind), Message: msg}
		}),
		"wait": drover.Public("wait(ms)", func(ctx context.Context, args []any) (any, error) {
			m.calls.Add(1)

			ms, err := drover.IntArg(args, 0, "ms")
			if err != nil {
				return nil, err
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil, nil
			}
		}),
		"note": drover.Internal("note(message)", func(_ context.Context, args []any) (any, error) {
			msg, err := drover.Arg[string](args, 0, "message")
			if err != nil {
				return nil, err
			}

			if m.log != nil {
				m.log("info", msg)
			}

			return nil, nil
		}),
		"calls": drover.Internal("calls()", func(context.Context, []any) (any, error) {
			return int(m.calls.Load()), nil
		}),
	}
}
