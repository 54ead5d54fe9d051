// Package assert registers the "assert" and "verify" modules. Both expose the
// same checks; assert failures abort the iteration while verify failures are
// recorded as soft assertions and execution continues.
package assert

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/rlch/drover"
)

// Module names.
const (
	NameAssert = "assert"
	NameVerify = "verify"
)

//nolint:gochecknoinits // Module self-registration pattern
func init() {
	drover.RegisterModule(NameAssert, func(drover.ModuleConfig) (drover.Module, error) {
		return New(NameAssert, false), nil
	})
	drover.RegisterModule(NameVerify, func(drover.ModuleConfig) (drover.Module, error) {
		return New(NameVerify, true), nil
	})
}

// Module evaluates assertions.
type Module struct {
	name string
	soft bool
}

// New creates an assertion module. Soft modules report non-fatal failures.
func New(name string, soft bool) *Module {
	return &Module{name: name, soft: soft}
}

func (m *Module) Name() string        { return m.name }
func (m *Module) IsInitialized() bool { return true }

func (m *Module) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		"equal":       drover.Public("equal(actual, expected, message?)", m.equal),
		"notEqual":    drover.Public("notEqual(actual, unexpected, message?)", m.notEqual),
		"true":        drover.Public("true(value, message?)", m.truthy(true)),
		"false":       drover.Public("false(value, message?)", m.truthy(false)),
		"contains":    drover.Public("contains(haystack, needle, message?)", m.contains),
		"matches":     drover.Public("matches(text, pattern, message?)", m.matches),
		"empty":       drover.Public("empty(value, message?)", m.empty(true)),
		"notEmpty":    drover.Public("notEmpty(value, message?)", m.empty(false)),
		"greaterThan": drover.Public("greaterThan(actual, bound, message?)", m.compare(">", func(a, b float64) bool { return a > b })),
		"lessThan":    drover.Public("lessThan(actual, bound, message?)", m.compare("<", func(a, b float64) bool { return a < b })),
		"fail":        drover.Public("fail(message)", m.fail),
	}
}

func (m *Module) failure(args []any, msgIndex int, format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)

	if custom, err := drover.OptArg(args, msgIndex, "message", ""); err == nil && custom != "" {
		msg = custom + ": " + msg
	}

	return &drover.Error{Kind: drover.KindAssert, Message: msg, Soft: m.soft}
}

func (m *Module) equal(_ context.Context, args []any) (any, error) {
	if len(args) < 2 {
		return nil, drover.Errorf(drover.KindInvalidArgument, "equal needs actual and expected")
	}

	actual, expected := normalize(args[0]), normalize(args[1])
	if diff := cmp.Diff(expected, actual); diff != "" {
		return nil, m.failure(args, 2, "expected %v, got %v (-want +got):\n%s", args[1], args[0], diff)
	}

	return true, nil
}

func (m *Module) notEqual(_ context.Context, args []any) (any, error) {
	if len(args) < 2 {
		return nil, drover.Errorf(drover.KindInvalidArgument, "notEqual needs actual and unexpected")
	}

	if cmp.Equal(normalize(args[0]), normalize(args[1])) {
		return nil, m.failure(args, 2, "expected value other than %v", args[1])
	}

	return true, nil
}

func (m *Module) truthy(want bool) drover.OperationFunc {
	return func(_ context.Context, args []any) (any, error) {
		v, err := drover.Arg[bool](args, 0, "value")
		if err != nil {
			return nil, err
		}

		if v != want {
			return nil, m.failure(args, 1, "expected %t, got %t", want, v)
		}

		return true, nil
	}
}

func (m *Module) contains(_ context.Context, args []any) (any, error) {
	if len(args) < 2 {
		return nil, drover.Errorf(drover.KindInvalidArgument, "contains needs haystack and needle")
	}

	ok := false

	switch h := args[0].(type) {
	case string:
		ok = strings.Contains(h, fmt.Sprint(args[1]))
	case []any:
		needle := normalize(args[1])
		for _, v := range h {
			if cmp.Equal(normalize(v), needle) {
				ok = true

				break
			}
		}
	case map[string]any:
		_, ok = h[fmt.Sprint(args[1])]
	default:
		return nil, drover.Errorf(drover.KindInvalidArgument, "contains: cannot search %T", args[0])
	}

	if !ok {
		return nil, m.failure(args, 2, "%v does not contain %v", args[0], args[1])
	}

	return true, nil
}

func (m *Module) matches(_ context.Context, args []any) (any, error) {
	text, err := drover.Arg[string](args, 0, "text")
	if err != nil {
		return nil, err
	}

	pattern, err := drover.Arg[string](args, 1, "pattern")
	if err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, drover.WrapError(drover.KindInvalidArgument, err)
	}

	if !re.MatchString(text) {
		return nil, m.failure(args, 2, "%q does not match %q", text, pattern)
	}

	return true, nil
}

func (m *Module) empty(want bool) drover.OperationFunc {
	return func(_ context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, drover.Errorf(drover.KindInvalidArgument, "missing argument 1 (value)")
		}

		if isEmpty(args[0]) != want {
			if want {
				return nil, m.failure(args, 1, "expected empty, got %v", args[0])
			}

			return nil, m.failure(args, 1, "expected a value, got %v", args[0])
		}

		return true, nil
	}
}

func (m *Module) compare(op string, fn func(a, b float64) bool) drover.OperationFunc {
	return func(_ context.Context, args []any) (any, error) {
		if len(args) < 2 {
			return nil, drover.Errorf(drover.KindInvalidArgument, "missing comparison operands")
		}

		a, aok := number(args[0])
		b, bok := number(args[1])

		if !aok || !bok {
			return nil, drover.Errorf(drover.KindInvalidArgument, "cannot compare %T and %T", args[0], args[1])
		}

		if !fn(a, b) {
			return nil, m.failure(args, 2, "expected %v %s %v", args[0], op, args[1])
		}

		return true, nil
	}
}

func (m *Module) fail(_ context.Context, args []any) (any, error) {
	msg, err := drover.OptArg(args, 0, "message", "failed")
	if err != nil {
		return nil, err
	}

	return nil, &drover.Error{Kind: drover.KindAssert, Message: msg, Soft: m.soft}
}

// normalize makes values from scripts and from JSON comparable: every
// number becomes a float64.
func normalize(v any) any {
	if f, ok := number(v); ok {
		return f
	}

	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}

		return out
	default:
		return v
	}
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return rv.IsZero()
	}
}
