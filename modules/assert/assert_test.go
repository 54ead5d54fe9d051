package assert

import (
	"context"
	"errors"
	"testing"

	"github.com/rlch/drover"
	"github.com/rlch/drover/classify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(t *testing.T, m *Module, op string, args ...any) error {
	t.Helper()

	o, ok := m.Operations()[op]
	require.True(t, ok, "no operation %s", op)

	_, err := o.Fn(context.Background(), args)

	return err
}

func TestChecks(t *testing.T) {
	m := New(NameAssert, false)

	tests := []struct {
		name string
		op   string
		args []any
		pass bool
	}{
		{"equal numbers across types", "equal", []any{float64(3), 3}, true},
		{"equal strings", "equal", []any{"a", "a"}, true},
		{"equal nested", "equal", []any{map[string]any{"n": float64(1)}, map[string]any{"n": 1}}, true},
		{"unequal", "equal", []any{"a", "b"}, false},
		{"notEqual", "notEqual", []any{1, 2}, true},
		{"notEqual same", "notEqual", []any{1, 1.0}, false},
		{"true", "true", []any{true}, true},
		{"true on false", "true", []any{false}, false},
		{"false", "false", []any{false}, true},
		{"contains substring", "contains", []any{"hello world", "world"}, true},
		{"contains list", "contains", []any{[]any{1, 2, 3}, float64(2)}, true},
		{"contains key", "contains", []any{map[string]any{"id": 1}, "id"}, true},
		{"contains missing", "contains", []any{"hello", "bye"}, false},
		{"matches", "matches", []any{"order-123", `^order-\d+$`}, true},
		{"matches fails", "matches", []any{"order-x", `^order-\d+$`}, false},
		{"empty string", "empty", []any{""}, true},
		{"empty nil", "empty", []any{nil}, true},
		{"empty list", "empty", []any{[]any{1}}, false},
		{"notEmpty", "notEmpty", []any{"x"}, true},
		{"greaterThan", "greaterThan", []any{3, 2.5}, true},
		{"greaterThan equal", "greaterThan", []any{2, 2}, false},
		{"lessThan", "lessThan", []any{1, 2}, true},
		{"fail", "fail", []any{"boom"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := call(t, m, tt.op, tt.args...)
			if tt.pass {
				assert.NoError(t, err)

				return
			}

			var de *drover.Error
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, drover.KindAssert, de.Kind)
			assert.False(t, de.Soft)
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	m := New(NameAssert, false)

	for _, tc := range []struct {
		op   string
		args []any
	}{
		{"equal", []any{1}},
		{"true", []any{"yes"}},
		{"matches", []any{"x", "("}},
		{"contains", []any{42, 4}},
		{"greaterThan", []any{"a", 1}},
	} {
		err := call(t, m, tc.op, tc.args...)
		assert.Equal(t, drover.KindInvalidArgument, classify.Classify(err, NameAssert, tc.op).Kind, tc.op)
	}
}

func TestCustomMessage(t *testing.T) {
	err := call(t, New(NameAssert, false), "equal", 1, 2, "cart total")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cart total: expected 2, got 1")
}

func TestVerifyIsSoft(t *testing.T) {
	err := call(t, New(NameVerify, true), "equal", 1, 2)

	c := classify.Classify(err, NameVerify, "equal")
	assert.Equal(t, drover.KindAssert, c.Kind)
	assert.False(t, c.Fatal)

	c = classify.Classify(call(t, New(NameAssert, false), "equal", 1, 2), NameAssert, "equal")
	assert.True(t, c.Fatal)
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{NameAssert, NameVerify} {
		m, err := drover.NewModule(name, nil)
		require.NoError(t, err)
		assert.Equal(t, name, m.Name())
	}
}
