package params_test

import (
	"testing"

	"github.com/rlch/drover/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoRows() *params.Source {
	return params.New([]params.Row{
		params.NewRow("user", "alice", "pass", "a1"),
		params.NewRow("user", "bob", "pass", "b2"),
	}, params.Sequential)
}

func TestSequential_CycleReturnsToStart(t *testing.T) {
	src := twoRows()

	first, err := src.Current()
	require.NoError(t, err)

	src.Advance()
	assert.Equal(t, 1, src.Cursor())

	src.Advance()
	assert.Equal(t, 0, src.Cursor())

	got, err := src.Current()
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Equal(t, map[string]any{"user": "alice", "pass": "a1"}, got)
}

func TestSequential_CycleAnyLength(t *testing.T) {
	for n := 1; n <= 7; n++ {
		rows := make([]params.Row, n)
		for i := range rows {
			rows[i] = params.NewRow("i", i)
		}

		src := params.New(rows, params.Sequential)
		for range n {
			src.Advance()
		}

		assert.Equal(t, 0, src.Cursor(), "n=%d", n)
	}
}

func TestRandom_StaysInRange(t *testing.T) {
	rows := []params.Row{params.NewRow("i", 0), params.NewRow("i", 1), params.NewRow("i", 2)}
	src := params.New(rows, params.Random, params.WithSeed(42))

	seen := map[int]bool{}

	for range 200 {
		src.Advance()
		require.GreaterOrEqual(t, src.Cursor(), 0)
		require.Less(t, src.Cursor(), 3)

		seen[src.Cursor()] = true
	}

	assert.Len(t, seen, 3)
}

func TestRandom_Deterministic(t *testing.T) {
	rows := []params.Row{params.NewRow("i", 0), params.NewRow("i", 1), params.NewRow("i", 2), params.NewRow("i", 3)}
	a := params.New(rows, params.Random, params.WithSeed(7))
	b := params.New(rows, params.Random, params.WithSeed(7))

	for range 20 {
		a.Advance()
		b.Advance()
		require.Equal(t, a.Cursor(), b.Cursor())
	}
}

func TestEmptyTable(t *testing.T) {
	src := params.New(nil, params.Sequential)

	src.Advance()
	assert.Equal(t, 0, src.Cursor())

	_, err := src.Current()
	require.ErrorIs(t, err, params.ErrEmptyTable)

	v, err := src.Scalar("user")
	require.ErrorIs(t, err, params.ErrEmptyTable)
	assert.Nil(t, v)
}

func TestScalar(t *testing.T) {
	src := twoRows()
	src.Advance()

	v, err := src.Scalar("user")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)

	_, err = src.Scalar("email")
	require.ErrorIs(t, err, params.ErrUnknownColumn)
}

func TestColumnsPreserveOrder(t *testing.T) {
	src := params.New([]params.Row{
		params.NewRow("z", 1, "a", 2),
		params.NewRow("z", 3, "m", 4),
	}, params.Sequential)

	assert.Equal(t, []string{"z", "a", "m"}, src.Columns())
}

func TestPartition_Disjoint(t *testing.T) {
	rows := make([]params.Row, 7)
	for i := range rows {
		rows[i] = params.NewRow("i", i)
	}

	parts := params.New(rows, params.Sequential).Partition(3)
	require.Len(t, parts, 3)

	seen := map[any]bool{}

	for _, p := range parts {
		require.Equal(t, 2, p.Len())

		for range p.Len() {
			v, err := p.Scalar("i")
			require.NoError(t, err)
			require.False(t, seen[v], "row %v handed to two lanes", v)

			seen[v] = true

			p.Advance()
		}
	}

	// 7 rows over 3 lanes: one remainder row is unused.
	assert.Len(t, seen, 6)
	assert.False(t, seen[6])
}

func TestPartition_FewerRowsThanLanes(t *testing.T) {
	parts := twoRows().Partition(3)
	require.Len(t, parts, 3)

	for _, p := range parts {
		assert.Equal(t, 2, p.Len())
		assert.Equal(t, 0, p.Cursor())
	}

	parts[0].Advance()
	assert.Equal(t, 0, parts[1].Cursor())
}

func TestParseMode(t *testing.T) {
	m, err := params.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, params.Sequential, m)

	m, err = params.ParseMode("random")
	require.NoError(t, err)
	assert.Equal(t, params.Random, m)

	_, err = params.ParseMode("shuffle")
	require.ErrorIs(t, err, params.ErrInvalidMode)
}
