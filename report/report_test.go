package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rlch/drover"
	"github.com/rlch/drover/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lane(t *testing.T, i int, status result.Status) *result.Test {
	t.Helper()

	start := time.Unix(0, 0)
	test := result.NewTest("id", "checkout", i, drover.Capabilities{"name": "chrome"}, start)

	si := result.NewSuiteIteration(1, start)
	c := result.NewCase("pay", start)
	it := result.NewCaseIteration(1, start)

	step := &result.Step{Name: "web.click()", Status: status}
	if status == result.Failed {
		step.Failure = &result.Failure{Kind: drover.KindElementNotFound, Message: "gone", Fatal: true}
	}

	require.NoError(t, it.Add(step))
	it.Seal(start.Add(time.Second))
	require.NoError(t, c.Add(it))
	c.Seal(start.Add(time.Second))
	require.NoError(t, si.Add(c))
	si.Seal(start.Add(time.Second))
	require.NoError(t, test.Add(si))
	test.Seal(start.Add(2 * time.Second))

	return test
}

func TestBuild(t *testing.T) {
	rep := Build([]*result.Test{lane(t, 0, result.Passed), lane(t, 1, result.Failed)}, time.Unix(10, 0))

	assert.False(t, rep.Ok)
	assert.Equal(t, 2, rep.Totals.Iterations)
	assert.Equal(t, 1, rep.Totals.IterationsFailed)
	assert.Equal(t, 2, rep.Totals.Steps)
}

func TestJSONSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.json")

	require.NoError(t, NewJSONSink(path).Write(context.Background(), []*result.Test{lane(t, 0, result.Passed)}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, true, got["ok"])
	assert.Len(t, got["tests"], 1)
}

func TestTableSink(t *testing.T) {
	var buf bytes.Buffer

	tests := []*result.Test{lane(t, 0, result.Passed), lane(t, 1, result.Failed)}
	require.NoError(t, NewTableSink(&buf, "drover", false).Write(context.Background(), tests))

	out := buf.String()
	assert.Contains(t, out, "drover")
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "chrome")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "TOTAL")
}

type failingSink struct{ err error }

func (f failingSink) Write(context.Context, []*result.Test) error { return f.err }

func TestWriteAll(t *testing.T) {
	e1 := assert.AnError

	err := WriteAll(context.Background(), nil, failingSink{}, failingSink{err: e1})
	require.ErrorIs(t, err, e1)
}
