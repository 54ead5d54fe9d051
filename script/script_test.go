package script_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rlch/drover"
	"github.com/rlch/drover/intercept"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Module, Op  string
	Args        []any
	Transaction string
}

type fakeHost struct {
	modules map[string]func(op string, args []any) (any, error)
	calls   []call
	tx      string
}

func newHost() *fakeHost {
	echo := func(_ string, args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}

		return args[0], nil
	}

	return &fakeHost{modules: map[string]func(string, []any) (any, error){
		"web": echo,
		"api": echo,
	}}
}

func (h *fakeHost) Call(_ context.Context, module, op string, args []any) (any, error) {
	h.calls = append(h.calls, call{Module: module, Op: op, Args: args, Transaction: h.tx})

	return h.modules[module](op, args)
}

func (h *fakeHost) IsModule(name string) bool {
	_, ok := h.modules[name]

	return ok
}

func (h *fakeHost) SetTransaction(name string) { h.tx = name }

func run(t *testing.T, src string, host *fakeHost, ectx *drover.ExecutionContext, opts ...script.RunOption) error {
	t.Helper()

	p, err := script.Parse("test.dvr", src)
	require.NoError(t, err)

	return p.Run(context.Background(), host, ectx, opts...)
}

func TestParseSyntaxErrorHasPosition(t *testing.T) {
	_, err := script.Parse("bad.dvr", "web.open(\"/\")\n\nlet x = (1 +\n")
	require.Error(t, err)

	var de *drover.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, drover.KindScript, de.Kind)
	assert.Equal(t, "bad.dvr", de.File)
	assert.Equal(t, 3, de.Line)
	assert.Positive(t, de.Column)
}

func TestParseUnclosedTransaction(t *testing.T) {
	_, err := script.Parse("tx.dvr", "transaction \"a\" {\n  web.open(1)\n")
	require.Error(t, err)

	var de *drover.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, drover.KindScript, de.Kind)
}

func TestLines(t *testing.T) {
	src := `# comment
web.open("/")

transaction "t" {
  web.click("#go")
}
// trailing
`
	p, err := script.Parse("l.dvr", src)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5}, p.Lines())
}

func TestModuleCallDispatch(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(map[string]any{"user": "ann"}, nil, nil, nil)

	err := run(t, `web.type("#name", params.user)
api.get("/x", 1 + 2)
`, host, &ectx)
	require.NoError(t, err)

	require.Len(t, host.calls, 2)
	assert.Equal(t, call{Module: "web", Op: "type", Args: []any{"#name", "ann"}}, host.calls[0])
	assert.Equal(t, "get", host.calls[1].Op)
	assert.Equal(t, []any{"/x", 3}, host.calls[1].Args)
}

func TestLetAndSet(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, map[string]string{"BASE": "http://h"}, map[string]any{"n": 1}, nil)

	err := run(t, `let url = env.BASE + "/home"
set visited = web.open(url)
set n = vars.n + 1
`, host, &ectx)
	require.NoError(t, err)

	assert.Equal(t, "http://h/home", ectx.Vars["visited"])
	assert.Equal(t, 2, ectx.Vars["n"])
}

func TestBindReservedName(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	err := run(t, "let web = 1\n", host, &ectx)

	var de *drover.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, drover.KindScript, de.Kind)
	assert.Equal(t, 1, de.Line)
}

func TestTransactionLabels(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	err := run(t, `web.open("/")
transaction "login" {
  web.type("#u", "x")
  web.click("#go")
}
web.close()
`, host, &ectx)
	require.NoError(t, err)

	var labels []string
	for _, c := range host.calls {
		labels = append(labels, c.Transaction)
	}

	assert.Equal(t, []string{"", "login", "login", ""}, labels)
}

func TestStepErrorStopsRun(t *testing.T) {
	host := newHost()
	stepErr := &intercept.StepError{
		Step:    &result.Step{Name: "web.click()"},
		Failure: &result.Failure{Kind: drover.KindElementNotFound, Message: "no #go", Fatal: true},
	}
	host.modules["web"] = func(op string, _ []any) (any, error) {
		if op == "click" {
			return nil, stepErr
		}

		return nil, nil
	}

	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	err := run(t, `web.open("/")
web.click("#go")
web.close()
`, host, &ectx)

	var got *intercept.StepError
	require.ErrorAs(t, err, &got)
	assert.Same(t, stepErr, got)
	assert.Len(t, host.calls, 2)
}

func TestRuntimeErrorIsLocated(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	err := run(t, "web.open(\"/\")\nlet x = missing + 1\n", host, &ectx)

	var de *drover.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, drover.KindScript, de.Kind)
	assert.Equal(t, 2, de.Line)
}

func TestModuleErrorKeepsKind(t *testing.T) {
	host := newHost()
	host.modules["api"] = func(string, []any) (any, error) {
		return nil, drover.Errorf(drover.KindInvalidArgument, "bad")
	}

	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	err := run(t, "\n  api.get()\n", host, &ectx)

	var de *drover.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, drover.KindInvalidArgument, de.Kind)
	assert.Equal(t, 2, de.Line)
	assert.Equal(t, "test.dvr", de.File)
}

func TestBreakpoints(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	var hits []int

	err := run(t, "web.a()\nweb.b()\nweb.c()\n", host, &ectx,
		script.WithBreakpoints([]int{2, 3}, func(_ context.Context, file string, line int) error {
			assert.Equal(t, "test.dvr", file)
			hits = append(hits, line)
			// the statement on the breakpoint line has not run yet
			assert.Len(t, host.calls, line-1)

			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, hits)
}

func TestBreakpointAbort(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)
	stop := errors.New("stop")

	err := run(t, "web.a()\nweb.b()\n", host, &ectx,
		script.WithBreakpoints([]int{2}, func(context.Context, string, int) error { return stop }))
	require.ErrorIs(t, err, stop)
	assert.Len(t, host.calls, 1)
}

func TestCancelledContext(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	p, err := script.Parse("c.dvr", "web.a()\n")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Run(ctx, host, &ectx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, host.calls)
}

func TestBuiltins(t *testing.T) {
	host := newHost()
	ectx := drover.NewExecutionContext(nil, nil, nil, nil)

	err := run(t, `set id = uuid()
set pw = password(12)
sleep(1)
set recent = now().Year() >= 2024
`, host, &ectx)
	require.NoError(t, err)

	assert.Len(t, ectx.Vars["id"], 36)
	assert.Len(t, ectx.Vars["pw"], 12)
	assert.Equal(t, true, ectx.Vars["recent"])
}
