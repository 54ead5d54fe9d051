package script

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/google/uuid"
	"github.com/rlch/drover"
	"github.com/rlch/drover/intercept"
	"github.com/sethvargo/go-password/password"
)

// Host is what a running script talks to: the automation modules and the
// transaction label of the steps they record.
type Host interface {
	Call(ctx context.Context, module, op string, args []any) (any, error)
	IsModule(name string) bool
	SetTransaction(name string)
}

// BreakFunc is called before a statement on a breakpoint line executes.
// Returning an error aborts the run.
type BreakFunc func(ctx context.Context, file string, line int) error

// RunOption configures Run.
type RunOption func(*run)

// WithBreakpoints pauses before each statement starting on one of lines.
func WithBreakpoints(lines []int, fn BreakFunc) RunOption {
	return func(r *run) {
		for _, l := range lines {
			r.breakpoints[l] = true
		}

		r.onBreak = fn
	}
}

var reserved = []string{"params", "env", "vars", "caps", "invoke", "uuid", "password", "sleep"}

type run struct {
	prog        *Program
	host        Host
	ectx        *drover.ExecutionContext
	locals      map[string]any
	tx          string
	breakpoints map[int]bool
	onBreak     BreakFunc
}

// Run executes the program against host. ectx is bound into scope as
// params, env, vars and caps; set statements write into ectx.Vars. Run stops
// at the first error, which is a *intercept.StepError for fatal step
// failures, the context error on cancellation, or a *drover.Error.
func (p *Program) Run(ctx context.Context, host Host, ectx *drover.ExecutionContext, opts ...RunOption) error {
	if ectx.Vars == nil {
		ectx.Vars = map[string]any{}
	}

	r := &run{
		prog:        p,
		host:        host,
		ectx:        ectx,
		locals:      map[string]any{},
		breakpoints: map[int]bool{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r.exec(ctx, p.Script.Statements)
}

func (r *run) exec(ctx context.Context, stmts []*Statement) error {
	for _, st := range stmts {
		err := ctx.Err()
		if err != nil {
			return err
		}

		if r.onBreak != nil && r.breakpoints[st.Line()] {
			err = r.onBreak(ctx, r.prog.File, st.Line())
			if err != nil {
				return err
			}
		}

		switch {
		case st.Let != nil:
			err = r.bind(ctx, st.Let, r.locals)
		case st.Set != nil:
			err = r.bind(ctx, st.Set, r.ectx.Vars)
		case st.Transaction != nil:
			err = r.transaction(ctx, st.Transaction)
		default:
			_, err = r.eval(ctx, st.Expr)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (r *run) bind(ctx context.Context, b *Binding, into map[string]any) error {
	if slices.Contains(reserved, b.Name) || r.host.IsModule(b.Name) {
		return &drover.Error{
			Kind:    drover.KindScript,
			Message: fmt.Sprintf("cannot bind reserved name %q", b.Name),
			File:    r.prog.File,
			Line:    b.Pos.Line,
			Column:  b.Pos.Column,
		}
	}

	v, err := r.eval(ctx, b.Value)
	if err != nil {
		return err
	}

	into[b.Name] = v

	return nil
}

func (r *run) transaction(ctx context.Context, tx *Transaction) error {
	prev := r.tx
	r.tx = tx.Name
	r.host.SetTransaction(tx.Name)

	defer func() {
		r.tx = prev
		r.host.SetTransaction(prev)
	}()

	return r.exec(ctx, tx.Body)
}

func (r *run) env() map[string]any {
	env := make(map[string]any, len(r.locals)+4)
	maps.Copy(env, r.locals)

	env["params"] = r.ectx.Params
	env["env"] = r.ectx.Env
	env["vars"] = r.ectx.Vars
	env["caps"] = map[string]any(r.ectx.Caps)

	return env
}

func (r *run) eval(ctx context.Context, code *Code) (any, error) {
	env := r.env()

	opts := append(builtins(ctx),
		expr.Env(env),
		expr.Patch(callPatcher{isModule: r.host.IsModule}),
		expr.Function("invoke", func(args ...any) (any, error) {
			return r.host.Call(ctx, args[0].(string), args[1].(string), args[2:])
		}),
	)

	program, err := expr.Compile(strings.TrimSpace(code.Text), opts...)
	if err != nil {
		return nil, locate(r.prog.File, code, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, r.fail(ctx, code, err)
	}

	return out, nil
}

func (r *run) fail(ctx context.Context, code *Code, err error) error {
	var stepErr *intercept.StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}

	var de *drover.Error
	if errors.As(err, &de) {
		located := *de
		if located.Line == 0 {
			located.File = r.prog.File
			located.Line = code.Pos.Line
			located.Column = code.Pos.Column
		}

		return &located
	}

	return locate(r.prog.File, code, err)
}

// callPatcher rewrites module.op(args...) into invoke("module", "op", args...).
type callPatcher struct {
	isModule func(string) bool
}

func (p callPatcher) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok {
		return
	}

	member, ok := call.Callee.(*ast.MemberNode)
	if !ok {
		return
	}

	ident, ok := member.Node.(*ast.IdentifierNode)
	if !ok || !p.isModule(ident.Value) {
		return
	}

	prop, ok := member.Property.(*ast.StringNode)
	if !ok {
		return
	}

	args := make([]ast.Node, 0, len(call.Arguments)+2)
	args = append(args, &ast.StringNode{Value: ident.Value}, &ast.StringNode{Value: prop.Value})
	args = append(args, call.Arguments...)

	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: "invoke"},
		Arguments: args,
	})
}

func builtins(ctx context.Context) []expr.Option {
	return []expr.Option{
		expr.Function("uuid", func(...any) (any, error) {
			return uuid.NewString(), nil
		}),
		expr.Function("password", func(args ...any) (any, error) {
			n := 16

			if len(args) > 0 {
				v, err := drover.IntArg(args, 0, "length")
				if err != nil {
					return nil, err
				}

				n = v
			}

			return password.Generate(n, n/4, n/8, false, true)
		}),
		expr.Function("sleep", func(args ...any) (any, error) {
			ms, err := drover.IntArg(args, 0, "milliseconds")
			if err != nil {
				return nil, err
			}

			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, nil
			}
		}),
	}
}

// syntaxOptions are used when checking a script before any module exists.
func syntaxOptions() []expr.Option {
	return append(builtins(context.Background()),
		expr.Function("invoke", func(...any) (any, error) { return nil, nil }),
	)
}
