package script

import (
	"errors"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/file"
	"github.com/rlch/drover"
)

// Keywords only count at the start of a line; everything else on a line is
// handed to expr untouched, so selectors like "#login" need no escaping.
var scriptLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "whitespace", Pattern: `[ \t\r]+`},
		{Name: "comment", Pattern: `(#|//)[^\n]*`},
		{Name: "Newline", Pattern: `\n`},
		{Name: "Let", Pattern: `let\b`, Action: lexer.Push("Binding")},
		{Name: "Set", Pattern: `set\b`, Action: lexer.Push("Binding")},
		{Name: "Transaction", Pattern: `transaction\b`, Action: lexer.Push("TxHeader")},
		{Name: "RBrace", Pattern: `\}`},
		{Name: "Expr", Pattern: `[^\n]+`},
	},
	"Binding": {
		{Name: "whitespace", Pattern: `[ \t\r]+`},
		{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
		{Name: "Assign", Pattern: `=`, Action: lexer.Push("Value")},
		lexer.Return(),
	},
	"Value": {
		{Name: "whitespace", Pattern: `[ \t\r]+`},
		{Name: "Expr", Pattern: `[^\n]+`},
		lexer.Return(),
	},
	"TxHeader": {
		{Name: "whitespace", Pattern: `[ \t\r]+`},
		{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
		{Name: "LBrace", Pattern: `\{`, Action: lexer.Pop()},
		lexer.Return(),
	},
})

var parser = participle.MustBuild[Script](
	participle.Lexer(scriptLexer),
	participle.Unquote("String"),
)

// Program is a parsed script ready to run.
type Program struct {
	File   string
	Script *Script
}

// Parse parses src. filename is used in error positions. Every expression is
// compiled once to surface syntax errors before anything runs.
func Parse(filename, src string) (*Program, error) {
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}

	s, err := parser.ParseString(filename, src)
	if err != nil {
		return nil, parseError(filename, err)
	}

	p := &Program{File: filename, Script: s}

	err = p.walk(func(st *Statement) error {
		code := st.Expr
		switch {
		case st.Let != nil:
			code = st.Let.Value
		case st.Set != nil:
			code = st.Set.Value
		case st.Transaction != nil:
			return nil
		}

		_, err := expr.Compile(strings.TrimSpace(code.Text), syntaxOptions()...)
		if err != nil {
			return locate(filename, code, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Lines returns the line of every executable statement, in order.
func (p *Program) Lines() []int {
	var lines []int

	_ = p.walk(func(st *Statement) error {
		lines = append(lines, st.Line())

		return nil
	})

	return lines
}

func (p *Program) walk(fn func(*Statement) error) error {
	var visit func([]*Statement) error

	visit = func(stmts []*Statement) error {
		for _, st := range stmts {
			err := fn(st)
			if err != nil {
				return err
			}

			if st.Transaction != nil {
				err = visit(st.Transaction.Body)
				if err != nil {
					return err
				}
			}
		}

		return nil
	}

	return visit(p.Script.Statements)
}

func parseError(filename string, err error) error {
	var pe participle.Error
	if errors.As(err, &pe) {
		pos := pe.Position()

		return &drover.Error{
			Kind:    drover.KindScript,
			Message: pe.Message(),
			File:    filename,
			Line:    pos.Line,
			Column:  pos.Column,
			Err:     err,
		}
	}

	return drover.WrapError(drover.KindScript, err)
}

// locate maps an expr error onto the script position of code.
func locate(filename string, code *Code, err error) error {
	line, col := code.Pos.Line, code.Pos.Column
	msg := err.Error()

	var fe *file.Error
	if errors.As(err, &fe) {
		msg = fe.Message
		if fe.Line <= 1 {
			col += fe.Column
		}
	}

	return &drover.Error{
		Kind:    drover.KindScript,
		Message: msg,
		File:    filename,
		Line:    line,
		Column:  col,
		Err:     err,
	}
}
