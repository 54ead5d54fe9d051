// Package script parses and evaluates drover scripts.
//
// A script is a sequence of lines. Each line is a comment, a binding, a
// transaction block or an expression:
//
//	# log in and check the dashboard
//	let user = params.username
//	set token = http.post(env.API + "/login", {user: user}).body.token
//	transaction "dashboard" {
//	  web.open(env.BASE_URL + "/home")
//	  assert.contains(web.text("h1"), user)
//	}
//
// Expressions use the expr language. A call of the form module.op(args) is
// dispatched to the named automation module.
package script

import "github.com/alecthomas/participle/v2/lexer"

// Script is a parsed script file.
type Script struct {
	Pos lexer.Position

	Statements []*Statement `parser:"( Newline | @@ )*"`
}

// Statement is one line, or one transaction block.
type Statement struct {
	Pos lexer.Position

	Let         *Binding     `parser:"  Let @@"`
	Set         *Binding     `parser:"| Set @@"`
	Transaction *Transaction `parser:"| Transaction @@"`
	Expr        *Code        `parser:"| @@"`
}

// Binding is the tail of a let or set line.
type Binding struct {
	Pos lexer.Position

	Name  string `parser:"@Ident Assign"`
	Value *Code  `parser:"@@"`
}

// Transaction groups the steps of its body under a label.
type Transaction struct {
	Pos lexer.Position

	Name string       `parser:"@String LBrace"`
	Body []*Statement `parser:"( Newline | @@ )* RBrace"`
}

// Code is the source text of one expression.
type Code struct {
	Pos lexer.Position

	Text string `parser:"@Expr"`
}

// Line returns the 1-based line the statement starts on.
func (s *Statement) Line() int { return s.Pos.Line }
