package drover

import (
	"fmt"
	"strings"
)

// ErrorKind is the closed taxonomy every user-visible failure belongs to.
type ErrorKind string

// Error kinds.
const (
	KindScript               ErrorKind = "SCRIPT_ERROR"
	KindAssert               ErrorKind = "ASSERT_ERROR"
	KindElementNotFound      ErrorKind = "ELEMENT_NOT_FOUND"
	KindElementNotVisible    ErrorKind = "ELEMENT_NOT_VISIBLE"
	KindStaleElement         ErrorKind = "STALE_ELEMENT"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindModuleNotInitialized ErrorKind = "MODULE_NOT_INITIALIZED"
	KindModuleNotFound       ErrorKind = "MODULE_NOT_FOUND"
	KindOperationNotFound    ErrorKind = "OPERATION_NOT_FOUND"
	KindInvalidArgument      ErrorKind = "INVALID_ARGUMENT"
	KindConnection           ErrorKind = "CONNECTION_ERROR"
	KindDB                   ErrorKind = "DB_ERROR"
	KindParameter            ErrorKind = "PARAMETER_ERROR"
	KindWorker               ErrorKind = "WORKER_ERROR"
	KindUnknown              ErrorKind = "UNKNOWN_ERROR"
)

// Kinds lists every ErrorKind in a stable order.
var Kinds = []ErrorKind{
	KindScript,
	KindAssert,
	KindElementNotFound,
	KindElementNotVisible,
	KindStaleElement,
	KindTimeout,
	KindModuleNotInitialized,
	KindModuleNotFound,
	KindOperationNotFound,
	KindInvalidArgument,
	KindConnection,
	KindDB,
	KindParameter,
	KindWorker,
	KindUnknown,
}

// Valid reports whether k belongs to the taxonomy.
func (k ErrorKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}

	return false
}

func (k ErrorKind) String() string { return string(k) }

// Error is a failure already placed in the taxonomy. Modules return it when
// they know exactly what went wrong; the classifier trusts its Kind.
type Error struct {
	Kind    ErrorKind
	Message string

	// File, Line and Column locate the failure in a script. Line and
	// Column are 1-based and zero when unknown.
	File   string
	Line   int
	Column int

	// Soft marks a non-fatal assertion.
	Soft bool

	Err error
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError places err in the taxonomy under kind.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	switch {
	case e.File != "" && e.Line > 0:
		fmt.Fprintf(&b, " at %s:%d:%d", e.File, e.Line, e.Column)
	case e.Line > 0:
		fmt.Fprintf(&b, " at %d:%d", e.Line, e.Column)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}
