// Package classify maps arbitrary errors raised by modules and scripts onto
// the closed drover.ErrorKind taxonomy.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"

	"github.com/alecthomas/participle/v2"
	"github.com/expr-lang/expr/file"
	"github.com/goccy/go-json"
	"github.com/rlch/drover"
	"github.com/rlch/drover/params"
	"github.com/rlch/drover/result"
)

// Classification is the verdict for one error.
type Classification struct {
	Kind    drover.ErrorKind
	Message string
	Fatal   bool

	File   string
	Line   int
	Column int

	// Diagnostic is set for UNKNOWN_ERROR: a JSON dump of the error chain.
	Diagnostic string
}

// Failure converts the classification into a result.Failure.
func (c Classification) Failure() *result.Failure {
	return &result.Failure{
		Kind:       c.Kind,
		Message:    c.Message,
		File:       c.File,
		Line:       c.Line,
		Column:     c.Column,
		Fatal:      c.Fatal,
		Diagnostic: c.Diagnostic,
	}
}

type pattern struct {
	re   *regexp.Regexp
	kind drover.ErrorKind
}

// patterns is matched against the full error text before any type checks.
// The first match wins. Phrasings are the ones automation drivers emit.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)no such element|unable to locate element|element not found|could not find element`), drover.KindElementNotFound},
	{regexp.MustCompile(`(?i)element not (visible|interactable)|element is not (displayed|visible)|not clickable`), drover.KindElementNotVisible},
	{regexp.MustCompile(`(?i)stale element( reference)?|element is no longer attached`), drover.KindStaleElement},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded|i/o timeout`), drover.KindTimeout},
	{regexp.MustCompile(`(?i)connection refused|connection reset|no route to host|broken pipe|ECONNREFUSED`), drover.KindConnection},
}

// Classify places err in the taxonomy. module and operation name the call
// that raised it and only feed the diagnostic payload. Classify is pure: the
// same input always yields the same output.
func Classify(err error, module, operation string) Classification {
	if err == nil {
		return Classification{}
	}

	c := classify(err, module, operation)
	c.Fatal = isFatal(err, c.Kind)

	return c
}

func classify(err error, module, operation string) Classification {
	msg := err.Error()

	var de *drover.Error
	if errors.As(err, &de) {
		// Specific typed kinds are checked before the message patterns, so
		// an assert whose text says "timed out" stays an assert. Generic
		// kinds (unknown, db, connection) still go through the patterns.
		if de.Kind != drover.KindUnknown && de.Kind != drover.KindDB && de.Kind != drover.KindConnection {
			return Classification{Kind: de.Kind, Message: de.Message, File: de.File, Line: de.Line, Column: de.Column}
		}
	}

	for _, p := range patterns {
		if p.re.MatchString(msg) {
			return Classification{Kind: p.kind, Message: msg}
		}
	}

	if de != nil {
		return Classification{Kind: de.Kind, Message: de.Message, File: de.File, Line: de.Line, Column: de.Column}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Classification{Kind: drover.KindTimeout, Message: msg}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Classification{Kind: drover.KindTimeout, Message: msg}
		}

		return Classification{Kind: drover.KindConnection, Message: msg}
	}

	if errors.Is(err, params.ErrEmptyTable) || errors.Is(err, params.ErrUnknownColumn) ||
		errors.Is(err, params.ErrUnsupportedFormat) {
		return Classification{Kind: drover.KindParameter, Message: msg}
	}

	var pe participle.Error
	if errors.As(err, &pe) {
		pos := pe.Position()

		return Classification{
			Kind:    drover.KindScript,
			Message: pe.Message(),
			File:    pos.Filename,
			Line:    pos.Line,
			Column:  pos.Column,
		}
	}

	var fe *file.Error
	if errors.As(err, &fe) {
		return Classification{Kind: drover.KindScript, Message: fe.Message, Line: fe.Line, Column: fe.Column}
	}

	return Classification{
		Kind:       drover.KindUnknown,
		Message:    msg,
		Diagnostic: diagnose(err, module, operation),
	}
}

// isFatal holds the whole fatal/non-fatal split: only soft assertions are
// recoverable.
func isFatal(err error, kind drover.ErrorKind) bool {
	var de *drover.Error
	if kind == drover.KindAssert && errors.As(err, &de) && de.Soft {
		return false
	}

	return true
}

type diagnostic struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Module    string   `json:"module,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Chain     []string `json:"chain,omitempty"`
}

func diagnose(err error, module, operation string) string {
	d := diagnostic{
		Type:      fmt.Sprintf("%T", err),
		Message:   err.Error(),
		Module:    module,
		Operation: operation,
	}

	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %s", e, e.Error()))
	}

	data, mErr := json.Marshal(d)
	if mErr != nil {
		return d.Message
	}

	return string(data)
}
