// Package errors defines pgmeta's coded errors.
//
// An Error carries a numeric Code, the failing operation, context fields
// and an optional cause. Internal errors also record the call stack, which
// %+v prints.
//
// Codes are grouped by range:
//   - 1xxx: Configuration errors
//   - 2xxx: Connection/protocol errors
//   - 4xxx: Query execution errors
//   - 5xxx: Semantic schema source errors
//   - 7xxx: Catalog construction and scan errors
//   - 9xxx: Internal errors
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Code is a numeric error code for programmatic handling.
type Code int

const (
	// Configuration errors (1xxx)
	ErrCodeConfigInvalid Code = 1001
	ErrCodeConfigMissing Code = 1002
	ErrCodeConfigParse   Code = 1003

	// Connection/protocol errors (2xxx)
	ErrCodeConnectionFailed   Code = 2001
	ErrCodeConnectionClosed   Code = 2002
	ErrCodeProtocolError      Code = 2004
	ErrCodeHandshakeFailed    Code = 2005
	ErrCodeAuthFailed         Code = 2006
	ErrCodeUnsupportedProto   Code = 2008
	ErrCodeUnsupportedMessage Code = 2009

	// Query execution errors (4xxx)
	ErrCodeExecFailed       Code = 4001
	ErrCodeExecCancelled    Code = 4003
	ErrCodeExecSQLError     Code = 4006
	ErrCodeExecInvalidState Code = 4007
	ErrCodeExecReadOnly     Code = 4008
	ErrCodeExecSyntax       Code = 4009

	// Semantic schema source errors (5xxx)
	ErrCodeSourceLoad    Code = 5001
	ErrCodeSourceParse   Code = 5002
	ErrCodeSourceType    Code = 5003
	ErrCodeSourceWatch   Code = 5004
	ErrCodeSourceQuery   Code = 5005
	ErrCodeSourceInvalid Code = 5006

	// Catalog errors (7xxx)
	ErrCodeCatalogRowMismatch     Code = 7001
	ErrCodeCatalogBuilderFinished Code = 7002
	ErrCodeCatalogBuild           Code = 7003
	ErrCodeCatalogProjection      Code = 7004
	ErrCodeCatalogTableNotFound   Code = 7005
	ErrCodeCatalogDuplicate       Code = 7006

	// Internal errors (9xxx)
	ErrCodeInternal Code = 9001
	ErrCodePanic    Code = 9003
)

func (c Code) String() string {
	return fmt.Sprintf("E%04d", c)
}

// Category names the range c falls in.
func (c Code) Category() string {
	switch c / 1000 {
	case 1:
		return "configuration"
	case 2:
		return "connection"
	case 4:
		return "execution"
	case 5:
		return "source"
	case 7:
		return "catalog"
	case 9:
		return "internal"
	}
	return "unknown"
}

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]interface{}
	Cause   error
	Stack   []Frame
	Time    time.Time
	OpName  string // e.g. "RowBuilder.AppendRow"
}

// Frame is one call site of a recorded stack.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String() + ": " + e.Message
	}
	return e.Code.String() + ": " + e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Format implements fmt.Formatter. %+v adds the operation, sorted context
// fields, cause and stack, one per line.
func (e *Error) Format(f fmt.State, verb rune) {
	switch {
	case verb == 'v' && f.Flag('+'):
		fmt.Fprint(f, e.detail())
	case verb == 'q':
		fmt.Fprintf(f, "%q", e.Error())
	default:
		fmt.Fprint(f, e.Error())
	}
}

func (e *Error) detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s\n", e.Time.Format(time.RFC3339), e.Code, e.Message)
	if e.OpName != "" {
		fmt.Fprintf(&b, "  op: %s\n", e.OpName)
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, e.Fields[k])
	}

	if e.Cause != nil {
		fmt.Fprintf(&b, "  cause: %v\n", e.Cause)
	}
	for _, fr := range e.Stack {
		fmt.Fprintf(&b, "  at %s (%s:%d)\n", fr.Function, fr.File, fr.Line)
	}
	return b.String()
}

// Builder assembles an Error. Finish with Err or Build.
type Builder struct {
	err   Error
	stack bool
}

// New starts an error with code and message.
func New(code Code, message string) *Builder {
	return &Builder{err: Error{Code: code, Message: message}}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap starts an error caused by cause.
func Wrap(cause error, code Code, message string) *Builder {
	b := New(code, message)
	b.err.Cause = cause
	return b
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return Wrap(cause, code, fmt.Sprintf(format, args...))
}

// WithField adds a context field.
func (b *Builder) WithField(key string, value interface{}) *Builder {
	if b.err.Fields == nil {
		b.err.Fields = make(map[string]interface{})
	}
	b.err.Fields[key] = value
	return b
}

// WithOp names the failing operation.
func (b *Builder) WithOp(op string) *Builder {
	b.err.OpName = op
	return b
}

// WithStack records the stack of the Build call.
func (b *Builder) WithStack() *Builder {
	b.stack = true
	return b
}

// Build returns the Error.
func (b *Builder) Build() *Error {
	return b.build()
}

// Err returns the Error as an error.
func (b *Builder) Err() error {
	return b.build()
}

// build must be called directly from Build or Err so the recorded stack
// starts at their caller.
func (b *Builder) build() *Error {
	e := b.err
	e.Time = time.Now()
	if b.stack {
		e.Stack = callers(3)
	}
	return &e
}

// maxFrames bounds a recorded stack.
const maxFrames = 16

// callers returns up to maxFrames frames above skip, without runtime
// frames.
func callers(skip int) []Frame {
	pcs := make([]uintptr, maxFrames+8)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []Frame
	for len(out) < maxFrames {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") {
			out = append(out, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// NotFound reports a missing catalog entity.
func NotFound(entity, identifier string) *Builder {
	return Newf(ErrCodeCatalogTableNotFound, "%s not found: %s", entity, identifier).
		WithField("entity", entity).
		WithField("identifier", identifier)
}

// AlreadyExists reports a duplicate catalog entity.
func AlreadyExists(entity, identifier string) *Builder {
	return Newf(ErrCodeCatalogDuplicate, "%s already exists: %s", entity, identifier).
		WithField("entity", entity).
		WithField("identifier", identifier)
}

// Internal reports a broken invariant. The stack is recorded.
func Internal(msg string) *Builder {
	return New(ErrCodeInternal, msg).WithStack()
}

// Recovered turns a recovered panic value into an ErrCodePanic error with
// the stack of the panicking goroutine. A panicked *Error keeps its own
// code and stack.
func Recovered(r interface{}) *Error {
	var e *Error
	if err, ok := r.(error); ok && errors.As(err, &e) && len(e.Stack) > 0 {
		return e
	}
	b := Newf(ErrCodePanic, "panic: %v", r).WithStack()
	if err, ok := r.(error); ok {
		b.err.Cause = err
	}
	return b.Build()
}

// GetCode returns err's code, or ErrCodeInternal for uncoded errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// GetFields returns err's context fields.
func GetFields(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsCategory reports whether err's code falls in category.
func IsCategory(err error, category string) bool {
	return GetCode(err).Category() == category
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
