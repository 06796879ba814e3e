// Package errs defines the coded error type shared by every logweave package.
//
// Errors carry a machine-readable Code, a human message, the operation that
// produced them and an optional wrapped cause. Codes survive a trip over the
// wire: the HTTP layer encodes them as {code, message} bodies and rebuilds an
// *Error on the receiving side, so errors.Is keeps working across nodes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes. Any change here must be mirrored in HTTPStatus.
const (
	ENotActive     = "not active"
	EInvalid       = "invalid"
	EPathEscape    = "path escape"
	EAlreadyExists = "already exists"
	EIO            = "io error"
	ENotFound      = "not found"
	EConflict      = "conflict"
	EInternal      = "internal error"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrNotActive     = &Error{Code: ENotActive}
	ErrInvalid       = &Error{Code: EInvalid}
	ErrPathEscape    = &Error{Code: EPathEscape}
	ErrAlreadyExists = &Error{Code: EAlreadyExists}
	ErrIO            = &Error{Code: EIO}
	ErrNotFound      = &Error{Code: ENotFound}
	ErrConflict      = &Error{Code: EConflict}
)

// Error is the error struct used across logweave.
//
// To create a simple error,
//
//	&errs.Error{Code: errs.ENotActive, Op: "naming.Resolve"}
//
// To wrap a filesystem failure,
//
//	&errs.Error{Code: errs.EIO, Msg: "cannot create directory", Err: err}
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"message,omitempty"`
	Op   string `json:"op,omitempty"`
	Err  error  `json:"-"`
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Code)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// New builds an *Error with the given code, operation and formatted message.
func New(code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around err.
func Wrap(err error, code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Msg: msg, Err: err}
}

// Code returns the code of the first *Error in err's chain, or EInternal
// when err is not a coded error. Code(nil) is the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return EInternal
}

// HTTPStatus maps an error's code onto an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case EInvalid, EPathEscape:
		return http.StatusBadRequest
	case ENotFound:
		return http.StatusNotFound
	case EAlreadyExists, EConflict:
		return http.StatusConflict
	case ENotActive:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
