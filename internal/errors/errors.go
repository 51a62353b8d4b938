// Package errors provides the error taxonomy of the retrieve service and its
// mapping onto HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of client-visible failure.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "NOT_FOUND"          // No study/series/instance/frame resolved
	CodeNotAcceptable     ErrorCode = "NOT_ACCEPTABLE"     // No acceptable representation
	CodeTranscodingFailed ErrorCode = "TRANSCODING_FAILED" // Codec failed while converting
	CodeBadRequest        ErrorCode = "BAD_REQUEST"        // Malformed identifiers or parameters
	CodeInternal          ErrorCode = "INTERNAL"           // Anything else
)

// Error is a classified error. It may wrap an underlying cause.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error that keeps err as its cause.
func Wrap(code ErrorCode, err error, message string) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// NotFound creates a CodeNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

// NotAcceptable creates a CodeNotAcceptable error.
func NotAcceptable(format string, args ...interface{}) *Error {
	return New(CodeNotAcceptable, fmt.Sprintf(format, args...))
}

// BadRequest creates a CodeBadRequest error.
func BadRequest(format string, args ...interface{}) *Error {
	return New(CodeBadRequest, fmt.Sprintf(format, args...))
}

// TranscodingFailed wraps a codec failure.
func TranscodingFailed(err error, format string, args ...interface{}) *Error {
	return Wrap(CodeTranscodingFailed, err, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err is, or wraps, an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// HTTPStatus returns the status code to report for err. Unclassified errors
// map to 500.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotAcceptable, CodeTranscodingFailed:
		return http.StatusNotAcceptable
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
