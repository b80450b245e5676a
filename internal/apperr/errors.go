// Package apperr defines the platform error taxonomy. Every component that
// surfaces a failure to a module author or API caller returns an *Error so the
// HTTP layer can map it onto a stable machine-readable code and status without
// string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier returned in API bodies.
type Code string

const (
	CodeAccessDenied     Code = "ACCESS_DENIED"
	CodeTableNotFound    Code = "TABLE_NOT_FOUND"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeTokenExpired     Code = "TOKEN_EXPIRED"
	CodeTokenInvalid     Code = "TOKEN_INVALID"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeQueryFailed      Code = "QUERY_FAILED"
	CodeHandlerFailed    Code = "HANDLER_FAILED"
	CodeUnavailable      Code = "UNAVAILABLE"
)

// Error carries a taxonomy code plus optional operation/table context.
type Error struct {
	Code    Code
	Message string
	Op      string
	Table   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" && e.Table != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Table, msg)
	} else if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error without an underlying cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and the failing operation/table to a lower-level error.
func Wrap(code Code, op, table string, err error) *Error {
	return &Error{Code: code, Message: "operation failed", Op: op, Table: table, Err: err}
}

// Query wraps a storage error as QUERY_FAILED.
func Query(op, table string, err error) *Error {
	return Wrap(CodeQueryFailed, op, table, err)
}

// CodeOf returns the taxonomy code of err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code onto the status the API layer responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUnauthenticated, CodeTokenExpired, CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeTableNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a caller. Storage and handler
// failures never leak the underlying driver error.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Code {
	case CodeQueryFailed:
		return "query failed"
	case CodeHandlerFailed:
		if e.Message != "" && e.Message != "operation failed" {
			return e.Message
		}
		return "handler failed"
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}
