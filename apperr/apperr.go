// Package apperr defines the application error taxonomy. Errors carry the
// HTTP status they render as; the WebSocket protocol reuses the same status
// codes in its ack envelopes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

// Error is a classified application error.
type Error struct {
	status  int
	message string
	cause   error
}

// Error renders the full detail, cause included, for server-side logs.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Status() int   { return e.status }

// Message is the client-visible form, used by HTTP bodies and WebSocket
// acks. It never includes the cause of an Internal error.
func (e *Error) Message() string { return e.message }

func newf(status int, format string, args ...interface{}) *Error {
	return &Error{status: status, message: fmt.Sprintf(format, args...)}
}

// BadRequest is a malformed or semantically invalid request.
func BadRequest(format string, args ...interface{}) *Error {
	return newf(http.StatusBadRequest, format, args...)
}

// Unauthorized is a request lacking valid credentials.
func Unauthorized(format string, args ...interface{}) *Error {
	return newf(http.StatusUnauthorized, format, args...)
}

// Forbidden is a request the caller may not perform.
func Forbidden(format string, args ...interface{}) *Error {
	return newf(http.StatusForbidden, format, args...)
}

// NotFound is a request naming an entity that doesn't exist.
func NotFound(format string, args ...interface{}) *Error {
	return newf(http.StatusNotFound, format, args...)
}

// MethodNotAllowed is a request using an unsupported HTTP method.
func MethodNotAllowed(format string, args ...interface{}) *Error {
	return newf(http.StatusMethodNotAllowed, format, args...)
}

// Conflict is a request that collides with existing state.
func Conflict(format string, args ...interface{}) *Error {
	return newf(http.StatusConflict, format, args...)
}

// Unprocessable is a well-formed request that cannot be acted on.
func Unprocessable(format string, args ...interface{}) *Error {
	return newf(http.StatusUnprocessableEntity, format, args...)
}

// Internal classifies an unexpected server-side failure. The cause stays on
// the error for logging and unwrapping; remote clients see only a generic
// message.
func Internal(err error) *Error {
	return &Error{
		status:  http.StatusInternalServerError,
		message: "internal server error",
		cause:   err,
	}
}

// NotImplemented is a request for behavior the server doesn't implement.
func NotImplemented(format string, args ...interface{}) *Error {
	return newf(http.StatusNotImplemented, format, args...)
}

// BadGateway is a failure of an upstream the server depends on.
func BadGateway(format string, args ...interface{}) *Error {
	return newf(http.StatusBadGateway, format, args...)
}

// Unavailable is a temporary inability to serve the request.
func Unavailable(format string, args ...interface{}) *Error {
	return newf(http.StatusServiceUnavailable, format, args...)
}

// From coerces an arbitrary error into a taxonomy Error.
// Errors that aren't already classified become Internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// FromStore classifies a database error. Absent rows map to NotFound, and
// integrity violations map onto the request taxonomy by SQLSTATE. Anything
// else is Internal.
func FromStore(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound("no such row")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23502": // not_null_violation
			return BadRequest("missing required value: %s", pgErr.ColumnName)
		case "23503": // foreign_key_violation
			return BadRequest("referenced row does not exist: %s", pgErr.ConstraintName)
		case "23505": // unique_violation
			return Conflict("duplicate value: %s", pgErr.ConstraintName)
		}
	}
	return Internal(err)
}

// WriteHTTP renders err as a plain-text HTTP response with its taxonomy
// status.
func WriteHTTP(w http.ResponseWriter, err error) {
	var e = From(err)
	http.Error(w, e.Message(), e.Status())
}
