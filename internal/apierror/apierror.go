// Package apierror defines the closed error taxonomy returned to API
// callers, plus the retriable EventError used by the queue consumers.
//
// Every error that can surface to an HTTP client is an *Error carrying an
// error code from the closed set and the HTTP status to respond with.
// Internal failures (database errors, integrity violations) are NOT part of
// the taxonomy: they propagate as wrapped plain errors and map to 500.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the closed set of API error codes.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeEntityNotFound      Code = "ENTITY_NOT_FOUND"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeJobAlreadyStarted   Code = "JOB_ALREADY_STARTED"
	CodeJobAlreadyCancelled Code = "JOB_ALREADY_CANCELLED"
)

// ErrIntegrity marks a database integrity violation, e.g. a negative
// remaining reservation. It is a programming bug, never a client error:
// callers log it and re-raise, they must not swallow it.
var ErrIntegrity = errors.New("ledger integrity violation")

// Error is an error that should be returned to the client.
type Error struct {
	Code       Code
	Message    string
	Details    any
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFound returns an ENTITY_NOT_FOUND error (404).
func NotFound(message string) *Error {
	return &Error{
		Code:       CodeEntityNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidRequest returns an INVALID_REQUEST error (400).
func InvalidRequest(message string) *Error {
	return &Error{
		Code:       CodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InsufficientFunds returns an INSUFFICIENT_FUNDS error (402).
// Details carry the requested amount so the caller can size a top-up.
func InsufficientFunds(message string, details any) *Error {
	return &Error{
		Code:       CodeInsufficientFunds,
		Message:    message,
		Details:    details,
		HTTPStatus: http.StatusPaymentRequired,
	}
}

// JobAlreadyStarted returns a JOB_ALREADY_STARTED error (400).
func JobAlreadyStarted(message string) *Error {
	return &Error{
		Code:       CodeJobAlreadyStarted,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// JobAlreadyCancelled returns a JOB_ALREADY_CANCELLED error (400).
func JobAlreadyCancelled(message string) *Error {
	return &Error{
		Code:       CodeJobAlreadyCancelled,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// AsError returns the *Error wrapped anywhere in err's chain, or nil.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// EventError marks a failure while consuming a queue message. The message
// is recorded as FAILED and left on the queue: it becomes visible again
// after the visibility timeout and is redelivered, so transient conditions
// retry for free and permanent mismatches end up in the DLQ.
type EventError struct {
	Message string
}

func (e *EventError) Error() string {
	return e.Message
}

// Eventf builds an EventError with a formatted message.
func Eventf(format string, args ...any) *EventError {
	return &EventError{Message: fmt.Sprintf(format, args...)}
}

// IsEventError reports whether err wraps an EventError.
func IsEventError(err error) bool {
	var eventErr *EventError
	return errors.As(err, &eventErr)
}
