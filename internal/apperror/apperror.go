// Package apperror defines the error kinds shared by the store, service and
// HTTP layers.
//
// Every store implementation translates its driver errors into one of the
// sentinels below, so callers never need to know which database is behind
// the repository interface:
//
//	ErrNotFound    no tracking record for the email id        -> 404
//	ErrConflict    a record with that email id already exists -> 409
//	ErrUnavailable connection loss, timeout, driver failure   -> 500
//	ErrValidation  bad or missing input                       -> 400
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("store unavailable")
)

type AppError struct {
	Err     error  // sentinel kind
	Cause   error  // optional underlying driver/network error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// ErrUnavailable as well as context.DeadlineExceeded for a timed-out query.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s already exists with id %s", resource, id),
	}
}

// Unavailable wraps a failure of the backing store. op names the failed
// operation ("sqlite: appending open") and becomes the message prefix.
func Unavailable(op string, cause error) *AppError {
	msg := op
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", op, cause)
	}
	return &AppError{
		Err:     ErrUnavailable,
		Cause:   cause,
		Message: msg,
	}
}

// Passthrough returns err unchanged when it already carries one of the
// sentinels above, and wraps it as Unavailable otherwise. Store
// implementations use it on the way out of a transaction.
func Passthrough(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return Unavailable(op, err)
}
