package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// TWO ERROR SHAPES:
// The read endpoints (status, opens) answer errors as
//   {"error": "tracking record not found with id abc123", "code": "not_found"}
// while registration keeps the success flag its clients check:
//   {"success": false, "error": "tracking record already exists with id abc123"}
//
// Both derive their HTTP status from the same apperror mapping (errorStatus),
// so a conflict is 409 and an unavailable store is 500 everywhere.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/opentrack/internal/apperror"
)

// unavailableMessage replaces store error details in responses. The details
// (driver messages, hostnames) go to the log instead.
const unavailableMessage = "tracking store unavailable"

// ErrorResponse is the error format of the status and history endpoints.
type ErrorResponse struct {
	Error string `json:"error"` // Human-readable description
	Code  string `json:"code"`  // Machine-readable error type (e.g., "not_found")
}

// RegisterResponse is the body of every POST /api/register answer.
type RegisterResponse struct {
	Success bool   `json:"success"`
	EmailID string `json:"emailId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set before the body is written; once Encode
// writes, later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps a domain error to an HTTP status, a machine-readable
// code and a message that is safe to show the client.
func errorStatus(err error) (status int, code, message string) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, "internal_error", "an internal error occurred"
	}

	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error", appErr.Message
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found", appErr.Message
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict", appErr.Message
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusInternalServerError, "unavailable", unavailableMessage
	default:
		return http.StatusInternalServerError, "internal_error", "an internal error occurred"
	}
}

// writeError sends err in the {error, code} shape.
func writeError(w http.ResponseWriter, err error) {
	status, code, message := errorStatus(err)
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeRegisterError sends err in the {success:false, error} shape.
func writeRegisterError(w http.ResponseWriter, err error) {
	status, _, message := errorStatus(err)
	writeJSON(w, status, RegisterResponse{Success: false, Error: message})
}
