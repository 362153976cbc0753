package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TABLE-DRIVEN TESTS:
// Each case is one struct in the slice; t.Run gives every case its own name
// in the test output.

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("tracking record", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("emailId", "emailId is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "Conflict wraps ErrConflict",
			err:       Conflict("tracking record", "abc123"),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "Unavailable wraps ErrUnavailable",
			err:       Unavailable("sqlite: finding record", errors.New("disk I/O error")),
			target:    ErrUnavailable,
			wantMatch: true,
		},
		{
			name:      "Unavailable exposes its cause",
			err:       Unavailable("redis: appending open", context.DeadlineExceeded),
			target:    context.DeadlineExceeded,
			wantMatch: true,
		},
		{
			name:      "wrapped Conflict still matches",
			err:       fmt.Errorf("registering: %w", Conflict("tracking record", "abc123")),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "NotFound does NOT match ErrValidation",
			err:       NotFound("tracking record", "abc123"),
			target:    ErrValidation,
			wantMatch: false,
		},
		{
			name:      "Conflict does NOT match ErrUnavailable",
			err:       Conflict("tracking record", "abc123"),
			target:    ErrUnavailable,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("tracking record", "abc123"),
			wantMessage: "tracking record not found with id abc123",
		},
		{
			name:        "ValidationFailed uses custom message",
			err:         ValidationFailed("emailId", "emailId is required"),
			wantMessage: "emailId is required",
		},
		{
			name:        "Conflict message includes resource and id",
			err:         Conflict("tracking record", "abc123"),
			wantMessage: "tracking record already exists with id abc123",
		},
		{
			name:        "Unavailable message includes op and cause",
			err:         Unavailable("postgres: creating record", errors.New("connection refused")),
			wantMessage: "postgres: creating record: connection refused",
		},
		{
			name:        "Unavailable without cause",
			err:         Unavailable("redis: too many concurrent updates", nil),
			wantMessage: "redis: too many concurrent updates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := NotFound("tracking record", "abc123")
	unwrapped := err.Unwrap()

	if len(unwrapped) != 1 || unwrapped[0] != ErrNotFound {
		t.Errorf("Unwrap() = %v, want [%v]", unwrapped, ErrNotFound)
	}
}

func TestPassthrough(t *testing.T) {
	if Passthrough("op", nil) != nil {
		t.Error("Passthrough(nil) should be nil")
	}

	conflict := Conflict("tracking record", "abc123")
	if got := Passthrough("op", conflict); got != error(conflict) {
		t.Errorf("Passthrough kept = %v, want the first conflict", got)
	}

	raw := errors.New("broken pipe")
	got := Passthrough("sqlite: appending open", raw)
	if !errors.Is(got, ErrUnavailable) {
		t.Errorf("Passthrough(raw) = %v, want ErrUnavailable", got)
	}
	if !errors.Is(got, raw) {
		t.Errorf("Passthrough(raw) lost its cause")
	}
}

func TestValidationFailedField(t *testing.T) {
	err := ValidationFailed("emailId", "emailId must be at most 256 bytes")

	if err.Field != "emailId" {
		t.Errorf("Field = %q, want %q", err.Field, "emailId")
	}
}
