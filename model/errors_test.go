package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "request 7 not found"}
	want := "NOT_FOUND: request 7 not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestErrorEnvelope_ErrorIncludesCause(t *testing.T) {
	e := NewIntegrationFailureError("create ledger item", errors.New("status 500"))
	want := "INTEGRATION_FAILURE: create ledger item: status 500"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "reason", Code: "REQUIRED", Message: "reason is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "reason" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "reason")
	}
}

func TestNewIntegrationUnavailableError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	e := NewIntegrationUnavailableError(cause)
	if e.Code != ErrIntegrationUnavailable {
		t.Errorf("Code = %q, want %q", e.Code, ErrIntegrationUnavailable)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(e, cause) = false, want true")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), ""},
		{"envelope", NewInvalidTransitionError("nope"), ErrInvalidTransition},
		{"wrapped envelope", fmt.Errorf("approve: %w", NewNotFoundError("x")), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) = true, want false")
	}
	if !IsCode(NewConflictError("stale"), ErrConflict) {
		t.Error("IsCode(conflict) = false, want true")
	}
}
