package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store, the services and the outer surfaces.
// Callers match them with errors.Is; every layer wraps with %w.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid stage transition")
	ErrSuppressed          = errors.New("suppressed")
	ErrUnresolvedReference = errors.New("unresolved lead reference")
	ErrExternalFailure     = errors.New("external collaborator failure")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidInput        = errors.New("invalid input")
)

// TransitionError describes a rejected stage change.
type TransitionError struct {
	OrgID   string
	Current Stage
	Guard   Stage
	Target  Stage
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("org %s: %s -> %s", e.OrgID, e.Current, e.Target)
	if e.Guard != "" && e.Guard != e.Current {
		msg += fmt.Sprintf(" (expected current stage %s)", e.Guard)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError reports a candidate record that does not fit the typed
// boundary. It unwraps to ErrInvalidInput.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err is one of the core-level
// rejections that must surface to the caller as a failure.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSuppressed) ||
		errors.Is(err, ErrUnresolvedReference) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidInput)
}

// DeliveryError is a failed hand-off to the delivery collaborator. A
// bounce marks the address as undeliverable for good.
type DeliveryError struct {
	Reason string
	Bounce bool
}

func (e *DeliveryError) Error() string {
	if e.Bounce {
		return "delivery bounced: " + e.Reason
	}
	return "delivery failed: " + e.Reason
}

func (e *DeliveryError) Unwrap() error { return ErrExternalFailure }
