package guard

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned synchronously by Answer for malformed requests.
var ErrInvalidRequest = errors.New("guard: invalid answer request")

// FailureKind classifies why a request did not release a validated answer.
type FailureKind string

const (
	FailureInputRejected FailureKind = "input_rejected"
	FailureRetrieval     FailureKind = "retrieval_failure"
	FailureGeneration    FailureKind = "generation_failure"
	FailureValidation    FailureKind = "validation_failure"
	FailureAuditWrite    FailureKind = "audit_write_failure"
	failureNone          FailureKind = ""
)

// Failure carries the kind and the underlying cause. Only the kind ever
// reaches the user, as one of the fixed messages.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("guard: %s", f.Kind)
	}
	return fmt.Sprintf("guard: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf extracts the failure kind from err, or "" when err is not a Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return failureNone
}
