package domain

import (
	"fmt"
	"strings"
	"time"
)

// Error types for consistent error handling across the data layer.

// ErrNotFound indicates a document does not exist (or is a tombstone).
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrConflict indicates a write was rejected because the supplied revision
// is not the stored one.
type ErrConflict struct {
	ID         string
	Rev        string
	CurrentRev string
	Attempts   int
}

func (e *ErrConflict) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("document update conflict: %s (gave up after %d attempts)", e.ID, e.Attempts)
	}
	return fmt.Sprintf("document update conflict: %s (rev %q, current %q)", e.ID, e.Rev, e.CurrentRev)
}

// Violation is a single schema rule broken by a document.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ErrValidation indicates a document failed schema validation.
// It is never retried.
type ErrValidation struct {
	DocType    DocType
	Violations []Violation
}

func (e *ErrValidation) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("validation failed for %s: %s", e.DocType, strings.Join(parts, "; "))
}

// Invalid builds a single-violation validation error.
func Invalid(t DocType, field, message string) *ErrValidation {
	return &ErrValidation{DocType: t, Violations: []Violation{{Field: field, Message: message}}}
}

// ErrReplication indicates a transient failure talking to the remote
// replica. It is logged and retried, never returned from a local write.
type ErrReplication struct {
	Direction string
	Err       error
}

func (e *ErrReplication) Error() string {
	return fmt.Sprintf("replication %s failed: %v", e.Direction, e.Err)
}

func (e *ErrReplication) Unwrap() error {
	return e.Err
}

// ErrConnectionNotReady indicates the local store did not become available
// within the readiness polling budget.
type ErrConnectionNotReady struct {
	Attempts int
	Waited   time.Duration
}

func (e *ErrConnectionNotReady) Error() string {
	return fmt.Sprintf("local store not ready after %d attempts (%s)", e.Attempts, e.Waited)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrDuplicate indicates a uniqueness rule was broken (email, category name).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("already exists: %s", e.Key)
}

// ErrForbidden indicates the user lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
