// Package errors provides the error taxonomy shared by the reconciliation
// engine, the export workflow and the HTTP API.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// New is an alias for the standard library errors.New.
var New = errors.New

var (
	// ErrNotFound is returned when a local entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an optimistic write loses a race.
	ErrConflict = errors.New("concurrent modification")

	// ErrNotEligible is returned when a template cannot be exported in its current state.
	ErrNotEligible = errors.New("not eligible for export")

	// ErrCredentialsInvalid is returned when an agent's credentials are known to be invalid.
	ErrCredentialsInvalid = errors.New("credentials invalid")

	// ErrAuthInvalid is returned when the provider rejects the sub-account credentials.
	ErrAuthInvalid = errors.New("provider authentication failed")

	// ErrTransient is returned for network, timeout and rate-limit failures.
	ErrTransient = errors.New("transient provider failure")

	// ErrRemoteNotFound is returned when the provider has no such template.
	ErrRemoteNotFound = errors.New("remote template not found")

	// ErrIdentityConflict is returned when a remote id is already bound to another local version.
	ErrIdentityConflict = errors.New("identity conflict")
)

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// CredentialsError reports why an agent's provider credentials cannot be used.
type CredentialsError struct {
	AgentID string
	Reason  string
	Missing []string
}

func (e *CredentialsError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("agent %s credentials invalid: missing %s", e.AgentID, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("agent %s credentials invalid: %s", e.AgentID, e.Reason)
}

// Is implements errors.Is support
func (e *CredentialsError) Is(target error) bool {
	return target == ErrCredentialsInvalid
}

// OpError attaches the operation and the entities involved to an underlying error.
type OpError struct {
	Op         string
	AgentID    string
	TemplateID string
	VersionID  string
	RemoteID   string
	Err        error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.AgentID != "" {
		fmt.Fprintf(&b, " agent=%s", e.AgentID)
	}
	if e.TemplateID != "" {
		fmt.Fprintf(&b, " template=%s", e.TemplateID)
	}
	if e.VersionID != "" {
		fmt.Fprintf(&b, " version=%s", e.VersionID)
	}
	if e.RemoteID != "" {
		fmt.Fprintf(&b, " remote=%s", e.RemoteID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap implements errors.Unwrap
func (e *OpError) Unwrap() error {
	return e.Err
}

// Kind returns a short machine-readable classification of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthInvalid):
		return "auth_invalid"
	case errors.Is(err, ErrCredentialsInvalid):
		return "credentials_invalid"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrRemoteNotFound):
		return "remote_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrIdentityConflict):
		return "identity_conflict"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
