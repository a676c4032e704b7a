package forum

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection indicates that a collection name is not part of the model.
	ErrUnknownCollection = errors.New("forum: unknown collection")
	// ErrNotFound indicates that the addressed entity does not exist.
	ErrNotFound = errors.New("forum: entity not found")
	// ErrInvalidDocument indicates that a payload is not a JSON object.
	ErrInvalidDocument = errors.New("forum: invalid document")
)

// ValidationError rejects a malformed mutation before any state changes.
type ValidationError struct {
	Collection CollectionName
	Field      string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	target := string(e.Collection)
	if e.Field != "" {
		target = target + "." + e.Field
	}
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %s: %v", target, e.Reason, e.Err)
	}
	return fmt.Sprintf("validation: %s: %s", target, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// SyncError records a failed remote pull or push. It is logged and flagged, never
// returned to mutation callers.
type SyncError struct {
	Operation  string
	Collection CollectionName
	Err        error
}

func (e *SyncError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("sync %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("sync %s %s: %v", e.Operation, e.Collection, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// QuotaError reports an unmet precondition of an economic action.
type QuotaError struct {
	Action    string
	Reason    string
	Required  int64
	Available int64
}

func (e *QuotaError) Error() string {
	if e.Required != 0 || e.Available != 0 {
		return fmt.Sprintf("%s: %s (required %d, available %d)", e.Action, e.Reason, e.Required, e.Available)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

// CascadeError reports a delete whose dependents could not be resolved. Nothing
// was removed when it is returned.
type CascadeError struct {
	Ref Ref
	Err error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("cascade delete %s: %v", e.Ref, e.Err)
}

func (e *CascadeError) Unwrap() error {
	return e.Err
}

func validationFailure(collection CollectionName, field, reason string) error {
	return &ValidationError{Collection: collection, Field: field, Reason: reason}
}

// ServiceError carries an "operation.reason" code for construction and storage failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError coded "operation.reason".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
