package audit

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid audit input")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrStoreWrite        = errors.New("audit store write failed")
	ErrStoreRead         = errors.New("audit store read failed")
)

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit input: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreError wraps a failure from the underlying store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("audit store %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the operation sentinel and the cause.
func (e *StoreError) Unwrap() []error {
	sentinel := ErrStoreRead
	if e.Op == "append" {
		sentinel = ErrStoreWrite
	}
	return []error{sentinel, e.Err}
}
