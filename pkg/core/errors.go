// Package core wires the consolidation engine together from configuration.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingCredentials indicates that a provider was selected without its API key.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrProviderNotSupported indicates an unknown analysis or embedding provider.
	ErrProviderNotSupported = errors.New("provider not supported")

	// ErrStoreNotSupported indicates an unknown storage provider.
	ErrStoreNotSupported = errors.New("storage provider not supported")
)

// ConsolidationError wraps errors with operation context.
//
// Example:
//
//	err := &ConsolidationError{Op: "Validate", Err: ErrMissingCredentials}
//	// Error() returns: "memconsolidate: Validate: missing credentials"
type ConsolidationError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns "memconsolidate: <Op>: <Err>".
func (e *ConsolidationError) Error() string {
	return fmt.Sprintf("memconsolidate: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *ConsolidationError) Unwrap() error {
	return e.Err
}

// NewConsolidationError wraps err with op. It returns nil if err is nil, so
// it can wrap a call's result directly.
func NewConsolidationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConsolidationError{
		Op:  op,
		Err: err,
	}
}
