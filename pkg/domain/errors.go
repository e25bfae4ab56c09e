package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrConnectionNotFound is returned when a connection is not registered
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionClosed is returned when writing to a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRegistryStopped is returned when using a stopped registry
	ErrRegistryStopped = errors.New("registry stopped")

	// ErrBreakerOpen is returned when the circuit breaker rejects a call
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrBroadcastRejected is returned when the concurrency cap is reached
	ErrBroadcastRejected = errors.New("broadcast rejected: concurrency limit reached")

	// ErrInvalidFrame is returned when an inbound client frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeInvalid  = "INVALID"
	ErrCodeInternal = "INTERNAL"
	ErrCodeTimeout  = "TIMEOUT"
)
