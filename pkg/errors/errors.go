package errors

import (
	"errors"
	"fmt"
)

// Error types for classification of control plane failures

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypePermission  ErrorType = "permission"
	ErrorTypeAnchor      ErrorType = "anchor_not_found"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeNonZeroExit ErrorType = "nonzero_exit"
	ErrorTypeProbe       ErrorType = "probe"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeInternal    ErrorType = "internal"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Request errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

// Artifact errors
func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewAnchorError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeAnchor, message, cause)
}

// Control command errors
func NewUnavailableError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnavailable, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewNonZeroExitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNonZeroExit, message, cause)
}

// System errors
func NewProbeError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProbe, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

// TypeOf returns the ErrorType of the outermost DomainError in the chain, or
// an empty type when err carries none.
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// Error checking helpers
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

func IsNotFoundError(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

func IsPermissionError(err error) bool {
	return TypeOf(err) == ErrorTypePermission
}

func IsAnchorError(err error) bool {
	return TypeOf(err) == ErrorTypeAnchor
}

func IsUnavailableError(err error) bool {
	return TypeOf(err) == ErrorTypeUnavailable
}

func IsTimeoutError(err error) bool {
	return TypeOf(err) == ErrorTypeTimeout
}

func IsNonZeroExitError(err error) bool {
	return TypeOf(err) == ErrorTypeNonZeroExit
}

func IsProbeError(err error) bool {
	return TypeOf(err) == ErrorTypeProbe
}

func IsIOError(err error) bool {
	return TypeOf(err) == ErrorTypeIO
}

func IsInternalError(err error) bool {
	return TypeOf(err) == ErrorTypeInternal
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
