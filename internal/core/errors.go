package core

import (
	"errors"
	"fmt"
)

// ErrorType classifies engine errors so callers can branch on kind
// without string matching.
type ErrorType string

const (
	// ErrorTypeRegistryUnreachable indicates a network or timeout failure
	// talking to the remote registry.
	ErrorTypeRegistryUnreachable ErrorType = "registry_unreachable"
	// ErrorTypeRegistry indicates a non-2xx or malformed registry response.
	ErrorTypeRegistry ErrorType = "registry_error"
	// ErrorTypeChecksumMismatch indicates downloaded content failed
	// integrity verification. Always fatal to that download.
	ErrorTypeChecksumMismatch ErrorType = "checksum_mismatch"
	// ErrorTypeNotFound indicates a missing template, version, or backup.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeValidation indicates bad input state, such as upgrading a
	// bundled template or targeting an uncached version.
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeImport indicates a failure from the project import
	// collaborator.
	ErrorTypeImport ErrorType = "import_error"
)

// ErrMissingProviderMapping is the recoverable-but-incomplete import
// condition: the template references external providers the project has no
// mapping for. Callers detect it with errors.Is.
var ErrMissingProviderMapping = errors.New("missing provider mapping")

// EngineError is the base error type for all engine errors.
type EngineError struct {
	Type    ErrorType
	Message string
	// Original error for debugging.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsType reports whether err is an EngineError of the given type.
func IsType(err error, t ErrorType) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Type == t
	}
	return false
}

// ChecksumError reports an integrity verification failure, carrying both
// the expected and the locally computed value.
type ChecksumError struct {
	Slug     string
	Version  string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s@%s: expected %s, got %s",
		e.Slug, e.Version, e.Expected, e.Actual)
}

// NewRegistryUnreachableError wraps a network or timeout failure.
func NewRegistryUnreachableError(message string, err error) *EngineError {
	return &EngineError{Type: ErrorTypeRegistryUnreachable, Message: message, Err: err}
}

// NewRegistryError wraps a non-2xx or malformed registry response.
func NewRegistryError(message string, err error) *EngineError {
	return &EngineError{Type: ErrorTypeRegistry, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *EngineError {
	return &EngineError{Type: ErrorTypeNotFound, Message: message}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *EngineError {
	return &EngineError{Type: ErrorTypeValidation, Message: message}
}

// NewImportError wraps a failure from the import collaborator. The
// missing-provider-mapping sub-condition is preserved through Unwrap so
// errors.Is(err, ErrMissingProviderMapping) still holds.
func NewImportError(message string, err error) *EngineError {
	return &EngineError{Type: ErrorTypeImport, Message: message, Err: err}
}
