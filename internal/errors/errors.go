// Package errors provides structured error types for the Quarry scan
// engine. All errors include a category, code, message, and retryable flag
// for consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryTablet   ErrorCategory = "TABLET"
	ErrCategoryDict     ErrorCategory = "DICT"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryManifest ErrorCategory = "MANIFEST"
	ErrCategoryScan     ErrorCategory = "SCAN"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeColumnNotFound   = "COLUMN_NOT_FOUND"
	CodeInvalidSchema    = "INVALID_SCHEMA"
	CodeInvalidPredicate = "INVALID_PREDICATE"

	// Tablet codes
	CodeTabletNotFound      = "TABLET_NOT_FOUND"
	CodeVersionNotAvailable = "VERSION_NOT_AVAILABLE"

	// Dictionary codes
	CodeDictionaryMapping = "DICTIONARY_MAPPING"

	// Storage codes
	CodeIO             = "IO_ERROR"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Manifest codes
	CodeCorruptionDetected = "CORRUPTION_DETECTED"
	CodeManifestQuery      = "QUERY_FAILED"

	// Scan codes
	CodeCancelled   = "CANCELLED"
	CodeScanStalled = "SCAN_STALLED"
	CodeConnector   = "CONNECTOR_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// QuarryError is the structured error type used throughout the system.
type QuarryError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *QuarryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *QuarryError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *QuarryError) Is(target error) bool {
	var t *QuarryError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new QuarryError.
func New(category ErrorCategory, code, message string) *QuarryError {
	return &QuarryError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new QuarryError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *QuarryError {
	return &QuarryError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *QuarryError) WithDetails(details map[string]interface{}) *QuarryError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable at a
// higher layer. The scan engine itself never retries; the flag lets the
// planner decide whether refreshed metadata could help.
func IsRetryable(err error) bool {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a QuarryError.
func GetCategory(err error) ErrorCategory {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a QuarryError.
func GetCode(err error) string {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// IsCancelled reports whether the error chain contains a scan cancellation.
func IsCancelled(err error) bool {
	return GetCode(err) == CodeCancelled
}

// isRetryable determines if an error code can be retried above this layer.
// TabletNotFound and VersionNotAvailable are retryable with refreshed
// metadata; everything else is terminal for the scan.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTablet && code == CodeTabletNotFound:
		return true
	case category == ErrCategoryTablet && code == CodeVersionNotAvailable:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewColumnNotFound(column string) *QuarryError {
	return New(ErrCategorySchema, CodeColumnNotFound, fmt.Sprintf("invalid field name: %s", column))
}

func NewInvalidSchema(message string) *QuarryError {
	return New(ErrCategorySchema, CodeInvalidSchema, message)
}

func NewInvalidPredicate(message string) *QuarryError {
	return New(ErrCategorySchema, CodeInvalidPredicate, message)
}

func NewTabletNotFound(message string) *QuarryError {
	return New(ErrCategoryTablet, CodeTabletNotFound, message)
}

func NewVersionNotAvailable(message string) *QuarryError {
	return New(ErrCategoryTablet, CodeVersionNotAvailable, message)
}

func NewDictionaryMappingError(message string) *QuarryError {
	return New(ErrCategoryDict, CodeDictionaryMapping, message)
}

func NewIOError(message string, cause error) *QuarryError {
	return Wrap(ErrCategoryStorage, CodeIO, message, cause)
}

func NewManifestError(code, message string, cause error) *QuarryError {
	return Wrap(ErrCategoryManifest, code, message, cause)
}

func NewCancelled(message string) *QuarryError {
	return New(ErrCategoryScan, CodeCancelled, message)
}

func NewConnectorError(message string, cause error) *QuarryError {
	return Wrap(ErrCategoryScan, CodeConnector, message, cause)
}

func NewInternalError(message string, cause error) *QuarryError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
