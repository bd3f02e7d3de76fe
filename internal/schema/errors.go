package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration is returned for malformed field declarations
	ErrConfiguration = errors.New("configuration error")

	// ErrData is returned when a value or path violates the schema
	ErrData = errors.New("data error")

	// ErrFieldNotFound is returned when a field is not declared anywhere in the schema
	ErrFieldNotFound = fmt.Errorf("%w: field not found", ErrData)

	// ErrReadOnly is returned when a read-only field is mutated
	ErrReadOnly = fmt.Errorf("%w: field is read-only", ErrData)

	// ErrSchemaConsistency is returned for schema edits that would break
	// the dataset's schema, such as deleting a builtin field
	ErrSchemaConsistency = errors.New("schema consistency error")
)

// FieldNotFound returns an ErrFieldNotFound error naming the path
func FieldNotFound(path string) error {
	return fmt.Errorf("%w: %q", ErrFieldNotFound, path)
}

// ConflictError is the panic value raised when two schemas disagree on the
// type of a shared path
type ConflictError struct {
	Path     string
	Existing *TypeDef
	Incoming *TypeDef
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict at %q: existing type %s, incoming type %s", e.Path, e.Existing, e.Incoming)
}

// ValidationErrors contains multiple validation errors for a document
type ValidationErrors struct {
	Fields map[string][]string
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{Fields: make(map[string][]string)}
}

// Add adds a validation error for a specific field
func (ve *ValidationErrors) Add(field, message string) {
	if ve.Fields == nil {
		ve.Fields = make(map[string][]string)
	}
	ve.Fields[field] = append(ve.Fields[field], message)
}

// HasErrors returns true if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Fields) > 0
}

// ErrorOrNil returns ve when it holds errors, nil otherwise
func (ve *ValidationErrors) ErrorOrNil() error {
	if ve == nil || !ve.HasErrors() {
		return nil
	}
	return ve
}

// Error implements the error interface
func (ve *ValidationErrors) Error() string {
	if !ve.HasErrors() {
		return "validation failed"
	}

	fields := make([]string, 0, len(ve.Fields))
	for f := range ve.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var messages []string
	for _, field := range fields {
		for _, msg := range ve.Fields[field] {
			messages = append(messages, fmt.Sprintf("  - %s: %s", field, msg))
		}
	}

	if len(messages) == 1 {
		return fmt.Sprintf("validation failed: %s", strings.TrimPrefix(messages[0], "  - "))
	}
	return fmt.Sprintf("validation failed:\n%s", strings.Join(messages, "\n"))
}

// Unwrap lets errors.Is match ErrData
func (ve *ValidationErrors) Unwrap() error {
	return ErrData
}
