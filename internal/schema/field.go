package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// Field describes one named, typed slot of a schema
type Field struct {
	Name           string
	Type           *TypeDef
	Required       bool
	Default        interface{}
	DefaultFactory func() interface{}
	ReadOnly       bool
	// Link names the field this one aliases. A linked field is not stored
	// on its own; reads resolve through the target.
	Link        string
	Validator   Validator
	Builtin     bool
	Description string
}

// FieldOption configures a Field during Declare
type FieldOption func(*Field)

// Required marks the field as required
func Required() FieldOption {
	return func(f *Field) { f.Required = true }
}

// Default sets a static default. Slices and maps are rejected by Declare
// because a shared mutable default would alias across documents.
func Default(v interface{}) FieldOption {
	return func(f *Field) { f.Default = v }
}

// DefaultFactory sets a function producing a fresh default per document
func DefaultFactory(fn func() interface{}) FieldOption {
	return func(f *Field) { f.DefaultFactory = fn }
}

// ReadOnly marks the field read-only
func ReadOnly() FieldOption {
	return func(f *Field) { f.ReadOnly = true }
}

// Link aliases the field to target
func Link(target string) FieldOption {
	return func(f *Field) { f.Link = target }
}

// WithValidator attaches a field-level validator
func WithValidator(v Validator) FieldOption {
	return func(f *Field) { f.Validator = v }
}

// Builtin marks the field as part of the kind's canonical field table
func Builtin() FieldOption {
	return func(f *Field) { f.Builtin = true }
}

// Description sets a human readable description
func Description(s string) FieldOption {
	return func(f *Field) { f.Description = s }
}

// Declare builds a Field. Configuration problems are reported immediately.
func Declare(name string, t *TypeDef, opts ...FieldOption) (*Field, error) {
	if err := ValidateFieldName(name); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: field %q has no type", ErrConfiguration, name)
	}

	f := &Field{Name: name, Type: t}
	for _, opt := range opts {
		opt(f)
	}

	if f.Default != nil && f.DefaultFactory != nil {
		return nil, fmt.Errorf("%w: field %q declares both a default and a default factory", ErrConfiguration, name)
	}
	if f.Default != nil {
		switch reflect.ValueOf(f.Default).Kind() {
		case reflect.Slice, reflect.Map:
			if _, isBytes := f.Default.([]byte); !isBytes {
				return nil, fmt.Errorf("%w: field %q has a mutable default; use DefaultFactory instead", ErrConfiguration, name)
			}
		}
		v, err := CheckValue(t, f.Default)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q default: %v", ErrConfiguration, name, err)
		}
		f.Default = v
	}
	if f.Link == name {
		return nil, fmt.Errorf("%w: field %q links to itself", ErrConfiguration, name)
	}

	return f, nil
}

// MustDeclare is like Declare but panics on error. It is meant for static
// field tables.
func MustDeclare(name string, t *TypeDef, opts ...FieldOption) *Field {
	f, err := Declare(name, t, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// ValidateFieldName checks a single path segment
func ValidateFieldName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: field name cannot be empty", ErrConfiguration)
	case strings.Contains(name, "."):
		return fmt.Errorf("%w: field name %q cannot contain '.'", ErrConfiguration, name)
	case strings.HasPrefix(name, "$"):
		return fmt.Errorf("%w: field name %q cannot start with '$'", ErrConfiguration, name)
	}
	return nil
}

// DefaultValue returns the field's default, calling the factory if needed
func (f *Field) DefaultValue() (interface{}, bool) {
	if f.DefaultFactory != nil {
		return f.DefaultFactory(), true
	}
	if f.Default != nil {
		return f.Default, true
	}
	return nil, false
}

// Check type-checks and validates value, returning the normalised value
func (f *Field) Check(value interface{}) (interface{}, error) {
	v, err := CheckValue(f.Type, value)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Name, err)
	}
	if f.Validator != nil && v != nil {
		if err := f.Validator.Validate(v); err != nil {
			ve := NewValidationErrors()
			ve.Add(f.Name, err.Error())
			return nil, ve
		}
	}
	return v, nil
}

// Clone returns a copy that shares no mutable state with f
func (f *Field) Clone() *Field {
	c := *f
	c.Type = f.Type.Clone()
	return &c
}

// String returns a short description of the field
func (f *Field) String() string {
	var flags []string
	if f.Required {
		flags = append(flags, "required")
	}
	if f.ReadOnly {
		flags = append(flags, "read-only")
	}
	if f.Link != "" {
		flags = append(flags, "link="+f.Link)
	}
	if len(flags) == 0 {
		return fmt.Sprintf("%s %s", f.Name, f.Type)
	}
	return fmt.Sprintf("%s %s [%s]", f.Name, f.Type, strings.Join(flags, ", "))
}
