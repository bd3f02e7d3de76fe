package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"unicode/utf8"
)

// Validator defines the interface for field validators
type Validator interface {
	Validate(value interface{}) error
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(value interface{}) error

// Validate implements the Validator interface
func (f ValidatorFunc) Validate(value interface{}) error {
	return f(value)
}

// MinValidator validates minimum values for numbers and minimum rune
// counts for strings
type MinValidator struct {
	Min float64
}

// Validate implements the Validator interface
func (v *MinValidator) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		if float64(utf8.RuneCountInString(s)) < v.Min {
			return fmt.Errorf("must be at least %v characters", v.Min)
		}
		return nil
	}
	f, ok := ToFloat64(value)
	if !ok {
		return fmt.Errorf("expected numeric value")
	}
	if f < v.Min {
		return fmt.Errorf("must be at least %v", v.Min)
	}
	return nil
}

// MaxValidator validates maximum values for numbers and maximum rune
// counts for strings
type MaxValidator struct {
	Max float64
}

// Validate implements the Validator interface
func (v *MaxValidator) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		if float64(utf8.RuneCountInString(s)) > v.Max {
			return fmt.Errorf("must be at most %v characters", v.Max)
		}
		return nil
	}
	f, ok := ToFloat64(value)
	if !ok {
		return fmt.Errorf("expected numeric value")
	}
	if f > v.Max {
		return fmt.Errorf("must be at most %v", v.Max)
	}
	return nil
}

// PatternValidator validates strings against a regular expression
type PatternValidator struct {
	Pattern *regexp.Regexp
}

// Validate implements the Validator interface
func (v *PatternValidator) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string value")
	}
	if !v.Pattern.MatchString(s) {
		return fmt.Errorf("does not match pattern %s", v.Pattern.String())
	}
	return nil
}

// OneOfValidator validates that a value is one of a fixed set
type OneOfValidator struct {
	Values []interface{}
}

// Validate implements the Validator interface
func (v *OneOfValidator) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	for _, allowed := range v.Values {
		if valuesEqual(value, allowed) {
			return nil
		}
	}
	return fmt.Errorf("must be one of %v", v.Values)
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := ToFloat64(a); ok {
		if fb, ok := ToFloat64(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// Chain runs validators in order and stops at the first failure
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(value interface{}) error {
		for _, v := range validators {
			if err := v.Validate(value); err != nil {
				return err
			}
		}
		return nil
	})
}
