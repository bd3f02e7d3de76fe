package runs

import (
	"fmt"
	"regexp"
)

// Kind names a family of runs. Each kind has its own key namespace.
type Kind string

const (
	KindAnnotation Kind = "annotation"
	KindBrain      Kind = "brain"
	KindEvaluation Kind = "evaluation"
	KindGeneric    Kind = "generic"
)

// Kinds returns every run kind
func Kinds() []Kind {
	return []Kind{KindAnnotation, KindBrain, KindEvaluation, KindGeneric}
}

// ParseKind parses a kind name
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown run kind %q", s)
}

// RefField is the dataset definition field holding the kind's run references
func (k Kind) RefField() string {
	switch k {
	case KindAnnotation:
		return "annotation_runs"
	case KindBrain:
		return "brain_methods"
	case KindEvaluation:
		return "evaluations"
	default:
		return "runs"
	}
}

func (k Kind) String() string { return string(k) }

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateKey checks that key is a valid identifier
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q is not a valid identifier", ErrInvalidKey, key)
	}
	return nil
}
