package document

import (
	"reflect"
	"sort"
)

// FieldChange represents a change to a single field
type FieldChange struct {
	Field    string
	OldValue interface{}
	NewValue interface{}
}

// changeTracker records which top-level fields of a document were written
// since it was loaded, and the values they were loaded with
type changeTracker struct {
	original map[string]interface{}
	touched  map[string]struct{}
}

func newChangeTracker(original map[string]interface{}) *changeTracker {
	return &changeTracker{
		original: deepCopyMap(original),
		touched:  make(map[string]struct{}),
	}
}

func (ct *changeTracker) touch(field string) {
	ct.touched[field] = struct{}{}
}

// changes returns the touched fields whose value differs from the original
func (ct *changeTracker) changes(current map[string]interface{}) map[string]*FieldChange {
	out := make(map[string]*FieldChange)
	for field := range ct.touched {
		oldValue, hadOld := ct.original[field]
		newValue, hasNew := current[field]
		if hadOld == hasNew && deepEqual(oldValue, newValue) {
			continue
		}
		out[field] = &FieldChange{Field: field, OldValue: oldValue, NewValue: newValue}
	}
	return out
}

func (ct *changeTracker) reset(current map[string]interface{}) {
	ct.original = deepCopyMap(current)
	ct.touched = make(map[string]struct{})
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

// deepCopyValue copies containers. Embedded documents are kept by
// reference; they track their own changes.
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, x := range val {
			out[i] = deepCopyValue(x)
		}
		return out
	case map[string]interface{}:
		return deepCopyMap(val)
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

func deepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
