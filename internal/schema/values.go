package schema

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AsMap views v as a string-keyed mapping. It understands plain maps, bson.M
// and bson.D as well as any map type with string keys.
func AsMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	case bson.D:
		out := make(map[string]interface{}, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// AsSlice views v as a generic sequence. Byte slices and bson.D documents
// are not sequences.
func AsSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case bson.A:
		return s, true
	case []byte, bson.D, nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// CheckValue checks value against t and returns its normalised form: ints
// widen to int64, floats to float64, times to UTC millisecond precision,
// sequences to []interface{} and mappings to map[string]interface{}. A nil
// value is always accepted since nil means "unset".
func CheckValue(t *TypeDef, value interface{}) (interface{}, error) {
	if value == nil || t == nil {
		return value, nil
	}

	switch t.Kind {
	case KindAny:
		return value, nil

	case KindBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}

	case KindInt:
		if i, ok := ToInt64(value); ok {
			return i, nil
		}

	case KindFloat:
		if f, ok := ToFloat64(value); ok {
			return f, nil
		}

	case KindString:
		if s, ok := value.(string); ok {
			return s, nil
		}

	case KindBytes:
		switch b := value.(type) {
		case []byte:
			return b, nil
		case primitive.Binary:
			return b.Data, nil
		}

	case KindDatetime:
		switch d := value.(type) {
		case time.Time:
			return NormalizeTime(d), nil
		case primitive.DateTime:
			return d.Time().UTC(), nil
		}

	case KindObjectID:
		switch id := value.(type) {
		case primitive.ObjectID:
			return id, nil
		case string:
			oid, err := primitive.ObjectIDFromHex(id)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid object id %q", ErrData, id)
			}
			return oid, nil
		}

	case KindList:
		items, ok := AsSlice(value)
		if !ok {
			break
		}
		out := make([]interface{}, len(items))
		for i, it := range items {
			v, err := CheckValue(t.Elem, it)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil

	case KindDict:
		m, ok := dictEntries(value)
		if !ok {
			break
		}
		out := make(map[string]interface{}, len(m))
		for k, it := range m {
			if t.Key != nil && t.Key.Kind == KindInt {
				if _, err := strconv.ParseInt(k, 10, 64); err != nil {
					return nil, fmt.Errorf("%w: dict key %q is not an int", ErrData, k)
				}
			}
			v, err := CheckValue(t.Value, it)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil

	case KindTuple:
		items, ok := AsSlice(value)
		if !ok {
			break
		}
		if len(items) != len(t.Items) {
			return nil, fmt.Errorf("%w: expected %d tuple elements, got %d", ErrData, len(t.Items), len(items))
		}
		out := make([]interface{}, len(items))
		for i, it := range items {
			v, err := CheckValue(t.Items[i], it)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil

	case KindDocument:
		if e, ok := value.(Embedded); ok {
			if t.DocKind == "" || t.DocKind == e.DocumentKind() {
				return value, nil
			}
			return nil, fmt.Errorf("%w: expected %s, got document(%s)", ErrData, t, e.DocumentKind())
		}
	}

	return nil, fmt.Errorf("%w: expected %s, got %T", ErrData, t, value)
}

// dictEntries flattens string- or int-keyed maps into string-keyed entries
func dictEntries(value interface{}) (map[string]interface{}, bool) {
	if m, ok := AsMap(value); ok {
		return m, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map {
		return nil, false
	}
	switch rv.Type().Key().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return nil, false
	}
	out := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[strconv.FormatInt(iter.Key().Int(), 10)] = iter.Value().Interface()
	}
	return out, true
}

// NormalizeTime returns t in UTC truncated to the store's millisecond precision
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ToInt64 converts integer values, and floats without a fractional part
func ToInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case float32:
		if float64(v) == math.Trunc(float64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// ToFloat64 converts any numeric value to float64
func ToFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	if i, ok := ToInt64(value); ok {
		return float64(i), true
	}
	return 0, false
}
