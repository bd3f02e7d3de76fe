// Package schema provides the field and type model for curate documents.
// A Schema is an ordered mapping from dotted path to Field covering a
// document kind and everything embedded beneath it.
package schema

import (
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind is the tag of a TypeDef
type Kind int

const (
	KindAny Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindDatetime
	KindObjectID
	KindList
	KindDict
	KindTuple
	KindDocument
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDatetime:
		return "datetime"
	case KindObjectID:
		return "objectid"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	case KindTuple:
		return "tuple"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

// ParseKind converts a string to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "any":
		return KindAny, nil
	case "bool":
		return KindBool, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	case "bytes":
		return KindBytes, nil
	case "datetime":
		return KindDatetime, nil
	case "objectid":
		return KindObjectID, nil
	case "list":
		return KindList, nil
	case "dict":
		return KindDict, nil
	case "tuple":
		return KindTuple, nil
	case "document":
		return KindDocument, nil
	default:
		return 0, fmt.Errorf("%w: unknown type kind: %s", ErrData, s)
	}
}

// IsPrimitive reports whether values of this kind are scalars
func (k Kind) IsPrimitive() bool {
	switch k {
	case KindBool, KindInt, KindFloat, KindString, KindBytes, KindDatetime, KindObjectID:
		return true
	}
	return false
}

// TypeDef is a serializable type description tree
type TypeDef struct {
	Kind Kind

	Elem  *TypeDef   // list<T>
	Key   *TypeDef   // dict<K,V>
	Value *TypeDef   // dict<K,V>
	Items []*TypeDef // tuple<T...>

	// DocKind names the embedded document kind; empty accepts any kind
	DocKind string
}

func Any() *TypeDef      { return &TypeDef{Kind: KindAny} }
func Bool() *TypeDef     { return &TypeDef{Kind: KindBool} }
func Int() *TypeDef      { return &TypeDef{Kind: KindInt} }
func Float() *TypeDef    { return &TypeDef{Kind: KindFloat} }
func String() *TypeDef   { return &TypeDef{Kind: KindString} }
func Bytes() *TypeDef    { return &TypeDef{Kind: KindBytes} }
func Datetime() *TypeDef { return &TypeDef{Kind: KindDatetime} }
func ObjectID() *TypeDef { return &TypeDef{Kind: KindObjectID} }

// ListOf returns list<elem>
func ListOf(elem *TypeDef) *TypeDef {
	if elem == nil {
		elem = Any()
	}
	return &TypeDef{Kind: KindList, Elem: elem}
}

// DocumentOf returns an embedded document type of the given kind
func DocumentOf(kind string) *TypeDef {
	return &TypeDef{Kind: KindDocument, DocKind: kind}
}

// DictOf returns dict<key, value>. Keys are restricted to int and string.
func DictOf(key, value *TypeDef) (*TypeDef, error) {
	if key == nil {
		key = String()
	}
	if key.Kind != KindInt && key.Kind != KindString {
		return nil, fmt.Errorf("%w: dict keys must be int or string, got %s", ErrData, key)
	}
	if value == nil {
		value = Any()
	}
	return &TypeDef{Kind: KindDict, Key: key, Value: value}, nil
}

// TupleOf returns tuple<items...>. Every item must be primitive.
func TupleOf(items ...*TypeDef) (*TypeDef, error) {
	for i, it := range items {
		if it == nil || !it.Kind.IsPrimitive() {
			return nil, fmt.Errorf("%w: tuple element %d must be a primitive type, got %s", ErrData, i, it)
		}
	}
	return &TypeDef{Kind: KindTuple, Items: items}, nil
}

// String returns a compact rendering such as list<document(Detection)>
func (t *TypeDef) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KindList:
		return fmt.Sprintf("list<%s>", t.Elem)
	case KindDict:
		return fmt.Sprintf("dict<%s,%s>", t.Key, t.Value)
	case KindTuple:
		s := "tuple<"
		for i, it := range t.Items {
			if i > 0 {
				s += ","
			}
			s += it.String()
		}
		return s + ">"
	case KindDocument:
		if t.DocKind == "" {
			return "document"
		}
		return fmt.Sprintf("document(%s)", t.DocKind)
	default:
		return t.Kind.String()
	}
}

// IsObject reports whether the type can be descended into by dotted paths
func (t *TypeDef) IsObject() bool {
	if t == nil {
		return false
	}
	if t.Kind == KindDocument {
		return true
	}
	return t.Kind == KindList && t.Elem != nil && t.Elem.Kind == KindDocument
}

// Clone returns a deep copy
func (t *TypeDef) Clone() *TypeDef {
	if t == nil {
		return nil
	}
	c := &TypeDef{Kind: t.Kind, DocKind: t.DocKind}
	c.Elem = t.Elem.Clone()
	c.Key = t.Key.Clone()
	c.Value = t.Value.Clone()
	if t.Items != nil {
		c.Items = make([]*TypeDef, len(t.Items))
		for i, it := range t.Items {
			c.Items[i] = it.Clone()
		}
	}
	return c
}

// Equal compares two type trees structurally
func (t *TypeDef) Equal(o *TypeDef) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind || t.DocKind != o.DocKind || len(t.Items) != len(o.Items) {
		return false
	}
	if !t.Elem.Equal(o.Elem) || !t.Key.Equal(o.Key) || !t.Value.Equal(o.Value) {
		return false
	}
	for i := range t.Items {
		if !t.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}

// Describe returns the serializable type description used in dataset
// definitions and wire schema negotiation
func (t *TypeDef) Describe() map[string]interface{} {
	d := map[string]interface{}{"kind": t.Kind.String()}
	switch t.Kind {
	case KindList:
		d["elem"] = t.Elem.Describe()
	case KindDict:
		d["key"] = t.Key.Describe()
		d["value"] = t.Value.Describe()
	case KindTuple:
		items := make([]interface{}, len(t.Items))
		for i, it := range t.Items {
			items[i] = it.Describe()
		}
		d["items"] = items
	case KindDocument:
		if t.DocKind != "" {
			d["document"] = t.DocKind
		}
	}
	return d
}

// ParseTypeDescription is the inverse of Describe. It accepts the shapes a
// bson decode produces (maps, bson.M, bson.D) as well as plain Go maps.
func ParseTypeDescription(desc interface{}) (*TypeDef, error) {
	m, ok := AsMap(desc)
	if !ok {
		return nil, fmt.Errorf("%w: type description must be a mapping, got %T", ErrData, desc)
	}
	kindStr, _ := m["kind"].(string)
	kind, err := ParseKind(kindStr)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindList:
		elem, err := ParseTypeDescription(m["elem"])
		if err != nil {
			return nil, fmt.Errorf("list element: %w", err)
		}
		return ListOf(elem), nil
	case KindDict:
		key, err := ParseTypeDescription(m["key"])
		if err != nil {
			return nil, fmt.Errorf("dict key: %w", err)
		}
		value, err := ParseTypeDescription(m["value"])
		if err != nil {
			return nil, fmt.Errorf("dict value: %w", err)
		}
		return DictOf(key, value)
	case KindTuple:
		raw, ok := AsSlice(m["items"])
		if !ok {
			return nil, fmt.Errorf("%w: tuple description missing items", ErrData)
		}
		items := make([]*TypeDef, len(raw))
		for i, r := range raw {
			if items[i], err = ParseTypeDescription(r); err != nil {
				return nil, fmt.Errorf("tuple item %d: %w", i, err)
			}
		}
		return TupleOf(items...)
	case KindDocument:
		docKind, _ := m["document"].(string)
		return DocumentOf(docKind), nil
	default:
		return &TypeDef{Kind: kind}, nil
	}
}

// Embedded is implemented by nested document values so that type inference
// and type checks can recognise them without importing the document package
type Embedded interface {
	DocumentKind() string
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	dateTimeType = reflect.TypeOf(primitive.DateTime(0))
	objectIDType = reflect.TypeOf(primitive.ObjectID{})
	bytesType    = reflect.TypeOf([]byte(nil))
	embeddedType = reflect.TypeOf((*Embedded)(nil)).Elem()
)

// ResolveTypeDefinition maps a Go type onto a TypeDef. Slices become lists,
// maps with int or string keys become dicts and arrays of primitives become
// homogeneous tuples.
func ResolveTypeDefinition(t reflect.Type) (*TypeDef, error) {
	if t == nil {
		return Any(), nil
	}

	switch t {
	case timeType, dateTimeType:
		return Datetime(), nil
	case objectIDType:
		return ObjectID(), nil
	case bytesType:
		return Bytes(), nil
	}

	if t.Implements(embeddedType) {
		return DocumentOf(""), nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return Int(), nil
	case reflect.Float32, reflect.Float64:
		return Float(), nil
	case reflect.String:
		return String(), nil
	case reflect.Interface:
		return Any(), nil
	case reflect.Slice:
		elem, err := ResolveTypeDefinition(t.Elem())
		if err != nil {
			return nil, fmt.Errorf("list element: %w", err)
		}
		return ListOf(elem), nil
	case reflect.Map:
		key, err := ResolveTypeDefinition(t.Key())
		if err != nil {
			return nil, err
		}
		value, err := ResolveTypeDefinition(t.Elem())
		if err != nil {
			return nil, fmt.Errorf("dict value: %w", err)
		}
		return DictOf(key, value)
	case reflect.Array:
		elem, err := ResolveTypeDefinition(t.Elem())
		if err != nil {
			return nil, err
		}
		items := make([]*TypeDef, t.Len())
		for i := range items {
			items[i] = elem.Clone()
		}
		return TupleOf(items...)
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrData, t)
	}
}

// InferType maps a runtime value onto one of the closed set of type tags.
// It is used by dynamic documents to declare a field on first write.
func InferType(value interface{}) (*TypeDef, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("%w: cannot infer a type from a nil value", ErrData)
	case Embedded:
		return DocumentOf(v.DocumentKind()), nil
	case bool:
		return Bool(), nil
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return Int(), nil
	case float32, float64:
		return Float(), nil
	case string:
		return String(), nil
	case []byte:
		return Bytes(), nil
	case primitive.Binary:
		return Bytes(), nil
	case time.Time, primitive.DateTime:
		return Datetime(), nil
	case primitive.ObjectID:
		return ObjectID(), nil
	}

	if items, ok := AsSlice(value); ok {
		return ListOf(inferElem(items)), nil
	}
	if m, ok := AsMap(value); ok {
		vals := make([]interface{}, 0, len(m))
		for _, x := range m {
			vals = append(vals, x)
		}
		return &TypeDef{Kind: KindDict, Key: String(), Value: inferElem(vals)}, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		return ResolveTypeDefinition(rv.Type())
	case reflect.Array:
		return ResolveTypeDefinition(rv.Type())
	}

	return nil, fmt.Errorf("%w: cannot infer a field type from %T", ErrData, value)
}

// inferElem returns the shared type of all non-nil values, or any when they
// disagree or there are none
func inferElem(values []interface{}) *TypeDef {
	var common *TypeDef
	for _, v := range values {
		if v == nil {
			continue
		}
		t, err := InferType(v)
		if err != nil {
			return Any()
		}
		if common == nil {
			common = t
			continue
		}
		if !common.Equal(t) {
			if common.Kind == KindDocument && t.Kind == KindDocument {
				common = DocumentOf("")
				continue
			}
			return Any()
		}
	}
	if common == nil {
		return Any()
	}
	return common
}
