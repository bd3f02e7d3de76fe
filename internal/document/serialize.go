package document

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/schema"
)

// ClassKey carries the kind of an embedded document in serialized form
const ClassKey = "_cls"

// ToSerializable returns the document as a bson.D with keys in sorted
// order. The identity alias "id" is never emitted. When links is false,
// every other linked field is omitted too, which is the form written to
// the backing store.
func (d *Document) ToSerializable(links bool) bson.D {
	return d.serialize(links, false)
}

func (d *Document) serialize(links, withClass bool) bson.D {
	values := make(map[string]interface{}, len(d.data)+1)
	for name, v := range d.data {
		values[name] = serializeValue(v, links)
	}

	if links {
		for _, p := range d.ref.schema.Children(d.prefix) {
			f, _ := d.ref.schema.Get(p)
			name := schema.Leaf(p)
			if f.Link == "" || name == IDField {
				continue
			}
			if v, err := d.Get(name); err == nil && v != nil {
				values[name] = serializeValue(v, links)
			}
		}
	}
	delete(values, IDField)

	if withClass {
		values[ClassKey] = d.kind
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(bson.D, len(keys))
	for i, k := range keys {
		out[i] = bson.E{Key: k, Value: values[k]}
	}
	return out
}

func serializeValue(v interface{}, links bool) interface{} {
	switch val := v.(type) {
	case *Document:
		return val.serialize(links, true)
	case []interface{}:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = serializeValue(x, links)
		}
		return out
	case map[string]interface{}:
		keys := sortedKeys(val)
		out := make(bson.D, len(keys))
		for i, k := range keys {
			out[i] = bson.E{Key: k, Value: serializeValue(val[k], links)}
		}
		return out
	default:
		return v
	}
}

// FromSerialized rebuilds a root document bound to ref from its stored form.
// raw may be a bson.D, bson.M, plain map or bson.Raw. Read-only fields
// are populated and the result carries no pending changes.
func FromSerialized(ref *SchemaRef, raw interface{}) (*Document, error) {
	return fromSerialized(ref, "", ref.kind, raw)
}

func fromSerialized(ref *SchemaRef, prefix, kind string, raw interface{}) (*Document, error) {
	if r, ok := raw.(bson.Raw); ok {
		var decoded bson.D
		if err := bson.Unmarshal(r, &decoded); err != nil {
			return nil, fmt.Errorf("%w: decoding document: %v", schema.ErrData, err)
		}
		raw = decoded
	}
	m, ok := schema.AsMap(raw)
	if !ok {
		return nil, fmt.Errorf("%w: cannot build a document from %T", schema.ErrData, raw)
	}

	d := &Document{
		ref:    ref,
		prefix: prefix,
		kind:   kind,
		data:   make(map[string]interface{}, len(m)),
	}

	for _, name := range sortedKeys(m) {
		if name == ClassKey || name == IDField {
			continue
		}
		value := m[name]
		if value == nil {
			continue
		}

		f, ok := d.Field(name)
		if !ok {
			if !d.dynamic() {
				return nil, schema.FieldNotFound(d.path(name))
			}
			decoded, err := d.decodeValue(name, nil, value)
			if err != nil {
				return nil, err
			}
			if f, err = d.declare(name, decoded); err != nil {
				return nil, err
			}
			value = decoded
		} else {
			decoded, err := d.decodeValue(name, f.Type, value)
			if err != nil {
				return nil, err
			}
			value = decoded
		}

		v, err := schema.CheckValue(f.Type, value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", d.path(name), err)
		}
		if err := d.adopt(name, f, v); err != nil {
			return nil, err
		}
		d.data[name] = v
	}

	d.tracker = newChangeTracker(d.data)
	return d, nil
}

// decodeValue converts a stored value into its in-memory form, building
// embedded documents for mappings that carry a class or sit in a
// document-typed field
func (d *Document) decodeValue(name string, t *schema.TypeDef, value interface{}) (interface{}, error) {
	path := d.path(name)

	if items, ok := schema.AsSlice(value); ok {
		var elem *schema.TypeDef
		if t != nil && t.Kind == schema.KindList {
			elem = t.Elem
		}
		out := make([]interface{}, len(items))
		for i, it := range items {
			dv, err := d.decodeElem(path, elem, it)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", path, i, err)
			}
			out[i] = dv
		}
		return out, nil
	}

	return d.decodeElem(path, t, value)
}

func (d *Document) decodeElem(path string, t *schema.TypeDef, value interface{}) (interface{}, error) {
	m, ok := schema.AsMap(value)
	if !ok {
		switch v := value.(type) {
		case primitive.DateTime:
			return v.Time().UTC(), nil
		case primitive.Binary:
			return v.Data, nil
		case int32:
			return int64(v), nil
		}
		if items, ok := schema.AsSlice(value); ok {
			out := make([]interface{}, len(items))
			for i, it := range items {
				dv, err := d.decodeElem(path, nil, it)
				if err != nil {
					return nil, err
				}
				out[i] = dv
			}
			return out, nil
		}
		return value, nil
	}

	kind, hasClass := m[ClassKey].(string)
	if !hasClass && t != nil && t.Kind == schema.KindDocument {
		kind, hasClass = t.DocKind, true
	}
	if hasClass {
		if !d.ref.schema.Has(path) {
			// the holding field is not declared yet; build the child on its
			// own handle and let adopt merge it in
			ref, err := RefForKind(kind)
			if err != nil {
				return nil, err
			}
			return fromSerialized(ref, "", kind, m)
		}
		return fromSerialized(d.ref, path, kind, m)
	}

	out := make(map[string]interface{}, len(m))
	for k, x := range m {
		dv, err := d.decodeElem(path, nil, x)
		if err != nil {
			return nil, err
		}
		out[k] = dv
	}
	return out, nil
}
