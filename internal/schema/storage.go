package schema

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// StorageValidator renders the schema as a MongoDB $jsonSchema validator.
// Linked fields are not stored and are omitted. Optional fields also accept
// null so that sparse documents written by older clients stay valid.
func StorageValidator(s *Schema) bson.M {
	root := objectProperty(s, "")
	return bson.M{"$jsonSchema": root}
}

func objectProperty(s *Schema, prefix string) bson.M {
	props := bson.M{}
	var required []string

	for _, p := range s.Children(prefix) {
		f := s.fields[p]
		if f.Link != "" {
			continue
		}
		props[f.Name] = fieldProperty(s, p, f)
		if f.Required {
			required = append(required, f.Name)
		}
	}

	node := bson.M{"bsonType": "object", "properties": props}
	if len(required) > 0 {
		node["required"] = required
	}
	return node
}

func fieldProperty(s *Schema, path string, f *Field) bson.M {
	var node bson.M
	switch {
	case f.Type.Kind == KindDocument:
		node = objectProperty(s, path)
	case f.Type.Kind == KindList && f.Type.Elem.Kind == KindDocument:
		node = bson.M{"bsonType": "array", "items": objectProperty(s, path)}
	default:
		node = typeProperty(f.Type)
	}
	if !f.Required {
		allowNull(node)
	}
	return node
}

func typeProperty(t *TypeDef) bson.M {
	switch t.Kind {
	case KindBool:
		return bson.M{"bsonType": "bool"}
	case KindInt:
		return bson.M{"bsonType": bson.A{"int", "long"}}
	case KindFloat:
		return bson.M{"bsonType": bson.A{"double", "int", "long"}}
	case KindString:
		return bson.M{"bsonType": "string"}
	case KindBytes:
		return bson.M{"bsonType": "binData"}
	case KindDatetime:
		return bson.M{"bsonType": "date"}
	case KindObjectID:
		return bson.M{"bsonType": "objectId"}
	case KindList:
		return bson.M{"bsonType": "array", "items": typeProperty(t.Elem)}
	case KindTuple:
		items := make(bson.A, len(t.Items))
		for i, it := range t.Items {
			items[i] = typeProperty(it)
		}
		return bson.M{"bsonType": "array", "items": items, "minItems": len(t.Items), "maxItems": len(t.Items)}
	case KindDict:
		return bson.M{"bsonType": "object", "additionalProperties": typeProperty(t.Value)}
	case KindDocument:
		return bson.M{"bsonType": "object"}
	default:
		return bson.M{}
	}
}

func allowNull(node bson.M) {
	switch bt := node["bsonType"].(type) {
	case string:
		node["bsonType"] = bson.A{bt, "null"}
	case bson.A:
		node["bsonType"] = append(bt, "null")
	}
}

// GetPathProperty walks a dotted path through a $jsonSchema document and
// returns the object node addressed by it, unwinding array nodes through
// their items. The empty path addresses the root. It fails when the path
// is missing or lands on something that is not an object.
func GetPathProperty(path string, jsonSchema interface{}) (map[string]interface{}, error) {
	node, ok := AsMap(jsonSchema)
	if !ok {
		return nil, fmt.Errorf("%w: schema is not a mapping", ErrData)
	}
	if inner, ok := AsMap(node["$jsonSchema"]); ok {
		node = inner
	}

	node, err := unwindObject(node, "")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return node, nil
	}

	segs := strings.Split(path, ".")
	for i, seg := range segs {
		at := strings.Join(segs[:i+1], ".")
		props, ok := AsMap(node["properties"])
		if !ok {
			return nil, FieldNotFound(at)
		}
		next, ok := AsMap(props[seg])
		if !ok {
			return nil, FieldNotFound(at)
		}
		if node, err = unwindObject(next, at); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// unwindObject descends through array items until an object node is found
func unwindObject(node map[string]interface{}, at string) (map[string]interface{}, error) {
	for {
		switch {
		case hasBSONType(node, "object"):
			return node, nil
		case hasBSONType(node, "array"):
			items, ok := AsMap(node["items"])
			if !ok {
				return nil, fmt.Errorf("%w: %q is an array of non-object values", ErrData, at)
			}
			node = items
		default:
			return nil, fmt.Errorf("%w: %q is not an object", ErrData, at)
		}
	}
}

func hasBSONType(node map[string]interface{}, want string) bool {
	switch bt := node["bsonType"].(type) {
	case string:
		return bt == want
	default:
		if types, ok := AsSlice(bt); ok {
			for _, t := range types {
				if t == want {
					return true
				}
			}
		}
	}
	if want == "object" {
		_, ok := node["properties"]
		return ok && node["bsonType"] == nil
	}
	return false
}
