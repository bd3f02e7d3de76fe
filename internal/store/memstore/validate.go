package memstore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// validateDoc enforces a $jsonSchema validator the way the server does
// for the keywords curate emits
func validateDoc(validator, doc bson.D) error {
	js, ok := getKey(validator, "$jsonSchema")
	if !ok {
		return nil
	}
	node, ok := js.(bson.D)
	if !ok {
		return fmt.Errorf("$jsonSchema must be a document")
	}
	return validateNode(node, doc, "")
}

func validateNode(node bson.D, v interface{}, at string) error {
	if bt, ok := getKey(node, "bsonType"); ok && !matchesBSONType(bt, v) {
		return fmt.Errorf("document failed validation: %s has type %T, expected %v", label(at), v, bt)
	}

	if d, ok := v.(bson.D); ok {
		if req, ok := getKey(node, "required"); ok {
			for _, r := range req.(bson.A) {
				name, _ := r.(string)
				if _, present := getKey(d, name); !present {
					return fmt.Errorf("document failed validation: %s is missing required field %q", label(at), name)
				}
			}
		}
		props, _ := getKey(node, "properties")
		propsD, _ := props.(bson.D)
		extra, _ := getKey(node, "additionalProperties")
		extraD, hasExtra := extra.(bson.D)
		for _, e := range d {
			if sub, ok := getKey(propsD, e.Key); ok {
				if subD, ok := sub.(bson.D); ok {
					if err := validateNode(subD, e.Value, join(at, e.Key)); err != nil {
						return err
					}
				}
				continue
			}
			if hasExtra {
				if err := validateNode(extraD, e.Value, join(at, e.Key)); err != nil {
					return err
				}
			}
		}
	}

	if arr, ok := v.(bson.A); ok {
		if n, ok := getKey(node, "minItems"); ok && len(arr) < int(toFloat(n)) {
			return fmt.Errorf("document failed validation: %s has fewer than %v items", label(at), n)
		}
		if n, ok := getKey(node, "maxItems"); ok && len(arr) > int(toFloat(n)) {
			return fmt.Errorf("document failed validation: %s has more than %v items", label(at), n)
		}
		switch items, _ := getKey(node, "items"); it := items.(type) {
		case bson.D:
			for i, el := range arr {
				if err := validateNode(it, el, fmt.Sprintf("%s.%d", label(at), i)); err != nil {
					return err
				}
			}
		case bson.A:
			for i, el := range arr {
				if i >= len(it) {
					break
				}
				if sub, ok := it[i].(bson.D); ok {
					if err := validateNode(sub, el, fmt.Sprintf("%s.%d", label(at), i)); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func matchesBSONType(bt interface{}, v interface{}) bool {
	switch t := bt.(type) {
	case string:
		return isBSONType(t, v)
	case bson.A:
		for _, x := range t {
			if s, ok := x.(string); ok && isBSONType(s, v) {
				return true
			}
		}
		return false
	}
	return true
}

func isBSONType(name string, v interface{}) bool {
	switch name {
	case "object":
		_, ok := v.(bson.D)
		return ok
	case "array":
		_, ok := v.(bson.A)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		_, ok := v.(int32)
		return ok
	case "long":
		_, ok := v.(int64)
		return ok
	case "double":
		_, ok := v.(float64)
		return ok
	case "number":
		return typeOrder(v) == 2
	case "date":
		_, ok := v.(primitive.DateTime)
		return ok
	case "objectId":
		_, ok := v.(primitive.ObjectID)
		return ok
	case "binData":
		_, ok := v.(primitive.Binary)
		return ok
	case "null":
		return v == nil
	}
	return false
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

func label(at string) string {
	if at == "" {
		return "document"
	}
	return at
}
