package memstore

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

const allElements = "$[]"

// applyUpdate applies $set, $unset and $rename to a copy of doc
func applyUpdate(doc bson.D, update bson.D) (bson.D, error) {
	out := copyDoc(doc)
	for _, op := range update {
		fields, ok := op.Value.(bson.D)
		if !ok {
			return nil, fmt.Errorf("%s requires a document", op.Key)
		}
		for _, f := range fields {
			if f.Key == "_id" {
				return nil, fmt.Errorf("performing an update on the path '_id' would modify the immutable field '_id'")
			}
			segs := splitPath(f.Key)
			switch op.Key {
			case "$set":
				var err error
				if out, err = setPath(out, segs, copyValue(f.Value)); err != nil {
					return nil, fmt.Errorf("$set %s: %w", f.Key, err)
				}
			case "$unset":
				out = unsetPath(out, segs)
			case "$rename":
				target, ok := f.Value.(string)
				if !ok {
					return nil, fmt.Errorf("$rename target for %s must be a string", f.Key)
				}
				var err error
				if out, err = renamePath(out, segs, splitPath(target)); err != nil {
					return nil, fmt.Errorf("$rename %s: %w", f.Key, err)
				}
			default:
				return nil, fmt.Errorf("unsupported update operator: %s", op.Key)
			}
		}
	}
	return out, nil
}

func setPath(d bson.D, segs []string, value interface{}) (bson.D, error) {
	key := segs[0]
	for i, e := range d {
		if e.Key != key {
			continue
		}
		if len(segs) == 1 {
			d[i].Value = value
			return d, nil
		}
		child, err := setIn(e.Value, segs[1:], value)
		if err != nil {
			return nil, err
		}
		d[i].Value = child
		return d, nil
	}

	if len(segs) == 1 {
		return append(d, bson.E{Key: key, Value: value}), nil
	}
	child, err := setPath(bson.D{}, segs[1:], value)
	if err != nil {
		return nil, err
	}
	return append(d, bson.E{Key: key, Value: child}), nil
}

func setIn(v interface{}, segs []string, value interface{}) (interface{}, error) {
	switch x := v.(type) {
	case bson.D:
		return setPath(x, segs, value)
	case bson.A:
		if segs[0] == allElements {
			for i := range x {
				el, err := setElem(x[i], segs[1:], value)
				if err != nil {
					return nil, err
				}
				x[i] = el
			}
			return x, nil
		}
		idx, err := strconv.Atoi(segs[0])
		if err != nil || idx < 0 || idx >= len(x) {
			return nil, fmt.Errorf("cannot create field %q in an array", segs[0])
		}
		el, err := setElem(x[idx], segs[1:], value)
		if err != nil {
			return nil, err
		}
		x[idx] = el
		return x, nil
	case nil:
		return setPath(bson.D{}, segs, value)
	}
	return nil, fmt.Errorf("cannot create field %q in element of type %T", segs[0], v)
}

func setElem(el interface{}, segs []string, value interface{}) (interface{}, error) {
	if len(segs) == 0 {
		return copyValue(value), nil
	}
	return setIn(el, segs, value)
}

func unsetPath(d bson.D, segs []string) bson.D {
	for i, e := range d {
		if e.Key != segs[0] {
			continue
		}
		if len(segs) == 1 {
			return append(d[:i:i], d[i+1:]...)
		}
		d[i].Value = unsetIn(e.Value, segs[1:])
		return d
	}
	return d
}

func unsetIn(v interface{}, segs []string) interface{} {
	switch x := v.(type) {
	case bson.D:
		return unsetPath(x, segs)
	case bson.A:
		if segs[0] == allElements {
			for i := range x {
				if len(segs) == 1 {
					x[i] = nil
					continue
				}
				x[i] = unsetIn(x[i], segs[1:])
			}
			return x
		}
		if idx, err := strconv.Atoi(segs[0]); err == nil && idx >= 0 && idx < len(x) {
			if len(segs) == 1 {
				x[idx] = nil
			} else {
				x[idx] = unsetIn(x[idx], segs[1:])
			}
		}
		return x
	}
	return v
}

func renamePath(d bson.D, from, to []string) (bson.D, error) {
	v, ok := getPlain(d, from)
	if !ok {
		return d, nil
	}
	d = unsetPath(d, from)
	return setPath(d, to, v)
}

// getPlain resolves a path through documents only
func getPlain(d bson.D, segs []string) (interface{}, bool) {
	var cur interface{} = d
	for _, s := range segs {
		doc, ok := cur.(bson.D)
		if !ok {
			return nil, false
		}
		if cur, ok = getKey(doc, s); !ok {
			return nil, false
		}
	}
	return cur, true
}
