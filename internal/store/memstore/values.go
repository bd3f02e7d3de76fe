package memstore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// canonical converts any marshalable value into the shapes a stored
// document holds: bson.D for documents, bson.A for arrays and BSON scalars
func canonical(v interface{}) (interface{}, error) {
	wrapped, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return nil, err
	}
	var out bson.D
	if err := bson.Unmarshal(wrapped, &out); err != nil {
		return nil, err
	}
	return out[0].Value, nil
}

// canonicalDoc is canonical for values that must be documents
func canonicalDoc(v interface{}) (bson.D, error) {
	if v == nil {
		return bson.D{}, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	var out bson.D
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func getKey(d bson.D, key string) (interface{}, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func splitPath(p string) []string {
	return strings.Split(p, ".")
}

// lookup resolves a dotted path, descending into arrays of documents and
// numeric array indexes the way the query language does. An empty result
// means the path is missing.
func lookup(v interface{}, segs []string) []interface{} {
	if len(segs) == 0 {
		return []interface{}{v}
	}
	switch x := v.(type) {
	case bson.D:
		child, ok := getKey(x, segs[0])
		if !ok {
			return nil
		}
		return lookup(child, segs[1:])
	case bson.A:
		var out []interface{}
		if idx, err := strconv.Atoi(segs[0]); err == nil && idx >= 0 && idx < len(x) {
			out = append(out, lookup(x[idx], segs[1:])...)
		}
		for _, el := range x {
			if d, ok := el.(bson.D); ok {
				out = append(out, lookup(d, segs)...)
			}
		}
		return out
	}
	return nil
}

// candidates expands array values into their elements while keeping the
// array itself, so equality can match either
func candidates(vals []interface{}) []interface{} {
	if len(vals) == 0 {
		return []interface{}{nil}
	}
	out := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		out = append(out, v)
		if arr, ok := v.(bson.A); ok {
			out = append(out, arr...)
		}
	}
	return out
}

// typeOrder follows the BSON comparison order
func typeOrder(v interface{}) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 1
	case int32, int64, float64, int:
		return 2
	case string, primitive.Symbol:
		return 3
	case bson.D:
		return 4
	case bson.A:
		return 5
	case primitive.Binary:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.DateTime:
		return 9
	case primitive.Timestamp:
		return 10
	case primitive.Regex:
		return 11
	default:
		return 12
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// compare orders two values; values of different types order by type
func compare(a, b interface{}) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		return sign(ta - tb)
	}

	switch ta {
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	case 4:
		da, db := a.(bson.D), b.(bson.D)
		for i := 0; i < len(da) && i < len(db); i++ {
			if c := strings.Compare(da[i].Key, db[i].Key); c != 0 {
				return c
			}
			if c := compare(da[i].Value, db[i].Value); c != 0 {
				return c
			}
		}
		return sign(len(da) - len(db))
	case 5:
		aa, ab := a.(bson.A), b.(bson.A)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := compare(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return sign(len(aa) - len(ab))
	case 6:
		return bytes.Compare(a.(primitive.Binary).Data, b.(primitive.Binary).Data)
	case 7:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case 8:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 9:
		da, db := a.(primitive.DateTime), b.(primitive.DateTime)
		return sign(int(da - db))
	}
	return 0
}

func equal(a, b interface{}) bool {
	return typeOrder(a) == typeOrder(b) && compare(a, b) == 0
}

// copyDoc returns a deep copy so stored documents are never aliased
func copyDoc(d bson.D) bson.D {
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: e.Key, Value: copyValue(e.Value)}
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case bson.D:
		return copyDoc(x)
	case bson.A:
		out := make(bson.A, len(x))
		for i, el := range x {
			out[i] = copyValue(el)
		}
		return out
	}
	return v
}
