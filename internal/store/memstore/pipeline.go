package memstore

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// runPipeline applies canonical stages in order to docs
func runPipeline(docs []bson.D, stages []bson.D) ([]bson.D, error) {
	for i, stage := range stages {
		if len(stage) != 1 {
			return nil, fmt.Errorf("stage %d must have exactly one operator", i)
		}
		op, arg := stage[0].Key, stage[0].Value

		var err error
		switch op {
		case "$match":
			docs, err = stageMatch(docs, arg)
		case "$sort":
			docs, err = stageSort(docs, arg)
		case "$skip":
			n, ok := nonNegative(arg)
			if !ok {
				return nil, fmt.Errorf("$skip requires a non-negative integer")
			}
			if n >= len(docs) {
				docs = nil
			} else {
				docs = docs[n:]
			}
		case "$limit":
			n, ok := nonNegative(arg)
			if !ok || n == 0 {
				return nil, fmt.Errorf("the limit must be positive")
			}
			if n < len(docs) {
				docs = docs[:n]
			}
		case "$sample":
			docs, err = stageSample(docs, arg)
		case "$count":
			name, ok := arg.(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("$count requires a field name")
			}
			if len(docs) == 0 {
				docs = nil
			} else {
				docs = []bson.D{{{Key: name, Value: int32(len(docs))}}}
			}
		case "$project":
			docs, err = stageProject(docs, arg)
		default:
			return nil, fmt.Errorf("unsupported stage: %s", op)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return docs, nil
}

func nonNegative(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), n >= 0
	case int64:
		return int(n), n >= 0
	case float64:
		return int(n), n >= 0 && n == float64(int(n))
	}
	return 0, false
}

func stageMatch(docs []bson.D, arg interface{}) ([]bson.D, error) {
	filter, ok := arg.(bson.D)
	if !ok {
		return nil, fmt.Errorf("requires a document")
	}
	m, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	var out []bson.D
	for _, d := range docs {
		if m(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

type sortKey struct {
	segs []string
	dir  int
}

func stageSort(docs []bson.D, arg interface{}) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("requires a non-empty document")
	}
	keys := make([]sortKey, len(spec))
	for i, e := range spec {
		dir := int(toFloat(e.Value))
		if dir != 1 && dir != -1 {
			return nil, fmt.Errorf("sort direction for %s must be 1 or -1", e.Key)
		}
		keys[i] = sortKey{segs: splitPath(e.Key), dir: dir}
	}

	out := make([]bson.D, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			c := compare(sortValue(out[i], k), sortValue(out[j], k))
			if c != 0 {
				return c*k.dir < 0
			}
		}
		return false
	})
	return out, nil
}

// sortValue picks the smallest element for ascending and the largest for
// descending sorts over array values
func sortValue(d bson.D, k sortKey) interface{} {
	vals := lookup(d, k.segs)
	if len(vals) == 0 {
		return nil
	}
	var flat []interface{}
	for _, v := range vals {
		if arr, ok := v.(bson.A); ok && len(arr) > 0 {
			flat = append(flat, arr...)
			continue
		}
		flat = append(flat, v)
	}
	best := flat[0]
	for _, v := range flat[1:] {
		if c := compare(v, best); c*k.dir < 0 {
			best = v
		}
	}
	return best
}

func stageSample(docs []bson.D, arg interface{}) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok {
		return nil, fmt.Errorf("requires a document")
	}
	sizeV, _ := getKey(spec, "size")
	size, ok := nonNegative(sizeV)
	if !ok {
		return nil, fmt.Errorf("size must be a non-negative integer")
	}
	if size > len(docs) {
		size = len(docs)
	}
	out := make([]bson.D, 0, size)
	for _, i := range rand.Perm(len(docs))[:size] {
		out = append(out, docs[i])
	}
	return out, nil
}

func stageProject(docs []bson.D, arg interface{}) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("requires a non-empty document")
	}

	includeID := true
	var include, exclude [][]string
	for _, e := range spec {
		on := truthy(e.Value)
		if e.Key == "_id" {
			includeID = on
			continue
		}
		if on {
			include = append(include, splitPath(e.Key))
		} else {
			exclude = append(exclude, splitPath(e.Key))
		}
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("cannot mix inclusion and exclusion")
	}

	out := make([]bson.D, len(docs))
	for i, d := range docs {
		var p bson.D
		if len(include) > 0 {
			p = projectInclude(d, include)
			if includeID {
				if id, ok := getKey(d, "_id"); ok {
					p = append(bson.D{{Key: "_id", Value: id}}, p...)
				}
			}
		} else {
			p = projectExclude(d, exclude)
			if !includeID {
				p = projectExclude(p, [][]string{{"_id"}})
			}
		}
		out[i] = p
	}
	return out, nil
}

func projectInclude(d bson.D, paths [][]string) bson.D {
	var out bson.D
	for _, e := range d {
		var sub [][]string
		whole := false
		for _, p := range paths {
			if p[0] != e.Key {
				continue
			}
			if len(p) == 1 {
				whole = true
				break
			}
			sub = append(sub, p[1:])
		}
		switch {
		case whole:
			out = append(out, bson.E{Key: e.Key, Value: e.Value})
		case len(sub) > 0:
			if v, ok := projectValue(e.Value, sub, projectInclude); ok {
				out = append(out, bson.E{Key: e.Key, Value: v})
			}
		}
	}
	return out
}

func projectExclude(d bson.D, paths [][]string) bson.D {
	var out bson.D
	for _, e := range d {
		var sub [][]string
		drop := false
		for _, p := range paths {
			if p[0] != e.Key {
				continue
			}
			if len(p) == 1 {
				drop = true
				break
			}
			sub = append(sub, p[1:])
		}
		switch {
		case drop:
		case len(sub) > 0:
			if v, ok := projectValue(e.Value, sub, projectExclude); ok {
				out = append(out, bson.E{Key: e.Key, Value: v})
			} else {
				out = append(out, e)
			}
		default:
			out = append(out, e)
		}
	}
	return out
}

// projectValue applies a projection beneath a document or through an
// array of documents
func projectValue(v interface{}, paths [][]string, fn func(bson.D, [][]string) bson.D) (interface{}, bool) {
	switch x := v.(type) {
	case bson.D:
		return fn(x, paths), true
	case bson.A:
		out := make(bson.A, 0, len(x))
		for _, el := range x {
			if d, ok := el.(bson.D); ok {
				out = append(out, fn(d, paths))
			}
		}
		return out, true
	}
	return nil, false
}
