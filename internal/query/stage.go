package query

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/schema"
)

var (
	// ErrInvalidStage is returned for malformed stages and predicates
	ErrInvalidStage = errors.New("invalid stage")

	// ErrExportDirNotEmpty is returned when an export targets a directory
	// that already has entries
	ErrExportDirNotEmpty = errors.New("export directory is not empty")
)

// StageKind identifies a stage operation
type StageKind int

const (
	StageFilter StageKind = iota
	StageSort
	StageOffset
	StageLimit
	StageSample
	StageSelect
	StageExclude
)

// String returns the string representation of the stage kind
func (k StageKind) String() string {
	switch k {
	case StageFilter:
		return "filter"
	case StageSort:
		return "sort"
	case StageOffset:
		return "offset"
	case StageLimit:
		return "limit"
	case StageSample:
		return "sample"
	case StageSelect:
		return "select"
	case StageExclude:
		return "exclude"
	default:
		return "unknown"
	}
}

// Direction is a sort order
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// Stage is one immutable pipeline step
type Stage struct {
	kind      StageKind
	predicate bson.D
	path      string
	direction Direction
	n         int64
	fields    []string
}

// Kind returns the stage kind
func (s Stage) Kind() StageKind { return s.kind }

// Predicate returns a copy of a filter stage's predicate
func (s Stage) Predicate() bson.D {
	if s.predicate == nil {
		return nil
	}
	return normalizeValue(s.predicate).(bson.D)
}

// Path returns the sort path
func (s Stage) Path() string { return s.path }

// Direction returns the sort direction
func (s Stage) Direction() Direction { return s.direction }

// N returns the count argument of offset, limit and sample stages
func (s Stage) N() int64 { return s.n }

// Fields returns the field list of select and exclude stages
func (s Stage) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Wire returns the persisted form of the stage
func (s Stage) Wire() bson.D {
	switch s.kind {
	case StageFilter:
		return bson.D{{Key: "$match", Value: s.Predicate()}}
	case StageSort:
		return bson.D{{Key: "$sort", Value: bson.D{{Key: s.path, Value: int32(s.direction)}}}}
	case StageOffset:
		return bson.D{{Key: "$skip", Value: s.n}}
	case StageLimit:
		return bson.D{{Key: "$limit", Value: s.n}}
	case StageSample:
		return bson.D{{Key: "$sample", Value: bson.D{{Key: "size", Value: s.n}}}}
	case StageSelect, StageExclude:
		on := int32(1)
		if s.kind == StageExclude {
			on = 0
		}
		proj := make(bson.D, len(s.fields))
		for i, f := range s.fields {
			proj[i] = bson.E{Key: f, Value: on}
		}
		return bson.D{{Key: "$project", Value: proj}}
	}
	return nil
}

// compile returns the stage as sent to the store. The store rejects a zero
// limit, so limit(0) compiles to a predicate nothing satisfies.
func (s Stage) compile() bson.D {
	if s.kind == StageLimit && s.n == 0 {
		return bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: false}}}}
	}
	return s.Wire()
}

// String returns a short human readable form
func (s Stage) String() string {
	switch s.kind {
	case StageFilter:
		return fmt.Sprintf("filter(%v)", s.predicate)
	case StageSort:
		dir := "asc"
		if s.direction == Descending {
			dir = "desc"
		}
		return fmt.Sprintf("sort(%s, %s)", s.path, dir)
	case StageOffset, StageLimit, StageSample:
		return fmt.Sprintf("%s(%d)", s.kind, s.n)
	default:
		return fmt.Sprintf("%s(%s)", s.kind, strings.Join(s.fields, ", "))
	}
}

func newFilter(pred interface{}) (Stage, error) {
	p, err := normalizePredicate(pred)
	if err != nil {
		return Stage{}, err
	}
	return Stage{kind: StageFilter, predicate: p}, nil
}

func newSort(path string, dir Direction) (Stage, error) {
	if err := checkPath(path); err != nil {
		return Stage{}, err
	}
	if dir != Ascending && dir != Descending {
		return Stage{}, fmt.Errorf("%w: sort direction must be 1 or -1, got %d", ErrInvalidStage, dir)
	}
	return Stage{kind: StageSort, path: path, direction: dir}, nil
}

func newCount(kind StageKind, n int64) (Stage, error) {
	if n < 0 {
		return Stage{}, fmt.Errorf("%w: %s requires a non-negative integer, got %d", ErrInvalidStage, kind, n)
	}
	return Stage{kind: kind, n: n}, nil
}

func newProjection(kind StageKind, fields []string) (Stage, error) {
	if len(fields) == 0 {
		return Stage{}, fmt.Errorf("%w: %s requires at least one field", ErrInvalidStage, kind)
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if err := checkPath(f); err != nil {
			return Stage{}, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return Stage{kind: kind, fields: out}, nil
}

func checkPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty field path", ErrInvalidStage)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" || strings.HasPrefix(seg, "$") {
			return fmt.Errorf("%w: invalid field path %q", ErrInvalidStage, path)
		}
	}
	return nil
}

// StageFromWire parses the persisted form of a stage
func StageFromWire(raw interface{}) (Stage, error) {
	doc, ok := asDoc(raw)
	if !ok || len(doc) != 1 {
		return Stage{}, fmt.Errorf("%w: a stage is a document with exactly one operator", ErrInvalidStage)
	}
	op, arg := doc[0].Key, doc[0].Value

	switch op {
	case "$match":
		return newFilter(arg)
	case "$sort":
		spec, ok := asDoc(arg)
		if !ok || len(spec) != 1 {
			return Stage{}, fmt.Errorf("%w: $sort must name exactly one path", ErrInvalidStage)
		}
		dir, ok := schema.ToInt64(spec[0].Value)
		if !ok {
			return Stage{}, fmt.Errorf("%w: $sort direction must be an integer", ErrInvalidStage)
		}
		return newSort(spec[0].Key, Direction(dir))
	case "$skip", "$limit":
		n, ok := schema.ToInt64(arg)
		if !ok {
			return Stage{}, fmt.Errorf("%w: %s requires an integer", ErrInvalidStage, op)
		}
		kind := StageOffset
		if op == "$limit" {
			kind = StageLimit
		}
		return newCount(kind, n)
	case "$sample":
		spec, ok := asDoc(arg)
		if !ok {
			return Stage{}, fmt.Errorf("%w: $sample requires a document", ErrInvalidStage)
		}
		var size interface{}
		for _, e := range spec {
			if e.Key == "size" {
				size = e.Value
			}
		}
		n, ok := schema.ToInt64(size)
		if !ok {
			return Stage{}, fmt.Errorf("%w: $sample requires an integer size", ErrInvalidStage)
		}
		return newCount(StageSample, n)
	case "$project":
		spec, ok := asDoc(arg)
		if !ok || len(spec) == 0 {
			return Stage{}, fmt.Errorf("%w: $project requires a non-empty document", ErrInvalidStage)
		}
		fields := make([]string, len(spec))
		include := 0
		for i, e := range spec {
			fields[i] = e.Key
			if projectionOn(e.Value) {
				include++
			}
		}
		switch include {
		case len(spec):
			return newProjection(StageSelect, fields)
		case 0:
			return newProjection(StageExclude, fields)
		}
		return Stage{}, fmt.Errorf("%w: $project cannot mix inclusion and exclusion", ErrInvalidStage)
	}
	return Stage{}, fmt.Errorf("%w: unsupported stage %s", ErrInvalidStage, op)
}

func projectionOn(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	}
	n, ok := schema.ToInt64(v)
	return ok && n != 0
}
