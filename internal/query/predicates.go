package query

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/schema"
)

// Operator represents a comparison operator
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpIn
	OpNotIn
	OpExists
	OpRegex
)

// String returns the symbolic form of the operator
func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpIn:
		return "in"
	case OpNotIn:
		return "nin"
	case OpExists:
		return "exists"
	case OpRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Wire returns the aggregation operator the symbol compiles to
func (o Operator) Wire() string {
	switch o {
	case OpEqual:
		return "$eq"
	case OpNotEqual:
		return "$ne"
	case OpGreaterThan:
		return "$gt"
	case OpGreaterThanOrEqual:
		return "$gte"
	case OpLessThan:
		return "$lt"
	case OpLessThanOrEqual:
		return "$lte"
	case OpIn:
		return "$in"
	case OpNotIn:
		return "$nin"
	case OpExists:
		return "$exists"
	case OpRegex:
		return "$regex"
	default:
		return ""
	}
}

// symbolic operator spellings accepted inside predicates
var aliases = map[string]string{
	"==":  "$eq",
	"=":   "$eq",
	"!=":  "$ne",
	">":   "$gt",
	">=":  "$gte",
	"<":   "$lt",
	"<=":  "$lte",
	"in":  "$in",
	"nin": "$nin",
}

// ParseOperator parses a symbolic or wire operator
func ParseOperator(s string) (Operator, error) {
	for o := OpEqual; o <= OpRegex; o++ {
		if s == o.String() || s == o.Wire() {
			return o, nil
		}
	}
	if s == "=" {
		return OpEqual, nil
	}
	return 0, fmt.Errorf("%w: unknown operator %q", ErrInvalidStage, s)
}

// Condition is a single comparison against a field path
type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// PredicateGroup represents a group of predicates combined with AND/OR
type PredicateGroup struct {
	Conditions []*Condition
	Groups     []*PredicateGroup
	Or         bool
}

// NewPredicateGroup creates a new predicate group
func NewPredicateGroup(or bool) *PredicateGroup {
	return &PredicateGroup{
		Conditions: make([]*Condition, 0),
		Groups:     make([]*PredicateGroup, 0),
		Or:         or,
	}
}

// Where starts an AND group with one condition
func Where(field string, op Operator, value interface{}) *PredicateGroup {
	return NewPredicateGroup(false).Where(field, op, value)
}

// And combines groups so that all must hold
func And(groups ...*PredicateGroup) *PredicateGroup {
	pg := NewPredicateGroup(false)
	pg.Groups = append(pg.Groups, groups...)
	return pg
}

// Or combines groups so that any may hold
func Or(groups ...*PredicateGroup) *PredicateGroup {
	pg := NewPredicateGroup(true)
	pg.Groups = append(pg.Groups, groups...)
	return pg
}

// Where adds a condition to the group
func (pg *PredicateGroup) Where(field string, op Operator, value interface{}) *PredicateGroup {
	pg.Conditions = append(pg.Conditions, &Condition{Field: field, Operator: op, Value: value})
	return pg
}

// AddGroup adds a nested group
func (pg *PredicateGroup) AddGroup(group *PredicateGroup) *PredicateGroup {
	pg.Groups = append(pg.Groups, group)
	return pg
}

// ToBSON converts the group into a $match predicate
func (pg *PredicateGroup) ToBSON() (bson.D, error) {
	parts := make(bson.A, 0, len(pg.Conditions)+len(pg.Groups))

	for _, cond := range pg.Conditions {
		if cond.Field == "" {
			return nil, fmt.Errorf("%w: condition without a field", ErrInvalidStage)
		}
		op := cond.Operator.Wire()
		if op == "" {
			return nil, fmt.Errorf("%w: unknown operator %d on %s", ErrInvalidStage, cond.Operator, cond.Field)
		}
		parts = append(parts, bson.D{{Key: cond.Field, Value: bson.D{{Key: op, Value: cond.Value}}}})
	}

	for _, group := range pg.Groups {
		d, err := group.ToBSON()
		if err != nil {
			return nil, err
		}
		if len(d) > 0 {
			parts = append(parts, d)
		}
	}

	switch {
	case len(parts) == 0:
		return bson.D{}, nil
	case len(parts) == 1 && !pg.Or:
		return parts[0].(bson.D), nil
	case pg.Or:
		return bson.D{{Key: "$or", Value: parts}}, nil
	default:
		return bson.D{{Key: "$and", Value: parts}}, nil
	}
}

// normalizePredicate validates the structure of a $match predicate and
// rewrites it into canonical form: ordered documents with map keys sorted
// and symbolic operators replaced by their wire spelling. Operators it has
// no rules for are left to the store.
func normalizePredicate(pred interface{}) (bson.D, error) {
	if pg, ok := pred.(*PredicateGroup); ok {
		built, err := pg.ToBSON()
		if err != nil {
			return nil, err
		}
		pred = built
	}
	doc, ok := asDoc(pred)
	if !ok {
		return nil, fmt.Errorf("%w: predicate must be a document, got %T", ErrInvalidStage, pred)
	}

	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		switch {
		case e.Key == "$and" || e.Key == "$or" || e.Key == "$nor":
			items, ok := schema.AsSlice(e.Value)
			if !ok || len(items) == 0 {
				return nil, fmt.Errorf("%w: %s requires a non-empty array", ErrInvalidStage, e.Key)
			}
			subs := make(bson.A, len(items))
			for i, item := range items {
				sub, err := normalizePredicate(item)
				if err != nil {
					return nil, err
				}
				subs[i] = sub
			}
			out = append(out, bson.E{Key: e.Key, Value: subs})
		case e.Key == "$expr":
			out = append(out, bson.E{Key: e.Key, Value: normalizeValue(e.Value)})
		case strings.HasPrefix(e.Key, "$"):
			out = append(out, bson.E{Key: e.Key, Value: normalizeValue(e.Value)})
		case e.Key == "" || strings.HasPrefix(e.Key, ".") || strings.HasSuffix(e.Key, "."):
			return nil, fmt.Errorf("%w: invalid field path %q", ErrInvalidStage, e.Key)
		default:
			v, err := normalizeCondition(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Key, err)
			}
			out = append(out, bson.E{Key: e.Key, Value: v})
		}
	}
	return out, nil
}

// normalizeCondition rewrites the value side of a field clause
func normalizeCondition(v interface{}) (interface{}, error) {
	doc, ok := asDoc(v)
	if !ok || !isOperatorDoc(doc) {
		return normalizeValue(v), nil
	}

	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		key := e.Key
		if wire, ok := aliases[key]; ok {
			key = wire
		}

		switch key {
		case "$in", "$nin", "$all":
			if _, ok := schema.AsSlice(e.Value); !ok {
				return nil, fmt.Errorf("%w: %s requires an array", ErrInvalidStage, key)
			}
			out = append(out, bson.E{Key: key, Value: normalizeValue(e.Value)})
		case "$not":
			sub, err := normalizeCondition(e.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, bson.E{Key: key, Value: sub})
		case "$elemMatch":
			sub, err := normalizeElemMatch(e.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, bson.E{Key: key, Value: sub})
		default:
			out = append(out, bson.E{Key: key, Value: normalizeValue(e.Value)})
		}
	}
	return out, nil
}

// normalizeElemMatch accepts either an operator document or a predicate
// over the element's fields
func normalizeElemMatch(v interface{}) (interface{}, error) {
	doc, ok := asDoc(v)
	if !ok {
		return nil, fmt.Errorf("%w: $elemMatch requires a document", ErrInvalidStage)
	}
	if isOperatorDoc(doc) {
		return normalizeCondition(doc)
	}
	return normalizePredicate(doc)
}

func isOperatorDoc(doc bson.D) bool {
	if len(doc) == 0 {
		return false
	}
	for _, e := range doc {
		if _, ok := aliases[e.Key]; ok {
			continue
		}
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

// asDoc returns v as an ordered document. Unordered maps get sorted keys.
func asDoc(v interface{}) (bson.D, bool) {
	switch x := v.(type) {
	case bson.D:
		return x, true
	case bson.Raw:
		var d bson.D
		if err := bson.Unmarshal(x, &d); err != nil {
			return nil, false
		}
		return d, true
	}
	m, ok := schema.AsMap(v)
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, len(keys))
	for i, k := range keys {
		out[i] = bson.E{Key: k, Value: m[k]}
	}
	return out, true
}

// normalizeValue deep-copies a literal, converting maps into sorted
// documents and slices into arrays
func normalizeValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, []byte, primitive.Binary, primitive.Regex, primitive.ObjectID:
		return v
	}
	if doc, ok := asDoc(v); ok {
		out := make(bson.D, len(doc))
		for i, e := range doc {
			out[i] = bson.E{Key: e.Key, Value: normalizeValue(e.Value)}
		}
		return out
	}
	if items, ok := schema.AsSlice(v); ok {
		out := make(bson.A, len(items))
		for i, item := range items {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}
