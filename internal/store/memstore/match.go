package memstore

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matcher is a compiled $match predicate
type matcher func(doc bson.D) bool

// compileFilter compiles a canonical filter document
func compileFilter(filter bson.D) (matcher, error) {
	var clauses []matcher
	for _, e := range filter {
		m, err := compileClause(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, m)
	}
	return func(doc bson.D) bool {
		for _, c := range clauses {
			if !c(doc) {
				return false
			}
		}
		return true
	}, nil
}

func compileClause(key string, value interface{}) (matcher, error) {
	switch key {
	case "$and", "$or", "$nor":
		arr, ok := value.(bson.A)
		if !ok || len(arr) == 0 {
			return nil, fmt.Errorf("%s requires a non-empty array", key)
		}
		subs := make([]matcher, len(arr))
		for i, el := range arr {
			d, ok := el.(bson.D)
			if !ok {
				return nil, fmt.Errorf("%s entries must be documents", key)
			}
			m, err := compileFilter(d)
			if err != nil {
				return nil, err
			}
			subs[i] = m
		}
		return logical(key, subs), nil
	case "$expr":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("only literal boolean $expr is supported")
		}
		return func(bson.D) bool { return b }, nil
	}
	if strings.HasPrefix(key, "$") {
		return nil, fmt.Errorf("unknown top level operator: %s", key)
	}

	segs := splitPath(key)
	pred, err := compileValuePredicate(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return func(doc bson.D) bool {
		return pred(lookup(doc, segs))
	}, nil
}

func logical(op string, subs []matcher) matcher {
	return func(doc bson.D) bool {
		switch op {
		case "$and":
			for _, m := range subs {
				if !m(doc) {
					return false
				}
			}
			return true
		case "$or":
			for _, m := range subs {
				if m(doc) {
					return true
				}
			}
			return false
		default:
			for _, m := range subs {
				if m(doc) {
					return false
				}
			}
			return true
		}
	}
}

// valuePredicate tests the values found at a path
type valuePredicate func(vals []interface{}) bool

func isOperatorDoc(v interface{}) (bson.D, bool) {
	d, ok := v.(bson.D)
	if !ok || len(d) == 0 {
		return nil, false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, false
		}
	}
	return d, true
}

func compileValuePredicate(value interface{}) (valuePredicate, error) {
	if _, ok := value.(primitive.Regex); ok {
		return compileOperators(bson.D{{Key: "$regex", Value: value}})
	}
	ops, ok := isOperatorDoc(value)
	if !ok {
		return func(vals []interface{}) bool {
			return anyOf(vals, func(c interface{}) bool { return equal(c, value) })
		}, nil
	}
	return compileOperators(ops)
}

func anyOf(vals []interface{}, fn func(interface{}) bool) bool {
	for _, c := range candidates(vals) {
		if fn(c) {
			return true
		}
	}
	return false
}

func compileOperators(ops bson.D) (valuePredicate, error) {
	var preds []valuePredicate
	options, _ := getKey(ops, "$options")

	for _, e := range ops {
		op, arg := e.Key, e.Value
		var p valuePredicate

		switch op {
		case "$eq":
			p = func(vals []interface{}) bool {
				return anyOf(vals, func(c interface{}) bool { return equal(c, arg) })
			}
		case "$ne":
			p = func(vals []interface{}) bool {
				return !anyOf(vals, func(c interface{}) bool { return equal(c, arg) })
			}
		case "$gt", "$gte", "$lt", "$lte":
			p = comparison(op, arg)
		case "$in", "$nin":
			arr, ok := arg.(bson.A)
			if !ok {
				return nil, fmt.Errorf("%s requires an array", op)
			}
			in := func(vals []interface{}) bool {
				return anyOf(vals, func(c interface{}) bool {
					for _, x := range arr {
						if equal(c, x) {
							return true
						}
					}
					return false
				})
			}
			if op == "$in" {
				p = in
			} else {
				p = func(vals []interface{}) bool { return !in(vals) }
			}
		case "$exists":
			want := truthy(arg)
			p = func(vals []interface{}) bool { return (len(vals) > 0) == want }
		case "$not":
			inner, err := compileValuePredicate(arg)
			if err != nil {
				return nil, err
			}
			p = func(vals []interface{}) bool { return !inner(vals) }
		case "$size":
			n := int(toFloat(arg))
			p = func(vals []interface{}) bool {
				for _, v := range vals {
					if arr, ok := v.(bson.A); ok && len(arr) == n {
						return true
					}
				}
				return false
			}
		case "$regex":
			re, err := compileRegex(arg, options)
			if err != nil {
				return nil, err
			}
			p = func(vals []interface{}) bool {
				return anyOf(vals, func(c interface{}) bool {
					s, ok := c.(string)
					return ok && re.MatchString(s)
				})
			}
		case "$options":
			continue
		case "$elemMatch":
			d, ok := arg.(bson.D)
			if !ok {
				return nil, fmt.Errorf("$elemMatch requires a document")
			}
			var sub matcher
			var subOps valuePredicate
			var err error
			if ops, isOps := isOperatorDoc(d); isOps {
				subOps, err = compileOperators(ops)
			} else {
				sub, err = compileFilter(d)
			}
			if err != nil {
				return nil, err
			}
			p = func(vals []interface{}) bool {
				for _, v := range vals {
					arr, ok := v.(bson.A)
					if !ok {
						continue
					}
					for _, el := range arr {
						if subOps != nil && subOps([]interface{}{el}) {
							return true
						}
						if ed, ok := el.(bson.D); ok && sub != nil && sub(ed) {
							return true
						}
					}
				}
				return false
			}
		default:
			return nil, fmt.Errorf("unknown operator: %s", op)
		}
		preds = append(preds, p)
	}

	return func(vals []interface{}) bool {
		for _, p := range preds {
			if !p(vals) {
				return false
			}
		}
		return true
	}, nil
}

// comparison only matches values of the same type class as arg
func comparison(op string, arg interface{}) valuePredicate {
	return func(vals []interface{}) bool {
		return anyOf(vals, func(c interface{}) bool {
			if typeOrder(c) != typeOrder(arg) {
				return false
			}
			r := compare(c, arg)
			switch op {
			case "$gt":
				return r > 0
			case "$gte":
				return r >= 0
			case "$lt":
				return r < 0
			default:
				return r <= 0
			}
		})
	}
}

func compileRegex(arg, options interface{}) (*regexp.Regexp, error) {
	var pattern, opts string
	switch r := arg.(type) {
	case string:
		pattern = r
	case primitive.Regex:
		pattern, opts = r.Pattern, r.Options
	default:
		return nil, fmt.Errorf("$regex requires a string")
	}
	if s, ok := options.(string); ok {
		opts = s
	}
	var flags string
	for _, o := range opts {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case int32, int64, float64:
		return toFloat(x) != 0
	}
	return true
}
