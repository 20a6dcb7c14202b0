// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// matches evaluates a filter document against doc. The filter is an implicit
// conjunction over its entries; each entry is a logical operator, $expr, or a
// field path with either a direct equality pattern or an operator document.
func matches(doc bson.D, filter bson.D, coll *collation) (bool, error) {
	return matchesScoped(doc, filter, coll, nil)
}

// matchesScoped is matches with an enclosing expression scope, so $expr in a
// $lookup inner pipeline sees the outer let variables via $$name.
func matchesScoped(doc bson.D, filter bson.D, coll *collation, parent *exprScope) (bool, error) {
	for _, e := range filter {
		switch e.Key {
		case "$and", "$or", "$nor":
			clauses, ok := bsonutil.AsArray(e.Value)
			if !ok || len(clauses) == 0 {
				return false, mongoerrors.NewBadValue("%s must be a non-empty array", e.Key)
			}
			hit := false
			for _, c := range clauses {
				sub, ok := bsonutil.AsDocument(c)
				if !ok {
					return false, mongoerrors.NewBadValue("%s entries must be documents", e.Key)
				}
				m, err := matchesScoped(doc, sub, coll, parent)
				if err != nil {
					return false, err
				}
				if e.Key == "$and" && !m {
					return false, nil
				}
				if m {
					hit = true
				}
			}
			if e.Key == "$or" && !hit {
				return false, nil
			}
			if e.Key == "$nor" && hit {
				return false, nil
			}

		case "$expr":
			sc := &exprScope{root: doc, current: doc, parent: parent}
			v, err := evalExpr(e.Value, sc)
			if err != nil {
				return false, err
			}
			if !isTruthy(v) {
				return false, nil
			}

		case "$comment":
			// ignored

		default:
			if strings.HasPrefix(e.Key, "$") {
				return false, mongoerrors.NewNotImplemented("unknown top-level operator: %s", e.Key)
			}
			m, err := matchField(doc, e.Key, e.Value, coll)
			if err != nil {
				return false, err
			}
			if !m {
				return false, nil
			}
		}
	}
	return true, nil
}

// isOperatorDoc reports whether v is a document whose first key is a $
// operator, i.e. a per-field operator document rather than a literal pattern.
func isOperatorDoc(v any) (bson.D, bool) {
	d, ok := bsonutil.AsDocument(v)
	if !ok || len(d) == 0 {
		return nil, false
	}
	if strings.HasPrefix(d[0].Key, "$") {
		return d, true
	}
	return nil, false
}

func matchField(doc bson.D, path string, pattern any, coll *collation) (bool, error) {
	leaves := resolvePath(doc, splitPath(path))

	if ops, ok := isOperatorDoc(pattern); ok {
		for _, op := range ops {
			m, err := applyFieldOp(leaves, op.Key, op.Value, ops, coll)
			if err != nil {
				return false, err
			}
			if !m {
				return false, nil
			}
		}
		return true, nil
	}

	if rx, ok := pattern.(bson.Regex); ok {
		return regexMatches(leaves, rx.Pattern, rx.Options)
	}

	return equalityMatch(leaves, pattern, coll), nil
}

// equalityMatch implements direct value equality: the leaf matches if it
// equals the pattern, or if the leaf is an array any of whose elements equals
// the pattern.
func equalityMatch(leaves []pathLeaf, pattern any, coll *collation) bool {
	_, patternIsNull := pattern.(bson.Null)
	for _, leaf := range leaves {
		if !leaf.exists {
			if patternIsNull || pattern == nil {
				return true
			}
			continue
		}
		if valuesEqual(leaf.value, pattern, coll) {
			return true
		}
		if arr, ok := leaf.value.(bson.A); ok {
			for _, elem := range arr {
				if valuesEqual(elem, pattern, coll) {
					return true
				}
			}
		}
	}
	return false
}

// candidates lists the values an ordering or type operator applies to: each
// existing leaf plus, when the leaf is an array, its elements.
func candidates(leaves []pathLeaf) []any {
	var out []any
	for _, leaf := range leaves {
		if !leaf.exists {
			continue
		}
		out = append(out, leaf.value)
		if arr, ok := leaf.value.(bson.A); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func applyFieldOp(leaves []pathLeaf, op string, arg any, allOps bson.D, coll *collation) (bool, error) {
	switch op {
	case "$eq":
		return equalityMatch(leaves, arg, coll), nil

	case "$ne":
		return !equalityMatch(leaves, arg, coll), nil

	case "$gt", "$gte", "$lt", "$lte":
		argRank := typeRank(arg)
		for _, c := range candidates(leaves) {
			if typeRank(c) != argRank {
				continue
			}
			cmp := compareValues(c, arg, coll)
			switch op {
			case "$gt":
				if cmp > 0 {
					return true, nil
				}
			case "$gte":
				if cmp >= 0 {
					return true, nil
				}
			case "$lt":
				if cmp < 0 {
					return true, nil
				}
			case "$lte":
				if cmp <= 0 {
					return true, nil
				}
			}
		}
		return false, nil

	case "$in", "$nin":
		arr, ok := bsonutil.AsArray(arg)
		if !ok {
			return false, mongoerrors.NewBadValue("%s needs an array", op)
		}
		hit := false
		for _, pattern := range arr {
			if rx, isRx := pattern.(bson.Regex); isRx {
				m, err := regexMatches(leaves, rx.Pattern, rx.Options)
				if err != nil {
					return false, err
				}
				if m {
					hit = true
					break
				}
				continue
			}
			if equalityMatch(leaves, pattern, coll) {
				hit = true
				break
			}
		}
		if op == "$nin" {
			return !hit, nil
		}
		return hit, nil

	case "$exists":
		return anyExists(leaves) == isTruthy(arg), nil

	case "$type":
		return typeMatch(leaves, arg)

	case "$size":
		n, ok := bsonutil.AsInt64(arg)
		if !ok {
			return false, mongoerrors.NewBadValue("$size needs a number")
		}
		for _, leaf := range leaves {
			if arr, ok := leaf.value.(bson.A); leaf.exists && ok && int64(len(arr)) == n {
				return true, nil
			}
		}
		return false, nil

	case "$regex":
		pattern, opts, err := regexArg(arg, allOps)
		if err != nil {
			return false, err
		}
		return regexMatches(leaves, pattern, opts)

	case "$options":
		// consumed together with $regex
		if !bsonutil.Has(allOps, "$regex") {
			return false, mongoerrors.NewBadValue("$options needs a $regex")
		}
		return true, nil

	case "$elemMatch":
		sub, ok := bsonutil.AsDocument(arg)
		if !ok {
			return false, mongoerrors.NewBadValue("$elemMatch needs a document")
		}
		return elemMatch(leaves, sub, coll)

	case "$all":
		arr, ok := bsonutil.AsArray(arg)
		if !ok {
			return false, mongoerrors.NewBadValue("$all needs an array")
		}
		for _, pattern := range arr {
			if !equalityMatch(leaves, pattern, coll) {
				return false, nil
			}
		}
		return true, nil

	case "$mod":
		arr, ok := bsonutil.AsArray(arg)
		if !ok || len(arr) != 2 {
			return false, mongoerrors.NewBadValue("$mod needs an array of two numbers")
		}
		div, ok1 := bsonutil.AsInt64(arr[0])
		rem, ok2 := bsonutil.AsInt64(arr[1])
		if !ok1 || !ok2 {
			return false, mongoerrors.NewBadValue("$mod needs numeric divisor and remainder")
		}
		if div == 0 {
			return false, mongoerrors.NewBadValue("$mod divisor cannot be 0")
		}
		for _, c := range candidates(leaves) {
			if n, ok := bsonutil.AsInt64(c); ok && n%div == rem {
				return true, nil
			}
		}
		return false, nil

	case "$not":
		var m bool
		var err error
		if rx, ok := arg.(bson.Regex); ok {
			m, err = regexMatches(leaves, rx.Pattern, rx.Options)
		} else {
			sub, ok := isOperatorDoc(arg)
			if !ok {
				return false, mongoerrors.NewBadValue("$not needs a regex or an operator document")
			}
			m = true
			for _, inner := range sub {
				var im bool
				im, err = applyFieldOp(leaves, inner.Key, inner.Value, sub, coll)
				if err != nil {
					break
				}
				if !im {
					m = false
					break
				}
			}
		}
		if err != nil {
			return false, err
		}
		return !m, nil

	default:
		return false, mongoerrors.NewNotImplemented("unknown operator: %s", op)
	}
}

func anyExists(leaves []pathLeaf) bool {
	for _, leaf := range leaves {
		if leaf.exists {
			return true
		}
	}
	return false
}

func elemMatch(leaves []pathLeaf, sub bson.D, coll *collation) (bool, error) {
	_, opStyle := isOperatorDoc(sub)
	for _, leaf := range leaves {
		arr, ok := leaf.value.(bson.A)
		if !leaf.exists || !ok {
			continue
		}
		for _, elem := range arr {
			var m bool
			var err error
			if opStyle {
				selfLeaf := []pathLeaf{{value: elem, exists: true}}
				m = true
				for _, inner := range sub {
					var im bool
					im, err = applyFieldOp(selfLeaf, inner.Key, inner.Value, sub, coll)
					if err != nil {
						return false, err
					}
					if !im {
						m = false
						break
					}
				}
			} else {
				elemDoc, isDoc := elem.(bson.D)
				if !isDoc {
					continue
				}
				m, err = matches(elemDoc, sub, coll)
				if err != nil {
					return false, err
				}
			}
			if m {
				return true, nil
			}
		}
	}
	return false, nil
}

// typeAliases maps $type string aliases to BSON type numbers.
var typeAliases = map[string]int{
	"double": 1, "string": 2, "object": 3, "array": 4, "binData": 5,
	"undefined": 6, "objectId": 7, "bool": 8, "date": 9, "null": 10,
	"regex": 11, "javascript": 13, "symbol": 14, "int": 16, "timestamp": 17,
	"long": 18, "decimal": 19, "minKey": -1, "maxKey": 127,
}

func bsonTypeNumber(v any) int {
	switch v.(type) {
	case float64:
		return 1
	case string:
		return 2
	case bson.D:
		return 3
	case bson.A:
		return 4
	case bson.Binary:
		return 5
	case bson.Undefined:
		return 6
	case bson.ObjectID:
		return 7
	case bool:
		return 8
	case bson.DateTime:
		return 9
	case nil, bson.Null:
		return 10
	case bson.Regex:
		return 11
	case bson.JavaScript:
		return 13
	case bson.Symbol:
		return 14
	case int32:
		return 16
	case bson.Timestamp:
		return 17
	case int64:
		return 18
	case bson.Decimal128:
		return 19
	case bson.MinKey:
		return -1
	case bson.MaxKey:
		return 127
	default:
		return 0
	}
}

func typeMatch(leaves []pathLeaf, arg any) (bool, error) {
	wants, ok := bsonutil.AsArray(arg)
	if !ok {
		wants = bson.A{arg}
	}

	matchOne := func(v any, want any) (bool, error) {
		if s, ok := bsonutil.AsString(want); ok {
			if s == "number" {
				return bsonutil.IsNumber(v), nil
			}
			n, ok := typeAliases[s]
			if !ok {
				return false, mongoerrors.NewBadValue("unknown type alias: %q", s)
			}
			return bsonTypeNumber(v) == n, nil
		}
		n, ok := bsonutil.AsInt64(want)
		if !ok {
			return false, mongoerrors.NewBadValue("$type needs a type number or alias")
		}
		return int64(bsonTypeNumber(v)) == n, nil
	}

	for _, c := range candidates(leaves) {
		for _, want := range wants {
			m, err := matchOne(c, want)
			if err != nil {
				return false, err
			}
			if m {
				return true, nil
			}
		}
	}
	return false, nil
}

func regexArg(arg any, allOps bson.D) (string, string, error) {
	var pattern, opts string
	switch rx := arg.(type) {
	case bson.Regex:
		pattern, opts = rx.Pattern, rx.Options
	case string:
		pattern = rx
	default:
		return "", "", mongoerrors.NewTypeMismatch("$regex has to be a string or a regular expression")
	}
	if v, ok := bsonutil.Lookup(allOps, "$options"); ok {
		s, ok := bsonutil.AsString(v)
		if !ok {
			return "", "", mongoerrors.NewTypeMismatch("$options has to be a string")
		}
		opts = s
	}
	return pattern, opts, nil
}

// compileRegex translates a server-flavor pattern and option string into a Go
// regexp. Supported options: i, m, s; x is accepted and ignored.
func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		case 'x':
			// extended mode has no Go equivalent
		default:
			return nil, mongoerrors.NewBadValue("invalid regex option %q", string(o))
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, mongoerrors.NewBadValue("invalid regex: %s", err)
	}
	return rx, nil
}

func regexMatches(leaves []pathLeaf, pattern, options string) (bool, error) {
	rx, err := compileRegex(pattern, options)
	if err != nil {
		return false, err
	}
	for _, c := range candidates(leaves) {
		if s, ok := bsonutil.AsString(c); ok && rx.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}
