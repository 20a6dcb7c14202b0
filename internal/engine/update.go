// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// updateContext carries the pieces of the originating operation the update
// operators need: the filter (for the positional $ operator), arrayFilters
// (for $[id] targets), and the collation.
type updateContext struct {
	filter       bson.D
	arrayFilters map[string]bson.D
	coll         *collation
}

// isModifierUpdate reports whether update uses atomic modifiers ($-prefixed
// keys) rather than being a replacement document. Mixing the two is an
// error.
func isModifierUpdate(update bson.D) (bool, error) {
	mods, plains := 0, 0
	for _, e := range update {
		if strings.HasPrefix(e.Key, "$") {
			mods++
		} else {
			plains++
		}
	}
	if mods > 0 && plains > 0 {
		return false, mongoerrors.NewBadValue("update document cannot mix modifier and non-modifier fields")
	}
	return mods > 0, nil
}

// applyUpdate applies an update (modifier or replacement) to a deep clone of
// doc and returns the new document and whether it changed.
func applyUpdate(doc bson.D, update bson.D, ctx *updateContext) (bson.D, bool, error) {
	modifier, err := isModifierUpdate(update)
	if err != nil {
		return nil, false, err
	}

	if !modifier {
		return applyReplacement(doc, update)
	}

	out := bsonutil.Clone(doc)
	changed := false
	for _, e := range update {
		spec, ok := bsonutil.AsDocument(e.Value)
		if !ok {
			return nil, false, mongoerrors.NewTypeMismatch("modifier %s expects a document", e.Key)
		}
		for _, target := range spec {
			paths, err := expandTargets(out, target.Key, ctx)
			if err != nil {
				return nil, false, err
			}
			for _, parts := range paths {
				var ch bool
				out, ch, err = applyModifier(out, e.Key, parts, target.Value, ctx)
				if err != nil {
					return nil, false, err
				}
				changed = changed || ch
			}
		}
	}

	if err := checkIDUnchanged(doc, out); err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// applyReplacement replaces the document wholesale, preserving _id.
func applyReplacement(doc bson.D, replacement bson.D) (bson.D, bool, error) {
	id, hadID := bsonutil.Lookup(doc, "_id")

	out := bsonutil.Clone(replacement)
	if newID, ok := bsonutil.Lookup(out, "_id"); ok {
		if hadID && !valuesEqual(id, newID, nil) {
			return nil, false, mongoerrors.NewImmutableField("the _id field cannot be changed")
		}
	} else if hadID {
		out = append(bson.D{{Key: "_id", Value: id}}, out...)
	}

	return out, !valuesEqual(doc, out, nil), nil
}

func checkIDUnchanged(before, after bson.D) error {
	oldID, hadOld := bsonutil.Lookup(before, "_id")
	newID, hasNew := bsonutil.Lookup(after, "_id")
	if hadOld && hasNew && !valuesEqual(oldID, newID, nil) {
		return mongoerrors.NewImmutableField("performing an update on the path '_id' would modify the immutable field '_id'")
	}
	return nil
}

// expandTargets resolves the positional "$", "$[]", and "$[id]" tokens in a
// modifier target into concrete numeric paths.
func expandTargets(doc bson.D, path string, ctx *updateContext) ([][]string, error) {
	parts := splitPath(path)
	return expandParts(doc, nil, parts, ctx)
}

func expandParts(root bson.D, prefix []string, rest []string, ctx *updateContext) ([][]string, error) {
	if len(rest) == 0 {
		out := make([]string, len(prefix))
		copy(out, prefix)
		return [][]string{out}, nil
	}

	part := rest[0]

	switch {
	case part == "$":
		arr, ok := arrayAt(root, prefix)
		if !ok {
			return nil, mongoerrors.NewBadValue("the positional operator did not find an array at '%s'", strings.Join(prefix, "."))
		}
		idx := firstFilterMatch(ctx.filter, strings.Join(prefix, "."), arr, ctx.coll)
		if idx < 0 {
			return nil, mongoerrors.NewBadValue("the positional operator did not find the match needed from the query")
		}
		return expandParts(root, append(prefix, itoa(idx)), rest[1:], ctx)

	case part == "$[]":
		arr, ok := arrayAt(root, prefix)
		if !ok {
			return nil, mongoerrors.NewBadValue("cannot apply $[] to a non-array value at '%s'", strings.Join(prefix, "."))
		}
		var out [][]string
		for i := range arr {
			sub, err := expandParts(root, append(append([]string{}, prefix...), itoa(i)), rest[1:], ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil

	case strings.HasPrefix(part, "$[") && strings.HasSuffix(part, "]"):
		ident := part[2 : len(part)-1]
		cond, ok := ctx.arrayFilters[ident]
		if !ok {
			return nil, mongoerrors.NewBadValue("no array filter found for identifier '%s'", ident)
		}
		arr, ok := arrayAt(root, prefix)
		if !ok {
			return nil, mongoerrors.NewBadValue("cannot apply $[%s] to a non-array value at '%s'", ident, strings.Join(prefix, "."))
		}
		var out [][]string
		for i, elem := range arr {
			m, err := arrayFilterMatches(elem, ident, cond, ctx.coll)
			if err != nil {
				return nil, err
			}
			if !m {
				continue
			}
			sub, err := expandParts(root, append(append([]string{}, prefix...), itoa(i)), rest[1:], ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil

	default:
		return expandParts(root, append(prefix, part), rest[1:], ctx)
	}
}

func itoa(i int) string { return strconv.Itoa(i) }

func arrayAt(root bson.D, prefix []string) (bson.A, bool) {
	if len(prefix) == 0 {
		return nil, false
	}
	leaves := resolvePath(root, prefix)
	for _, leaf := range leaves {
		if arr, ok := leaf.value.(bson.A); leaf.exists && ok {
			return arr, true
		}
	}
	return nil, false
}

// firstFilterMatch finds the index the positional $ operator targets: the
// first array element satisfying the filter conditions on the array's path.
func firstFilterMatch(filter bson.D, path string, arr bson.A, coll *collation) int {
	type cond struct {
		subPath string // "" means the condition applies to the element itself
		pattern any
	}
	var conds []cond
	for _, e := range filter {
		if e.Key == path {
			conds = append(conds, cond{subPath: "", pattern: e.Value})
		} else if strings.HasPrefix(e.Key, path+".") {
			conds = append(conds, cond{subPath: e.Key[len(path)+1:], pattern: e.Value})
		}
	}
	if len(conds) == 0 {
		return -1
	}

	for i, elem := range arr {
		ok := true
		for _, c := range conds {
			var m bool
			if c.subPath == "" {
				m = patternMatchesValue(elem, c.pattern, coll)
			} else {
				elemDoc, isDoc := elem.(bson.D)
				if !isDoc {
					ok = false
					break
				}
				var err error
				m, err = matchField(elemDoc, c.subPath, c.pattern, coll)
				if err != nil {
					ok = false
					break
				}
			}
			if !m {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

// patternMatchesValue applies a filter pattern (literal or operator doc)
// directly to a single value.
func patternMatchesValue(v any, pattern any, coll *collation) bool {
	leaf := []pathLeaf{{value: v, exists: true}}
	if ops, ok := isOperatorDoc(pattern); ok {
		for _, op := range ops {
			m, err := applyFieldOp(leaf, op.Key, op.Value, ops, coll)
			if err != nil || !m {
				return false
			}
		}
		return true
	}
	return equalityMatch(leaf, pattern, coll)
}

func arrayFilterMatches(elem any, ident string, cond bson.D, coll *collation) (bool, error) {
	for _, e := range cond {
		if e.Key == ident {
			if !patternMatchesValue(elem, e.Value, coll) {
				return false, nil
			}
			continue
		}
		if strings.HasPrefix(e.Key, ident+".") {
			elemDoc, ok := elem.(bson.D)
			if !ok {
				return false, nil
			}
			m, err := matchField(elemDoc, e.Key[len(ident)+1:], e.Value, coll)
			if err != nil {
				return false, err
			}
			if !m {
				return false, nil
			}
			continue
		}
		return false, mongoerrors.NewBadValue("array filter for identifier '%s' cannot reference '%s'", ident, e.Key)
	}
	return true, nil
}

func applyModifier(doc bson.D, op string, parts []string, arg any, ctx *updateContext) (bson.D, bool, error) {
	switch op {
	case "$set":
		old, existed := lookupConcrete(doc, parts)
		if existed && valuesEqual(old, arg, nil) {
			return doc, false, nil
		}
		v, err := setPath(doc, parts, bsonutil.CloneValue(arg))
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	case "$unset":
		v, removed := removePath(doc, parts)
		return v.(bson.D), removed, nil

	case "$inc", "$mul":
		delta, ok := bsonutil.AsNumber(arg)
		if !ok {
			return nil, false, mongoerrors.NewTypeMismatch("cannot %s with non-numeric argument", op)
		}
		old, existed := lookupConcrete(doc, parts)
		var cur float64
		intish := true
		if existed {
			f, ok := bsonutil.AsNumber(old)
			if !ok {
				return nil, false, mongoerrors.NewTypeMismatch("cannot apply %s to a value of non-numeric type", op)
			}
			cur = f
			if _, isDouble := old.(float64); isDouble {
				intish = false
			}
		}
		if _, isDouble := arg.(float64); isDouble {
			intish = false
		}
		var next float64
		if op == "$inc" {
			next = cur + delta
		} else {
			next = cur * delta
		}
		v, err := setPath(doc, parts, numericResult(next, intish))
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	case "$min", "$max":
		old, existed := lookupConcrete(doc, parts)
		if existed {
			cmp := compareValues(arg, old, ctx.coll)
			if (op == "$min" && cmp >= 0) || (op == "$max" && cmp <= 0) {
				return doc, false, nil
			}
		}
		v, err := setPath(doc, parts, bsonutil.CloneValue(arg))
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	case "$rename":
		newPath, ok := bsonutil.AsString(arg)
		if !ok {
			return nil, false, mongoerrors.NewTypeMismatch("$rename target must be a string")
		}
		old, existed := lookupConcrete(doc, parts)
		if !existed {
			return doc, false, nil
		}
		v, _ := removePath(doc, parts)
		v2, err := setPath(v, splitPath(newPath), old)
		if err != nil {
			return nil, false, err
		}
		return v2.(bson.D), true, nil

	case "$currentDate":
		var val any = bson.DateTime(nowMillis())
		if spec, ok := bsonutil.AsDocument(arg); ok {
			if t, ok := bsonutil.Lookup(spec, "$type"); ok {
				switch t {
				case "date":
				case "timestamp":
					now := nowMillis() / 1000
					val = bson.Timestamp{T: uint32(now), I: 1}
				default:
					return nil, false, mongoerrors.NewBadValue("$currentDate $type must be 'date' or 'timestamp'")
				}
			}
		} else if !isTruthy(arg) {
			return nil, false, mongoerrors.NewBadValue("%v is not valid for $currentDate", arg)
		}
		v, err := setPath(doc, parts, val)
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	case "$push":
		return applyPush(doc, parts, arg, ctx)

	case "$addToSet":
		return applyAddToSet(doc, parts, arg, ctx)

	case "$pull":
		arr, existed := arrayValue(doc, parts)
		if !existed {
			return doc, false, nil
		}
		out := make(bson.A, 0, len(arr))
		for _, elem := range arr {
			remove := false
			if sub, ok := bsonutil.AsDocument(arg); ok {
				if _, isOp := isOperatorDoc(arg); isOp {
					remove = patternMatchesValue(elem, arg, ctx.coll)
				} else if elemDoc, isDoc := elem.(bson.D); isDoc {
					m, err := matches(elemDoc, sub, ctx.coll)
					if err != nil {
						return nil, false, err
					}
					remove = m
				}
			} else {
				remove = valuesEqual(elem, arg, ctx.coll)
			}
			if !remove {
				out = append(out, elem)
			}
		}
		if len(out) == len(arr) {
			return doc, false, nil
		}
		v, err := setPath(doc, parts, out)
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	case "$pullAll":
		values, ok := bsonutil.AsArray(arg)
		if !ok {
			return nil, false, mongoerrors.NewTypeMismatch("$pullAll requires an array argument")
		}
		arr, existed := arrayValue(doc, parts)
		if !existed {
			return doc, false, nil
		}
		out := make(bson.A, 0, len(arr))
		for _, elem := range arr {
			remove := false
			for _, v := range values {
				if valuesEqual(elem, v, ctx.coll) {
					remove = true
					break
				}
			}
			if !remove {
				out = append(out, elem)
			}
		}
		if len(out) == len(arr) {
			return doc, false, nil
		}
		v, err := setPath(doc, parts, out)
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	case "$pop":
		n, ok := bsonutil.AsInt64(arg)
		if !ok || (n != 1 && n != -1) {
			return nil, false, mongoerrors.NewBadValue("$pop expects 1 or -1")
		}
		arr, existed := arrayValue(doc, parts)
		if !existed || len(arr) == 0 {
			return doc, false, nil
		}
		var out bson.A
		if n == 1 {
			out = arr[:len(arr)-1]
		} else {
			out = arr[1:]
		}
		v, err := setPath(doc, parts, out)
		if err != nil {
			return nil, false, err
		}
		return v.(bson.D), true, nil

	default:
		return nil, false, mongoerrors.NewNotImplemented("unknown update operator: %s", op)
	}
}

// lookupConcrete resolves a fully concrete (no positional tokens) path.
func lookupConcrete(doc bson.D, parts []string) (any, bool) {
	leaves := resolvePath(doc, parts)
	if len(leaves) == 1 && leaves[0].exists {
		return leaves[0].value, true
	}
	return nil, false
}

func arrayValue(doc bson.D, parts []string) (bson.A, bool) {
	v, existed := lookupConcrete(doc, parts)
	if !existed {
		return nil, false
	}
	arr, ok := v.(bson.A)
	return arr, ok
}

func applyPush(doc bson.D, parts []string, arg any, ctx *updateContext) (bson.D, bool, error) {
	values := bson.A{arg}
	position := -1
	slice := int64(0)
	hasSlice := false
	var sortSpec any

	if spec, ok := bsonutil.AsDocument(arg); ok && bsonutil.Has(spec, "$each") {
		eachV, _ := bsonutil.Lookup(spec, "$each")
		each, ok := bsonutil.AsArray(eachV)
		if !ok {
			return nil, false, mongoerrors.NewTypeMismatch("$each requires an array argument")
		}
		values = each
		for _, e := range spec {
			switch e.Key {
			case "$each":
			case "$position":
				p, ok := bsonutil.AsInt64(e.Value)
				if !ok || p < 0 {
					return nil, false, mongoerrors.NewBadValue("$position requires a non-negative integer")
				}
				position = int(p)
			case "$slice":
				s, ok := bsonutil.AsInt64(e.Value)
				if !ok {
					return nil, false, mongoerrors.NewBadValue("$slice requires an integer")
				}
				slice, hasSlice = s, true
			case "$sort":
				sortSpec = e.Value
			default:
				return nil, false, mongoerrors.NewBadValue("unrecognized $push clause: %s", e.Key)
			}
		}
	}

	cur, existed := lookupConcrete(doc, parts)
	var arr bson.A
	if existed {
		a, ok := cur.(bson.A)
		if !ok {
			return nil, false, mongoerrors.NewBadValue("the field '%s' must be an array", strings.Join(parts, "."))
		}
		arr = a
	}

	cloned := make(bson.A, 0, len(values))
	for _, v := range values {
		cloned = append(cloned, bsonutil.CloneValue(v))
	}

	switch {
	case position < 0 || position >= len(arr):
		arr = append(arr, cloned...)
	default:
		rest := append(bson.A{}, arr[position:]...)
		arr = append(append(arr[:position], cloned...), rest...)
	}

	if sortSpec != nil {
		if err := sortPushed(arr, sortSpec, ctx.coll); err != nil {
			return nil, false, err
		}
	}

	if hasSlice {
		switch {
		case slice == 0:
			arr = bson.A{}
		case slice > 0 && int64(len(arr)) > slice:
			arr = arr[:slice]
		case slice < 0 && int64(len(arr)) > -slice:
			arr = arr[int64(len(arr))+slice:]
		}
	}

	v, err := setPath(doc, parts, arr)
	if err != nil {
		return nil, false, err
	}
	return v.(bson.D), true, nil
}

func sortPushed(arr bson.A, spec any, coll *collation) error {
	if dir, ok := bsonutil.AsInt64(spec); ok {
		if dir != 1 && dir != -1 {
			return mongoerrors.NewBadValue("$sort must be 1 or -1 or a sort document")
		}
		sort.SliceStable(arr, func(i, j int) bool {
			c := compareValues(arr[i], arr[j], coll)
			if dir < 0 {
				return c > 0
			}
			return c < 0
		})
		return nil
	}
	fields, ok := bsonutil.AsDocument(spec)
	if !ok {
		return mongoerrors.NewBadValue("$sort must be 1 or -1 or a sort document")
	}
	sort.SliceStable(arr, func(i, j int) bool {
		di, iOK := arr[i].(bson.D)
		dj, jOK := arr[j].(bson.D)
		if !iOK || !jOK {
			return false
		}
		for _, f := range fields {
			dir, _ := bsonutil.AsInt64(f.Value)
			vi, _ := lookupPath(di, f.Key)
			vj, _ := lookupPath(dj, f.Key)
			c := compareValues(vi, vj, coll)
			if c != 0 {
				if dir < 0 {
					return c > 0
				}
				return c < 0
			}
		}
		return false
	})
	return nil
}

func applyAddToSet(doc bson.D, parts []string, arg any, ctx *updateContext) (bson.D, bool, error) {
	values := bson.A{arg}
	if spec, ok := bsonutil.AsDocument(arg); ok && bsonutil.Has(spec, "$each") {
		eachV, _ := bsonutil.Lookup(spec, "$each")
		each, ok := bsonutil.AsArray(eachV)
		if !ok {
			return nil, false, mongoerrors.NewTypeMismatch("$each requires an array argument")
		}
		values = each
	}

	cur, existed := lookupConcrete(doc, parts)
	var arr bson.A
	if existed {
		a, ok := cur.(bson.A)
		if !ok {
			return nil, false, mongoerrors.NewBadValue("cannot apply $addToSet to non-array field '%s'", strings.Join(parts, "."))
		}
		arr = a
	}

	seen := make(map[string]struct{}, len(arr))
	for _, elem := range arr {
		seen[canonicalKey(elem, ctx.coll)] = struct{}{}
	}

	changed := false
	for _, v := range values {
		key := canonicalKey(v, ctx.coll)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		arr = append(arr, bsonutil.CloneValue(v))
		changed = true
	}
	if !changed {
		return doc, false, nil
	}

	out, err := setPath(doc, parts, arr)
	if err != nil {
		return nil, false, err
	}
	return out.(bson.D), true, nil
}
