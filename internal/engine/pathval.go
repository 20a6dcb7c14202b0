// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// splitPath splits a dotted field path into components.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// pathLeaf is one value a dotted path resolved to. exists is false when the
// path ran off the document; such leaves still participate in matching
// (missing compares as null, $exists:false matches them).
type pathLeaf struct {
	value  any
	exists bool
}

// resolvePath walks a dotted path through v. Numeric components index into
// arrays; non-numeric components applied to an array implicitly descend into
// every array element.
func resolvePath(v any, parts []string) []pathLeaf {
	if len(parts) == 0 {
		return []pathLeaf{{value: v, exists: true}}
	}

	part := parts[0]
	switch t := v.(type) {
	case bson.D:
		child, ok := bsonutil.Lookup(t, part)
		if !ok {
			return []pathLeaf{{exists: false}}
		}
		return resolvePath(child, parts[1:])

	case bson.A:
		if idx, err := strconv.Atoi(part); err == nil {
			if idx < 0 || idx >= len(t) {
				return []pathLeaf{{exists: false}}
			}
			return resolvePath(t[idx], parts[1:])
		}
		var leaves []pathLeaf
		for _, elem := range t {
			if _, ok := elem.(bson.D); !ok {
				continue
			}
			leaves = append(leaves, resolvePath(elem, parts)...)
		}
		if len(leaves) == 0 {
			return []pathLeaf{{exists: false}}
		}
		return leaves

	default:
		return []pathLeaf{{exists: false}}
	}
}

// lookupPath returns the single value at path, preferring the first existing
// leaf. Used where one value is needed (sort keys, index keys, projections).
func lookupPath(doc bson.D, path string) (any, bool) {
	for _, leaf := range resolvePath(doc, splitPath(path)) {
		if leaf.exists {
			return leaf.value, true
		}
	}
	return nil, false
}

// setPath stores value at path inside container, creating intermediate
// documents and padding arrays with nulls as needed. It returns the possibly
// reallocated container.
func setPath(container any, parts []string, value any) (any, error) {
	part := parts[0]

	switch t := container.(type) {
	case bson.D:
		if len(parts) == 1 {
			return bsonutil.Set(t, part, value), nil
		}
		child, ok := bsonutil.Lookup(t, part)
		if !ok {
			child = bson.D{}
		}
		newChild, err := setPath(child, parts[1:], value)
		if err != nil {
			return nil, err
		}
		return bsonutil.Set(t, part, newChild), nil

	case bson.A:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, mongoerrors.NewBadValue("cannot use part %q to traverse an array", part)
		}
		for len(t) <= idx {
			t = append(t, bson.Null{})
		}
		if len(parts) == 1 {
			t[idx] = value
			return t, nil
		}
		child := t[idx]
		if _, isNull := child.(bson.Null); isNull || child == nil {
			child = bson.D{}
		}
		newChild, err := setPath(child, parts[1:], value)
		if err != nil {
			return nil, err
		}
		t[idx] = newChild
		return t, nil

	default:
		return nil, mongoerrors.NewBadValue("cannot create field %q in element of type %T", part, container)
	}
}

// removePath removes the field at path. Removing an array element leaves a
// null hole rather than shifting siblings. The returned bool reports whether
// anything was removed.
func removePath(container any, parts []string) (any, bool) {
	part := parts[0]

	switch t := container.(type) {
	case bson.D:
		child, ok := bsonutil.Lookup(t, part)
		if !ok {
			return t, false
		}
		if len(parts) == 1 {
			return bsonutil.Remove(t, part), true
		}
		newChild, removed := removePath(child, parts[1:])
		if removed {
			t = bsonutil.Set(t, part, newChild)
		}
		return t, removed

	case bson.A:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= len(t) {
			return t, false
		}
		if len(parts) == 1 {
			t[idx] = bson.Null{}
			return t, true
		}
		newChild, removed := removePath(t[idx], parts[1:])
		if removed {
			t[idx] = newChild
		}
		return t, removed

	default:
		return container, false
	}
}
