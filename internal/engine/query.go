// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// Query is a validated find request.
type Query struct {
	Filter     bson.D
	Sort       bson.D
	Projection bson.D
	Skip       int64
	Limit      int64
	Collation  bson.D
}

// sortDocs orders docs in place by a sort specification of (path, ±1)
// entries. Missing fields sort as null. The sort is stable, so equal keys
// keep natural order.
func sortDocs(docs []bson.D, spec bson.D, coll *collation) error {
	type sortKey struct {
		path string
		desc bool
	}
	keys := make([]sortKey, 0, len(spec))
	for _, e := range spec {
		dir, ok := bsonutil.AsInt64(e.Value)
		if !ok || (dir != 1 && dir != -1) {
			return mongoerrors.NewBadValue("invalid sort direction for %q: must be 1 or -1", e.Key)
		}
		keys = append(keys, sortKey{path: e.Key, desc: dir == -1})
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			vi, _ := lookupPath(docs[i], k.path)
			vj, _ := lookupPath(docs[j], k.path)
			c := compareValues(vi, vj, coll)
			if c != 0 {
				if k.desc {
					return c > 0
				}
				return c < 0
			}
		}
		return false
	})
	return nil
}

// projectionMode classifies a projection document: 1 for inclusion, -1 for
// exclusion, 0 when only _id is mentioned. Mixing inclusion and exclusion
// outside _id is an error, as is a projection operator document.
func projectionMode(projection bson.D) (int, error) {
	mode := 0
	for _, e := range projection {
		if e.Key == "_id" {
			continue
		}
		if _, isDoc := e.Value.(bson.D); isDoc {
			return 0, mongoerrors.NewNotImplemented("projection operator in %q", e.Key)
		}
		this := -1
		if isTruthy(e.Value) {
			this = 1
		}
		if mode == 0 {
			mode = this
		} else if mode != this {
			return 0, mongoerrors.NewBadValue("cannot do inclusion on field %s in exclusion projection", e.Key)
		}
	}
	return mode, nil
}

// projectDoc applies a projection to doc. A nil projection returns the
// document unchanged.
func projectDoc(doc bson.D, projection bson.D) (bson.D, error) {
	if len(projection) == 0 {
		return doc, nil
	}

	mode, err := projectionMode(projection)
	if err != nil {
		return nil, err
	}

	includeID := true
	if v, ok := bsonutil.Lookup(projection, "_id"); ok {
		includeID = isTruthy(v)
	}
	if mode == 0 {
		// only _id mentioned: {_id: 1} keeps just _id, {_id: 0} drops it
		mode = -1
		if includeID {
			mode = 1
		}
	}

	if mode == 1 {
		out := bson.D{}
		if includeID {
			if id, ok := bsonutil.Lookup(doc, "_id"); ok {
				out = append(out, bson.E{Key: "_id", Value: id})
			}
		}
		for _, e := range projection {
			if e.Key == "_id" || !isTruthy(e.Value) {
				continue
			}
			v, ok := lookupPath(doc, e.Key)
			if !ok {
				continue
			}
			res, err := setPath(out, splitPath(e.Key), bsonutil.CloneValue(v))
			if err != nil {
				return nil, err
			}
			out = res.(bson.D)
		}
		return out, nil
	}

	out := bsonutil.Clone(doc)
	for _, e := range projection {
		if e.Key == "_id" {
			continue
		}
		if !isTruthy(e.Value) {
			v, _ := removePath(out, splitPath(e.Key))
			out = v.(bson.D)
		}
	}
	if !includeID {
		out = bsonutil.Remove(out, "_id")
	}
	return out, nil
}

// upsertDocument builds the document an upsert inserts: the filter's
// equality conditions, overlaid with the update (modifier or replacement).
func upsertDocument(filter, update bson.D, ctx *updateContext) (bson.D, error) {
	base := bson.D{}
	for _, e := range filter {
		if strings.HasPrefix(e.Key, "$") {
			continue
		}
		pattern := e.Value
		if ops, ok := isOperatorDoc(pattern); ok {
			eq, found := bsonutil.Lookup(ops, "$eq")
			if !found {
				continue
			}
			pattern = eq
		}
		v, err := setPath(base, splitPath(e.Key), bsonutil.CloneValue(pattern))
		if err != nil {
			return nil, err
		}
		base = v.(bson.D)
	}

	modifier, err := isModifierUpdate(update)
	if err != nil {
		return nil, err
	}
	if !modifier {
		out := bsonutil.Clone(update)
		if !bsonutil.Has(out, "_id") {
			if id, ok := bsonutil.Lookup(base, "_id"); ok {
				out = append(bson.D{{Key: "_id", Value: id}}, out...)
			}
		}
		return ensureID(out), nil
	}

	out, _, err := applyUpdate(base, update, ctx)
	if err != nil {
		return nil, err
	}
	return ensureID(out), nil
}
