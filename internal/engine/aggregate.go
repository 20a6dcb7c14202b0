// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// aggContext carries the pieces pipeline stages share: the storage view (for
// $lookup/$unionWith/$out/$merge), the database, the collation, and the
// enclosing expression scope for inner pipelines.
type aggContext struct {
	v      view
	db     string
	coll   *collation
	parent *exprScope
}

// pipelineWrites reports whether the pipeline's last stage is a terminal
// sink ($out/$merge), which needs the exclusive engine lock.
func pipelineWrites(pipeline bson.A) bool {
	if len(pipeline) == 0 {
		return false
	}
	last, ok := bsonutil.AsDocument(pipeline[len(pipeline)-1])
	if !ok || len(last) == 0 {
		return false
	}
	return last[0].Key == "$out" || last[0].Key == "$merge"
}

// opAggregate evaluates an aggregation pipeline against a namespace.
func opAggregate(v view, ns Namespace, pipeline bson.A, collationDoc bson.D) ([]bson.D, error) {
	coll, err := parseCollation(collationDoc)
	if err != nil {
		return nil, err
	}

	var docs []bson.D
	if c := v.read(ns); c != nil {
		docs = make([]bson.D, len(c.docs))
		for i, d := range c.docs {
			docs[i] = bsonutil.Clone(d)
		}
	}

	actx := &aggContext{v: v, db: ns.DB, coll: coll}
	return runPipeline(docs, pipeline, actx)
}

func runPipeline(docs []bson.D, pipeline bson.A, actx *aggContext) ([]bson.D, error) {
	for i, stageV := range pipeline {
		stage, ok := bsonutil.AsDocument(stageV)
		if !ok || len(stage) != 1 {
			return nil, mongoerrors.NewBadValue("each pipeline stage must be a document with exactly one field")
		}
		name, arg := stage[0].Key, stage[0].Value

		if (name == "$out" || name == "$merge") && i != len(pipeline)-1 {
			return nil, mongoerrors.NewNotImplemented("%s is only supported as the final pipeline stage", name)
		}

		var err error
		docs, err = runStage(docs, name, arg, actx)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func runStage(docs []bson.D, name string, arg any, actx *aggContext) ([]bson.D, error) {
	switch name {
	case "$match":
		filter, ok := bsonutil.AsDocument(arg)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("the $match filter must be a document")
		}
		var out []bson.D
		for _, doc := range docs {
			m, err := matchesScoped(doc, filter, actx.coll, actx.parent)
			if err != nil {
				return nil, err
			}
			if m {
				out = append(out, doc)
			}
		}
		return out, nil

	case "$project":
		return stageProject(docs, arg, actx)

	case "$addFields", "$set":
		spec, ok := bsonutil.AsDocument(arg)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("%s requires a document", name)
		}
		out := make([]bson.D, 0, len(docs))
		for _, doc := range docs {
			sc := actx.scope(doc)
			for _, e := range spec {
				val, err := evalExpr(e.Value, sc)
				if err != nil {
					return nil, err
				}
				res, err := setPath(doc, splitPath(e.Key), nullIfMissing(val))
				if err != nil {
					return nil, err
				}
				doc = res.(bson.D)
			}
			out = append(out, doc)
		}
		return out, nil

	case "$unset":
		var paths []string
		switch t := arg.(type) {
		case string:
			paths = []string{t}
		case bson.A:
			for _, p := range t {
				s, ok := bsonutil.AsString(p)
				if !ok {
					return nil, mongoerrors.NewTypeMismatch("$unset specification must be a string or an array of strings")
				}
				paths = append(paths, s)
			}
		default:
			return nil, mongoerrors.NewTypeMismatch("$unset specification must be a string or an array of strings")
		}
		out := make([]bson.D, 0, len(docs))
		for _, doc := range docs {
			for _, p := range paths {
				v, _ := removePath(doc, splitPath(p))
				doc = v.(bson.D)
			}
			out = append(out, doc)
		}
		return out, nil

	case "$replaceRoot", "$replaceWith":
		expr := arg
		if name == "$replaceRoot" {
			spec, ok := bsonutil.AsDocument(arg)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("$replaceRoot requires a document")
			}
			var found bool
			expr, found = bsonutil.Lookup(spec, "newRoot")
			if !found {
				return nil, mongoerrors.NewBadValue("$replaceRoot requires a newRoot expression")
			}
		}
		out := make([]bson.D, 0, len(docs))
		for _, doc := range docs {
			v, err := evalExpr(expr, actx.scope(doc))
			if err != nil {
				return nil, err
			}
			root, ok := bsonutil.AsDocument(nullIfMissing(v))
			if !ok {
				return nil, mongoerrors.NewBadValue("the new root must evaluate to a document, got %s", typeName(v))
			}
			out = append(out, root)
		}
		return out, nil

	case "$sort":
		spec, ok := bsonutil.AsDocument(arg)
		if !ok || len(spec) == 0 {
			return nil, mongoerrors.NewTypeMismatch("$sort requires a non-empty document")
		}
		out := append([]bson.D{}, docs...)
		if err := sortDocs(out, spec, actx.coll); err != nil {
			return nil, err
		}
		return out, nil

	case "$limit":
		n, ok := bsonutil.AsInt64(arg)
		if !ok || n < 0 {
			return nil, mongoerrors.NewBadValue("$limit requires a non-negative number")
		}
		if int64(len(docs)) > n {
			return docs[:n], nil
		}
		return docs, nil

	case "$skip":
		n, ok := bsonutil.AsInt64(arg)
		if !ok || n < 0 {
			return nil, mongoerrors.NewBadValue("$skip requires a non-negative number")
		}
		if n >= int64(len(docs)) {
			return nil, nil
		}
		return docs[n:], nil

	case "$unwind":
		return stageUnwind(docs, arg)

	case "$sample":
		spec, ok := bsonutil.AsDocument(arg)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$sample requires a document")
		}
		sizeV, _ := bsonutil.Lookup(spec, "size")
		size, ok := bsonutil.AsInt64(sizeV)
		if !ok || size < 0 {
			return nil, mongoerrors.NewBadValue("$sample size must be a non-negative number")
		}
		if size >= int64(len(docs)) {
			return docs, nil
		}
		out := append([]bson.D{}, docs...)
		actx.v.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out[:size], nil

	case "$count":
		field, ok := bsonutil.AsString(arg)
		if !ok || field == "" {
			return nil, mongoerrors.NewBadValue("$count requires a non-empty string")
		}
		if strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
			return nil, mongoerrors.NewBadValue("$count field name cannot contain '.' or start with '$'")
		}
		return []bson.D{{{Key: field, Value: int32(len(docs))}}}, nil

	case "$group":
		return stageGroup(docs, arg, actx)

	case "$lookup":
		return stageLookup(docs, arg, actx)

	case "$unionWith":
		return stageUnionWith(docs, arg, actx)

	case "$out":
		return stageOut(docs, arg, actx)

	case "$merge":
		return stageMerge(docs, arg, actx)

	default:
		return nil, mongoerrors.NewNotImplemented("unknown pipeline stage: %s", name)
	}
}

func (actx *aggContext) scope(doc bson.D) *exprScope {
	return &exprScope{root: doc, current: doc, parent: actx.parent}
}

// stageProject handles $project: inclusion/exclusion flags plus computed
// expression fields (which imply inclusion mode).
func stageProject(docs []bson.D, arg any, actx *aggContext) ([]bson.D, error) {
	spec, ok := bsonutil.AsDocument(arg)
	if !ok || len(spec) == 0 {
		return nil, mongoerrors.NewTypeMismatch("$project requires a non-empty document")
	}

	mode := 0
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		switch t := e.Value.(type) {
		case bool:
			if t {
				mode = 1
			} else if mode == 0 {
				mode = -1
			}
		case int32, int64, float64:
			if isTruthy(t) {
				mode = 1
			} else if mode == 0 {
				mode = -1
			}
		default:
			mode = 1 // computed field
		}
	}

	includeID := true
	if v, ok := bsonutil.Lookup(spec, "_id"); ok {
		if _, isExpr := v.(bson.D); !isExpr {
			includeID = isTruthy(v)
		}
	}

	out := make([]bson.D, 0, len(docs))
	for _, doc := range docs {
		if mode <= 0 {
			p := doc
			for _, e := range spec {
				if e.Key == "_id" {
					continue
				}
				v, _ := removePath(p, splitPath(e.Key))
				p = v.(bson.D)
			}
			if !includeID {
				p = bsonutil.Remove(p, "_id")
			}
			out = append(out, p)
			continue
		}

		p := bson.D{}
		if includeID {
			if id, ok := bsonutil.Lookup(doc, "_id"); ok {
				p = append(p, bson.E{Key: "_id", Value: id})
			}
		}
		sc := actx.scope(doc)
		for _, e := range spec {
			if e.Key == "_id" {
				if expr, isExpr := e.Value.(bson.D); isExpr {
					v, err := evalExpr(expr, sc)
					if err != nil {
						return nil, err
					}
					p = bsonutil.Set(p, "_id", nullIfMissing(v))
				}
				continue
			}
			var val any
			var present bool
			switch t := e.Value.(type) {
			case bool, int32, int64, float64:
				if !isTruthy(t) {
					continue
				}
				val, present = lookupPath(doc, e.Key)
			default:
				v, err := evalExpr(e.Value, sc)
				if err != nil {
					return nil, err
				}
				if _, missing := v.(missingValue); !missing {
					val, present = v, true
				}
			}
			if !present {
				continue
			}
			res, err := setPath(p, splitPath(e.Key), bsonutil.CloneValue(val))
			if err != nil {
				return nil, err
			}
			p = res.(bson.D)
		}
		out = append(out, p)
	}
	return out, nil
}

func stageUnwind(docs []bson.D, arg any) ([]bson.D, error) {
	var path string
	preserveEmpty := false
	indexField := ""

	switch t := arg.(type) {
	case string:
		path = t
	case bson.D:
		pv, _ := bsonutil.Lookup(t, "path")
		s, ok := bsonutil.AsString(pv)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$unwind path must be a string")
		}
		path = s
		if v, ok := bsonutil.Lookup(t, "preserveNullAndEmptyArrays"); ok {
			b, ok := bsonutil.AsBool(v)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("preserveNullAndEmptyArrays must be a boolean")
			}
			preserveEmpty = b
		}
		if v, ok := bsonutil.Lookup(t, "includeArrayIndex"); ok {
			s, ok := bsonutil.AsString(v)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("includeArrayIndex must be a string")
			}
			indexField = s
		}
	default:
		return nil, mongoerrors.NewTypeMismatch("$unwind requires a string path or a document")
	}

	if !strings.HasPrefix(path, "$") {
		return nil, mongoerrors.NewBadValue("$unwind path must start with '$'")
	}
	parts := splitPath(path[1:])

	var out []bson.D
	for _, doc := range docs {
		v, exists := lookupConcrete(doc, parts)
		arr, isArr := v.(bson.A)

		switch {
		case !exists || isNullish(v) || (isArr && len(arr) == 0):
			if preserveEmpty {
				keep := doc
				if exists {
					res, _ := removePath(keep, parts)
					keep = res.(bson.D)
				}
				out = append(out, keep)
			}
		case !isArr:
			elem := doc
			if indexField != "" {
				res, err := setPath(elem, splitPath(indexField), bson.Null{})
				if err != nil {
					return nil, err
				}
				elem = res.(bson.D)
			}
			out = append(out, elem)
		default:
			for i, item := range arr {
				elem := bsonutil.Clone(doc)
				res, err := setPath(elem, parts, bsonutil.CloneValue(item))
				if err != nil {
					return nil, err
				}
				elem = res.(bson.D)
				if indexField != "" {
					res, err := setPath(elem, splitPath(indexField), int64(i))
					if err != nil {
						return nil, err
					}
					elem = res.(bson.D)
				}
				out = append(out, elem)
			}
		}
	}
	return out, nil
}

// accumulator holds one $group accumulator's running state.
type accumulator struct {
	op   string
	expr any

	sum     float64
	sumInts bool
	count   int64
	minMax  any
	first   any
	last    any
	hasVal  bool
	arr     bson.A
	seen    map[string]struct{}
}

func stageGroup(docs []bson.D, arg any, actx *aggContext) ([]bson.D, error) {
	spec, ok := bsonutil.AsDocument(arg)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("$group requires a document")
	}
	idExpr, hasID := bsonutil.Lookup(spec, "_id")
	if !hasID {
		return nil, mongoerrors.NewBadValue("$group requires an _id field")
	}

	type fieldSpec struct {
		name string
		op   string
		expr any
	}
	var fields []fieldSpec
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		acc, ok := bsonutil.AsDocument(e.Value)
		if !ok || len(acc) != 1 {
			return nil, mongoerrors.NewBadValue("the field %q must be an accumulator object", e.Key)
		}
		switch acc[0].Key {
		case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push", "$addToSet":
		default:
			return nil, mongoerrors.NewNotImplemented("unknown group accumulator: %s", acc[0].Key)
		}
		fields = append(fields, fieldSpec{name: e.Key, op: acc[0].Key, expr: acc[0].Value})
	}

	type group struct {
		id   any
		accs []*accumulator
	}
	groups := make(map[string]*group)
	var order []string

	for _, doc := range docs {
		sc := actx.scope(doc)
		idVal, err := evalExpr(idExpr, sc)
		if err != nil {
			return nil, err
		}
		idVal = nullIfMissing(idVal)

		key := canonicalKey(idVal, actx.coll)
		g, ok := groups[key]
		if !ok {
			g = &group{id: idVal}
			for _, f := range fields {
				g.accs = append(g.accs, &accumulator{op: f.op, expr: f.expr, sumInts: true})
			}
			groups[key] = g
			order = append(order, key)
		}

		for _, acc := range g.accs {
			val, err := evalExpr(acc.expr, sc)
			if err != nil {
				return nil, err
			}
			acc.accumulate(nullIfMissing(val), actx.coll)
		}
	}

	out := make([]bson.D, 0, len(order))
	for _, key := range order {
		g := groups[key]
		doc := bson.D{{Key: "_id", Value: g.id}}
		for i, f := range fields {
			doc = append(doc, bson.E{Key: f.name, Value: g.accs[i].result()})
		}
		out = append(out, doc)
	}
	return out, nil
}

func (a *accumulator) accumulate(v any, coll *collation) {
	switch a.op {
	case "$sum", "$avg":
		n, ok := bsonutil.AsNumber(v)
		if !ok {
			return
		}
		if _, isDouble := v.(float64); isDouble {
			a.sumInts = false
		}
		a.sum += n
		a.count++

	case "$min", "$max":
		if isNullish(v) {
			return
		}
		if !a.hasVal {
			a.minMax, a.hasVal = v, true
			return
		}
		c := compareValues(v, a.minMax, coll)
		if (a.op == "$min" && c < 0) || (a.op == "$max" && c > 0) {
			a.minMax = v
		}

	case "$first":
		if !a.hasVal {
			a.first, a.hasVal = v, true
		}

	case "$last":
		a.last, a.hasVal = v, true

	case "$push":
		a.arr = append(a.arr, v)

	case "$addToSet":
		if a.seen == nil {
			a.seen = make(map[string]struct{})
		}
		key := canonicalKey(v, coll)
		if _, dup := a.seen[key]; dup {
			return
		}
		a.seen[key] = struct{}{}
		a.arr = append(a.arr, v)
	}
}

func (a *accumulator) result() any {
	switch a.op {
	case "$sum":
		return numericResult(a.sum, a.sumInts)
	case "$avg":
		if a.count == 0 {
			return bson.Null{}
		}
		return a.sum / float64(a.count)
	case "$min", "$max":
		if !a.hasVal {
			return bson.Null{}
		}
		return a.minMax
	case "$first":
		if !a.hasVal {
			return bson.Null{}
		}
		return a.first
	case "$last":
		if !a.hasVal {
			return bson.Null{}
		}
		return a.last
	default: // $push, $addToSet
		if a.arr == nil {
			return bson.A{}
		}
		return a.arr
	}
}

func stageLookup(docs []bson.D, arg any, actx *aggContext) ([]bson.D, error) {
	spec, ok := bsonutil.AsDocument(arg)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("$lookup requires a document")
	}

	fromV, _ := bsonutil.Lookup(spec, "from")
	from, ok := bsonutil.AsString(fromV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("$lookup 'from' must be a string")
	}
	asV, _ := bsonutil.Lookup(spec, "as")
	as, ok := bsonutil.AsString(asV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("$lookup 'as' must be a string")
	}

	var foreign []bson.D
	if c := actx.v.read(Namespace{actx.db, from}); c != nil {
		foreign = make([]bson.D, len(c.docs))
		for i, d := range c.docs {
			foreign[i] = bsonutil.Clone(d)
		}
	}

	localFieldV, hasLocal := bsonutil.Lookup(spec, "localField")
	pipelineV, hasPipeline := bsonutil.Lookup(spec, "pipeline")

	out := make([]bson.D, 0, len(docs))

	switch {
	case hasLocal:
		localField, ok := bsonutil.AsString(localFieldV)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$lookup 'localField' must be a string")
		}
		foreignFieldV, _ := bsonutil.Lookup(spec, "foreignField")
		foreignField, ok := bsonutil.AsString(foreignFieldV)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$lookup 'foreignField' must be a string")
		}

		for _, doc := range docs {
			localV, exists := lookupPath(doc, localField)
			if !exists {
				localV = bson.Null{}
			}
			matched := bson.A{}
			for _, f := range foreign {
				leaves := resolvePath(f, splitPath(foreignField))
				if equalityMatch(leaves, localV, actx.coll) ||
					matchesArrayLocal(localV, leaves, actx.coll) {
					matched = append(matched, bsonutil.Clone(f))
				}
			}
			res, err := setPath(doc, splitPath(as), matched)
			if err != nil {
				return nil, err
			}
			out = append(out, res.(bson.D))
		}
		return out, nil

	case hasPipeline:
		inner, ok := bsonutil.AsArray(pipelineV)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$lookup 'pipeline' must be an array")
		}
		letDoc, _ := bsonutil.Lookup(spec, "let")
		letSpec, _ := bsonutil.AsDocument(letDoc)

		for _, doc := range docs {
			sc := actx.scope(doc)
			vars := make(map[string]any, len(letSpec))
			for _, e := range letSpec {
				v, err := evalExpr(e.Value, sc)
				if err != nil {
					return nil, err
				}
				vars[e.Key] = nullIfMissing(v)
			}

			innerDocs := make([]bson.D, len(foreign))
			for i, f := range foreign {
				innerDocs[i] = bsonutil.Clone(f)
			}
			innerCtx := &aggContext{v: actx.v, db: actx.db, coll: actx.coll, parent: sc.child(vars)}
			res, err := runPipeline(innerDocs, inner, innerCtx)
			if err != nil {
				return nil, err
			}
			matched := make(bson.A, 0, len(res))
			for _, r := range res {
				matched = append(matched, r)
			}
			set, err := setPath(doc, splitPath(as), matched)
			if err != nil {
				return nil, err
			}
			out = append(out, set.(bson.D))
		}
		return out, nil

	default:
		return nil, mongoerrors.NewBadValue("$lookup requires either localField/foreignField or pipeline")
	}
}

// matchesArrayLocal handles the local-side array fan-out of a
// localField/foreignField join: any element of a local array joins.
func matchesArrayLocal(localV any, foreignLeaves []pathLeaf, coll *collation) bool {
	arr, ok := localV.(bson.A)
	if !ok {
		return false
	}
	for _, elem := range arr {
		if equalityMatch(foreignLeaves, elem, coll) {
			return true
		}
	}
	return false
}

func stageUnionWith(docs []bson.D, arg any, actx *aggContext) ([]bson.D, error) {
	var collName string
	var inner bson.A

	switch t := arg.(type) {
	case string:
		collName = t
	case bson.D:
		cv, _ := bsonutil.Lookup(t, "coll")
		s, ok := bsonutil.AsString(cv)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$unionWith 'coll' must be a string")
		}
		collName = s
		if pv, ok := bsonutil.Lookup(t, "pipeline"); ok {
			arr, ok := bsonutil.AsArray(pv)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("$unionWith 'pipeline' must be an array")
			}
			inner = arr
		}
	default:
		return nil, mongoerrors.NewTypeMismatch("$unionWith requires a string or a document")
	}

	var other []bson.D
	if c := actx.v.read(Namespace{actx.db, collName}); c != nil {
		other = make([]bson.D, len(c.docs))
		for i, d := range c.docs {
			other[i] = bsonutil.Clone(d)
		}
	}
	if len(inner) > 0 {
		innerCtx := &aggContext{v: actx.v, db: actx.db, coll: actx.coll, parent: actx.parent}
		var err error
		other, err = runPipeline(other, inner, innerCtx)
		if err != nil {
			return nil, err
		}
	}
	return append(docs, other...), nil
}

func stageOut(docs []bson.D, arg any, actx *aggContext) ([]bson.D, error) {
	if !actx.v.allowSideEffects() {
		return nil, mongoerrors.NewNotImplemented("$out is not supported in a transaction")
	}

	db := actx.db
	var collName string
	switch t := arg.(type) {
	case string:
		collName = t
	case bson.D:
		if v, ok := bsonutil.Lookup(t, "db"); ok {
			if s, ok := bsonutil.AsString(v); ok {
				db = s
			}
		}
		cv, _ := bsonutil.Lookup(t, "coll")
		s, ok := bsonutil.AsString(cv)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$out 'coll' must be a string")
		}
		collName = s
	default:
		return nil, mongoerrors.NewTypeMismatch("$out requires a string or a document")
	}

	ns := Namespace{db, collName}
	actx.v.drop(ns)
	fresh := newCollection(ns)
	ver := actx.v.version()
	for _, doc := range docs {
		doc = ensureID(bsonutil.Clone(doc))
		idKey, err := fresh.insertOne(doc, ver)
		if err != nil {
			return nil, err
		}
		actx.v.recordWrite(ns, idKey)
	}
	actx.v.install(ns, fresh)
	return nil, nil
}

func stageMerge(docs []bson.D, arg any, actx *aggContext) ([]bson.D, error) {
	if !actx.v.allowSideEffects() {
		return nil, mongoerrors.NewNotImplemented("$merge is not supported in a transaction")
	}

	db := actx.db
	var collName string
	switch t := arg.(type) {
	case string:
		collName = t
	case bson.D:
		intoV, _ := bsonutil.Lookup(t, "into")
		switch into := intoV.(type) {
		case string:
			collName = into
		case bson.D:
			if v, ok := bsonutil.Lookup(into, "db"); ok {
				if s, ok := bsonutil.AsString(v); ok {
					db = s
				}
			}
			cv, _ := bsonutil.Lookup(into, "coll")
			s, ok := bsonutil.AsString(cv)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("$merge 'into.coll' must be a string")
			}
			collName = s
		default:
			return nil, mongoerrors.NewTypeMismatch("$merge 'into' must be a string or a document")
		}
		for _, e := range t {
			switch e.Key {
			case "into":
			case "on", "whenMatched", "whenNotMatched", "let":
				// defaults only: on _id, whenMatched merge, whenNotMatched insert
				if !isDefaultMergeOption(e.Key, e.Value) {
					return nil, mongoerrors.NewNotImplemented("$merge option %q", e.Key)
				}
			default:
				return nil, mongoerrors.NewBadValue("unknown $merge option %q", e.Key)
			}
		}
	default:
		return nil, mongoerrors.NewTypeMismatch("$merge requires a string or a document")
	}

	ns := Namespace{db, collName}
	target := actx.v.write(ns)
	ver := actx.v.version()

	for _, doc := range docs {
		doc = ensureID(bsonutil.Clone(doc))
		idKey, err := idKeyOf(doc)
		if err != nil {
			return nil, err
		}
		if pos, ok := target.byID[idKey]; ok {
			// merge into the existing document, preserving untouched fields
			merged := bsonutil.Clone(target.docs[pos])
			for _, e := range doc {
				merged = bsonutil.Set(merged, e.Key, e.Value)
			}
			if _, err := target.replaceAt(pos, merged, ver); err != nil {
				return nil, err
			}
		} else {
			if _, err := target.insertOne(doc, ver); err != nil {
				return nil, err
			}
		}
		actx.v.recordWrite(ns, idKey)
	}
	return nil, nil
}

func isDefaultMergeOption(key string, v any) bool {
	switch key {
	case "on":
		if s, ok := v.(string); ok {
			return s == "_id"
		}
		return false
	case "whenMatched":
		s, ok := v.(string)
		return ok && s == "merge"
	case "whenNotMatched":
		s, ok := v.(string)
		return ok && s == "insert"
	default:
		return false
	}
}
