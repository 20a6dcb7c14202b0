// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// view is the storage surface operations run against. The global engine and
// transaction snapshots both provide one; operations never know which.
type view interface {
	// read returns the collection or nil.
	read(ns Namespace) *Collection

	// write returns the collection, creating it when absent.
	write(ns Namespace) *Collection

	// install replaces the collection wholesale (staged writes).
	install(ns Namespace, c *Collection)

	// drop removes the collection, reporting whether it existed.
	drop(ns Namespace) bool

	// dropDatabase removes every collection of db.
	dropDatabase(db string) bool

	// collections lists the collections of db in creation order.
	collections(db string) []*Collection

	// version returns the write version stamped on this operation.
	version() uint64

	// recordWrite notes a document-level write for conflict tracking.
	recordWrite(ns Namespace, idKey string)

	// shuffle permutes n elements with the engine's seeded RNG ($sample).
	shuffle(n int, swap func(i, j int))

	// allowSideEffects reports whether $out/$merge may run; snapshots
	// refuse them.
	allowSideEffects() bool
}

// opInsert inserts docs, collecting per-document write errors. With
// ordered=true the first failure stops the batch.
func opInsert(v view, ns Namespace, docs []bson.D, ordered bool) (int64, []mongoerrors.WriteError) {
	c := v.write(ns)
	ver := v.version()

	var n int64
	var writeErrors []mongoerrors.WriteError
	for i, doc := range docs {
		doc = ensureID(bsonutil.Clone(doc))
		idKey, err := c.insertOne(doc, ver)
		if err != nil {
			var we mongoerrors.WriteErrors
			we.Append(int32(i), err)
			writeErrors = append(writeErrors, we.Errors...)
			if ordered {
				break
			}
			continue
		}
		v.recordWrite(ns, idKey)
		n++
	}
	return n, writeErrors
}

// opFind runs a find query and returns the materialized result sequence.
func opFind(v view, ns Namespace, q Query) ([]bson.D, error) {
	coll, err := parseCollation(q.Collation)
	if err != nil {
		return nil, err
	}

	c := v.read(ns)
	if c == nil {
		return nil, nil
	}

	var out []bson.D
	for _, doc := range c.docs {
		m, err := matches(doc, q.Filter, coll)
		if err != nil {
			return nil, err
		}
		if m {
			out = append(out, doc)
		}
	}

	if len(q.Sort) > 0 {
		out = append([]bson.D{}, out...)
		if err := sortDocs(out, q.Sort, coll); err != nil {
			return nil, err
		}
	}

	if q.Skip > 0 {
		if q.Skip >= int64(len(out)) {
			out = nil
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}

	projected := make([]bson.D, 0, len(out))
	for _, doc := range out {
		p, err := projectDoc(bsonutil.Clone(doc), q.Projection)
		if err != nil {
			return nil, err
		}
		projected = append(projected, p)
	}
	return projected, nil
}

// opCount counts filter matches.
func opCount(v view, ns Namespace, filter bson.D, collationDoc bson.D) (int64, error) {
	coll, err := parseCollation(collationDoc)
	if err != nil {
		return 0, err
	}
	c := v.read(ns)
	if c == nil {
		return 0, nil
	}
	var n int64
	for _, doc := range c.docs {
		m, err := matches(doc, filter, coll)
		if err != nil {
			return 0, err
		}
		if m {
			n++
		}
	}
	return n, nil
}

// UpdateOp is a single update statement.
type UpdateOp struct {
	Filter       bson.D
	Update       bson.D
	Multi        bool
	Upsert       bool
	ArrayFilters []bson.D
	Collation    bson.D
}

// UpsertedID pairs a statement index with the _id an upsert inserted.
type UpsertedID struct {
	Index int32
	ID    any
}

// UpdateResult aggregates matched/modified counts and upserts.
type UpdateResult struct {
	Matched  int64
	Modified int64
	Upserted []UpsertedID
}

// opUpdate applies update statements. Each statement is atomic: it stages
// its writes on a cloned collection and installs the clone only on success.
func opUpdate(v view, ns Namespace, ops []UpdateOp) (*UpdateResult, error) {
	res := &UpdateResult{}

	for i, op := range ops {
		coll, err := parseCollation(op.Collation)
		if err != nil {
			return nil, err
		}
		ctx, err := newUpdateContext(op.Filter, op.ArrayFilters, coll)
		if err != nil {
			return nil, err
		}

		base := v.read(ns)
		var work *Collection
		if base != nil {
			work = base.clone()
		} else {
			work = newCollection(ns)
		}
		ver := v.version()

		var written []string
		matchedAny := false
		for pos := 0; pos < len(work.docs); pos++ {
			doc := work.docs[pos]
			m, err := matches(doc, op.Filter, coll)
			if err != nil {
				return nil, err
			}
			if !m {
				continue
			}
			matchedAny = true
			res.Matched++

			updated, changed, err := applyUpdate(doc, op.Update, ctx)
			if err != nil {
				return nil, err
			}
			if changed {
				idKey, err := work.replaceAt(pos, updated, ver)
				if err != nil {
					return nil, err
				}
				written = append(written, idKey)
				res.Modified++
			}
			if !op.Multi {
				break
			}
		}

		if !matchedAny && op.Upsert {
			doc, err := upsertDocument(op.Filter, op.Update, ctx)
			if err != nil {
				return nil, err
			}
			idKey, err := work.insertOne(doc, ver)
			if err != nil {
				return nil, err
			}
			written = append(written, idKey)
			id, _ := bsonutil.Lookup(doc, "_id")
			res.Upserted = append(res.Upserted, UpsertedID{Index: int32(i), ID: id})
		}

		if len(written) > 0 {
			v.install(ns, work)
			for _, idKey := range written {
				v.recordWrite(ns, idKey)
			}
		}
	}

	return res, nil
}

func newUpdateContext(filter bson.D, arrayFilters []bson.D, coll *collation) (*updateContext, error) {
	ctx := &updateContext{filter: filter, coll: coll}
	if len(arrayFilters) > 0 {
		ctx.arrayFilters = make(map[string]bson.D, len(arrayFilters))
		for _, af := range arrayFilters {
			if len(af) == 0 {
				return nil, mongoerrors.NewBadValue("array filter cannot be empty")
			}
			ident := identifierOf(af[0].Key)
			if ident == "" {
				return nil, mongoerrors.NewBadValue("array filter identifier cannot be empty")
			}
			if _, dup := ctx.arrayFilters[ident]; dup {
				return nil, mongoerrors.NewBadValue("found multiple array filters with the same top-level field name %s", ident)
			}
			ctx.arrayFilters[ident] = af
		}
	}
	return ctx, nil
}

func identifierOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i]
		}
	}
	return key
}

// DeleteOp is a single delete statement; Limit 0 removes all matches,
// Limit 1 at most one.
type DeleteOp struct {
	Filter    bson.D
	Limit     int64
	Collation bson.D
}

// opDelete applies delete statements and returns the removed count.
func opDelete(v view, ns Namespace, ops []DeleteOp) (int64, error) {
	var n int64
	for _, op := range ops {
		coll, err := parseCollation(op.Collation)
		if err != nil {
			return 0, err
		}
		if v.read(ns) == nil {
			continue
		}
		c := v.write(ns)
		ver := v.version()

		for pos := 0; pos < len(c.docs); {
			m, err := matches(c.docs[pos], op.Filter, coll)
			if err != nil {
				return 0, err
			}
			if !m {
				pos++
				continue
			}
			idKey := c.deleteAt(pos, ver)
			v.recordWrite(ns, idKey)
			n++
			if op.Limit == 1 {
				break
			}
		}
	}
	return n, nil
}

// FindAndModifyOp is a validated findAndModify request.
type FindAndModifyOp struct {
	Filter       bson.D
	Sort         bson.D
	Update       bson.D
	Remove       bool
	New          bool
	Upsert       bool
	Fields       bson.D
	ArrayFilters []bson.D
	Collation    bson.D
}

// FindAndModifyResult carries the lastErrorObject pieces and the returned
// document (nil renders as null).
type FindAndModifyResult struct {
	N               int64
	UpdatedExisting bool
	IsUpdate        bool
	UpsertedID      any
	Value           bson.D
}

// opFindAndModify atomically selects one document (by filter and sort) and
// updates, replaces, or removes it.
func opFindAndModify(v view, ns Namespace, op FindAndModifyOp) (*FindAndModifyResult, error) {
	coll, err := parseCollation(op.Collation)
	if err != nil {
		return nil, err
	}
	ctx, err := newUpdateContext(op.Filter, op.ArrayFilters, coll)
	if err != nil {
		return nil, err
	}

	res := &FindAndModifyResult{IsUpdate: !op.Remove}

	base := v.read(ns)
	var work *Collection
	if base != nil {
		work = base.clone()
	} else {
		work = newCollection(ns)
	}

	// select the first match, honoring sort
	selected := -1
	if len(op.Sort) > 0 {
		docs := append([]bson.D{}, work.docs...)
		if err := sortDocs(docs, op.Sort, coll); err != nil {
			return nil, err
		}
		for _, doc := range docs {
			m, err := matches(doc, op.Filter, coll)
			if err != nil {
				return nil, err
			}
			if m {
				idKey, _ := idKeyOf(doc)
				selected = work.byID[idKey]
				break
			}
		}
	} else {
		for i, doc := range work.docs {
			m, err := matches(doc, op.Filter, coll)
			if err != nil {
				return nil, err
			}
			if m {
				selected = i
				break
			}
		}
	}

	ver := v.version()

	if selected < 0 {
		if op.Remove || !op.Upsert {
			return res, nil
		}
		doc, err := upsertDocument(op.Filter, op.Update, ctx)
		if err != nil {
			return nil, err
		}
		idKey, err := work.insertOne(doc, ver)
		if err != nil {
			return nil, err
		}
		v.install(ns, work)
		v.recordWrite(ns, idKey)
		res.N = 1
		res.UpsertedID, _ = bsonutil.Lookup(doc, "_id")
		if op.New {
			res.Value, err = projectDoc(bsonutil.Clone(doc), op.Fields)
			if err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	before := work.docs[selected]
	res.N = 1

	if op.Remove {
		idKey := work.deleteAt(selected, ver)
		v.install(ns, work)
		v.recordWrite(ns, idKey)
		res.Value, err = projectDoc(bsonutil.Clone(before), op.Fields)
		return res, err
	}

	updated, changed, err := applyUpdate(before, op.Update, ctx)
	if err != nil {
		return nil, err
	}
	res.UpdatedExisting = true

	returned := before
	if op.New {
		returned = updated
	}
	res.Value, err = projectDoc(bsonutil.Clone(returned), op.Fields)
	if err != nil {
		return nil, err
	}

	if changed {
		idKey, err := work.replaceAt(selected, updated, ver)
		if err != nil {
			return nil, err
		}
		v.install(ns, work)
		v.recordWrite(ns, idKey)
	}
	return res, nil
}

// CreateIndexesResult mirrors the createIndexes response fields.
type CreateIndexesResult struct {
	Before            int32
	After             int32
	CreatedCollection bool
}

// opCreateIndexes installs indexes idempotently: an existing index with the
// same name and key spec is a no-op, the same name with a different key is
// rejected.
func opCreateIndexes(v view, ns Namespace, specs []IndexSpec) (*CreateIndexesResult, error) {
	existed := v.read(ns) != nil
	c := v.write(ns)

	res := &CreateIndexesResult{
		Before:            int32(len(c.indexes)),
		CreatedCollection: !existed,
	}

	for _, spec := range specs {
		if cur := c.indexByName(spec.Name); cur != nil {
			if cur.sameKeySpec(spec.Key) {
				continue
			}
			return nil, mongoerrors.NewBadValue(
				"an index named %q already exists with a different key spec", spec.Name)
		}
		ix, err := spec.build()
		if err != nil {
			return nil, err
		}
		if err := c.addIndex(ix); err != nil {
			return nil, err
		}
	}

	res.After = int32(len(c.indexes))
	return res, nil
}

// opListIndexes lists the index catalog. A missing namespace yields an empty
// list.
func opListIndexes(v view, ns Namespace) []bson.D {
	c := v.read(ns)
	if c == nil {
		return nil
	}
	out := make([]bson.D, 0, len(c.indexes))
	for _, ix := range c.indexes {
		out = append(out, ix.Document())
	}
	return out
}

// opListCollections lists the database's collections, optionally filtered.
func opListCollections(v view, db string, filter bson.D) ([]bson.D, error) {
	var out []bson.D
	for _, c := range v.collections(db) {
		idIx := c.indexByName("_id_")
		entry := bson.D{
			{Key: "name", Value: c.ns.Coll},
			{Key: "type", Value: "collection"},
			{Key: "options", Value: bson.D{}},
			{Key: "info", Value: bson.D{{Key: "readOnly", Value: false}}},
		}
		if idIx != nil {
			entry = append(entry, bson.E{Key: "idIndex", Value: idIx.Document()})
		}
		if len(filter) > 0 {
			m, err := matches(entry, filter, nil)
			if err != nil {
				return nil, err
			}
			if !m {
				continue
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
