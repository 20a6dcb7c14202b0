// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/engine"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

var insertOptions = map[string]struct{}{
	"documents": {}, "ordered": {}, "bypassDocumentValidation": {},
}

func handleInsert(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, insertOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	docsV, ok := bsonutil.Lookup(req.Doc, "documents")
	if !ok {
		return nil, mongoerrors.NewBadValue("insert requires a 'documents' array")
	}
	arr, ok := bsonutil.AsArray(docsV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'documents' must be an array")
	}

	docs := make([]bson.D, 0, len(arr))
	for _, e := range arr {
		doc, ok := bsonutil.AsDocument(e)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'documents' entries must be documents")
		}
		docs = append(docs, doc)
	}

	ordered := true
	if v, ok := bsonutil.Lookup(req.Doc, "ordered"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'ordered' must be a boolean")
		}
		ordered = b
	}

	n, writeErrors := req.Store.Insert(req.DB, coll, docs, ordered)

	resp := bson.D{{Key: "n", Value: int32(n)}}
	if len(writeErrors) > 0 {
		we := mongoerrors.WriteErrors{Errors: writeErrors}
		resp = append(resp, bson.E{Key: "writeErrors", Value: we.Array()})
	}
	return resp, nil
}

var findOptions = map[string]struct{}{
	"filter": {}, "sort": {}, "projection": {}, "skip": {}, "limit": {},
	"batchSize": {}, "singleBatch": {}, "collation": {},
	"allowDiskUse": {},
}

func handleFind(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, findOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	var q engine.Query
	if q.Filter, err = optionalDoc(req.Doc, "filter"); err != nil {
		return nil, err
	}
	if q.Sort, err = optionalDoc(req.Doc, "sort"); err != nil {
		return nil, err
	}
	if q.Projection, err = optionalDoc(req.Doc, "projection"); err != nil {
		return nil, err
	}
	if q.Collation, err = optionalDoc(req.Doc, "collation"); err != nil {
		return nil, err
	}
	if q.Skip, err = optionalNonNegInt(req.Doc, "skip"); err != nil {
		return nil, err
	}
	if q.Limit, err = optionalNonNegInt(req.Doc, "limit"); err != nil {
		return nil, err
	}

	batchSize, err := optionalNonNegInt(req.Doc, "batchSize")
	if err != nil {
		return nil, err
	}
	singleBatch := false
	if v, ok := bsonutil.Lookup(req.Doc, "singleBatch"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'singleBatch' must be a boolean")
		}
		singleBatch = b
	}

	docs, err := req.Store.Find(req.DB, coll, q)
	if err != nil {
		return nil, err
	}

	return req.cursorResponse(coll, docs, int32(batchSize), singleBatch, "firstBatch"), nil
}

var updateCmdOptions = map[string]struct{}{
	"updates": {}, "ordered": {}, "bypassDocumentValidation": {}, "let": {},
}

func handleUpdate(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, updateCmdOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	updatesV, ok := bsonutil.Lookup(req.Doc, "updates")
	if !ok {
		return nil, mongoerrors.NewBadValue("update requires an 'updates' array")
	}
	arr, ok := bsonutil.AsArray(updatesV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'updates' must be an array")
	}

	ops := make([]engine.UpdateOp, 0, len(arr))
	for _, e := range arr {
		stmt, ok := bsonutil.AsDocument(e)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'updates' entries must be documents")
		}
		op, err := parseUpdateStatement(stmt)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	res, err := req.Store.Update(req.DB, coll, ops)
	if err != nil {
		return nil, err
	}

	resp := bson.D{
		{Key: "n", Value: int32(res.Matched + int64(len(res.Upserted)))},
		{Key: "nModified", Value: int32(res.Modified)},
	}
	if len(res.Upserted) > 0 {
		arr := make(bson.A, 0, len(res.Upserted))
		for _, u := range res.Upserted {
			arr = append(arr, bson.D{
				{Key: "index", Value: u.Index},
				{Key: "_id", Value: u.ID},
			})
		}
		resp = append(resp, bson.E{Key: "upserted", Value: arr})
	}
	return resp, nil
}

func parseUpdateStatement(stmt bson.D) (engine.UpdateOp, error) {
	var op engine.UpdateOp
	for _, e := range stmt {
		switch e.Key {
		case "q":
			d, ok := bsonutil.AsDocument(e.Value)
			if !ok {
				return op, mongoerrors.NewTypeMismatch("update filter 'q' must be a document")
			}
			op.Filter = d
		case "u":
			d, ok := bsonutil.AsDocument(e.Value)
			if !ok {
				return op, mongoerrors.NewNotImplemented("pipeline updates in 'u'")
			}
			op.Update = d
		case "multi":
			b, ok := bsonutil.AsBool(e.Value)
			if !ok {
				return op, mongoerrors.NewTypeMismatch("'multi' must be a boolean")
			}
			op.Multi = b
		case "upsert":
			b, ok := bsonutil.AsBool(e.Value)
			if !ok {
				return op, mongoerrors.NewTypeMismatch("'upsert' must be a boolean")
			}
			op.Upsert = b
		case "arrayFilters":
			arr, ok := bsonutil.AsArray(e.Value)
			if !ok {
				return op, mongoerrors.NewTypeMismatch("'arrayFilters' must be an array")
			}
			for _, f := range arr {
				d, ok := bsonutil.AsDocument(f)
				if !ok {
					return op, mongoerrors.NewTypeMismatch("'arrayFilters' entries must be documents")
				}
				op.ArrayFilters = append(op.ArrayFilters, d)
			}
		case "collation":
			d, ok := bsonutil.AsDocument(e.Value)
			if !ok {
				return op, mongoerrors.NewTypeMismatch("'collation' must be a document")
			}
			op.Collation = d
		case "hint":
			return op, mongoerrors.NewNotImplemented("update option %q", e.Key)
		default:
			return op, mongoerrors.NewBadValue("unknown update statement field %q", e.Key)
		}
	}
	if op.Filter == nil {
		return op, mongoerrors.NewBadValue("update statement requires 'q'")
	}
	if op.Update == nil {
		return op, mongoerrors.NewBadValue("update statement requires 'u'")
	}
	return op, nil
}

var deleteCmdOptions = map[string]struct{}{
	"deletes": {}, "ordered": {}, "let": {},
}

func handleDelete(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, deleteCmdOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	deletesV, ok := bsonutil.Lookup(req.Doc, "deletes")
	if !ok {
		return nil, mongoerrors.NewBadValue("delete requires a 'deletes' array")
	}
	arr, ok := bsonutil.AsArray(deletesV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'deletes' must be an array")
	}

	ops := make([]engine.DeleteOp, 0, len(arr))
	for _, e := range arr {
		stmt, ok := bsonutil.AsDocument(e)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'deletes' entries must be documents")
		}
		var op engine.DeleteOp
		limitSeen := false
		for _, f := range stmt {
			switch f.Key {
			case "q":
				d, ok := bsonutil.AsDocument(f.Value)
				if !ok {
					return nil, mongoerrors.NewTypeMismatch("delete filter 'q' must be a document")
				}
				op.Filter = d
			case "limit":
				n, ok := bsonutil.AsInt64(f.Value)
				if !ok || (n != 0 && n != 1) {
					return nil, mongoerrors.NewBadValue("delete 'limit' must be 0 or 1")
				}
				op.Limit = n
				limitSeen = true
			case "collation":
				d, ok := bsonutil.AsDocument(f.Value)
				if !ok {
					return nil, mongoerrors.NewTypeMismatch("'collation' must be a document")
				}
				op.Collation = d
			case "hint":
				return nil, mongoerrors.NewNotImplemented("delete option %q", f.Key)
			default:
				return nil, mongoerrors.NewBadValue("unknown delete statement field %q", f.Key)
			}
		}
		if op.Filter == nil {
			return nil, mongoerrors.NewBadValue("delete statement requires 'q'")
		}
		if !limitSeen {
			return nil, mongoerrors.NewBadValue("delete statement requires 'limit'")
		}
		ops = append(ops, op)
	}

	n, err := req.Store.Delete(req.DB, coll, ops)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "n", Value: int32(n)}}, nil
}

var countOptions = map[string]struct{}{
	"query": {}, "filter": {}, "collation": {}, "limit": {}, "skip": {},
}

// handleCount serves countDocuments and its count alias; the response
// carries the total as both n and count, as 64-bit values.
func handleCount(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, countOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	filter, err := optionalDoc(req.Doc, "query")
	if err != nil {
		return nil, err
	}
	if filter == nil {
		if filter, err = optionalDoc(req.Doc, "filter"); err != nil {
			return nil, err
		}
	}
	collation, err := optionalDoc(req.Doc, "collation")
	if err != nil {
		return nil, err
	}

	n, err := req.Store.Count(req.DB, coll, filter, collation)
	if err != nil {
		return nil, err
	}
	return bson.D{
		{Key: "n", Value: n},
		{Key: "count", Value: n},
	}, nil
}

var replaceOneOptions = map[string]struct{}{
	"filter": {}, "replacement": {}, "upsert": {}, "collation": {},
}

// handleReplaceOne is the single-statement replacement form: it rejects
// modifier updates in 'replacement' and reuses the update machinery.
func handleReplaceOne(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, replaceOneOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	filter, err := requiredDoc(req.Doc, "filter")
	if err != nil {
		return nil, err
	}
	replacement, err := requiredDoc(req.Doc, "replacement")
	if err != nil {
		return nil, err
	}
	if hasModifier(replacement) {
		return nil, mongoerrors.NewBadValue("replacement document must not contain update operators")
	}

	op := engine.UpdateOp{Filter: filter, Update: replacement}
	if v, ok := bsonutil.Lookup(req.Doc, "upsert"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'upsert' must be a boolean")
		}
		op.Upsert = b
	}
	if op.Collation, err = optionalDoc(req.Doc, "collation"); err != nil {
		return nil, err
	}

	res, err := req.Store.Update(req.DB, coll, []engine.UpdateOp{op})
	if err != nil {
		return nil, err
	}

	resp := bson.D{
		{Key: "n", Value: int32(res.Matched + int64(len(res.Upserted)))},
		{Key: "nModified", Value: int32(res.Modified)},
	}
	if len(res.Upserted) > 0 {
		resp = append(resp, bson.E{Key: "upserted", Value: bson.A{bson.D{
			{Key: "index", Value: int32(0)},
			{Key: "_id", Value: res.Upserted[0].ID},
		}}})
	}
	return resp, nil
}

func hasModifier(doc bson.D) bool {
	for _, e := range doc {
		if len(e.Key) > 0 && e.Key[0] == '$' {
			return true
		}
	}
	return false
}

func optionalDoc(doc bson.D, key string) (bson.D, error) {
	v, ok := bsonutil.Lookup(doc, key)
	if !ok {
		return nil, nil
	}
	d, ok := bsonutil.AsDocument(v)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'%s' must be a document", key)
	}
	return d, nil
}

func requiredDoc(doc bson.D, key string) (bson.D, error) {
	d, err := optionalDoc(doc, key)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, mongoerrors.NewBadValue("'%s' is required", key)
	}
	return d, nil
}

func optionalNonNegInt(doc bson.D, key string) (int64, error) {
	v, ok := bsonutil.Lookup(doc, key)
	if !ok {
		return 0, nil
	}
	if _, isNull := v.(bson.Null); isNull {
		return 0, nil
	}
	n, ok := bsonutil.AsInt64(v)
	if !ok {
		return 0, mongoerrors.NewTypeMismatch("'%s' must be a number", key)
	}
	if n < 0 {
		return 0, mongoerrors.NewBadValue("'%s' must be non-negative", key)
	}
	return n, nil
}
