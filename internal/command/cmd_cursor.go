// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/cursor"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// cursorResponse slices the first batch off a result sequence, registering a
// cursor for the remainder. Cursors opened inside a transaction are bound to
// the session.
func (r *Request) cursorResponse(coll string, docs []bson.D, batchSize int32, singleBatch bool, batchName string) bson.D {
	ns := r.DB + "." + coll

	n := int(batchSize)
	if n <= 0 {
		n = cursor.DefaultBatchSize
	}

	var id int64
	first := docs
	if len(docs) > n {
		first = docs[:n]
		if !singleBatch {
			sessionID := ""
			if r.InTxn {
				sessionID = r.SessionID
			}
			id = r.d.Cursors.Create(ns, sessionID, docs[n:])
		}
	}

	batch := make(bson.A, 0, len(first))
	for _, doc := range first {
		batch = append(batch, doc)
	}

	return bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: id},
			{Key: "ns", Value: ns},
			{Key: batchName, Value: batch},
		}},
	}
}

var aggregateOptions = map[string]struct{}{
	"pipeline": {}, "cursor": {}, "collation": {}, "allowDiskUse": {},
	"let": {}, "hint": {},
}

func handleAggregate(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, aggregateOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	pipelineV, ok := bsonutil.Lookup(req.Doc, "pipeline")
	if !ok {
		return nil, mongoerrors.NewBadValue("aggregate requires a 'pipeline' array")
	}
	pipeline, ok := bsonutil.AsArray(pipelineV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'pipeline' must be an array")
	}

	collation, err := optionalDoc(req.Doc, "collation")
	if err != nil {
		return nil, err
	}

	var batchSize int64
	if cursorOpt, err := optionalDoc(req.Doc, "cursor"); err != nil {
		return nil, err
	} else if cursorOpt != nil {
		if batchSize, err = optionalNonNegInt(cursorOpt, "batchSize"); err != nil {
			return nil, err
		}
	}

	docs, err := req.Store.Aggregate(req.DB, coll, pipeline, collation)
	if err != nil {
		return nil, err
	}

	return req.cursorResponse(coll, docs, int32(batchSize), false, "firstBatch"), nil
}

var getMoreOptions = map[string]struct{}{
	"collection": {}, "batchSize": {},
}

func handleGetMore(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, getMoreOptions); err != nil {
		return nil, err
	}

	idV, _ := bsonutil.Lookup(req.Doc, "getMore")
	id, ok := idV.(int64)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("getMore requires a 64-bit cursor id")
	}

	collV, _ := bsonutil.Lookup(req.Doc, "collection")
	coll, ok := bsonutil.AsString(collV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'collection' must be a string")
	}

	batchSize, err := optionalNonNegInt(req.Doc, "batchSize")
	if err != nil {
		return nil, err
	}

	sessionID := ""
	if req.InTxn {
		sessionID = req.SessionID
	}
	batch, ns, done, found := req.d.Cursors.Advance(id, sessionID, int32(batchSize))
	if !found {
		return nil, mongoerrors.NewCursorNotFound(id)
	}
	if ns == "" {
		ns = req.DB + "." + coll
	}

	nextID := id
	if done {
		nextID = 0
	}

	arr := make(bson.A, 0, len(batch))
	for _, doc := range batch {
		arr = append(arr, doc)
	}

	return bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: nextID},
			{Key: "ns", Value: ns},
			{Key: "nextBatch", Value: arr},
		}},
	}, nil
}

var killCursorsOptions = map[string]struct{}{
	"cursors": {},
}

func handleKillCursors(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, killCursorsOptions); err != nil {
		return nil, err
	}

	cursorsV, ok := bsonutil.Lookup(req.Doc, "cursors")
	if !ok {
		return nil, mongoerrors.NewBadValue("killCursors requires a 'cursors' array")
	}
	arr, ok := bsonutil.AsArray(cursorsV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'cursors' must be an array")
	}

	var ids []int64
	var unknown bson.A
	for _, e := range arr {
		if id, ok := e.(int64); ok {
			ids = append(ids, id)
		} else {
			unknown = append(unknown, e)
		}
	}

	killed, notFound := req.d.Cursors.Kill(ids)

	toArray := func(ids []int64) bson.A {
		out := make(bson.A, 0, len(ids))
		for _, id := range ids {
			out = append(out, id)
		}
		return out
	}

	if unknown == nil {
		unknown = bson.A{}
	}
	return bson.D{
		{Key: "cursorsKilled", Value: toArray(killed)},
		{Key: "cursorsNotFound", Value: toArray(notFound)},
		{Key: "cursorsAlive", Value: bson.A{}},
		{Key: "cursorsUnknown", Value: unknown},
	}, nil
}
