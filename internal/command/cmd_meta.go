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

var createIndexesOptions = map[string]struct{}{
	"indexes": {}, "commitQuorum": {},
}

func handleCreateIndexes(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, createIndexesOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	indexesV, ok := bsonutil.Lookup(req.Doc, "indexes")
	if !ok {
		return nil, mongoerrors.NewBadValue("createIndexes requires an 'indexes' array")
	}
	arr, ok := bsonutil.AsArray(indexesV)
	if !ok || len(arr) == 0 {
		return nil, mongoerrors.NewTypeMismatch("'indexes' must be a non-empty array")
	}

	specs := make([]engine.IndexSpec, 0, len(arr))
	for _, e := range arr {
		doc, ok := bsonutil.AsDocument(e)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'indexes' entries must be documents")
		}
		spec, err := engine.ParseIndexSpec(doc)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	res, err := req.Store.CreateIndexes(req.DB, coll, specs)
	if err != nil {
		return nil, err
	}

	resp := bson.D{
		{Key: "numIndexesBefore", Value: res.Before},
		{Key: "numIndexesAfter", Value: res.After},
		{Key: "createdCollectionAutomatically", Value: res.CreatedCollection},
	}
	if res.Before == res.After {
		resp = append(resp, bson.E{Key: "note", Value: "all indexes already exist"})
	}
	return resp, nil
}

var listIndexesOptions = map[string]struct{}{
	"cursor": {},
}

func handleListIndexes(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, listIndexesOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	docs := req.Store.ListIndexes(req.DB, coll)
	return req.cursorResponse("$cmd.listIndexes."+coll, docs, 0, false, "firstBatch"), nil
}

var listCollectionsOptions = map[string]struct{}{
	"filter": {}, "cursor": {}, "nameOnly": {}, "authorizedCollections": {},
}

func handleListCollections(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, listCollectionsOptions); err != nil {
		return nil, err
	}

	filter, err := optionalDoc(req.Doc, "filter")
	if err != nil {
		return nil, err
	}

	docs, err := req.Store.ListCollections(req.DB, filter)
	if err != nil {
		return nil, err
	}

	nameOnly := false
	if v, ok := bsonutil.Lookup(req.Doc, "nameOnly"); ok {
		nameOnly, _ = bsonutil.AsBool(v)
	}
	if nameOnly {
		trimmed := make([]bson.D, 0, len(docs))
		for _, d := range docs {
			name, _ := bsonutil.Lookup(d, "name")
			typ, _ := bsonutil.Lookup(d, "type")
			trimmed = append(trimmed, bson.D{
				{Key: "name", Value: name},
				{Key: "type", Value: typ},
			})
		}
		docs = trimmed
	}

	return req.cursorResponse("$cmd.listCollections", docs, 0, false, "firstBatch"), nil
}

var dropOptions = map[string]struct{}{}

func handleDrop(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, dropOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	if !req.Store.Drop(req.DB, coll) {
		if req.InTxn {
			return nil, mongoerrors.NewNotImplemented("drop inside a transaction")
		}
		return nil, mongoerrors.NewBadValue("ns not found")
	}
	return bson.D{{Key: "ns", Value: req.DB + "." + coll}}, nil
}

var dropDatabaseOptions = map[string]struct{}{}

func handleDropDatabase(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, dropDatabaseOptions); err != nil {
		return nil, err
	}
	if req.InTxn {
		return nil, mongoerrors.NewNotImplemented("dropDatabase inside a transaction")
	}
	req.Store.DropDatabase(req.DB)
	return bson.D{{Key: "dropped", Value: req.DB}}, nil
}
