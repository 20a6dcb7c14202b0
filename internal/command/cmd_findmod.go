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

var findAndModifyOptions = map[string]struct{}{
	"query": {}, "sort": {}, "update": {}, "remove": {}, "new": {},
	"upsert": {}, "fields": {}, "arrayFilters": {}, "collation": {},
	"bypassDocumentValidation": {}, "let": {},
	// findOneAndUpdate/findOneAndReplace spellings
	"filter": {}, "replacement": {}, "projection": {}, "returnDocument": {},
	"returnNewDocument": {},
}

// handleFindAndModify serves findAndModify and, through thin wrappers, the
// findOneAndUpdate/findOneAndReplace spellings drivers and test suites use.
func handleFindAndModify(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, findAndModifyOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	var op engine.FindAndModifyOp

	if op.Filter, err = optionalDoc(req.Doc, "query"); err != nil {
		return nil, err
	}
	if op.Filter == nil {
		if op.Filter, err = optionalDoc(req.Doc, "filter"); err != nil {
			return nil, err
		}
	}
	if op.Sort, err = optionalDoc(req.Doc, "sort"); err != nil {
		return nil, err
	}
	if op.Fields, err = optionalDoc(req.Doc, "fields"); err != nil {
		return nil, err
	}
	if op.Fields == nil {
		if op.Fields, err = optionalDoc(req.Doc, "projection"); err != nil {
			return nil, err
		}
	}
	if op.Collation, err = optionalDoc(req.Doc, "collation"); err != nil {
		return nil, err
	}

	if v, ok := bsonutil.Lookup(req.Doc, "remove"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'remove' must be a boolean")
		}
		op.Remove = b
	}
	if v, ok := bsonutil.Lookup(req.Doc, "new"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'new' must be a boolean")
		}
		op.New = b
	}
	if v, ok := bsonutil.Lookup(req.Doc, "returnNewDocument"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'returnNewDocument' must be a boolean")
		}
		op.New = b
	}
	if v, ok := bsonutil.Lookup(req.Doc, "returnDocument"); ok {
		s, ok := bsonutil.AsString(v)
		if !ok || (s != "before" && s != "after") {
			return nil, mongoerrors.NewBadValue("'returnDocument' must be 'before' or 'after'")
		}
		op.New = s == "after"
	}
	if v, ok := bsonutil.Lookup(req.Doc, "upsert"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'upsert' must be a boolean")
		}
		op.Upsert = b
	}

	updateV, hasUpdate := bsonutil.Lookup(req.Doc, "update")
	if !hasUpdate {
		updateV, hasUpdate = bsonutil.Lookup(req.Doc, "replacement")
		if hasUpdate {
			d, ok := bsonutil.AsDocument(updateV)
			if !ok || hasModifier(d) {
				return nil, mongoerrors.NewBadValue("replacement document must not contain update operators")
			}
		}
	}
	switch {
	case op.Remove && hasUpdate:
		return nil, mongoerrors.NewBadValue("cannot specify both 'update' and 'remove'")
	case !op.Remove && !hasUpdate:
		return nil, mongoerrors.NewBadValue("either 'update' or 'remove' is required")
	case hasUpdate:
		d, ok := bsonutil.AsDocument(updateV)
		if !ok {
			return nil, mongoerrors.NewNotImplemented("pipeline updates in 'update'")
		}
		op.Update = d
	}

	if afV, ok := bsonutil.Lookup(req.Doc, "arrayFilters"); ok {
		arr, ok := bsonutil.AsArray(afV)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'arrayFilters' must be an array")
		}
		for _, f := range arr {
			d, ok := bsonutil.AsDocument(f)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("'arrayFilters' entries must be documents")
			}
			op.ArrayFilters = append(op.ArrayFilters, d)
		}
	}

	res, err := req.Store.FindAndModify(req.DB, coll, op)
	if err != nil {
		return nil, err
	}

	leo := bson.D{{Key: "n", Value: int32(res.N)}}
	if res.IsUpdate {
		leo = append(leo, bson.E{Key: "updatedExisting", Value: res.UpdatedExisting})
	}
	if res.UpsertedID != nil {
		leo = append(leo, bson.E{Key: "upserted", Value: res.UpsertedID})
	}

	var value any = bson.Null{}
	if res.Value != nil {
		value = res.Value
	}

	return bson.D{
		{Key: "lastErrorObject", Value: leo},
		{Key: "value", Value: value},
	}, nil
}

func handleFindOneAndUpdate(req *Request) (bson.D, error) {
	return handleFindAndModify(req)
}

func handleFindOneAndReplace(req *Request) (bson.D, error) {
	return handleFindAndModify(req)
}
