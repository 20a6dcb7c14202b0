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

var bulkWriteOptions = map[string]struct{}{
	"ops": {}, "ordered": {}, "bypassDocumentValidation": {},
}

// handleBulkWrite executes an ordered batch of insert/update/delete
// operations. Only ordered execution is supported; the first failure halts
// the batch and the counters reflect completed operations only.
func handleBulkWrite(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, bulkWriteOptions); err != nil {
		return nil, err
	}
	coll, err := req.Collection()
	if err != nil {
		return nil, err
	}

	if v, ok := bsonutil.Lookup(req.Doc, "ordered"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("'ordered' must be a boolean")
		}
		if !b {
			return nil, mongoerrors.NewBadValue("bulkWrite supports ordered: true only")
		}
	}

	opsV, ok := bsonutil.Lookup(req.Doc, "ops")
	if !ok {
		return nil, mongoerrors.NewBadValue("bulkWrite requires an 'ops' array")
	}
	arr, ok := bsonutil.AsArray(opsV)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("'ops' must be an array")
	}

	var nInserted, nMatched, nModified, nDeleted, nUpserted int64
	var upserted bson.A
	var writeErrors bson.A

	fail := func(i int, err error) {
		ce := mongoerrors.AsCommandError(err)
		writeErrors = append(writeErrors, bson.D{
			{Key: "index", Value: int32(i)},
			{Key: "code", Value: int32(ce.Code)},
			{Key: "codeName", Value: ce.Name},
			{Key: "errmsg", Value: ce.Message},
		})
	}

loop:
	for i, e := range arr {
		op, ok := bsonutil.AsDocument(e)
		if !ok || len(op) == 0 {
			return nil, mongoerrors.NewTypeMismatch("'ops' entries must be documents")
		}

		switch op[0].Key {
		case "insertOne":
			spec, ok := bsonutil.AsDocument(op[0].Value)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("insertOne must be a document")
			}
			doc, err := requiredDoc(spec, "document")
			if err != nil {
				return nil, err
			}
			n, errs := req.Store.Insert(req.DB, coll, []bson.D{doc}, true)
			nInserted += n
			if len(errs) > 0 {
				fail(i, &mongoerrors.CommandError{
					Code: errs[0].Code, Name: errs[0].Name, Message: errs[0].Message,
				})
				break loop
			}

		case "updateOne", "updateMany", "replaceOne":
			kind := op[0].Key
			spec, ok := bsonutil.AsDocument(op[0].Value)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("%s must be a document", kind)
			}
			filter, err := requiredDoc(spec, "filter")
			if err != nil {
				return nil, err
			}
			var uop engine.UpdateOp
			uop.Filter = filter
			uop.Multi = kind == "updateMany"

			if kind == "replaceOne" {
				repl, err := requiredDoc(spec, "replacement")
				if err != nil {
					return nil, err
				}
				if hasModifier(repl) {
					return nil, mongoerrors.NewBadValue("replacement document must not contain update operators")
				}
				uop.Update = repl
			} else {
				upd, err := requiredDoc(spec, "update")
				if err != nil {
					return nil, err
				}
				if !hasModifier(upd) {
					return nil, mongoerrors.NewBadValue("%s requires an update document with operators", kind)
				}
				uop.Update = upd
			}
			if v, ok := bsonutil.Lookup(spec, "upsert"); ok {
				b, ok := bsonutil.AsBool(v)
				if !ok {
					return nil, mongoerrors.NewTypeMismatch("'upsert' must be a boolean")
				}
				uop.Upsert = b
			}
			if afV, ok := bsonutil.Lookup(spec, "arrayFilters"); ok {
				afArr, ok := bsonutil.AsArray(afV)
				if !ok {
					return nil, mongoerrors.NewTypeMismatch("'arrayFilters' must be an array")
				}
				for _, f := range afArr {
					d, ok := bsonutil.AsDocument(f)
					if !ok {
						return nil, mongoerrors.NewTypeMismatch("'arrayFilters' entries must be documents")
					}
					uop.ArrayFilters = append(uop.ArrayFilters, d)
				}
			}
			if uop.Collation, err = optionalDoc(spec, "collation"); err != nil {
				return nil, err
			}

			res, err := req.Store.Update(req.DB, coll, []engine.UpdateOp{uop})
			if err != nil {
				fail(i, err)
				break loop
			}
			nMatched += res.Matched
			nModified += res.Modified
			if len(res.Upserted) > 0 {
				nUpserted++
				upserted = append(upserted, bson.D{
					{Key: "index", Value: int32(i)},
					{Key: "_id", Value: res.Upserted[0].ID},
				})
			}

		case "deleteOne", "deleteMany":
			spec, ok := bsonutil.AsDocument(op[0].Value)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("%s must be a document", op[0].Key)
			}
			filter, err := requiredDoc(spec, "filter")
			if err != nil {
				return nil, err
			}
			dop := engine.DeleteOp{Filter: filter, Limit: 1}
			if op[0].Key == "deleteMany" {
				dop.Limit = 0
			}
			if dop.Collation, err = optionalDoc(spec, "collation"); err != nil {
				return nil, err
			}
			n, err := req.Store.Delete(req.DB, coll, []engine.DeleteOp{dop})
			if err != nil {
				fail(i, err)
				break loop
			}
			nDeleted += n

		default:
			return nil, mongoerrors.NewNotImplemented("bulkWrite operation %q", op[0].Key)
		}
	}

	resp := bson.D{
		{Key: "nInserted", Value: int32(nInserted)},
		{Key: "nMatched", Value: int32(nMatched)},
		{Key: "nModified", Value: int32(nModified)},
		{Key: "nDeleted", Value: int32(nDeleted)},
		{Key: "nUpserted", Value: int32(nUpserted)},
	}
	if len(upserted) > 0 {
		resp = append(resp, bson.E{Key: "upserted", Value: upserted})
	}
	if len(writeErrors) > 0 {
		resp = append(resp, bson.E{Key: "writeErrors", Value: writeErrors})
	}
	return resp, nil
}
