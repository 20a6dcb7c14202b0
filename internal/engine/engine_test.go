// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

func TestInsertThenFindByID(t *testing.T) {
	e := New(nil)
	doc := bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "alpha"}}

	n, errs := e.Insert("app", "users", []bson.D{doc}, true)
	require.Empty(t, errs)
	require.EqualValues(t, 1, n)

	got, err := e.Find("app", "users", Query{Filter: bson.D{{Key: "_id", Value: int32(1)}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, cmp.Diff(doc, got[0]))
}

func TestInsertGeneratesObjectID(t *testing.T) {
	e := New(nil)
	n, errs := e.Insert("app", "users", []bson.D{{{Key: "name", Value: "x"}}}, true)
	require.Empty(t, errs)
	require.EqualValues(t, 1, n)

	got, err := e.Find("app", "users", Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "_id", got[0][0].Key, "_id is generated first in field order")
	_, isOID := got[0][0].Value.(bson.ObjectID)
	assert.True(t, isOID)
}

func TestInsertDuplicateID(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "users", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)
	require.Empty(t, errs)

	_, errs = e.Insert("app", "users", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)
	require.Len(t, errs, 1)
	assert.Equal(t, mongoerrors.CodeDuplicateKey, errs[0].Code)
	assert.Equal(t, "DuplicateKey", errs[0].Name)
}

func TestInsertNumericIDUnification(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "c", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)
	require.Empty(t, errs)

	// 1.0 and 1 are the same _id
	_, errs = e.Insert("app", "c", []bson.D{{{Key: "_id", Value: float64(1)}}}, true)
	require.Len(t, errs, 1)
	assert.Equal(t, mongoerrors.CodeDuplicateKey, errs[0].Code)
}

func TestUniqueIndex(t *testing.T) {
	e := New(nil)

	res, err := e.CreateIndexes("app", "users", []IndexSpec{{
		Name:   "email_1",
		Key:    []IndexKey{{Path: "email"}},
		Unique: true,
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Before)
	assert.EqualValues(t, 2, res.After)
	assert.True(t, res.CreatedCollection)

	_, errs := e.Insert("app", "users", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "email", Value: "a@x"}},
	}, true)
	require.Empty(t, errs)

	_, errs = e.Insert("app", "users", []bson.D{
		{{Key: "_id", Value: int32(2)}, {Key: "email", Value: "a@x"}},
	}, true)
	require.Len(t, errs, 1)
	assert.Equal(t, mongoerrors.CodeDuplicateKey, errs[0].Code)

	got, err := e.Find("app", "users", Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUniqueIndexUpdateConflict(t *testing.T) {
	e := New(nil)
	_, err := e.CreateIndexes("app", "users", []IndexSpec{{
		Name: "email_1", Key: []IndexKey{{Path: "email"}}, Unique: true,
	}})
	require.NoError(t, err)

	_, errs := e.Insert("app", "users", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "email", Value: "a@x"}},
		{{Key: "_id", Value: int32(2)}, {Key: "email", Value: "b@x"}},
	}, true)
	require.Empty(t, errs)

	// updating 2 to collide with 1 fails atomically
	_, err = e.Update("app", "users", []UpdateOp{{
		Filter: bson.D{{Key: "_id", Value: int32(2)}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "email", Value: "a@x"}}}},
	}})
	require.Error(t, err)
	assert.Equal(t, mongoerrors.CodeDuplicateKey, mongoerrors.AsCommandError(err).Code)

	got, err := e.Find("app", "users", Query{Filter: bson.D{{Key: "_id", Value: int32(2)}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	email, _ := bsonutil.Lookup(got[0], "email")
	assert.Equal(t, "b@x", email, "failed update must not partially apply")
}

func TestCreateIndexesIdempotent(t *testing.T) {
	e := New(nil)
	spec := IndexSpec{Name: "email_1", Key: []IndexKey{{Path: "email"}}, Unique: true}

	_, err := e.CreateIndexes("app", "users", []IndexSpec{spec})
	require.NoError(t, err)

	res, err := e.CreateIndexes("app", "users", []IndexSpec{spec})
	require.NoError(t, err)
	assert.Equal(t, res.Before, res.After)

	// same name, different key: rejected
	_, err = e.CreateIndexes("app", "users", []IndexSpec{{
		Name: "email_1", Key: []IndexKey{{Path: "other"}},
	}})
	require.Error(t, err)
}

func TestDeleteLimits(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "c", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "x", Value: int32(1)}},
		{{Key: "_id", Value: int32(2)}, {Key: "x", Value: int32(1)}},
		{{Key: "_id", Value: int32(3)}, {Key: "x", Value: int32(1)}},
	}, true)
	require.Empty(t, errs)

	// limit 1 removes the first match in natural order
	n, err := e.Delete("app", "c", []DeleteOp{{Filter: bson.D{{Key: "x", Value: int32(1)}}, Limit: 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := e.Find("app", "c", Query{})
	require.Len(t, got, 2)
	id, _ := bsonutil.Lookup(got[0], "_id")
	assert.Equal(t, int32(2), id)

	// limit 0 removes all matches
	n, err = e.Delete("app", "c", []DeleteOp{{Filter: bson.D{{Key: "x", Value: int32(1)}}, Limit: 0}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestUpdateUpsert(t *testing.T) {
	e := New(nil)

	res, err := e.Update("app", "c", []UpdateOp{{
		Filter: bson.D{{Key: "_id", Value: int32(5)}, {Key: "status", Value: "new"}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: "active"}}}},
		Upsert: true,
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Matched)
	require.Len(t, res.Upserted, 1)
	assert.Equal(t, int32(5), res.Upserted[0].ID)

	got, _ := e.Find("app", "c", Query{Filter: bson.D{{Key: "_id", Value: int32(5)}}})
	require.Len(t, got, 1)
	status, _ := bsonutil.Lookup(got[0], "status")
	assert.Equal(t, "active", status)
}

func TestFindSortSkipLimitProjection(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "c", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "v", Value: int32(30)}},
		{{Key: "_id", Value: int32(2)}, {Key: "v", Value: int32(10)}},
		{{Key: "_id", Value: int32(3)}, {Key: "v", Value: int32(20)}},
	}, true)
	require.Empty(t, errs)

	got, err := e.Find("app", "c", Query{
		Sort:       bson.D{{Key: "v", Value: int32(1)}},
		Skip:       1,
		Limit:      1,
		Projection: bson.D{{Key: "v", Value: int32(1)}, {Key: "_id", Value: int32(0)}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, cmp.Diff(bson.D{{Key: "v", Value: int32(20)}}, got[0]))
}

func TestFindAndModify(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "c", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "v", Value: int32(1)}},
	}, true)
	require.Empty(t, errs)

	res, err := e.FindAndModify("app", "c", FindAndModifyOp{
		Filter: bson.D{{Key: "_id", Value: int32(1)}},
		Update: bson.D{{Key: "$inc", Value: bson.D{{Key: "v", Value: int32(1)}}}},
		New:    true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.N)
	assert.True(t, res.UpdatedExisting)
	v, _ := bsonutil.Lookup(res.Value, "v")
	assert.Equal(t, int32(2), v)

	// remove returns the document and deletes it
	res, err = e.FindAndModify("app", "c", FindAndModifyOp{
		Filter: bson.D{{Key: "_id", Value: int32(1)}},
		Remove: true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.N)
	require.NotNil(t, res.Value)

	got, _ := e.Find("app", "c", Query{})
	assert.Empty(t, got)
}

func TestListCollectionsAndDrop(t *testing.T) {
	e := New(nil)
	_, _ = e.Insert("app", "one", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)
	_, _ = e.Insert("app", "two", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)

	cols, err := e.ListCollections("app", nil)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	name, _ := bsonutil.Lookup(cols[0], "name")
	assert.Equal(t, "one", name)

	cols, err = e.ListCollections("app", bson.D{{Key: "name", Value: "two"}})
	require.NoError(t, err)
	require.Len(t, cols, 1)

	assert.True(t, e.Drop("app", "one"))
	assert.False(t, e.Drop("app", "one"))

	assert.True(t, e.DropDatabase("app"))
	cols, err = e.ListCollections("app", nil)
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestSnapshotIsolationCommit(t *testing.T) {
	e := New(nil)

	snap := e.NewSnapshot()
	n, errs := snap.Insert("app", "users", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "txn"}},
	}, true)
	require.Empty(t, errs)
	require.EqualValues(t, 1, n)

	// invisible outside the snapshot before publish
	outside, err := e.Find("app", "users", Query{})
	require.NoError(t, err)
	assert.Empty(t, outside)

	// visible through the snapshot
	inside, err := snap.Find("app", "users", Query{})
	require.NoError(t, err)
	assert.Len(t, inside, 1)

	require.NoError(t, snap.Publish())

	outside, err = e.Find("app", "users", Query{})
	require.NoError(t, err)
	assert.Len(t, outside, 1)
}

func TestSnapshotDiscard(t *testing.T) {
	e := New(nil)
	snap := e.NewSnapshot()
	_, errs := snap.Insert("app", "users", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)
	require.Empty(t, errs)

	snap.Discard()

	got, err := e.Find("app", "users", Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSnapshotReadsSeeLiveGlobal(t *testing.T) {
	e := New(nil)
	snap := e.NewSnapshot()

	// a write outside the transaction to an untouched namespace is visible
	// through the snapshot
	_, errs := e.Insert("app", "other", []bson.D{{{Key: "_id", Value: int32(9)}}}, true)
	require.Empty(t, errs)

	got, err := snap.Find("app", "other", Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSnapshotWriteConflict(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "c", []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "v", Value: int32(0)}},
	}, true)
	require.Empty(t, errs)

	snap := e.NewSnapshot()
	_, err := snap.Update("app", "c", []UpdateOp{{
		Filter: bson.D{{Key: "_id", Value: int32(1)}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "v", Value: int32(1)}}}},
	}})
	require.NoError(t, err)

	// concurrent non-transactional write to the same _id after the clone
	_, err = e.Update("app", "c", []UpdateOp{{
		Filter: bson.D{{Key: "_id", Value: int32(1)}},
		Update: bson.D{{Key: "$set", Value: bson.D{{Key: "v", Value: int32(2)}}}},
	}})
	require.NoError(t, err)

	err = snap.Publish()
	require.Error(t, err)
	ce := mongoerrors.AsCommandError(err)
	assert.Equal(t, mongoerrors.CodeWriteConflict, ce.Code)
	assert.True(t, ce.HasLabel(mongoerrors.LabelTransientTransaction))
}

func TestSnapshotCommitPreservesOtherIDs(t *testing.T) {
	e := New(nil)
	_, errs := e.Insert("app", "c", []bson.D{{{Key: "_id", Value: int32(1)}}}, true)
	require.Empty(t, errs)

	snap := e.NewSnapshot()
	_, errs = snap.Insert("app", "c", []bson.D{{{Key: "_id", Value: int32(2)}}}, true)
	require.Empty(t, errs)

	// concurrent write to a different _id in the same namespace survives
	_, errs = e.Insert("app", "c", []bson.D{{{Key: "_id", Value: int32(3)}}}, true)
	require.Empty(t, errs)

	require.NoError(t, snap.Publish())

	got, err := e.Find("app", "c", Query{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCompareCanonicalOrder(t *testing.T) {
	ordered := []any{
		bson.MinKey{},
		bson.Null{},
		int32(1),
		"a",
		bson.D{{Key: "a", Value: int32(1)}},
		bson.A{int32(1)},
		bson.Binary{Subtype: 0, Data: []byte{1}},
		bson.NewObjectID(),
		true,
		bson.DateTime(0),
		bson.Timestamp{T: 1, I: 0},
		bson.Regex{Pattern: "a"},
		bson.MaxKey{},
	}
	for i := 1; i < len(ordered); i++ {
		assert.Negative(t, compareValues(ordered[i-1], ordered[i], nil),
			"expected %v < %v", ordered[i-1], ordered[i])
	}

	// numeric unification across int32/int64/double/decimal
	d128, err := bson.ParseDecimal128("2.5")
	require.NoError(t, err)
	assert.Equal(t, 0, compareValues(int32(2), int64(2), nil))
	assert.Negative(t, compareValues(int64(2), d128, nil))
	assert.Positive(t, compareValues(float64(3), d128, nil))
}
