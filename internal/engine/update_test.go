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

func applyForTest(t *testing.T, doc, update bson.D, ctx *updateContext) (bson.D, bool) {
	t.Helper()
	if ctx == nil {
		ctx = &updateContext{}
	}
	out, changed, err := applyUpdate(doc, update, ctx)
	require.NoError(t, err)
	return out, changed
}

func TestApplyUpdateModifiers(t *testing.T) {
	t.Run("set new and existing", func(t *testing.T) {
		doc := bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: int32(1)}}
		out, changed := applyForTest(t, doc, bson.D{{Key: "$set", Value: bson.D{
			{Key: "a", Value: int32(2)},
			{Key: "b.c", Value: "x"},
		}}}, nil)
		assert.True(t, changed)
		a, _ := bsonutil.Lookup(out, "a")
		assert.Equal(t, int32(2), a)
		v, ok := lookupPath(out, "b.c")
		require.True(t, ok)
		assert.Equal(t, "x", v)
	})

	t.Run("set identical value is a no-op", func(t *testing.T) {
		doc := bson.D{{Key: "a", Value: int32(1)}}
		_, changed := applyForTest(t, doc, bson.D{{Key: "$set", Value: bson.D{{Key: "a", Value: int32(1)}}}}, nil)
		assert.False(t, changed)
	})

	t.Run("unset", func(t *testing.T) {
		doc := bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}}
		out, changed := applyForTest(t, doc, bson.D{{Key: "$unset", Value: bson.D{{Key: "a", Value: ""}}}}, nil)
		assert.True(t, changed)
		assert.False(t, bsonutil.Has(out, "a"))
		assert.True(t, bsonutil.Has(out, "b"))
	})

	t.Run("inc creates missing as zero", func(t *testing.T) {
		doc := bson.D{}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(5)}}}}, nil)
		n, _ := bsonutil.Lookup(out, "n")
		assert.Equal(t, int32(5), n)
	})

	t.Run("inc non-numeric target fails", func(t *testing.T) {
		doc := bson.D{{Key: "n", Value: "x"}}
		_, _, err := applyUpdate(doc, bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(1)}}}}, &updateContext{})
		require.Error(t, err)
	})

	t.Run("mul", func(t *testing.T) {
		doc := bson.D{{Key: "n", Value: int32(6)}}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$mul", Value: bson.D{{Key: "n", Value: int32(7)}}}}, nil)
		n, _ := bsonutil.Lookup(out, "n")
		assert.Equal(t, int32(42), n)
	})

	t.Run("min max", func(t *testing.T) {
		doc := bson.D{{Key: "lo", Value: int32(5)}, {Key: "hi", Value: int32(5)}}
		out, _ := applyForTest(t, doc, bson.D{
			{Key: "$min", Value: bson.D{{Key: "lo", Value: int32(3)}}},
			{Key: "$max", Value: bson.D{{Key: "hi", Value: int32(9)}}},
		}, nil)
		lo, _ := bsonutil.Lookup(out, "lo")
		hi, _ := bsonutil.Lookup(out, "hi")
		assert.Equal(t, int32(3), lo)
		assert.Equal(t, int32(9), hi)
	})

	t.Run("rename", func(t *testing.T) {
		doc := bson.D{{Key: "old", Value: "v"}}
		out, changed := applyForTest(t, doc, bson.D{{Key: "$rename", Value: bson.D{{Key: "old", Value: "new"}}}}, nil)
		assert.True(t, changed)
		assert.False(t, bsonutil.Has(out, "old"))
		v, _ := bsonutil.Lookup(out, "new")
		assert.Equal(t, "v", v)
	})

	t.Run("currentDate", func(t *testing.T) {
		doc := bson.D{}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$currentDate", Value: bson.D{{Key: "ts", Value: true}}}}, nil)
		v, _ := bsonutil.Lookup(out, "ts")
		_, isDate := v.(bson.DateTime)
		assert.True(t, isDate)
	})

	t.Run("push with each slice sort", func(t *testing.T) {
		doc := bson.D{{Key: "scores", Value: bson.A{int32(40), int32(60)}}}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$push", Value: bson.D{{Key: "scores", Value: bson.D{
			{Key: "$each", Value: bson.A{int32(50), int32(70)}},
			{Key: "$sort", Value: int32(-1)},
			{Key: "$slice", Value: int32(3)},
		}}}}}, nil)
		v, _ := bsonutil.Lookup(out, "scores")
		assert.Equal(t, bson.A{int32(70), int32(60), int32(50)}, v)
	})

	t.Run("push position", func(t *testing.T) {
		doc := bson.D{{Key: "a", Value: bson.A{int32(1), int32(4)}}}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$push", Value: bson.D{{Key: "a", Value: bson.D{
			{Key: "$each", Value: bson.A{int32(2), int32(3)}},
			{Key: "$position", Value: int32(1)},
		}}}}}, nil)
		v, _ := bsonutil.Lookup(out, "a")
		assert.Equal(t, bson.A{int32(1), int32(2), int32(3), int32(4)}, v)
	})

	t.Run("addToSet dedups", func(t *testing.T) {
		doc := bson.D{{Key: "tags", Value: bson.A{"red"}}}
		out, changed := applyForTest(t, doc, bson.D{{Key: "$addToSet", Value: bson.D{{Key: "tags", Value: bson.D{
			{Key: "$each", Value: bson.A{"red", "blue"}},
		}}}}}, nil)
		assert.True(t, changed)
		v, _ := bsonutil.Lookup(out, "tags")
		assert.Equal(t, bson.A{"red", "blue"}, v)
	})

	t.Run("pull by condition", func(t *testing.T) {
		doc := bson.D{{Key: "n", Value: bson.A{int32(1), int32(5), int32(9)}}}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$pull", Value: bson.D{{Key: "n", Value: bson.D{
			{Key: "$gt", Value: int32(4)},
		}}}}}, nil)
		v, _ := bsonutil.Lookup(out, "n")
		assert.Equal(t, bson.A{int32(1)}, v)
	})

	t.Run("pullAll", func(t *testing.T) {
		doc := bson.D{{Key: "n", Value: bson.A{int32(1), int32(2), int32(3), int32(2)}}}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$pullAll", Value: bson.D{{Key: "n", Value: bson.A{int32(2)}}}}}, nil)
		v, _ := bsonutil.Lookup(out, "n")
		assert.Equal(t, bson.A{int32(1), int32(3)}, v)
	})

	t.Run("pop both ends", func(t *testing.T) {
		doc := bson.D{{Key: "n", Value: bson.A{int32(1), int32(2), int32(3)}}}
		out, _ := applyForTest(t, doc, bson.D{{Key: "$pop", Value: bson.D{{Key: "n", Value: int32(1)}}}}, nil)
		v, _ := bsonutil.Lookup(out, "n")
		assert.Equal(t, bson.A{int32(1), int32(2)}, v)

		out, _ = applyForTest(t, out, bson.D{{Key: "$pop", Value: bson.D{{Key: "n", Value: int32(-1)}}}}, nil)
		v, _ = bsonutil.Lookup(out, "n")
		assert.Equal(t, bson.A{int32(2)}, v)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, _, err := applyUpdate(bson.D{}, bson.D{{Key: "$bit", Value: bson.D{{Key: "a", Value: int32(1)}}}}, &updateContext{})
		require.Error(t, err)
		ce := mongoerrors.AsCommandError(err)
		assert.Equal(t, mongoerrors.CodeNotImplemented, ce.Code)
	})
}

func TestApplyUpdatePositional(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "grades", Value: bson.A{int32(85), int32(80), int32(90)}},
	}
	filter := bson.D{{Key: "grades", Value: bson.D{{Key: "$lte", Value: int32(80)}}}}
	ctx := &updateContext{filter: filter}

	out, changed, err := applyUpdate(doc, bson.D{{Key: "$set", Value: bson.D{
		{Key: "grades.$", Value: int32(82)},
	}}}, ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	v, _ := bsonutil.Lookup(out, "grades")
	assert.Equal(t, bson.A{int32(85), int32(82), int32(90)}, v)
}

func TestApplyUpdateArrayFilters(t *testing.T) {
	doc := bson.D{
		{Key: "grades", Value: bson.A{int32(95), int32(92), int32(90)}},
	}
	ctx, err := newUpdateContext(bson.D{}, []bson.D{
		{{Key: "elem", Value: bson.D{{Key: "$gte", Value: int32(92)}}}},
	}, nil)
	require.NoError(t, err)

	out, changed, err := applyUpdate(doc, bson.D{{Key: "$inc", Value: bson.D{
		{Key: "grades.$[elem]", Value: int32(1)},
	}}}, ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	v, _ := bsonutil.Lookup(out, "grades")
	assert.Equal(t, bson.A{int32(96), int32(93), int32(90)}, v)
}

func TestApplyUpdateReplacement(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: int32(7)}, {Key: "a", Value: int32(1)}}

	out, changed, err := applyUpdate(doc, bson.D{{Key: "b", Value: "fresh"}}, &updateContext{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, cmp.Diff(bson.D{
		{Key: "_id", Value: int32(7)},
		{Key: "b", Value: "fresh"},
	}, out))
}

func TestApplyUpdateIDImmutable(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: int32(7)}}

	_, _, err := applyUpdate(doc, bson.D{{Key: "$set", Value: bson.D{{Key: "_id", Value: int32(8)}}}}, &updateContext{})
	require.Error(t, err)
	assert.Equal(t, mongoerrors.CodeImmutableField, mongoerrors.AsCommandError(err).Code)

	_, _, err = applyUpdate(doc, bson.D{{Key: "_id", Value: int32(8)}, {Key: "x", Value: int32(1)}}, &updateContext{})
	require.Error(t, err)
}

func TestApplyUpdateMixedModifierAndField(t *testing.T) {
	_, _, err := applyUpdate(bson.D{}, bson.D{
		{Key: "$set", Value: bson.D{{Key: "a", Value: int32(1)}}},
		{Key: "b", Value: int32(2)},
	}, &updateContext{})
	require.Error(t, err)
}
