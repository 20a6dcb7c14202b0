// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestMatcher(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "name", Value: "alpha"},
		{Key: "qty", Value: int32(25)},
		{Key: "tags", Value: bson.A{"red", "blank"}},
		{Key: "dim", Value: bson.D{{Key: "h", Value: int32(14)}, {Key: "w", Value: int32(21)}}},
		{Key: "grades", Value: bson.A{
			bson.D{{Key: "grade", Value: int32(80)}, {Key: "mean", Value: int32(75)}},
			bson.D{{Key: "grade", Value: int32(85)}, {Key: "mean", Value: int32(90)}},
		}},
		{Key: "missingless", Value: bson.Null{}},
	}

	cases := []struct {
		name   string
		filter bson.D
		want   bool
	}{
		{"empty matches", bson.D{}, true},
		{"direct equality", bson.D{{Key: "name", Value: "alpha"}}, true},
		{"direct inequality", bson.D{{Key: "name", Value: "beta"}}, false},
		{"numeric type unification", bson.D{{Key: "qty", Value: float64(25)}}, true},
		{"array element equality", bson.D{{Key: "tags", Value: "red"}}, true},
		{"whole array equality", bson.D{{Key: "tags", Value: bson.A{"red", "blank"}}}, true},
		{"dotted path", bson.D{{Key: "dim.h", Value: int32(14)}}, true},
		{"dotted path into array elements", bson.D{{Key: "grades.grade", Value: int32(85)}}, true},
		{"numeric path component", bson.D{{Key: "tags.1", Value: "blank"}}, true},
		{"eq operator", bson.D{{Key: "qty", Value: bson.D{{Key: "$eq", Value: int32(25)}}}}, true},
		{"ne operator", bson.D{{Key: "qty", Value: bson.D{{Key: "$ne", Value: int32(25)}}}}, false},
		{"gt", bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: int32(20)}}}}, true},
		{"gt cross-type never matches", bson.D{{Key: "name", Value: bson.D{{Key: "$gt", Value: int32(20)}}}}, false},
		{"gte boundary", bson.D{{Key: "qty", Value: bson.D{{Key: "$gte", Value: int32(25)}}}}, true},
		{"lt", bson.D{{Key: "qty", Value: bson.D{{Key: "$lt", Value: int32(25)}}}}, false},
		{"lte", bson.D{{Key: "qty", Value: bson.D{{Key: "$lte", Value: int32(25)}}}}, true},
		{"in", bson.D{{Key: "qty", Value: bson.D{{Key: "$in", Value: bson.A{int32(20), int32(25)}}}}}, true},
		{"in with array element", bson.D{{Key: "tags", Value: bson.D{{Key: "$in", Value: bson.A{"red"}}}}}, true},
		{"nin", bson.D{{Key: "qty", Value: bson.D{{Key: "$nin", Value: bson.A{int32(25)}}}}}, false},
		{"exists true", bson.D{{Key: "name", Value: bson.D{{Key: "$exists", Value: true}}}}, true},
		{"exists false on missing", bson.D{{Key: "nope", Value: bson.D{{Key: "$exists", Value: false}}}}, true},
		{"null matches missing", bson.D{{Key: "nope", Value: bson.Null{}}}, true},
		{"null matches explicit null", bson.D{{Key: "missingless", Value: bson.Null{}}}, true},
		{"type alias", bson.D{{Key: "name", Value: bson.D{{Key: "$type", Value: "string"}}}}, true},
		{"type number alias", bson.D{{Key: "qty", Value: bson.D{{Key: "$type", Value: "number"}}}}, true},
		{"type code", bson.D{{Key: "qty", Value: bson.D{{Key: "$type", Value: int32(16)}}}}, true},
		{"size", bson.D{{Key: "tags", Value: bson.D{{Key: "$size", Value: int32(2)}}}}, true},
		{"size mismatch", bson.D{{Key: "tags", Value: bson.D{{Key: "$size", Value: int32(3)}}}}, false},
		{"regex string", bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "^al"}}}}, true},
		{"regex value with options", bson.D{{Key: "name", Value: bson.Regex{Pattern: "^AL", Options: "i"}}}, true},
		{"regex options field", bson.D{{Key: "name", Value: bson.D{
			{Key: "$regex", Value: "^AL"}, {Key: "$options", Value: "i"},
		}}}, true},
		{"elemMatch document", bson.D{{Key: "grades", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "grade", Value: bson.D{{Key: "$gte", Value: int32(85)}}},
			{Key: "mean", Value: bson.D{{Key: "$gt", Value: int32(80)}}},
		}}}}}, true},
		{"elemMatch operators", bson.D{{Key: "tags", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "$eq", Value: "red"},
		}}}}}, true},
		{"all", bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"red", "blank"}}}}}, true},
		{"all missing element", bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"red", "green"}}}}}, false},
		{"mod", bson.D{{Key: "qty", Value: bson.D{{Key: "$mod", Value: bson.A{int32(4), int32(1)}}}}}, true},
		{"not", bson.D{{Key: "qty", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int32(100)}}}}}}, true},
		{"and", bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: int32(10)}}}},
			bson.D{{Key: "name", Value: "alpha"}},
		}}}, true},
		{"or", bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: "beta"}},
			bson.D{{Key: "qty", Value: int32(25)}},
		}}}, true},
		{"nor", bson.D{{Key: "$nor", Value: bson.A{
			bson.D{{Key: "name", Value: "beta"}},
			bson.D{{Key: "qty", Value: int32(999)}},
		}}}, true},
		{"expr", bson.D{{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{"$qty", int32(20)}}}}}, true},
		{"expr falsy", bson.D{{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{"$qty", int32(100)}}}}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := matches(doc, tc.filter, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatcherErrors(t *testing.T) {
	doc := bson.D{{Key: "a", Value: int32(1)}}

	_, err := matches(doc, bson.D{{Key: "a", Value: bson.D{{Key: "$nearSphere", Value: int32(1)}}}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$nearSphere")

	_, err = matches(doc, bson.D{{Key: "$and", Value: "nope"}}, nil)
	require.Error(t, err)

	_, err = matches(doc, bson.D{{Key: "a", Value: bson.D{{Key: "$mod", Value: bson.A{int32(0), int32(0)}}}}}, nil)
	require.Error(t, err)
}

func TestMatcherCollation(t *testing.T) {
	coll, err := parseCollation(bson.D{
		{Key: "locale", Value: "en"},
		{Key: "strength", Value: int32(2)},
	})
	require.NoError(t, err)
	require.NotNil(t, coll)

	doc := bson.D{{Key: "name", Value: "ALPHA"}}
	got, err := matches(doc, bson.D{{Key: "name", Value: "alpha"}}, coll)
	require.NoError(t, err)
	assert.True(t, got, "strength 2 ignores case")

	got, err = matches(doc, bson.D{{Key: "name", Value: "beta"}}, coll)
	require.NoError(t, err)
	assert.False(t, got)
}
