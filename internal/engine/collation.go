// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// collation wraps an x/text collator configured from a collation document.
// Collation is strictly scoped to string comparison; every other type
// compares locale-neutrally.
type collation struct {
	locale   string
	strength int64
	numeric  bool
	coll     *collate.Collator
	buf      collate.Buffer
}

// parseCollation builds a collation from the command-level collation
// document. A nil or empty document, and the "simple" locale, mean byte-wise
// comparison and return nil.
func parseCollation(doc bson.D) (*collation, error) {
	if len(doc) == 0 {
		return nil, nil
	}

	lv, _ := bsonutil.Lookup(doc, "locale")
	locale, ok := bsonutil.AsString(lv)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("collation locale must be a string")
	}
	if locale == "simple" {
		return nil, nil
	}

	tag, err := language.Parse(locale)
	if err != nil {
		return nil, mongoerrors.NewBadValue("unknown collation locale %q", locale)
	}

	c := &collation{locale: locale, strength: 3}
	if v, ok := bsonutil.Lookup(doc, "strength"); ok {
		s, ok := bsonutil.AsInt64(v)
		if !ok || s < 1 || s > 5 {
			return nil, mongoerrors.NewBadValue("collation strength must be an integer in [1, 5]")
		}
		c.strength = s
	}
	if v, ok := bsonutil.Lookup(doc, "numericOrdering"); ok {
		b, ok := bsonutil.AsBool(v)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("collation numericOrdering must be a boolean")
		}
		c.numeric = b
	}

	var opts []collate.Option
	switch c.strength {
	case 1:
		opts = append(opts, collate.IgnoreCase, collate.IgnoreDiacritics)
	case 2:
		opts = append(opts, collate.IgnoreCase)
	}
	if c.numeric {
		opts = append(opts, collate.Numeric)
	}

	c.coll = collate.New(tag, opts...)
	return c, nil
}

// compareStrings orders two strings under the collation.
func (c *collation) compareStrings(a, b string) int {
	return c.coll.CompareString(a, b)
}

// sortKey renders the collation sort key for s, used wherever strings become
// map keys (unique index tuples, group keys).
func (c *collation) sortKey(s string) []byte {
	key := c.coll.KeyFromString(&c.buf, s)
	out := make([]byte, len(key))
	copy(out, key)
	c.buf.Reset()
	return out
}
