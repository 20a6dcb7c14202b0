// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsonutil provides small helpers over bson.D documents: field
// lookup, loose numeric coercion, and raw round-tripping. The engine keeps
// documents as bson.D so field order survives; these helpers keep the rest of
// the codebase from re-implementing the same walks.
package bsonutil

import (
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Lookup returns the value of the first field named key and whether it was
// present.
func Lookup(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Has reports whether doc has a field named key.
func Has(doc bson.D, key string) bool {
	_, ok := Lookup(doc, key)
	return ok
}

// Set replaces the first field named key, or appends it.
func Set(doc bson.D, key string, value any) bson.D {
	for i, e := range doc {
		if e.Key == key {
			doc[i].Value = value
			return doc
		}
	}
	return append(doc, bson.E{Key: key, Value: value})
}

// Remove deletes the first field named key.
func Remove(doc bson.D, key string) bson.D {
	for i, e := range doc {
		if e.Key == key {
			return append(doc[:i], doc[i+1:]...)
		}
	}
	return doc
}

// AsDocument returns v as a bson.D. bson.M values are not accepted: engine
// documents are always decoded into bson.D and field order matters.
func AsDocument(v any) (bson.D, bool) {
	d, ok := v.(bson.D)
	return d, ok
}

// AsArray returns v as a bson.A.
func AsArray(v any) (bson.A, bool) {
	a, ok := v.(bson.A)
	return a, ok
}

// AsString returns v as a string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsBool returns v as a bool.
func AsBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// AsInt64 coerces an int32, int64 or double to int64. Doubles are accepted
// only when integral; decimal128 values are not accepted.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	}
	return 0, false
}

// AsNumber coerces an int32, int64 or double to float64; decimal128 values
// are not accepted.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// IsNumber reports whether v is a BSON numeric value (int32, int64, double,
// or decimal128).
func IsNumber(v any) bool {
	switch v.(type) {
	case int32, int64, float64, bson.Decimal128:
		return true
	}
	return false
}

// Clone deep-copies a document. Scalars are immutable and shared; documents
// and arrays are copied.
func Clone(doc bson.D) bson.D {
	out := make(bson.D, len(doc))
	for i, e := range doc {
		out[i] = bson.E{Key: e.Key, Value: CloneValue(e.Value)}
	}
	return out
}

// CloneValue deep-copies a single value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		return Clone(t)
	case bson.A:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = CloneValue(el)
		}
		return out
	case bson.Binary:
		data := make([]byte, len(t.Data))
		copy(data, t.Data)
		return bson.Binary{Subtype: t.Subtype, Data: data}
	default:
		return v
	}
}

// ToRaw marshals a document to its raw wire bytes.
func ToRaw(doc bson.D) (bson.Raw, error) {
	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return bson.Raw(b), nil
}

// FromRaw unmarshals raw wire bytes into an order-preserving bson.D.
func FromRaw(raw bson.Raw) (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}
