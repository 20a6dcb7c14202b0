// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// IndexKey is one component of an index key spec.
type IndexKey struct {
	Path string
	Desc bool
}

// Index is an index descriptor plus, for unique indexes, the live key→owner
// table uniqueness is enforced against.
type Index struct {
	Name          string
	Key           []IndexKey
	Unique        bool
	Sparse        bool
	PartialFilter bson.D
	ExpireAfter   *int32
	CollationDoc  bson.D

	coll *collation
	keys map[string]string // key tuple -> owning document's id key
}

func defaultIDIndex() *Index {
	return &Index{
		Name:   "_id_",
		Key:    []IndexKey{{Path: "_id"}},
		Unique: true,
		keys:   make(map[string]string),
	}
}

func (ix *Index) clone() *Index {
	out := *ix
	out.keys = make(map[string]string, len(ix.keys))
	for k, v := range ix.keys {
		out.keys[k] = v
	}
	return &out
}

// keyTuple renders the document's key under this index. The second return is
// false when the document is not indexed: sparse with every key path missing,
// or a partial filter it does not satisfy.
func (ix *Index) keyTuple(doc bson.D) (string, bool) {
	if len(ix.PartialFilter) > 0 {
		m, err := matches(doc, ix.PartialFilter, ix.coll)
		if err != nil || !m {
			return "", false
		}
	}

	var sb strings.Builder
	allMissing := true
	for i, k := range ix.Key {
		if i > 0 {
			sb.WriteString("|")
		}
		v, ok := lookupPath(doc, k.Path)
		if ok {
			allMissing = false
		} else {
			v = bson.Null{}
		}
		appendCanonicalKey(&sb, v, ix.coll)
	}
	if ix.Sparse && allMissing {
		return "", false
	}
	return sb.String(), true
}

func (ix *Index) add(doc bson.D, idKey string) {
	tuple, indexed := ix.keyTuple(doc)
	if !indexed {
		return
	}
	ix.keys[tuple] = idKey
}

func (ix *Index) remove(doc bson.D, idKey string) {
	tuple, indexed := ix.keyTuple(doc)
	if !indexed {
		return
	}
	if owner, ok := ix.keys[tuple]; ok && owner == idKey {
		delete(ix.keys, tuple)
	}
}

// sameKeySpec reports whether two key documents describe the same index.
func (ix *Index) sameKeySpec(keys []IndexKey) bool {
	if len(ix.Key) != len(keys) {
		return false
	}
	for i, k := range keys {
		if ix.Key[i] != k {
			return false
		}
	}
	return true
}

// Document renders the index as a listIndexes entry.
func (ix *Index) Document() bson.D {
	key := make(bson.D, 0, len(ix.Key))
	for _, k := range ix.Key {
		dir := int32(1)
		if k.Desc {
			dir = -1
		}
		key = append(key, bson.E{Key: k.Path, Value: dir})
	}

	doc := bson.D{
		{Key: "v", Value: int32(2)},
		{Key: "key", Value: key},
		{Key: "name", Value: ix.Name},
	}
	if ix.Unique && ix.Name != "_id_" {
		doc = append(doc, bson.E{Key: "unique", Value: true})
	}
	if ix.Sparse {
		doc = append(doc, bson.E{Key: "sparse", Value: true})
	}
	if len(ix.PartialFilter) > 0 {
		doc = append(doc, bson.E{Key: "partialFilterExpression", Value: ix.PartialFilter})
	}
	if ix.ExpireAfter != nil {
		doc = append(doc, bson.E{Key: "expireAfterSeconds", Value: *ix.ExpireAfter})
	}
	if len(ix.CollationDoc) > 0 {
		doc = append(doc, bson.E{Key: "collation", Value: ix.CollationDoc})
	}
	return doc
}

// IndexSpec is one createIndexes entry after option validation.
type IndexSpec struct {
	Name          string
	Key           []IndexKey
	Unique        bool
	Sparse        bool
	PartialFilter bson.D
	ExpireAfter   *int32
	Collation     bson.D
}

// ParseIndexSpec validates a createIndexes array entry.
func ParseIndexSpec(doc bson.D) (IndexSpec, error) {
	var spec IndexSpec

	keyV, ok := bsonutil.Lookup(doc, "key")
	if !ok {
		return spec, mongoerrors.NewBadValue("the 'key' field is a required property of an index specification")
	}
	keyDoc, ok := bsonutil.AsDocument(keyV)
	if !ok || len(keyDoc) == 0 {
		return spec, mongoerrors.NewTypeMismatch("index key pattern has to be a non-empty document")
	}
	for _, e := range keyDoc {
		dir, ok := bsonutil.AsInt64(e.Value)
		if !ok || (dir != 1 && dir != -1) {
			return spec, mongoerrors.NewBadValue("index direction for %q must be 1 or -1", e.Key)
		}
		spec.Key = append(spec.Key, IndexKey{Path: e.Key, Desc: dir == -1})
	}

	for _, e := range doc {
		switch e.Key {
		case "key":
		case "name":
			s, ok := bsonutil.AsString(e.Value)
			if !ok {
				return spec, mongoerrors.NewTypeMismatch("index name must be a string")
			}
			spec.Name = s
		case "unique":
			b, ok := bsonutil.AsBool(e.Value)
			if !ok {
				return spec, mongoerrors.NewTypeMismatch("index 'unique' must be a boolean")
			}
			spec.Unique = b
		case "sparse":
			b, ok := bsonutil.AsBool(e.Value)
			if !ok {
				return spec, mongoerrors.NewTypeMismatch("index 'sparse' must be a boolean")
			}
			spec.Sparse = b
		case "partialFilterExpression":
			d, ok := bsonutil.AsDocument(e.Value)
			if !ok {
				return spec, mongoerrors.NewTypeMismatch("partialFilterExpression must be a document")
			}
			spec.PartialFilter = d
		case "expireAfterSeconds":
			n, ok := bsonutil.AsInt64(e.Value)
			if !ok {
				return spec, mongoerrors.NewTypeMismatch("expireAfterSeconds must be a number")
			}
			v := int32(n)
			spec.ExpireAfter = &v
		case "collation":
			d, ok := bsonutil.AsDocument(e.Value)
			if !ok {
				return spec, mongoerrors.NewTypeMismatch("index collation must be a document")
			}
			spec.Collation = d
		case "v", "background":
			// accepted and ignored
		default:
			return spec, mongoerrors.NewNotImplemented("index option %q", e.Key)
		}
	}

	if spec.Name == "" {
		parts := make([]string, 0, len(spec.Key))
		for _, k := range spec.Key {
			dir := "1"
			if k.Desc {
				dir = "-1"
			}
			parts = append(parts, k.Path+"_"+dir)
		}
		spec.Name = strings.Join(parts, "_")
	}

	return spec, nil
}

// build materializes the spec into an Index.
func (s IndexSpec) build() (*Index, error) {
	coll, err := parseCollation(s.Collation)
	if err != nil {
		return nil, err
	}
	return &Index{
		Name:          s.Name,
		Key:           s.Key,
		Unique:        s.Unique,
		Sparse:        s.Sparse,
		PartialFilter: s.PartialFilter,
		ExpireAfter:   s.ExpireAfter,
		CollationDoc:  s.Collation,
		coll:          coll,
		keys:          make(map[string]string),
	}, nil
}
