// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// Namespace identifies a document set as (database, collection).
type Namespace struct {
	DB   string
	Coll string
}

// String renders the namespace as "<db>.<collection>".
func (ns Namespace) String() string { return ns.DB + "." + ns.Coll }

// Collection holds documents in natural (insertion) order, an _id lookup
// table, the index catalog, and per-document write versions used for
// commit-time conflict detection.
type Collection struct {
	ns       Namespace
	docs     []bson.D
	byID     map[string]int
	indexes  []*Index
	versions map[string]uint64
}

func newCollection(ns Namespace) *Collection {
	c := &Collection{
		ns:       ns,
		byID:     make(map[string]int),
		versions: make(map[string]uint64),
	}
	c.indexes = []*Index{defaultIDIndex()}
	return c
}

// clone deep-copies the collection for a transaction snapshot.
func (c *Collection) clone() *Collection {
	out := &Collection{
		ns:       c.ns,
		docs:     make([]bson.D, len(c.docs)),
		byID:     make(map[string]int, len(c.byID)),
		versions: make(map[string]uint64, len(c.versions)),
	}
	for i, d := range c.docs {
		out.docs[i] = bsonutil.Clone(d)
	}
	for k, v := range c.byID {
		out.byID[k] = v
	}
	for k, v := range c.versions {
		out.versions[k] = v
	}
	out.indexes = make([]*Index, len(c.indexes))
	for i, ix := range c.indexes {
		out.indexes[i] = ix.clone()
	}
	return out
}

// idKeyOf computes the identity key of a document's _id.
func idKeyOf(doc bson.D) (string, error) {
	id, ok := bsonutil.Lookup(doc, "_id")
	if !ok {
		return "", mongoerrors.NewBadValue("document is missing an _id")
	}
	switch id.(type) {
	case bson.A:
		return "", mongoerrors.NewBadValue("the _id field cannot be an array")
	case bson.Regex:
		return "", mongoerrors.NewBadValue("the _id field cannot be a regex")
	}
	return canonicalKey(id, nil), nil
}

// checkUnique verifies doc against every unique index, excluding the
// document currently stored under excludeID ("" for inserts).
func (c *Collection) checkUnique(doc bson.D, excludeID string) error {
	for _, ix := range c.indexes {
		if !ix.Unique {
			continue
		}
		tuple, indexed := ix.keyTuple(doc)
		if !indexed {
			continue
		}
		if owner, ok := ix.keys[tuple]; ok && owner != excludeID {
			return mongoerrors.NewDuplicateKey(
				"E11000 duplicate key error collection: %s index: %s", c.ns, ix.Name)
		}
	}
	return nil
}

// insertOne adds a document, enforcing _id and unique-index constraints.
func (c *Collection) insertOne(doc bson.D, version uint64) (string, error) {
	idKey, err := idKeyOf(doc)
	if err != nil {
		return "", err
	}
	if _, dup := c.byID[idKey]; dup {
		id, _ := bsonutil.Lookup(doc, "_id")
		return "", mongoerrors.NewDuplicateKey(
			"E11000 duplicate key error collection: %s index: _id_ dup key: %v", c.ns, id)
	}
	if err := c.checkUnique(doc, ""); err != nil {
		return "", err
	}

	c.byID[idKey] = len(c.docs)
	c.docs = append(c.docs, doc)
	c.versions[idKey] = version
	for _, ix := range c.indexes {
		ix.add(doc, idKey)
	}
	return idKey, nil
}

// replaceAt swaps the document at position i, enforcing unique indexes.
// The _id must be unchanged; callers validate that before getting here.
func (c *Collection) replaceAt(i int, doc bson.D, version uint64) (string, error) {
	idKey, err := idKeyOf(doc)
	if err != nil {
		return "", err
	}
	if err := c.checkUnique(doc, idKey); err != nil {
		return "", err
	}

	old := c.docs[i]
	for _, ix := range c.indexes {
		ix.remove(old, idKey)
	}
	c.docs[i] = doc
	c.versions[idKey] = version
	for _, ix := range c.indexes {
		ix.add(doc, idKey)
	}
	return idKey, nil
}

// deleteAt removes the document at position i, keeping natural order.
func (c *Collection) deleteAt(i int, version uint64) string {
	doc := c.docs[i]
	idKey, _ := idKeyOf(doc)

	for _, ix := range c.indexes {
		ix.remove(doc, idKey)
	}
	c.docs = append(c.docs[:i], c.docs[i+1:]...)
	delete(c.byID, idKey)
	for k, pos := range c.byID {
		if pos > i {
			c.byID[k] = pos - 1
		}
	}
	c.versions[idKey] = version
	return idKey
}

// get returns the live document stored under idKey.
func (c *Collection) get(idKey string) (bson.D, bool) {
	i, ok := c.byID[idKey]
	if !ok {
		return nil, false
	}
	return c.docs[i], true
}

// indexByName returns the named index.
func (c *Collection) indexByName(name string) *Index {
	for _, ix := range c.indexes {
		if ix.Name == name {
			return ix
		}
	}
	return nil
}

// addIndex installs a new index, backfilling it and enforcing uniqueness
// over the existing documents.
func (c *Collection) addIndex(ix *Index) error {
	for _, doc := range c.docs {
		tuple, indexed := ix.keyTuple(doc)
		if !indexed {
			continue
		}
		idKey, err := idKeyOf(doc)
		if err != nil {
			return err
		}
		if ix.Unique {
			if owner, dup := ix.keys[tuple]; dup && owner != idKey {
				return mongoerrors.NewDuplicateKey(
					"E11000 duplicate key error collection: %s index: %s", c.ns, ix.Name)
			}
		}
		ix.keys[tuple] = idKey
	}
	c.indexes = append(c.indexes, ix)
	return nil
}

// ensureID guarantees doc carries an _id, generating an ObjectID first in
// field order when absent, the way the server does for inserts.
func ensureID(doc bson.D) bson.D {
	if bsonutil.Has(doc, "_id") {
		return doc
	}
	return append(bson.D{{Key: "_id", Value: bson.NewObjectID()}}, doc...)
}
