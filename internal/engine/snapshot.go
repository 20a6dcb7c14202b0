// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// Snapshot is a transaction's copy-on-write store. Reads on namespaces the
// transaction has not written go to the live global store; the first write
// to a namespace materializes a private clone, and later reads in the
// session observe the clone. Publish merges only touched namespaces back.
type Snapshot struct {
	eng *Engine

	clones   map[Namespace]*Collection
	cloneVer map[Namespace]uint64            // global version when cloned
	written  map[Namespace]map[string]struct{} // id keys the txn wrote
}

// NewSnapshot creates a deferred snapshot: nothing is copied until the
// first write.
func (e *Engine) NewSnapshot() *Snapshot {
	return &Snapshot{
		eng:      e,
		clones:   make(map[Namespace]*Collection),
		cloneVer: make(map[Namespace]uint64),
		written:  make(map[Namespace]map[string]struct{}),
	}
}

// snapView adapts a snapshot to the view interface. The engine read lock is
// held by the public wrappers for the duration of each operation.
type snapView struct {
	s *Snapshot
}

func (sv snapView) read(ns Namespace) *Collection {
	if c, ok := sv.s.clones[ns]; ok {
		return c
	}
	return sv.s.eng.colls[ns]
}

func (sv snapView) write(ns Namespace) *Collection {
	if c, ok := sv.s.clones[ns]; ok {
		return c
	}
	var c *Collection
	if global, ok := sv.s.eng.colls[ns]; ok {
		c = global.clone()
	} else {
		c = newCollection(ns)
	}
	sv.s.clones[ns] = c
	sv.s.cloneVer[ns] = sv.s.eng.ver
	return c
}

func (sv snapView) install(ns Namespace, c *Collection) {
	if _, ok := sv.s.clones[ns]; !ok {
		sv.s.cloneVer[ns] = sv.s.eng.ver
	}
	sv.s.clones[ns] = c
}

func (sv snapView) drop(ns Namespace) bool {
	// DDL inside a transaction is out of scope, matching the server's
	// restrictions on most DDL in multi-document transactions.
	return false
}

func (sv snapView) dropDatabase(string) bool { return false }

func (sv snapView) collections(db string) []*Collection {
	var out []*Collection
	seen := make(map[Namespace]struct{})
	for _, ns := range sv.s.eng.order {
		if ns.DB != db {
			continue
		}
		seen[ns] = struct{}{}
		if c, ok := sv.s.clones[ns]; ok {
			out = append(out, c)
			continue
		}
		if c, ok := sv.s.eng.colls[ns]; ok {
			out = append(out, c)
		}
	}
	for ns, c := range sv.s.clones {
		if ns.DB != db {
			continue
		}
		if _, ok := seen[ns]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (snapView) version() uint64 { return 0 }

func (sv snapView) recordWrite(ns Namespace, idKey string) {
	m, ok := sv.s.written[ns]
	if !ok {
		m = make(map[string]struct{})
		sv.s.written[ns] = m
	}
	m[idKey] = struct{}{}
}

func (sv snapView) shuffle(n int, swap func(i, j int)) {
	sv.s.eng.rngMu.Lock()
	defer sv.s.eng.rngMu.Unlock()
	sv.s.eng.rng.Shuffle(n, swap)
}

func (snapView) allowSideEffects() bool { return false }

// Insert implements Store.
func (s *Snapshot) Insert(db, coll string, docs []bson.D, ordered bool) (int64, []mongoerrors.WriteError) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opInsert(snapView{s}, Namespace{db, coll}, docs, ordered)
}

// Find implements Store.
func (s *Snapshot) Find(db, coll string, q Query) ([]bson.D, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opFind(snapView{s}, Namespace{db, coll}, q)
}

// Count implements Store.
func (s *Snapshot) Count(db, coll string, filter, collation bson.D) (int64, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opCount(snapView{s}, Namespace{db, coll}, filter, collation)
}

// Aggregate implements Store. $out/$merge are refused inside transactions
// via allowSideEffects.
func (s *Snapshot) Aggregate(db, coll string, pipeline bson.A, collation bson.D) ([]bson.D, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opAggregate(snapView{s}, Namespace{db, coll}, pipeline, collation)
}

// Update implements Store.
func (s *Snapshot) Update(db, coll string, ops []UpdateOp) (*UpdateResult, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opUpdate(snapView{s}, Namespace{db, coll}, ops)
}

// Delete implements Store.
func (s *Snapshot) Delete(db, coll string, ops []DeleteOp) (int64, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opDelete(snapView{s}, Namespace{db, coll}, ops)
}

// FindAndModify implements Store.
func (s *Snapshot) FindAndModify(db, coll string, op FindAndModifyOp) (*FindAndModifyResult, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opFindAndModify(snapView{s}, Namespace{db, coll}, op)
}

// CreateIndexes implements Store.
func (s *Snapshot) CreateIndexes(db, coll string, specs []IndexSpec) (*CreateIndexesResult, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opCreateIndexes(snapView{s}, Namespace{db, coll}, specs)
}

// ListIndexes implements Store.
func (s *Snapshot) ListIndexes(db, coll string) []bson.D {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opListIndexes(snapView{s}, Namespace{db, coll})
}

// ListCollections implements Store.
func (s *Snapshot) ListCollections(db string, filter bson.D) ([]bson.D, error) {
	s.eng.mu.RLock()
	defer s.eng.mu.RUnlock()
	return opListCollections(snapView{s}, db, filter)
}

// Drop implements Store; DDL is refused inside transactions.
func (s *Snapshot) Drop(db, coll string) bool { return false }

// DropDatabase implements Store; DDL is refused inside transactions.
func (s *Snapshot) DropDatabase(db string) bool { return false }

// Touched reports whether the transaction wrote anything.
func (s *Snapshot) Touched() bool { return len(s.clones) > 0 }

// Publish merges every transaction-touched namespace into the global store.
// Per touched namespace: documents the transaction wrote win over concurrent
// writes to the same _id; concurrent writes to other _ids survive. A
// concurrent write to an _id the transaction also wrote, made after the
// namespace was cloned, is a write-write conflict.
func (s *Snapshot) Publish() error {
	s.eng.mu.Lock()
	defer s.eng.mu.Unlock()

	// conflict detection pass
	for ns, ids := range s.written {
		global, ok := s.eng.colls[ns]
		if !ok {
			continue
		}
		base := s.cloneVer[ns]
		for idKey := range ids {
			if ver, ok := global.versions[idKey]; ok && ver > base {
				return mongoerrors.NewWriteConflict(
					"write conflict on %s: document modified outside the transaction", ns)
			}
		}
	}

	// merge pass
	g := globalView{s.eng}
	for ns, clone := range s.clones {
		target := g.write(ns)
		ver := g.version()

		// adopt indexes the transaction created
		for _, ix := range clone.indexes {
			if target.indexByName(ix.Name) != nil {
				continue
			}
			fresh := ix.clone()
			fresh.keys = make(map[string]string)
			if err := target.addIndex(fresh); err != nil {
				return mongoerrors.NewWriteConflict(
					"write conflict on %s: %s", ns, err.Error())
			}
		}

		for idKey := range s.written[ns] {
			txnDoc, live := clone.get(idKey)
			pos, exists := target.byID[idKey]
			switch {
			case live && exists:
				if _, err := target.replaceAt(pos, txnDoc, ver); err != nil {
					return mongoerrors.NewWriteConflict(
						"write conflict on %s: %s", ns, err.Error())
				}
			case live:
				if _, err := target.insertOne(txnDoc, ver); err != nil {
					return mongoerrors.NewWriteConflict(
						"write conflict on %s: %s", ns, err.Error())
				}
			case exists:
				target.deleteAt(pos, ver)
			}
		}
	}

	return nil
}

// Discard drops the snapshot's clones; the global store is untouched.
func (s *Snapshot) Discard() {
	s.clones = nil
	s.cloneVer = nil
	s.written = nil
}

var _ Store = (*Snapshot)(nil)
