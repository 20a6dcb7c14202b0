// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package engine is the in-memory document engine: collections with unique
// indexes, the filter matcher, the update applier, and the aggregation
// pipeline evaluator. Everything operates on order-preserving bson.D values.
//
// The engine is a process-wide resource created explicitly; handlers receive
// it as a parameter. Writes serialize under one engine-wide lock; reads take
// a shared lock. Transaction snapshots (snapshot.go) layer copy-on-write
// namespaces on top and publish at commit.
package engine

import (
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// seedEnvVar overrides the RNG seed, making $sample deterministic.
const seedEnvVar = "JONGODB_SEED"

// Store is the command-facing surface of a document store. The global
// engine implements it, and so does every transaction snapshot; handlers are
// constructed against whichever the session state selects.
type Store interface {
	Insert(db, coll string, docs []bson.D, ordered bool) (int64, []mongoerrors.WriteError)
	Find(db, coll string, q Query) ([]bson.D, error)
	Count(db, coll string, filter, collation bson.D) (int64, error)
	Aggregate(db, coll string, pipeline bson.A, collation bson.D) ([]bson.D, error)
	Update(db, coll string, ops []UpdateOp) (*UpdateResult, error)
	Delete(db, coll string, ops []DeleteOp) (int64, error)
	FindAndModify(db, coll string, op FindAndModifyOp) (*FindAndModifyResult, error)
	CreateIndexes(db, coll string, specs []IndexSpec) (*CreateIndexesResult, error)
	ListIndexes(db, coll string) []bson.D
	ListCollections(db string, filter bson.D) ([]bson.D, error)
	Drop(db, coll string) bool
	DropDatabase(db string) bool
}

// Engine owns every namespace. All state is in memory and lost on shutdown.
type Engine struct {
	mu    sync.RWMutex
	colls map[Namespace]*Collection
	order []Namespace // creation order, for listCollections

	ver uint64

	// rng backs $sample; it has its own lock because snapshot reads only
	// hold mu shared.
	rngMu sync.Mutex
	rng   *rand.Rand

	log *zap.Logger
}

// New creates an empty engine.
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	seed := time.Now().UnixNano()
	if s := os.Getenv(seedEnvVar); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			seed = n
		}
	}
	return &Engine{
		colls: make(map[Namespace]*Collection),
		rng:   rand.New(rand.NewSource(seed)),
		log:   log,
	}
}

// nowMillis is the engine's clock, UTC milliseconds.
func nowMillis() int64 { return time.Now().UnixMilli() }

// globalView adapts the engine to the view interface. The caller must hold
// the appropriate engine lock for the duration of the operation.
type globalView struct {
	e *Engine
}

func (g globalView) read(ns Namespace) *Collection { return g.e.colls[ns] }

func (g globalView) write(ns Namespace) *Collection {
	if c, ok := g.e.colls[ns]; ok {
		return c
	}
	c := newCollection(ns)
	g.e.colls[ns] = c
	g.e.order = append(g.e.order, ns)
	return c
}

func (g globalView) install(ns Namespace, c *Collection) {
	if _, ok := g.e.colls[ns]; !ok {
		g.e.order = append(g.e.order, ns)
	}
	g.e.colls[ns] = c
}

func (g globalView) drop(ns Namespace) bool {
	if _, ok := g.e.colls[ns]; !ok {
		return false
	}
	delete(g.e.colls, ns)
	g.e.removeFromOrder(ns)
	return true
}

func (g globalView) dropDatabase(db string) bool {
	dropped := false
	for ns := range g.e.colls {
		if ns.DB == db {
			delete(g.e.colls, ns)
			g.e.removeFromOrder(ns)
			dropped = true
		}
	}
	return dropped
}

func (g globalView) collections(db string) []*Collection {
	var out []*Collection
	for _, ns := range g.e.order {
		if ns.DB == db {
			if c, ok := g.e.colls[ns]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func (g globalView) version() uint64 {
	g.e.ver++
	return g.e.ver
}

func (globalView) recordWrite(Namespace, string) {}

func (g globalView) shuffle(n int, swap func(i, j int)) {
	g.e.rngMu.Lock()
	defer g.e.rngMu.Unlock()
	g.e.rng.Shuffle(n, swap)
}

func (globalView) allowSideEffects() bool { return true }

func (e *Engine) removeFromOrder(ns Namespace) {
	for i, o := range e.order {
		if o == ns {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// Version returns the engine's current write version.
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ver
}

// Insert implements Store.
func (e *Engine) Insert(db, coll string, docs []bson.D, ordered bool) (int64, []mongoerrors.WriteError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return opInsert(globalView{e}, Namespace{db, coll}, docs, ordered)
}

// Find implements Store.
func (e *Engine) Find(db, coll string, q Query) ([]bson.D, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return opFind(globalView{e}, Namespace{db, coll}, q)
}

// Count implements Store.
func (e *Engine) Count(db, coll string, filter, collation bson.D) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return opCount(globalView{e}, Namespace{db, coll}, filter, collation)
}

// Aggregate implements Store. Pipelines ending in $out/$merge write, so
// they take the exclusive lock.
func (e *Engine) Aggregate(db, coll string, pipeline bson.A, collation bson.D) ([]bson.D, error) {
	if pipelineWrites(pipeline) {
		e.mu.Lock()
		defer e.mu.Unlock()
	} else {
		e.mu.RLock()
		defer e.mu.RUnlock()
	}
	return opAggregate(globalView{e}, Namespace{db, coll}, pipeline, collation)
}

// Update implements Store.
func (e *Engine) Update(db, coll string, ops []UpdateOp) (*UpdateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return opUpdate(globalView{e}, Namespace{db, coll}, ops)
}

// Delete implements Store.
func (e *Engine) Delete(db, coll string, ops []DeleteOp) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return opDelete(globalView{e}, Namespace{db, coll}, ops)
}

// FindAndModify implements Store.
func (e *Engine) FindAndModify(db, coll string, op FindAndModifyOp) (*FindAndModifyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return opFindAndModify(globalView{e}, Namespace{db, coll}, op)
}

// CreateIndexes implements Store.
func (e *Engine) CreateIndexes(db, coll string, specs []IndexSpec) (*CreateIndexesResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return opCreateIndexes(globalView{e}, Namespace{db, coll}, specs)
}

// ListIndexes implements Store.
func (e *Engine) ListIndexes(db, coll string) []bson.D {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return opListIndexes(globalView{e}, Namespace{db, coll})
}

// ListCollections implements Store.
func (e *Engine) ListCollections(db string, filter bson.D) ([]bson.D, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return opListCollections(globalView{e}, db, filter)
}

// Drop implements Store.
func (e *Engine) Drop(db, coll string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := globalView{e}.drop(Namespace{db, coll})
	if dropped {
		e.log.Debug("dropped collection", zap.String("db", db), zap.String("collection", coll))
	}
	return dropped
}

// DropDatabase implements Store.
func (e *Engine) DropDatabase(db string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := globalView{e}.dropDatabase(db)
	if dropped {
		e.log.Debug("dropped database", zap.String("db", db))
	}
	return dropped
}

// IndexCount reports the number of indexes on a namespace, for diagnostics.
func (e *Engine) IndexCount(db, coll string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.colls[Namespace{db, coll}]
	if c == nil {
		return 0
	}
	return len(c.indexes)
}

var _ Store = (*Engine)(nil)
