// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package cursor implements server-side pagination for find and aggregate:
// a registry of live cursors advanced by getMore and torn down by
// killCursors, exhaustion, idle reaping, or owner-session teardown.
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DefaultBatchSize is the first-batch document count when the request does
// not set cursor.batchSize.
const DefaultBatchSize = 101

// DefaultMaxCursors caps the registry; past it the oldest idle cursor is
// reaped to make room.
const DefaultMaxCursors = 1024

// DefaultIdleTimeout is how long an untouched cursor stays alive.
const DefaultIdleTimeout = 10 * time.Minute

// Cursor is one live result sequence. The remaining documents are
// materialized; batches are sliced off the front.
type Cursor struct {
	ID        int64
	NS        string
	SessionID string // empty outside transactions

	docs     []bson.D
	created  time.Time
	lastUsed time.Time
}

// Registry owns every live cursor. Session ids are stored as lookup keys,
// not back-references, so session teardown can kill by iteration without an
// ownership cycle.
type Registry struct {
	mu      sync.Mutex
	cursors map[int64]*Cursor
	nextID  atomic.Int64
	max     int
	idle    time.Duration
	now     func() time.Time
}

// NewRegistry creates an empty registry with the default caps.
func NewRegistry() *Registry {
	return &Registry{
		cursors: make(map[int64]*Cursor),
		max:     DefaultMaxCursors,
		idle:    DefaultIdleTimeout,
		now:     time.Now,
	}
}

// Create registers the remainder of a result sequence and returns its new
// nonzero cursor id. An empty remainder never reaches the registry; callers
// return id 0 themselves.
func (r *Registry) Create(ns string, sessionID string, remaining []bson.D) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapLocked()
	if len(r.cursors) >= r.max {
		r.evictOldestLocked()
	}

	id := r.nextID.Add(1)
	now := r.now()
	r.cursors[id] = &Cursor{
		ID:        id,
		NS:        ns,
		SessionID: sessionID,
		docs:      remaining,
		created:   now,
		lastUsed:  now,
	}
	return id
}

// Advance pulls up to batchSize documents off a cursor. done reports
// exhaustion, in which case the cursor has been removed and the next
// Advance for the id reports not-found.
func (r *Registry) Advance(id int64, sessionID string, batchSize int32) (batch []bson.D, ns string, done bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cursors[id]
	if !ok || c.SessionID != sessionID && c.SessionID != "" {
		return nil, "", false, false
	}
	c.lastUsed = r.now()

	n := int(batchSize)
	if n <= 0 {
		n = DefaultBatchSize
	}
	if n > len(c.docs) {
		n = len(c.docs)
	}
	batch = c.docs[:n]
	c.docs = c.docs[n:]

	if len(c.docs) == 0 {
		delete(r.cursors, id)
		return batch, c.NS, true, true
	}
	return batch, c.NS, false, true
}

// Kill removes the listed cursors. Per the killCursors contract the ids
// partition into killed and notFound; their union is the request set.
func (r *Registry) Kill(ids []int64) (killed, notFound []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.cursors[id]; ok {
			delete(r.cursors, id)
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return killed, notFound
}

// KillSession removes every cursor bound to the session and returns how many
// died.
func (r *Registry) KillSession(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, c := range r.cursors {
		if c.SessionID == sessionID {
			delete(r.cursors, id)
			n++
		}
	}
	return n
}

// Len reports the live cursor count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}

// Get returns a live cursor's namespace, for diagnostics.
func (r *Registry) Get(id int64) (ns string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[id]
	if !ok {
		return "", false
	}
	return c.NS, true
}

func (r *Registry) reapLocked() {
	cutoff := r.now().Add(-r.idle)
	for id, c := range r.cursors {
		if c.lastUsed.Before(cutoff) {
			delete(r.cursors, id)
		}
	}
}

func (r *Registry) evictOldestLocked() {
	var oldestID int64
	var oldest time.Time
	for id, c := range r.cursors {
		if oldestID == 0 || c.lastUsed.Before(oldest) {
			oldestID, oldest = id, c.lastUsed
		}
	}
	if oldestID != 0 {
		delete(r.cursors, oldestID)
	}
}
