// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions and the per-session
// transaction state machine: NONE → IN_PROGRESS → COMMITTED/ABORTED, with
// deferred copy-on-write snapshots and publish-on-commit.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/engine"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// CommitGraceWindow is how long a committed transaction keeps answering
// commitTransaction idempotently before replay turns into NoSuchTransaction.
const CommitGraceWindow = 10 * time.Second

// DefaultTimeout is the logical session timeout advertised in the handshake
// (logicalSessionTimeoutMinutes).
const DefaultTimeout = 30 * time.Minute

// TxnState is the transaction state machine.
type TxnState int

// Transaction states. COMMITTED and ABORTED are terminal.
const (
	TxnNone TxnState = iota
	TxnInProgress
	TxnCommitted
	TxnAborted
)

// Transaction is one per-session transaction.
type Transaction struct {
	Number      int64
	State       TxnState
	Snapshot    *engine.Snapshot
	committedAt time.Time
}

// Session is one logical session, keyed by its lsid UUID.
type Session struct {
	ID       string // canonical UUID string
	Txn      *Transaction
	lastUsed time.Time
}

// ActiveSnapshot returns the in-progress transaction's snapshot, or nil when
// commands should run against the global store.
func (s *Session) ActiveSnapshot() *engine.Snapshot {
	if s != nil && s.Txn != nil && s.Txn.State == TxnInProgress {
		return s.Txn.Snapshot
	}
	return nil
}

// cursorKiller lets session teardown kill bound cursors without the manager
// owning the registry.
type cursorKiller interface {
	KillSession(sessionID string) int
}

// Manager owns sessions. Sessions own transactions; the engine never refers
// back to either.
type Manager struct {
	mu       sync.Mutex
	eng      *engine.Engine
	cursors  cursorKiller
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
}

// NewManager creates an empty session registry.
func NewManager(eng *engine.Engine, cursors cursorKiller) *Manager {
	return &Manager{
		eng:      eng,
		cursors:  cursors,
		sessions: make(map[string]*Session),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
}

// ParseLsid extracts the canonical session id from an lsid document of the
// shape {id: <binary subtype 4>}.
func ParseLsid(lsid bson.D) (string, error) {
	idV, ok := bsonutil.Lookup(lsid, "id")
	if !ok {
		return "", mongoerrors.NewTypeMismatch("lsid must contain an 'id' field")
	}
	bin, ok := idV.(bson.Binary)
	if !ok || bin.Subtype != 0x04 {
		return "", mongoerrors.NewTypeMismatch("lsid.id must be a UUID (binary subtype 4)")
	}
	u, err := uuid.FromBytes(bin.Data)
	if err != nil {
		return "", mongoerrors.NewTypeMismatch("lsid.id is not a valid UUID: %s", err)
	}
	return u.String(), nil
}

// Lookup returns the session for id, creating it on first use. Expired
// sessions are swept on the way.
func (m *Manager) Lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	s, ok := m.sessions[id]
	if !ok {
		s = &Session{ID: id}
		m.sessions[id] = s
	}
	s.lastUsed = m.now()
	return s
}

// sweepLocked removes sessions idle past the logical timeout, killing their
// cursors and discarding any open transaction.
func (m *Manager) sweepLocked() {
	cutoff := m.now().Add(-m.timeout)
	for id, s := range m.sessions {
		if s.lastUsed.After(cutoff) {
			continue
		}
		if s.Txn != nil && s.Txn.State == TxnInProgress {
			s.Txn.Snapshot.Discard()
			s.Txn.State = TxnAborted
		}
		m.cursors.KillSession(id)
		delete(m.sessions, id)
	}
}

// End removes the listed sessions, aborting open transactions and killing
// bound cursors. Unknown ids are ignored.
func (m *Manager) End(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if s.Txn != nil && s.Txn.State == TxnInProgress {
			s.Txn.Snapshot.Discard()
			s.Txn.State = TxnAborted
		}
		m.cursors.KillSession(id)
		delete(m.sessions, id)
	}
}

// Begin starts a transaction with the given number in the session.
func (m *Manager) Begin(s *Session, txnNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Txn != nil && s.Txn.State == TxnInProgress {
		return mongoerrors.NewBadValue(
			"transaction %d is already in progress on this session", s.Txn.Number)
	}
	if s.Txn != nil && txnNumber <= s.Txn.Number {
		return mongoerrors.NewNoSuchTransaction(true,
			"transaction number %d does not match any in-progress transaction", txnNumber)
	}

	s.Txn = &Transaction{
		Number:   txnNumber,
		State:    TxnInProgress,
		Snapshot: m.eng.NewSnapshot(),
	}
	return nil
}

// Validate checks a continuation command's transaction number against the
// session state. It covers every non-start, non-terminal command that
// carries a txnNumber.
func (m *Manager) Validate(s *Session, txnNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Txn == nil || s.Txn.State != TxnInProgress || s.Txn.Number != txnNumber {
		return mongoerrors.NewNoSuchTransaction(true,
			"transaction %d does not match any in-progress transaction", txnNumber)
	}
	return nil
}

// Commit publishes the transaction's snapshot. Replays inside the grace
// window are idempotent no-ops; after the window, and after an abort,
// commit reports NoSuchTransaction without the transient label. A publish
// conflict aborts the transaction and reports WriteConflict with the
// transient label.
func (m *Manager) Commit(s *Session, txnNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := s.Txn
	if txn == nil || txn.Number != txnNumber {
		return mongoerrors.NewNoSuchTransaction(false,
			"no transaction with number %d in this session", txnNumber)
	}

	switch txn.State {
	case TxnCommitted:
		if m.now().Sub(txn.committedAt) <= CommitGraceWindow {
			return nil
		}
		return mongoerrors.NewNoSuchTransaction(false,
			"transaction %d has already been committed", txnNumber)

	case TxnAborted:
		return mongoerrors.NewNoSuchTransaction(false,
			"transaction %d has been aborted", txnNumber)

	case TxnInProgress:
		if err := txn.Snapshot.Publish(); err != nil {
			txn.State = TxnAborted
			txn.Snapshot.Discard()
			m.cursors.KillSession(s.ID)
			return err
		}
		txn.State = TxnCommitted
		txn.committedAt = m.now()
		m.cursors.KillSession(s.ID)
		return nil

	default:
		return mongoerrors.NewNoSuchTransaction(false,
			"no transaction in progress in this session")
	}
}

// Abort discards the transaction's snapshot. Aborting anything but an
// in-progress transaction reports NoSuchTransaction without the transient
// label.
func (m *Manager) Abort(s *Session, txnNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := s.Txn
	if txn == nil || txn.Number != txnNumber || txn.State != TxnInProgress {
		return mongoerrors.NewNoSuchTransaction(false,
			"no transaction with number %d in this session", txnNumber)
	}

	txn.Snapshot.Discard()
	txn.State = TxnAborted
	m.cursors.KillSession(s.ID)
	return nil
}

// Count reports the live session count, for diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
