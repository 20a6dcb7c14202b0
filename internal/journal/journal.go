// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package journal records every dispatched command in a bounded ring buffer
// and derives the diagnostics surface from it: ordered export, a
// deterministic repro dump, and invariant/triage summaries.
package journal

import (
	"fmt"
	"io"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
)

// DefaultCapacity is the ring size; on overflow the oldest entry is dropped
// and the drop counter incremented.
const DefaultCapacity = 1024

// Correlation ties an entry to its wire request and session context.
type Correlation struct {
	RequestID int32
	Command   string
	SessionID string // empty when non-sessioned
	TxnNumber int64  // 0 when absent
}

// Entry is one dispatched command.
type Entry struct {
	Sequence    uint64
	Correlation Correlation
	Input       bson.D
	Output      bson.D
	Err         string // empty on success
}

// Journal is a fixed-capacity ring of entries.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	count   int
	seq     uint64
	dropped uint64
}

// New creates a journal with the given capacity (DefaultCapacity when <= 0).
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{entries: make([]Entry, capacity)}
}

// Append records one dispatched command and returns its sequence number.
func (j *Journal) Append(corr Correlation, input, output bson.D, errStr string) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	e := Entry{Sequence: j.seq, Correlation: corr, Input: input, Output: output, Err: errStr}

	if j.count == len(j.entries) {
		j.entries[j.start] = e
		j.start = (j.start + 1) % len(j.entries)
		j.dropped++
	} else {
		j.entries[(j.start+j.count)%len(j.entries)] = e
		j.count++
	}
	return j.seq
}

// Entries returns the retained entries in record order plus the dropped
// count.
func (j *Journal) Entries() ([]Entry, uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, j.count)
	for i := 0; i < j.count; i++ {
		out[i] = j.entries[(j.start+i)%len(j.entries)]
	}
	return out, j.dropped
}

// WriteRepro writes the retained inputs as one canonical Extended JSON
// command document per line, in record order, suitable for re-dispatch into
// a fresh engine.
func (j *Journal) WriteRepro(w io.Writer) error {
	entries, _ := j.Entries()
	for _, e := range entries {
		b, err := bson.MarshalExtJSON(e.Input, true, false)
		if err != nil {
			return fmt.Errorf("marshal journal entry %d: %w", e.Sequence, err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// Violation is one detected invariant breach, pointing at the journal
// sequence that exhibits it.
type Violation struct {
	Kind     string
	Sequence uint64
	Detail   string
}

// Document renders the violation entry.
func (v Violation) Document() bson.D {
	return bson.D{
		{Key: "kind", Value: v.Kind},
		{Key: "sequence", Value: int64(v.Sequence)},
		{Key: "detail", Value: v.Detail},
	}
}

// Diagnose scans the retained entries for invariant violations: transaction
// fields without an lsid, transaction-number regressions within a session,
// cursor responses whose ns is not a string, and index-count regressions.
// The summary carries a best-effort triage pointing at the first offending
// sequence.
func (j *Journal) Diagnose() bson.D {
	entries, dropped := j.Entries()

	var violations []Violation
	lastTxn := make(map[string]int64)
	lastIndexCount := make(map[string]int64)

	for _, e := range entries {
		if bsonutil.Has(e.Input, "txnNumber") || bsonutil.Has(e.Input, "autocommit") ||
			bsonutil.Has(e.Input, "startTransaction") {
			if !bsonutil.Has(e.Input, "lsid") {
				violations = append(violations, Violation{
					Kind:     "missing-lsid",
					Sequence: e.Sequence,
					Detail:   fmt.Sprintf("%s carries transaction fields without an lsid", e.Correlation.Command),
				})
			}
		}

		if e.Correlation.SessionID != "" && e.Correlation.TxnNumber > 0 {
			if prev, ok := lastTxn[e.Correlation.SessionID]; ok && e.Correlation.TxnNumber < prev {
				violations = append(violations, Violation{
					Kind:     "txn-number-regression",
					Sequence: e.Sequence,
					Detail: fmt.Sprintf("session %s went from txnNumber %d to %d",
						e.Correlation.SessionID, prev, e.Correlation.TxnNumber),
				})
			}
			lastTxn[e.Correlation.SessionID] = e.Correlation.TxnNumber
		}

		if cursorV, ok := bsonutil.Lookup(e.Output, "cursor"); ok {
			if cursorDoc, ok := bsonutil.AsDocument(cursorV); ok {
				if nsV, ok := bsonutil.Lookup(cursorDoc, "ns"); ok {
					if _, isStr := nsV.(string); !isStr {
						violations = append(violations, Violation{
							Kind:     "cursor-bad-ns",
							Sequence: e.Sequence,
							Detail:   fmt.Sprintf("cursor ns has type %T", nsV),
						})
					}
				}
			}
		}

		if e.Correlation.Command == "createIndexes" && e.Err == "" {
			target, _ := bsonutil.Lookup(e.Input, "createIndexes")
			ns, _ := bsonutil.AsString(target)
			after, okA := bsonutil.AsInt64(valueOf(e.Output, "numIndexesAfter"))
			if okA {
				if prev, ok := lastIndexCount[ns]; ok && after < prev {
					violations = append(violations, Violation{
						Kind:     "index-count-regression",
						Sequence: e.Sequence,
						Detail:   fmt.Sprintf("collection %s went from %d to %d indexes", ns, prev, after),
					})
				}
				lastIndexCount[ns] = after
			}
		}
	}

	summary := bson.D{
		{Key: "entries", Value: int64(len(entries))},
		{Key: "droppedCount", Value: int64(dropped)},
	}

	arr := make(bson.A, 0, len(violations))
	for _, v := range violations {
		arr = append(arr, v.Document())
	}
	summary = append(summary, bson.E{Key: "violations", Value: arr})

	if len(violations) > 0 {
		first := violations[0]
		summary = append(summary, bson.E{Key: "triage", Value: bson.D{
			{Key: "sequence", Value: int64(first.Sequence)},
			{Key: "kind", Value: first.Kind},
			{Key: "hint", Value: fmt.Sprintf("first violation at journal sequence %d: %s", first.Sequence, first.Detail)},
		}})
	}

	return summary
}

func valueOf(doc bson.D, key string) any {
	v, _ := bsonutil.Lookup(doc, key)
	return v
}
