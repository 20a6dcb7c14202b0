// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/cursor"
	"github.com/jongodb/jongodb/internal/engine"
	"github.com/jongodb/jongodb/internal/journal"
	"github.com/jongodb/jongodb/internal/session"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	eng := engine.New(nil)
	cursors := cursor.NewRegistry()
	sessions := session.NewManager(eng, cursors)
	jrnl := journal.New(0)
	return New(eng, sessions, cursors, jrnl, Config{Host: "127.0.0.1", Port: 27017}, nil)
}

func newLsid() bson.D {
	u := uuid.New()
	return bson.D{{Key: "id", Value: bson.Binary{Subtype: 0x04, Data: u[:]}}}
}

func requireOK(t *testing.T, resp bson.D, msgAndArgs ...interface{}) bson.D {
	t.Helper()
	okV, found := bsonutil.Lookup(resp, "ok")
	require.True(t, found, "response has no ok field: %v", resp)
	f, _ := bsonutil.AsNumber(okV)
	if len(msgAndArgs) > 0 {
		require.Equal(t, float64(1), f, msgAndArgs...)
	} else {
		require.Equal(t, float64(1), f, "expected ok response, got %v", resp)
	}
	return resp
}

func requireError(t *testing.T, resp bson.D, code int32, codeName string) bson.D {
	t.Helper()
	okV, _ := bsonutil.Lookup(resp, "ok")
	f, _ := bsonutil.AsNumber(okV)
	require.Equal(t, float64(0), f, "expected error response, got %v", resp)

	gotCode, _ := bsonutil.Lookup(resp, "code")
	assert.Equal(t, code, gotCode)
	gotName, _ := bsonutil.Lookup(resp, "codeName")
	assert.Equal(t, codeName, gotName)
	errmsg, _ := bsonutil.Lookup(resp, "errmsg")
	assert.NotEmpty(t, errmsg)
	return resp
}

func hasLabel(resp bson.D, label string) bool {
	labelsV, ok := bsonutil.Lookup(resp, "errorLabels")
	if !ok {
		return false
	}
	arr, _ := labelsV.(bson.A)
	for _, l := range arr {
		if l == label {
			return true
		}
	}
	return false
}

func firstBatch(t *testing.T, resp bson.D) (int64, bson.A) {
	t.Helper()
	return cursorBatch(t, resp, "firstBatch")
}

func cursorBatch(t *testing.T, resp bson.D, name string) (int64, bson.A) {
	t.Helper()
	cursorV, ok := bsonutil.Lookup(resp, "cursor")
	require.True(t, ok, "no cursor in %v", resp)
	cursorDoc := cursorV.(bson.D)

	idV, _ := bsonutil.Lookup(cursorDoc, "id")
	id, _ := idV.(int64)
	nsV, _ := bsonutil.Lookup(cursorDoc, "ns")
	_, isStr := nsV.(string)
	require.True(t, isStr, "cursor ns must be a string")

	batchV, _ := bsonutil.Lookup(cursorDoc, name)
	batch, _ := batchV.(bson.A)
	return id, batch
}

func TestHelloShapes(t *testing.T) {
	d := newTestDispatcher(t)

	resp := requireOK(t, d.Dispatch(bson.D{{Key: "hello", Value: int32(1)}}, "admin", 1))
	for _, key := range []string{
		"isWritablePrimary", "helloOk", "maxWireVersion", "maxBsonObjectSize",
		"maxMessageSizeBytes", "maxWriteBatchSize", "logicalSessionTimeoutMinutes",
	} {
		assert.True(t, bsonutil.Has(resp, key), "hello response missing %s", key)
	}
	assert.False(t, bsonutil.Has(resp, "setName"))

	// isMaster alias answers with the legacy field too
	resp = requireOK(t, d.Dispatch(bson.D{{Key: "isMaster", Value: int32(1)}}, "admin", 2))
	assert.True(t, bsonutil.Has(resp, "ismaster"))

	// replica-set profile adds the topology
	d.Cfg.ReplicaSet = "rs0"
	resp = requireOK(t, d.Dispatch(bson.D{{Key: "hello", Value: int32(1)}}, "admin", 3))
	setName, _ := bsonutil.Lookup(resp, "setName")
	assert.Equal(t, "rs0", setName)
	primary, _ := bsonutil.Lookup(resp, "primary")
	assert.Equal(t, "127.0.0.1:27017", primary)
	hosts, _ := bsonutil.Lookup(resp, "hosts")
	assert.Equal(t, bson.A{"127.0.0.1:27017"}, hosts)
}

func TestPingBuildInfoGetParameter(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{{Key: "ping", Value: int32(1)}}, "admin", 1))

	resp := requireOK(t, d.Dispatch(bson.D{{Key: "buildInfo", Value: int32(1)}}, "admin", 2))
	version, _ := bsonutil.Lookup(resp, "version")
	assert.Equal(t, ServerVersion, version)

	resp = requireOK(t, d.Dispatch(bson.D{
		{Key: "getParameter", Value: int32(1)},
		{Key: "featureCompatibilityVersion", Value: int32(1)},
	}, "admin", 3))
	assert.True(t, bsonutil.Has(resp, "featureCompatibilityVersion"))
}

func TestUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)
	requireError(t, d.Dispatch(bson.D{{Key: "frobnicate", Value: int32(1)}}, "app", 1), 59, "CommandNotFound")
}

func TestUnsupportedOption(t *testing.T) {
	d := newTestDispatcher(t)
	resp := requireError(t, d.Dispatch(bson.D{
		{Key: "find", Value: "users"},
		{Key: "tailable", Value: true},
	}, "app", 1), 238, "NotImplemented")
	assert.True(t, hasLabel(resp, "UnsupportedFeature"))
}

// S1 — basic CRUD through the dispatcher.
func TestScenarioBasicCRUD(t *testing.T) {
	d := newTestDispatcher(t)

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "alpha"}},
			bson.D{{Key: "_id", Value: int32(2)}, {Key: "name", Value: "beta"}},
		}},
	}, "app", 1))
	n, _ := bsonutil.Lookup(resp, "n")
	assert.Equal(t, int32(2), n)

	resp = requireOK(t, d.Dispatch(bson.D{
		{Key: "find", Value: "users"},
		{Key: "filter", Value: bson.D{{Key: "status", Value: "active"}}},
	}, "app", 2))
	_, batch := firstBatch(t, resp)
	assert.Empty(t, batch)

	resp = requireOK(t, d.Dispatch(bson.D{
		{Key: "update", Value: "users"},
		{Key: "updates", Value: bson.A{bson.D{
			{Key: "q", Value: bson.D{{Key: "status", Value: "new"}}},
			{Key: "u", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: "active"}}}}},
			{Key: "multi", Value: true},
		}}},
	}, "app", 3))
	n, _ = bsonutil.Lookup(resp, "n")
	assert.Equal(t, int32(0), n)
	nModified, _ := bsonutil.Lookup(resp, "nModified")
	assert.Equal(t, int32(0), nModified)

	resp = requireOK(t, d.Dispatch(bson.D{
		{Key: "find", Value: "users"},
		{Key: "filter", Value: bson.D{{Key: "_id", Value: int32(1)}}},
	}, "app", 4))
	_, batch = firstBatch(t, resp)
	require.Len(t, batch, 1)
	name, _ := bsonutil.Lookup(batch[0].(bson.D), "name")
	assert.Equal(t, "alpha", name)
}

// S2 — unique index rejects the duplicate as a write error.
func TestScenarioUniqueIndex(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "createIndexes", Value: "users"},
		{Key: "indexes", Value: bson.A{bson.D{
			{Key: "name", Value: "email_1"},
			{Key: "key", Value: bson.D{{Key: "email", Value: int32(1)}}},
			{Key: "unique", Value: true},
		}}},
	}, "app", 1))

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}, {Key: "email", Value: "a@x"}}}},
	}, "app", 2))

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(2)}, {Key: "email", Value: "a@x"}}}},
	}, "app", 3))
	n, _ := bsonutil.Lookup(resp, "n")
	assert.Equal(t, int32(0), n)

	weV, ok := bsonutil.Lookup(resp, "writeErrors")
	require.True(t, ok)
	we := weV.(bson.A)
	require.Len(t, we, 1)
	entry := we[0].(bson.D)
	idx, _ := bsonutil.Lookup(entry, "index")
	assert.Equal(t, int32(0), idx)
	code, _ := bsonutil.Lookup(entry, "code")
	assert.Equal(t, int32(11000), code)
	codeName, _ := bsonutil.Lookup(entry, "codeName")
	assert.Equal(t, "DuplicateKey", codeName)

	resp = requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "users"}}, "app", 4))
	_, batch := firstBatch(t, resp)
	assert.Len(t, batch, 1)
}

func txnFields(lsid bson.D, num int64, start bool) bson.D {
	fields := bson.D{
		{Key: "lsid", Value: lsid},
		{Key: "txnNumber", Value: num},
		{Key: "autocommit", Value: false},
	}
	if start {
		fields = append(fields, bson.E{Key: "startTransaction", Value: true})
	}
	return fields
}

func withTxn(doc bson.D, fields bson.D) bson.D {
	return append(doc, fields...)
}

// S3 — transaction commit isolation.
func TestScenarioTransactionCommit(t *testing.T) {
	d := newTestDispatcher(t)
	lsid := newLsid()

	requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "txn"}}}},
	}, txnFields(lsid, 1, true)), "app", 1))

	// outside-session read sees nothing
	resp := requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "users"}}, "app", 2))
	_, batch := firstBatch(t, resp)
	assert.Empty(t, batch)

	// same-session read sees the write
	resp = requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "find", Value: "users"},
	}, txnFields(lsid, 1, false)), "app", 3))
	_, batch = firstBatch(t, resp)
	assert.Len(t, batch, 1)

	requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "commitTransaction", Value: int32(1)},
	}, txnFields(lsid, 1, false)), "admin", 4))

	resp = requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "users"}}, "app", 5))
	_, batch = firstBatch(t, resp)
	assert.Len(t, batch, 1)
}

// S4 — transaction abort.
func TestScenarioTransactionAbort(t *testing.T) {
	d := newTestDispatcher(t)
	lsid := newLsid()

	requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
	}, txnFields(lsid, 1, true)), "app", 1))

	requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "abortTransaction", Value: int32(1)},
	}, txnFields(lsid, 1, false)), "admin", 2))

	resp := requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "users"}}, "app", 3))
	_, batch := firstBatch(t, resp)
	assert.Empty(t, batch)

	// continuing the aborted number: NoSuchTransaction + transient label
	resp = requireError(t, d.Dispatch(withTxn(bson.D{
		{Key: "find", Value: "users"},
	}, txnFields(lsid, 1, false)), "app", 4), 251, "NoSuchTransaction")
	assert.True(t, hasLabel(resp, "TransientTransactionError"))
}

// S5 — multi-batch aggregate cursor.
func TestScenarioCursorMultiBatch(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}},
			bson.D{{Key: "_id", Value: int32(2)}},
			bson.D{{Key: "_id", Value: int32(3)}},
		}},
	}, "app", 1))

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "aggregate", Value: "c"},
		{Key: "pipeline", Value: bson.A{bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: int32(1)}}}}}},
		{Key: "cursor", Value: bson.D{{Key: "batchSize", Value: int32(2)}}},
	}, "app", 2))
	id, batch := firstBatch(t, resp)
	require.NotZero(t, id)
	require.Len(t, batch, 2)
	first, _ := bsonutil.Lookup(batch[0].(bson.D), "_id")
	assert.Equal(t, int32(1), first)

	resp = requireOK(t, d.Dispatch(bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: "c"},
		{Key: "batchSize", Value: int32(2)},
	}, "app", 3))
	nextID, nextBatch := cursorBatch(t, resp, "nextBatch")
	assert.Zero(t, nextID)
	require.Len(t, nextBatch, 1)
	last, _ := bsonutil.Lookup(nextBatch[0].(bson.D), "_id")
	assert.Equal(t, int32(3), last)

	// the cursor is gone now
	requireError(t, d.Dispatch(bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: "c"},
	}, "app", 4), 43, "CursorNotFound")
}

// S6 — ordered bulkWrite halts at the first failure.
func TestScenarioBulkWriteHalt(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "createIndexes", Value: "users"},
		{Key: "indexes", Value: bson.A{bson.D{
			{Key: "name", Value: "email_1"},
			{Key: "key", Value: bson.D{{Key: "email", Value: int32(1)}}},
			{Key: "unique", Value: true},
		}}},
	}, "app", 1))

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "bulkWrite", Value: "users"},
		{Key: "ops", Value: bson.A{
			bson.D{{Key: "insertOne", Value: bson.D{{Key: "document", Value: bson.D{
				{Key: "_id", Value: int32(1)}, {Key: "email", Value: "a"},
			}}}}},
			bson.D{{Key: "insertOne", Value: bson.D{{Key: "document", Value: bson.D{
				{Key: "_id", Value: int32(2)}, {Key: "email", Value: "a"},
			}}}}},
			bson.D{{Key: "insertOne", Value: bson.D{{Key: "document", Value: bson.D{
				{Key: "_id", Value: int32(3)}, {Key: "email", Value: "b"},
			}}}}},
		}},
	}, "app", 2))

	nInserted, _ := bsonutil.Lookup(resp, "nInserted")
	assert.Equal(t, int32(1), nInserted)

	weV, ok := bsonutil.Lookup(resp, "writeErrors")
	require.True(t, ok)
	we := weV.(bson.A)
	require.Len(t, we, 1)
	idx, _ := bsonutil.Lookup(we[0].(bson.D), "index")
	assert.Equal(t, int32(1), idx)
	code, _ := bsonutil.Lookup(we[0].(bson.D), "code")
	assert.Equal(t, int32(11000), code)

	findResp := requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "users"}}, "app", 3))
	_, batch := firstBatch(t, findResp)
	assert.Len(t, batch, 1)
}

func TestBulkWriteUnorderedRejected(t *testing.T) {
	d := newTestDispatcher(t)
	requireError(t, d.Dispatch(bson.D{
		{Key: "bulkWrite", Value: "users"},
		{Key: "ops", Value: bson.A{}},
		{Key: "ordered", Value: false},
	}, "app", 1), 14, "BadValue")
}

func TestCountAlias(t *testing.T) {
	d := newTestDispatcher(t)
	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}, {Key: "x", Value: int32(1)}},
			bson.D{{Key: "_id", Value: int32(2)}},
		}},
	}, "app", 1))

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "count", Value: "c"},
		{Key: "query", Value: bson.D{{Key: "x", Value: int32(1)}}},
	}, "app", 2))
	n, _ := bsonutil.Lookup(resp, "n")
	assert.Equal(t, int64(1), n)
	c, _ := bsonutil.Lookup(resp, "count")
	assert.Equal(t, int64(1), c)
}

func TestDeleteLimitValidation(t *testing.T) {
	d := newTestDispatcher(t)
	requireError(t, d.Dispatch(bson.D{
		{Key: "delete", Value: "c"},
		{Key: "deletes", Value: bson.A{bson.D{
			{Key: "q", Value: bson.D{}},
			{Key: "limit", Value: int32(7)},
		}}},
	}, "app", 1), 14, "BadValue")

	requireError(t, d.Dispatch(bson.D{
		{Key: "update", Value: "c"},
		{Key: "updates", Value: "nope"},
	}, "app", 2), 14, "TypeMismatch")
}

func TestEnvelopeValidation(t *testing.T) {
	d := newTestDispatcher(t)
	lsid := newLsid()

	// txn fields without lsid
	requireError(t, d.Dispatch(bson.D{
		{Key: "find", Value: "c"},
		{Key: "txnNumber", Value: int64(1)},
		{Key: "autocommit", Value: false},
	}, "app", 1), 251, "NoSuchTransaction")

	// startTransaction: false is an error
	requireError(t, d.Dispatch(bson.D{
		{Key: "find", Value: "c"},
		{Key: "lsid", Value: lsid},
		{Key: "txnNumber", Value: int64(1)},
		{Key: "autocommit", Value: false},
		{Key: "startTransaction", Value: false},
	}, "app", 2), 14, "BadValue")

	// startTransaction without autocommit: false
	requireError(t, d.Dispatch(bson.D{
		{Key: "find", Value: "c"},
		{Key: "lsid", Value: lsid},
		{Key: "txnNumber", Value: int64(1)},
		{Key: "startTransaction", Value: true},
	}, "app", 3), 14, "BadValue")

	// lsid of the wrong type
	requireError(t, d.Dispatch(bson.D{
		{Key: "find", Value: "c"},
		{Key: "lsid", Value: "nope"},
		{Key: "txnNumber", Value: int64(1)},
		{Key: "autocommit", Value: false},
	}, "app", 4), 14, "TypeMismatch")

	// starting a second transaction while one is in progress
	requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
	}, txnFields(lsid, 1, true)), "app", 5))
	requireError(t, d.Dispatch(withTxn(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(2)}}}},
	}, txnFields(lsid, 2, true)), "app", 6), 14, "BadValue")
}

func TestCommitIdempotentThroughDispatcher(t *testing.T) {
	d := newTestDispatcher(t)
	lsid := newLsid()

	requireOK(t, d.Dispatch(withTxn(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
	}, txnFields(lsid, 1, true)), "app", 1))

	commit := withTxn(bson.D{{Key: "commitTransaction", Value: int32(1)}}, txnFields(lsid, 1, false))
	requireOK(t, d.Dispatch(commit, "admin", 2))
	requireOK(t, d.Dispatch(commit, "admin", 3), "commit replay within the grace window is ok")
}

func TestFindAndModifyThroughDispatcher(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}, {Key: "v", Value: int32(1)}}}},
	}, "app", 1))

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "findAndModify", Value: "c"},
		{Key: "query", Value: bson.D{{Key: "_id", Value: int32(1)}}},
		{Key: "update", Value: bson.D{{Key: "$inc", Value: bson.D{{Key: "v", Value: int32(1)}}}}},
		{Key: "new", Value: true},
	}, "app", 2))

	leoV, _ := bsonutil.Lookup(resp, "lastErrorObject")
	nV, _ := bsonutil.Lookup(leoV.(bson.D), "n")
	assert.Equal(t, int32(1), nV)

	valueV, _ := bsonutil.Lookup(resp, "value")
	v, _ := bsonutil.Lookup(valueV.(bson.D), "v")
	assert.Equal(t, int32(2), v)
}

func TestKillCursorsShape(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}},
			bson.D{{Key: "_id", Value: int32(2)}},
		}},
	}, "app", 1))

	resp := requireOK(t, d.Dispatch(bson.D{
		{Key: "find", Value: "c"},
		{Key: "batchSize", Value: int32(1)},
	}, "app", 2))
	id, _ := firstBatch(t, resp)
	require.NotZero(t, id)

	resp = requireOK(t, d.Dispatch(bson.D{
		{Key: "killCursors", Value: "c"},
		{Key: "cursors", Value: bson.A{id, int64(999999)}},
	}, "app", 3))

	killed, _ := bsonutil.Lookup(resp, "cursorsKilled")
	assert.Equal(t, bson.A{id}, killed)
	notFound, _ := bsonutil.Lookup(resp, "cursorsNotFound")
	assert.Equal(t, bson.A{int64(999999)}, notFound)
	alive, _ := bsonutil.Lookup(resp, "cursorsAlive")
	assert.Equal(t, bson.A{}, alive)
}

func TestListIndexesAndCollections(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
	}, "app", 1))

	resp := requireOK(t, d.Dispatch(bson.D{{Key: "listIndexes", Value: "c"}}, "app", 2))
	_, batch := firstBatch(t, resp)
	require.Len(t, batch, 1)
	name, _ := bsonutil.Lookup(batch[0].(bson.D), "name")
	assert.Equal(t, "_id_", name)

	resp = requireOK(t, d.Dispatch(bson.D{{Key: "listCollections", Value: int32(1)}}, "app", 3))
	_, batch = firstBatch(t, resp)
	require.Len(t, batch, 1)
}

func TestDropAndDropDatabase(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
	}, "app", 1))

	requireOK(t, d.Dispatch(bson.D{{Key: "drop", Value: "c"}}, "app", 2))
	requireError(t, d.Dispatch(bson.D{{Key: "drop", Value: "c"}}, "app", 3), 14, "BadValue")
	requireOK(t, d.Dispatch(bson.D{{Key: "dropDatabase", Value: int32(1)}}, "app", 4))
}

func TestDollarDbWins(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{
		{Key: "insert", Value: "c"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
		{Key: "$db", Value: "real"},
	}, "hint", 1))

	resp := requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "c"}}, "real", 2))
	_, batch := firstBatch(t, resp)
	assert.Len(t, batch, 1)

	resp = requireOK(t, d.Dispatch(bson.D{{Key: "find", Value: "c"}}, "hint", 3))
	_, batch = firstBatch(t, resp)
	assert.Empty(t, batch)
}

func TestJournalRecordsDispatches(t *testing.T) {
	d := newTestDispatcher(t)

	requireOK(t, d.Dispatch(bson.D{{Key: "ping", Value: int32(1)}}, "admin", 7))
	requireError(t, d.Dispatch(bson.D{{Key: "nope", Value: int32(1)}}, "admin", 8), 59, "CommandNotFound")

	entries, dropped := d.Journal.Entries()
	require.Len(t, entries, 2)
	assert.Zero(t, dropped)
	assert.Equal(t, int32(7), entries[0].Correlation.RequestID)
	assert.Equal(t, "ping", entries[0].Correlation.Command)
	assert.Empty(t, entries[0].Err)
	assert.NotEmpty(t, entries[1].Err)
}
