// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package jongodb

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/wire"
)

func TestDispatchInProcess(t *testing.T) {
	srv := New(Options{DefaultDB: "app"})

	resp := srv.Dispatch(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "alpha"}}}},
	})
	okV, _ := bsonutil.Lookup(resp, "ok")
	require.Equal(t, float64(1), okV)

	resp = srv.Dispatch(bson.D{
		{Key: "find", Value: "users"},
		{Key: "filter", Value: bson.D{{Key: "_id", Value: int32(1)}}},
	})
	cursorV, ok := bsonutil.Lookup(resp, "cursor")
	require.True(t, ok)
	batchV, _ := bsonutil.Lookup(cursorV.(bson.D), "firstBatch")
	require.Len(t, batchV.(bson.A), 1)

	// the journal recorded both commands
	entries, _ := srv.Journal().Entries()
	assert.Len(t, entries, 2)

	var repro strings.Builder
	require.NoError(t, srv.WriteRepro(&repro))
	assert.Equal(t, 2, strings.Count(repro.String(), "\n"))
}

func TestServeTCP(t *testing.T) {
	srv := New(Options{ListenAddr: "127.0.0.1:0", DefaultDB: "app", ReplicaSet: "rs0"})
	require.NoError(t, srv.Listen())

	uri := srv.URI()
	assert.True(t, strings.HasPrefix(uri, "mongodb://127.0.0.1:"), uri)
	assert.True(t, strings.HasSuffix(uri, "/app?replicaSet=rs0"), uri)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	addr := strings.SplitN(strings.TrimPrefix(uri, "mongodb://"), "/", 2)[0]
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	bufr := bufio.NewReader(conn)

	// legacy handshake over OP_QUERY gets an OP_REPLY
	queryRaw, err := bson.Marshal(bson.D{{Key: "isMaster", Value: int32(1)}})
	require.NoError(t, err)
	query := &wire.OpQuery{
		FullCollectionName: "admin.$cmd",
		NumberToReturn:     -1,
		Query:              bson.Raw(queryRaw),
	}
	require.NoError(t, wire.WriteMessage(conn, &wire.MsgHeader{RequestID: 1, OpCode: wire.OpCodeQuery}, query))

	header, body, err := wire.ReadMessage(bufr)
	require.NoError(t, err)
	assert.Equal(t, wire.OpCodeReply, header.OpCode)
	assert.Equal(t, int32(1), header.ResponseTo)

	reply := body.(*wire.OpReply)
	require.Len(t, reply.Documents, 1)
	var hello bson.D
	require.NoError(t, bson.Unmarshal(reply.Documents[0], &hello))
	setName, _ := bsonutil.Lookup(hello, "setName")
	assert.Equal(t, "rs0", setName)

	// insert then find over OP_MSG
	insert, err := wire.NewOpMsg(bson.D{
		{Key: "insert", Value: "users"},
		{Key: "$db", Value: "app"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, &wire.MsgHeader{RequestID: 2, OpCode: wire.OpCodeMsg}, insert))

	header, body, err = wire.ReadMessage(bufr)
	require.NoError(t, err)
	assert.Equal(t, wire.OpCodeMsg, header.OpCode)
	assert.Equal(t, int32(2), header.ResponseTo)

	respDoc, err := body.(*wire.OpMsg).Document()
	require.NoError(t, err)
	okV, _ := bsonutil.Lookup(respDoc, "ok")
	assert.Equal(t, float64(1), okV)
	n, _ := bsonutil.Lookup(respDoc, "n")
	assert.Equal(t, int32(1), n)

	// compressed request gets a compressed response
	find, err := wire.NewOpMsg(bson.D{
		{Key: "find", Value: "users"},
		{Key: "$db", Value: "app"},
	})
	require.NoError(t, err)
	compressed, err := wire.Compress(find, wire.OpCodeMsg, wire.CompressorSnappy)
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, &wire.MsgHeader{RequestID: 3, OpCode: wire.OpCodeCompressed}, compressed))

	header, body, err = wire.ReadMessage(bufr)
	require.NoError(t, err)
	require.Equal(t, wire.OpCodeCompressed, header.OpCode)
	inner, err := body.(*wire.OpCompressed).Decompress()
	require.NoError(t, err)
	respDoc, err = inner.(*wire.OpMsg).Document()
	require.NoError(t, err)
	cursorV, _ := bsonutil.Lookup(respDoc, "cursor")
	batchV, _ := bsonutil.Lookup(cursorV.(bson.D), "firstBatch")
	assert.Len(t, batchV.(bson.A), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
