// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package command routes decoded command documents to handlers: it
// canonicalizes the command name, validates the transactional envelope,
// selects the backing store (global engine or the session's snapshot), and
// folds every failure into the uniform response shape.
package command

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/cursor"
	"github.com/jongodb/jongodb/internal/engine"
	"github.com/jongodb/jongodb/internal/journal"
	"github.com/jongodb/jongodb/internal/mongoerrors"
	"github.com/jongodb/jongodb/internal/session"
)

// Handshake constants advertised by hello/buildInfo.
const (
	MaxWireVersion            = 17
	MinWireVersion            = 0
	MaxBSONObjectSize         = 16 * 1024 * 1024
	MaxMessageSizeBytes       = 48000000
	MaxWriteBatchSize         = 100000
	LogicalSessionTimeoutMins = 30
	ServerVersion             = "7.0.0-jongodb"
)

// Config is the dispatcher's topology profile.
type Config struct {
	// Host and Port are what hello advertises in the replica-set profile.
	Host string
	Port int

	// ReplicaSet, when non-empty, switches hello to the replica-set
	// operating profile.
	ReplicaSet string
}

// HostPort renders the advertised address.
func (c Config) HostPort() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Dispatcher routes commands. It is pure with respect to the store each
// request resolves to.
type Dispatcher struct {
	Engine   *engine.Engine
	Sessions *session.Manager
	Cursors  *cursor.Registry
	Journal  *journal.Journal
	Cfg      Config
	Log      *zap.Logger
}

// New wires a dispatcher.
func New(eng *engine.Engine, sessions *session.Manager, cursors *cursor.Registry, jrnl *journal.Journal, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Engine:   eng,
		Sessions: sessions,
		Cursors:  cursors,
		Journal:  jrnl,
		Cfg:      cfg,
		Log:      log,
	}
}

// Request is one command in flight through a handler.
type Request struct {
	DB          string
	CommandName string
	Doc         bson.D

	Store engine.Store

	Session      *session.Session
	SessionID    string
	TxnNumber    int64
	HasTxnNumber bool
	InTxn        bool

	d *Dispatcher
}

// Collection returns the command key's string value: the target collection.
func (r *Request) Collection() (string, error) {
	v, _ := bsonutil.Lookup(r.Doc, r.keyField())
	s, ok := bsonutil.AsString(v)
	if !ok || s == "" {
		return "", mongoerrors.NewTypeMismatch("collection name has to be a non-empty string")
	}
	return s, nil
}

// keyField is the first recognized field's original name.
func (r *Request) keyField() string {
	for _, e := range r.Doc {
		if _, ok := canonicalName(e.Key); ok {
			return e.Key
		}
	}
	return ""
}

// handler is a command implementation.
type handler func(*Request) (bson.D, error)

// commandNames maps lowercase names and aliases to canonical command names.
var commandNames = map[string]string{
	"hello":             "hello",
	"ismaster":          "hello",
	"ping":              "ping",
	"buildinfo":         "buildInfo",
	"getparameter":      "getParameter",
	"whatsmyuri":        "whatsmyuri",
	"connectionstatus":  "connectionStatus",
	"endsessions":       "endSessions",
	"insert":            "insert",
	"find":              "find",
	"update":            "update",
	"delete":            "delete",
	"count":             "countDocuments",
	"countdocuments":    "countDocuments",
	"replaceone":        "replaceOne",
	"findandmodify":     "findAndModify",
	"findoneandupdate":  "findOneAndUpdate",
	"findoneandreplace": "findOneAndReplace",
	"bulkwrite":         "bulkWrite",
	"aggregate":         "aggregate",
	"getmore":           "getMore",
	"killcursors":       "killCursors",
	"createindexes":     "createIndexes",
	"listindexes":       "listIndexes",
	"listcollections":   "listCollections",
	"drop":              "drop",
	"dropdatabase":      "dropDatabase",
	"committransaction": "commitTransaction",
	"aborttransaction":  "abortTransaction",
}

// handlers is the registry keyed by canonical command name.
var handlers = map[string]handler{
	"hello":             handleHello,
	"ping":              handlePing,
	"buildInfo":         handleBuildInfo,
	"getParameter":      handleGetParameter,
	"whatsmyuri":        handleWhatsMyURI,
	"connectionStatus":  handleConnectionStatus,
	"endSessions":       handleEndSessions,
	"insert":            handleInsert,
	"find":              handleFind,
	"update":            handleUpdate,
	"delete":            handleDelete,
	"countDocuments":    handleCount,
	"replaceOne":        handleReplaceOne,
	"findAndModify":     handleFindAndModify,
	"findOneAndUpdate":  handleFindOneAndUpdate,
	"findOneAndReplace": handleFindOneAndReplace,
	"bulkWrite":         handleBulkWrite,
	"aggregate":         handleAggregate,
	"getMore":           handleGetMore,
	"killCursors":       handleKillCursors,
	"createIndexes":     handleCreateIndexes,
	"listIndexes":       handleListIndexes,
	"listCollections":   handleListCollections,
	"drop":              handleDrop,
	"dropDatabase":      handleDropDatabase,
	"commitTransaction": handleCommitTransaction,
	"abortTransaction":  handleAbortTransaction,
}

func nowMillisUTC() int64 { return time.Now().UnixMilli() }

func canonicalName(field string) (string, bool) {
	name, ok := commandNames[strings.ToLower(field)]
	return name, ok
}

// ignoredOptions are envelope and driver bookkeeping fields every handler
// tolerates silently.
var ignoredOptions = map[string]struct{}{
	"$db": {}, "lsid": {}, "txnNumber": {}, "autocommit": {},
	"startTransaction": {}, "$clusterTime": {}, "$readPreference": {},
	"readPreference": {}, "readConcern": {}, "writeConcern": {},
	"maxTimeMS": {}, "comment": {}, "apiVersion": {}, "apiStrict": {},
	"apiDeprecationErrors": {}, "$client": {}, "stmtId": {}, "stmtIds": {},
	"recoveryToken": {},
}

func isIgnoredOption(key string) bool {
	_, ok := ignoredOptions[key]
	return ok
}

// Dispatch runs one command document against the resolved database and
// always returns a response document; failures fold into the uniform
// {ok: 0, code, codeName, errmsg} shape. requestID correlates the journal
// entry with the wire request.
func (d *Dispatcher) Dispatch(doc bson.D, db string, requestID int32) bson.D {
	if v, ok := bsonutil.Lookup(doc, "$db"); ok {
		if s, ok := bsonutil.AsString(v); ok && s != "" {
			db = s
		}
	}

	req, resp := d.prepare(doc, db)
	if resp == nil {
		resp = d.run(req)
	}

	corr := journal.Correlation{RequestID: requestID}
	if req != nil {
		corr.Command = req.CommandName
		corr.SessionID = req.SessionID
		corr.TxnNumber = req.TxnNumber
	}
	errStr := ""
	if okV, ok := bsonutil.Lookup(resp, "ok"); ok {
		if f, _ := bsonutil.AsNumber(okV); f != 1 {
			if msg, ok := bsonutil.Lookup(resp, "errmsg"); ok {
				errStr, _ = bsonutil.AsString(msg)
			}
		}
	}
	d.Journal.Append(corr, doc, resp, errStr)

	if errStr != "" {
		d.Log.Warn("command failed",
			zap.String("command", corr.Command),
			zap.String("errmsg", errStr))
	} else if d.Log.Core().Enabled(zap.DebugLevel) {
		d.Log.Debug("command ok", zap.String("command", corr.Command))
	}

	return resp
}

// prepare canonicalizes the command and validates the transactional
// envelope. A non-nil response means dispatch short-circuited.
func (d *Dispatcher) prepare(doc bson.D, db string) (*Request, bson.D) {
	req := &Request{DB: db, Doc: doc, d: d}

	for _, e := range doc {
		if name, ok := canonicalName(e.Key); ok {
			req.CommandName = name
			break
		}
	}
	if req.CommandName == "" {
		name := "(empty)"
		if len(doc) > 0 {
			name = doc[0].Key
		}
		return req, mongoerrors.NewCommandNotFound(name).Document()
	}

	if resp := d.attachSession(req); resp != nil {
		return req, resp
	}
	return req, nil
}

// attachSession applies the envelope validation rules and selects the store.
func (d *Dispatcher) attachSession(req *Request) bson.D {
	doc := req.Doc

	lsidV, hasLsid := bsonutil.Lookup(doc, "lsid")
	txnV, hasTxn := bsonutil.Lookup(doc, "txnNumber")
	acV, hasAC := bsonutil.Lookup(doc, "autocommit")
	stV, hasST := bsonutil.Lookup(doc, "startTransaction")

	if (hasTxn || hasAC || hasST) && !hasLsid {
		return mongoerrors.NewNoSuchTransaction(false,
			"transaction fields require an lsid").Document()
	}

	req.Store = d.Engine
	if !hasLsid {
		return nil
	}

	lsidDoc, ok := bsonutil.AsDocument(lsidV)
	if !ok {
		return mongoerrors.NewTypeMismatch("lsid must be a document").Document()
	}
	sid, err := session.ParseLsid(lsidDoc)
	if err != nil {
		return mongoerrors.AsCommandError(err).Document()
	}
	req.SessionID = sid
	req.Session = d.Sessions.Lookup(sid)

	if hasTxn {
		n, ok := bsonutil.AsInt64(txnV)
		if !ok {
			return mongoerrors.NewTypeMismatch("txnNumber must be an integer").Document()
		}
		req.TxnNumber = n
		req.HasTxnNumber = true
	}

	var autocommit bool
	if hasAC {
		b, ok := bsonutil.AsBool(acV)
		if !ok {
			return mongoerrors.NewTypeMismatch("autocommit must be a boolean").Document()
		}
		autocommit = b
	}

	isTerminal := req.CommandName == "commitTransaction" || req.CommandName == "abortTransaction"

	if hasST {
		b, ok := bsonutil.AsBool(stV)
		if !ok {
			return mongoerrors.NewTypeMismatch("startTransaction must be a boolean").Document()
		}
		if !b {
			return mongoerrors.NewBadValue("startTransaction can only be set to true").Document()
		}
		if !hasAC || autocommit {
			return mongoerrors.NewBadValue("startTransaction requires autocommit: false").Document()
		}
		if !req.HasTxnNumber {
			return mongoerrors.NewBadValue("startTransaction requires a txnNumber").Document()
		}
		if isTerminal {
			return mongoerrors.NewBadValue(
				"%s cannot carry startTransaction", req.CommandName).Document()
		}
		if err := d.Sessions.Begin(req.Session, req.TxnNumber); err != nil {
			return mongoerrors.AsCommandError(err).Document()
		}
		req.InTxn = true
		req.Store = req.Session.ActiveSnapshot()
		return nil
	}

	if isTerminal {
		if !hasAC || autocommit {
			return mongoerrors.NewBadValue(
				"%s requires autocommit: false", req.CommandName).Document()
		}
		if !req.HasTxnNumber {
			return mongoerrors.NewBadValue(
				"%s requires a txnNumber", req.CommandName).Document()
		}
		return nil
	}

	if hasAC && !autocommit {
		if !req.HasTxnNumber {
			return mongoerrors.NewNoSuchTransaction(true,
				"autocommit: false requires a txnNumber").Document()
		}
		if err := d.Sessions.Validate(req.Session, req.TxnNumber); err != nil {
			return mongoerrors.AsCommandError(err).Document()
		}
		req.InTxn = true
		req.Store = req.Session.ActiveSnapshot()
	}

	// txnNumber without autocommit: a retryable write; it runs against the
	// global store; the session's transaction state is not touched and the
	// txnNumber is not recorded.
	return nil
}

func (d *Dispatcher) run(req *Request) bson.D {
	h, ok := handlers[req.CommandName]
	if !ok {
		return mongoerrors.NewCommandNotFound(req.CommandName).Document()
	}

	resp, err := h(req)
	if err != nil {
		return mongoerrors.AsCommandError(err).Document()
	}
	if _, hasOK := bsonutil.Lookup(resp, "ok"); !hasOK {
		resp = append(resp, bson.E{Key: "ok", Value: float64(1)})
	}
	return resp
}

// rejectUnknownOptions enforces the option surface of a command: known keys
// pass, envelope noise is ignored, anything else is NotImplemented.
func rejectUnknownOptions(req *Request, known map[string]struct{}) error {
	key := req.keyField()
	for _, e := range req.Doc {
		if e.Key == key || isIgnoredOption(e.Key) {
			continue
		}
		if _, ok := known[e.Key]; !ok {
			return mongoerrors.NewNotImplemented("%s option %q", req.CommandName, e.Key)
		}
	}
	return nil
}
