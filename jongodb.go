// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package jongodb embeds a MongoDB-compatible command engine in-process,
// for use as a test backend. Drivers connect over TCP (see cmd/jongodb) or
// tests dispatch command documents directly:
//
//	srv := jongodb.New(jongodb.Options{})
//	resp := srv.Dispatch(bson.D{
//		{Key: "insert", Value: "users"},
//		{Key: "$db", Value: "app"},
//		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
//	})
//
// All state is in memory and lost when the server is discarded.
package jongodb

import (
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/jongodb/jongodb/internal/clientconn"
	"github.com/jongodb/jongodb/internal/command"
	"github.com/jongodb/jongodb/internal/cursor"
	"github.com/jongodb/jongodb/internal/engine"
	"github.com/jongodb/jongodb/internal/journal"
	"github.com/jongodb/jongodb/internal/session"
)

// Options configures a Server.
type Options struct {
	// ListenAddr is the host:port to serve on; port 0 asks the kernel.
	// Empty means in-process only (no TCP).
	ListenAddr string

	// ReplicaSet switches the handshake to the replica-set profile and
	// advertises the set name.
	ReplicaSet string

	// DefaultDB is the database advertised in the connection string and
	// assumed when a command carries no $db. Defaults to "test".
	DefaultDB string

	// JournalCapacity bounds the command journal ring; 0 means the
	// default.
	JournalCapacity int

	// Logger is the zap logger; nil means no logging.
	Logger *zap.Logger
}

// Server is one engine plus its dispatcher, sessions, cursors, and journal.
type Server struct {
	opts       Options
	engine     *engine.Engine
	sessions   *session.Manager
	cursors    *cursor.Registry
	journal    *journal.Journal
	dispatcher *command.Dispatcher
	listener   *clientconn.Listener
}

// New assembles a server. With a ListenAddr set, call Run to serve TCP;
// Dispatch works either way.
func New(opts Options) *Server {
	if opts.DefaultDB == "" {
		opts.DefaultDB = "test"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	eng := engine.New(log.Named("engine"))
	cursors := cursor.NewRegistry()
	sessions := session.NewManager(eng, cursors)
	jrnl := journal.New(opts.JournalCapacity)

	s := &Server{
		opts:     opts,
		engine:   eng,
		sessions: sessions,
		cursors:  cursors,
		journal:  jrnl,
	}
	s.dispatcher = command.New(eng, sessions, cursors, jrnl, command.Config{
		ReplicaSet: opts.ReplicaSet,
	}, log.Named("dispatch"))
	return s
}

// Dispatch runs one command document and returns the response document. The
// target database comes from the command's $db field, falling back to the
// server's default.
func (s *Server) Dispatch(doc bson.D) bson.D {
	return s.dispatcher.Dispatch(doc, s.opts.DefaultDB, 0)
}

// Listen binds the TCP listener and fills in the advertised host and port.
// Call before Run when the bound port matters (port 0).
func (s *Server) Listen() error {
	if s.opts.ListenAddr == "" {
		return fmt.Errorf("no listen address configured")
	}
	log := s.opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	lis, err := clientconn.Listen(clientconn.ListenerOpts{
		Addr:       s.opts.ListenAddr,
		DefaultDB:  s.opts.DefaultDB,
		Dispatcher: s.dispatcher,
		Logger:     log.Named("clientconn"),
	})
	if err != nil {
		return err
	}
	s.listener = lis

	addr := lis.Addr()
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	s.dispatcher.Cfg.Host = host
	s.dispatcher.Cfg.Port = addr.Port
	return nil
}

// Run serves TCP until ctx is canceled. Listen must have been called.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.listener.Run(ctx)
}

// URI renders the connection string the server advertises.
func (s *Server) URI() string {
	cfg := s.dispatcher.Cfg
	uri := fmt.Sprintf("mongodb://%s/%s", cfg.HostPort(), s.opts.DefaultDB)
	if s.opts.ReplicaSet != "" {
		uri += "?replicaSet=" + s.opts.ReplicaSet
	}
	return uri
}

// Journal exposes the command journal for diagnostics tooling.
func (s *Server) Journal() *journal.Journal { return s.journal }

// WriteRepro dumps the journal as one re-dispatchable Extended JSON command
// document per line.
func (s *Server) WriteRepro(w io.Writer) error { return s.journal.WriteRepro(w) }

// Diagnose returns the invariant/triage summary derived from the journal.
func (s *Server) Diagnose() bson.D { return s.journal.Diagnose() }
