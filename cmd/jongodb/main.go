// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Command jongodb runs the engine as a standalone TCP server. On success it
// prints JONGODB_URI=<connection string> to stdout and exits 0 on graceful
// shutdown; startup failures print JONGODB_START_FAILURE=<reason> and exit
// non-zero.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jongodb/jongodb"
	"github.com/jongodb/jongodb/internal/logging"
)

func main() {
	var (
		host       = flag.String("listen-host", "127.0.0.1", "host to listen on")
		port       = flag.Int("listen-port", 0, "port to listen on; 0 means kernel-assigned")
		replicaSet = flag.String("replica-set", "", "replica set name; empty runs the standalone profile")
		defaultDB  = flag.String("db", "test", "database advertised in the connection string")
		logLevel   = flag.String("log-level", "", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logging.New(*logLevel)
	defer func() { _ = log.Sync() }()

	srv := jongodb.New(jongodb.Options{
		ListenAddr: fmt.Sprintf("%s:%d", *host, *port),
		ReplicaSet: *replicaSet,
		DefaultDB:  *defaultDB,
		Logger:     log,
	})

	if err := srv.Listen(); err != nil {
		fmt.Fprintf(os.Stdout, "JONGODB_START_FAILURE=%s\n", err)
		log.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "JONGODB_URI=%s\n", srv.URI())
	log.Info("serving", zap.String("uri", srv.URI()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
