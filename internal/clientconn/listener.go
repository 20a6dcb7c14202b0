// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package clientconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jongodb/jongodb/internal/command"
)

// acceptFailureLimit is how many consecutive Accept failures the loop rides
// out before giving up and closing the listener.
const acceptFailureLimit = 10

// acceptBackoffStep is the linear backoff unit between failed Accepts.
const acceptBackoffStep = 100 * time.Millisecond

// acceptBackoffMax caps the backoff.
const acceptBackoffMax = time.Second

// ListenerOpts configures a Listener.
type ListenerOpts struct {
	Addr       string // host:port, port 0 for kernel-assigned
	DefaultDB  string
	Dispatcher *command.Dispatcher
	Logger     *zap.Logger
}

// Listener accepts client connections and runs one conn loop per client.
type Listener struct {
	opts ListenerOpts
	lis  net.Listener
	l    *zap.Logger
}

// Listen binds the TCP listener and reports the bound address (useful with
// port 0).
func Listen(opts ListenerOpts) (*Listener, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	lis, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Addr, err)
	}
	return &Listener{opts: opts, lis: lis, l: opts.Logger}, nil
}

// Addr returns the bound address.
func (s *Listener) Addr() *net.TCPAddr {
	return s.lis.Addr().(*net.TCPAddr)
}

// Run accepts connections until ctx is canceled or the accept loop exhausts
// its failure budget. It returns after every in-flight connection loop has
// exited.
func (s *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = s.lis.Close()
	}()

	var acceptErr error
	failures := 0
	for {
		netConn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			if failures >= acceptFailureLimit {
				acceptErr = fmt.Errorf("accept failed %d times in a row: %w", failures, err)
				s.l.Error("accept loop giving up", zap.Error(err), zap.Int("failures", failures))
				_ = s.lis.Close()
				break
			}
			backoff := time.Duration(failures) * acceptBackoffStep
			if backoff > acceptBackoffMax {
				backoff = acceptBackoffMax
			}
			s.l.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		failures = 0

		c := &conn{
			netConn:   netConn,
			l:         s.l.With(zap.String("peer", netConn.RemoteAddr().String())),
			dispatch:  s.opts.Dispatcher,
			defaultDB: s.opts.DefaultDB,
		}
		g.Go(func() error {
			defer netConn.Close()
			if err := c.run(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
				c.l.Debug("connection closed", zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && acceptErr == nil && !errors.Is(err, net.ErrClosed) {
		acceptErr = err
	}
	return acceptErr
}
