// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package clientconn serves the wire protocol over TCP: an accept loop with
// backoff, and a per-connection read→dispatch→write loop that preserves
// arrival order within the connection.
package clientconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/jongodb/jongodb/internal/command"
	"github.com/jongodb/jongodb/internal/mongoerrors"
	"github.com/jongodb/jongodb/internal/wire"
)

// lastRequestID feeds response request ids from one process-wide counter.
var lastRequestID atomic.Int32

// conn is one client connection. Requests are handled serially in arrival
// order; parallelism happens across connections.
type conn struct {
	netConn   net.Conn
	l         *zap.Logger
	dispatch  *command.Dispatcher
	defaultDB string
}

// run serves the connection until the client disconnects, ctx is canceled,
// or a fatal framing error occurs. The caller closes the underlying
// net.Conn.
func (c *conn) run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			// unblocks the pending read; any past deadline will do
			_ = c.netConn.SetDeadline(time.Unix(0, 0))
		}
	}()

	bufr := bufio.NewReader(c.netConn)
	bufw := bufio.NewWriter(c.netConn)

	for {
		reqHeader, reqBody, err := wire.ReadMessage(bufr)
		if errors.Is(err, wire.ErrZeroRead) {
			return nil
		}

		var validationErr *wire.ValidationError
		if err != nil && errors.As(err, &validationErr) {
			// a parseable envelope with an invalid section layout gets a
			// normal failure response; the connection stays open
			resp := mongoerrors.NewBadValue("%s", validationErr.Error()).Document()
			if err := c.writeResponse(bufw, reqHeader, wire.OpCodeMsg, wire.CompressorNoop, resp); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		if c.l.Core().Enabled(zap.DebugLevel) {
			c.l.Debug("request", zap.String("header", reqHeader.String()))
		}

		compressor := wire.CompressorNoop
		if compressed, ok := reqBody.(*wire.OpCompressed); ok {
			inner, err := compressed.Decompress()
			if err != nil {
				return fmt.Errorf("decompress message: %w", err)
			}
			compressor = compressed.CompressorID
			reqHeader.OpCode = compressed.OriginalOpCode
			reqBody = inner
		}

		switch body := reqBody.(type) {
		case *wire.OpMsg:
			doc, err := body.Document()
			if err != nil {
				resp := mongoerrors.AsCommandError(err).Document()
				if err := c.writeResponse(bufw, reqHeader, wire.OpCodeMsg, compressor, resp); err != nil {
					return err
				}
				continue
			}

			resp := c.dispatch.Dispatch(doc, c.defaultDB, reqHeader.RequestID)

			if body.FlagBits&wire.FlagMoreToCome != 0 {
				continue // fire-and-forget: no response
			}
			if err := c.writeResponse(bufw, reqHeader, wire.OpCodeMsg, compressor, resp); err != nil {
				return err
			}

		case *wire.OpQuery:
			doc, err := body.Document()
			if err != nil {
				return fmt.Errorf("decode query: %w", err)
			}
			// the namespace prefix resolves the database unless the body
			// carries $db, which wins inside Dispatch
			db, _ := body.Database()
			resp := c.dispatch.Dispatch(doc, db, reqHeader.RequestID)
			if err := c.writeResponse(bufw, reqHeader, wire.OpCodeReply, compressor, resp); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unhandled opcode %s", reqHeader.OpCode)
		}
	}
}

// writeResponse frames doc per the request's opcode family, compressing the
// response with the request's compressor when one was used, and flushes.
func (c *conn) writeResponse(w *bufio.Writer, reqHeader *wire.MsgHeader, op wire.OpCode, compressor wire.CompressorID, doc bson.D) error {
	var body wire.MsgBody
	var err error

	switch op {
	case wire.OpCodeMsg:
		body, err = wire.NewOpMsg(doc)
	case wire.OpCodeReply:
		body, err = wire.NewOpReply(doc)
	default:
		return fmt.Errorf("cannot respond with opcode %s", op)
	}
	if err != nil {
		return err
	}

	if compressor != wire.CompressorNoop {
		body, err = wire.Compress(body, op, compressor)
		if err != nil {
			return err
		}
		op = wire.OpCodeCompressed
	}

	header := &wire.MsgHeader{
		RequestID:  lastRequestID.Add(1),
		ResponseTo: reqHeader.RequestID,
		OpCode:     op,
	}
	if err := wire.WriteMessage(w, header, body); err != nil {
		return err
	}
	return w.Flush()
}
