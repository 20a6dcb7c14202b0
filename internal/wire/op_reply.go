// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wire

import (
	"encoding/binary"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
)

// OP_REPLY response flags.
const (
	// ReplyFlagCursorNotFound is set when getMore referenced a dead cursor.
	ReplyFlagCursorNotFound int32 = 1

	// ReplyFlagQueryFailure is set when the reply document is an error.
	ReplyFlagQueryFailure int32 = 1 << 1

	// ReplyFlagAwaitCapable is always set; the flag only signals server
	// capability.
	ReplyFlagAwaitCapable int32 = 1 << 3
)

// OpReply is the legacy OP_REPLY body sent in response to OP_QUERY. Reply
// documents are command-response documents even for command-over-query.
type OpReply struct {
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bson.Raw
}

func (*OpReply) msgbody() {}

// NewOpReply builds a single-document reply around doc.
func NewOpReply(doc bson.D) (*OpReply, error) {
	raw, err := bsonutil.ToRaw(doc)
	if err != nil {
		return nil, err
	}
	return &OpReply{
		ResponseFlags:  ReplyFlagAwaitCapable,
		NumberReturned: 1,
		Documents:      []bson.Raw{raw},
	}, nil
}

// UnmarshalBinary parses the OP_REPLY body.
func (r *OpReply) UnmarshalBinary(b []byte) error {
	if len(b) < 20 {
		return fmt.Errorf("OP_REPLY too short")
	}
	r.ResponseFlags = int32(binary.LittleEndian.Uint32(b[0:4]))
	r.CursorID = int64(binary.LittleEndian.Uint64(b[4:12]))
	r.StartingFrom = int32(binary.LittleEndian.Uint32(b[12:16]))
	r.NumberReturned = int32(binary.LittleEndian.Uint32(b[16:20]))

	rest := b[20:]
	for len(rest) > 0 {
		doc, rem, err := readDocument(rest)
		if err != nil {
			return fmt.Errorf("OP_REPLY document: %w", err)
		}
		r.Documents = append(r.Documents, bson.Raw(doc))
		rest = rem
	}

	if int(r.NumberReturned) != len(r.Documents) {
		return fmt.Errorf("OP_REPLY numberReturned %d does not match %d documents", r.NumberReturned, len(r.Documents))
	}

	return nil
}

// MarshalBinary encodes the OP_REPLY body.
func (r *OpReply) MarshalBinary() ([]byte, error) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(r.ResponseFlags))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.CursorID))
	b = binary.LittleEndian.AppendUint32(b, uint32(r.StartingFrom))
	b = binary.LittleEndian.AppendUint32(b, uint32(r.NumberReturned))
	for _, doc := range r.Documents {
		b = append(b, doc...)
	}
	return b, nil
}

// String implements fmt.Stringer for OpReply.
func (r *OpReply) String() string {
	if len(r.Documents) == 0 {
		return "reply: <empty>"
	}
	return fmt.Sprintf("reply: %s", r.Documents[0].String())
}
