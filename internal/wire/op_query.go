// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
)

// OpQuery is the legacy OP_QUERY body. Modern drivers only send it for the
// initial handshake against `<db>.$cmd`, but the engine accepts any command
// through it.
type OpQuery struct {
	Flags                int32
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                bson.Raw
	ReturnFieldsSelector bson.Raw
}

func (*OpQuery) msgbody() {}

// Database returns the database prefix of the namespace, and whether the
// namespace targets the $cmd pseudo-collection.
func (q *OpQuery) Database() (string, bool) {
	db, coll, ok := strings.Cut(q.FullCollectionName, ".")
	if !ok {
		return q.FullCollectionName, false
	}
	return db, coll == "$cmd"
}

// Document decodes the query body into an ordered document.
func (q *OpQuery) Document() (bson.D, error) {
	return bsonutil.FromRaw(q.Query)
}

// UnmarshalBinary parses the OP_QUERY body.
func (q *OpQuery) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("OP_QUERY too short")
	}
	q.Flags = int32(binary.LittleEndian.Uint32(b[0:4]))

	ns, rest, err := readCString(b[4:])
	if err != nil {
		return fmt.Errorf("OP_QUERY namespace: %w", err)
	}
	q.FullCollectionName = ns

	if len(rest) < 8 {
		return fmt.Errorf("OP_QUERY too short")
	}
	q.NumberToSkip = int32(binary.LittleEndian.Uint32(rest[0:4]))
	q.NumberToReturn = int32(binary.LittleEndian.Uint32(rest[4:8]))

	doc, rest, err := readDocument(rest[8:])
	if err != nil {
		return fmt.Errorf("OP_QUERY query: %w", err)
	}
	q.Query = bson.Raw(doc)

	if len(rest) > 0 {
		sel, rest, err := readDocument(rest)
		if err != nil {
			return fmt.Errorf("OP_QUERY returnFieldsSelector: %w", err)
		}
		if len(rest) != 0 {
			return fmt.Errorf("OP_QUERY trailing garbage")
		}
		q.ReturnFieldsSelector = bson.Raw(sel)
	}

	return nil
}

// MarshalBinary encodes the OP_QUERY body.
func (q *OpQuery) MarshalBinary() ([]byte, error) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(q.Flags))
	b = appendCString(b, q.FullCollectionName)
	b = binary.LittleEndian.AppendUint32(b, uint32(q.NumberToSkip))
	b = binary.LittleEndian.AppendUint32(b, uint32(q.NumberToReturn))
	b = append(b, q.Query...)
	if q.ReturnFieldsSelector != nil {
		b = append(b, q.ReturnFieldsSelector...)
	}
	return b, nil
}

// String implements fmt.Stringer for OpQuery.
func (q *OpQuery) String() string {
	return fmt.Sprintf("query %s: %s", q.FullCollectionName, q.Query.String())
}
