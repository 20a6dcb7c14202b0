// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
)

// OP_MSG flag bits.
const (
	// FlagChecksumPresent indicates a trailing CRC-32C checksum.
	FlagChecksumPresent uint32 = 1

	// FlagMoreToCome indicates the sender expects no response.
	FlagMoreToCome uint32 = 1 << 1

	// FlagExhaustAllowed indicates the client permits moreToCome replies.
	// The engine never exhausts, so the flag is parsed and ignored.
	FlagExhaustAllowed uint32 = 1 << 16
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// OpMsgSection is a single OP_MSG section. Kind 0 carries exactly one body
// document; kind 1 carries an identifier and a packed document sequence.
type OpMsgSection struct {
	Kind       byte
	Identifier string
	Documents  []bson.Raw
}

// OpMsg is the OP_MSG request/response body.
type OpMsg struct {
	FlagBits uint32
	Sections []OpMsgSection

	// header is the raw header of the message this body was read from; it
	// participates in checksum validation and is unset on locally built
	// messages.
	header [MsgHeaderLen]byte
}

func (*OpMsg) msgbody() {}

// NewOpMsg builds a single-section OP_MSG around doc.
func NewOpMsg(doc bson.D) (*OpMsg, error) {
	raw, err := bsonutil.ToRaw(doc)
	if err != nil {
		return nil, err
	}
	return &OpMsg{Sections: []OpMsgSection{{Kind: 0, Documents: []bson.Raw{raw}}}}, nil
}

// Document merges the message's sections into a single command document:
// the kind 0 body, with every kind 1 sequence attached under its identifier
// as an array, replacing any same-named field already in the body.
func (m *OpMsg) Document() (bson.D, error) {
	var body bson.Raw
	for _, s := range m.Sections {
		if s.Kind == 0 {
			body = s.Documents[0]
		}
	}
	if body == nil {
		return nil, newValidationError(fmt.Errorf("OP_MSG has no body section"))
	}

	doc, err := bsonutil.FromRaw(body)
	if err != nil {
		return nil, err
	}

	for _, s := range m.Sections {
		if s.Kind != 1 {
			continue
		}
		seq := make(bson.A, 0, len(s.Documents))
		for _, raw := range s.Documents {
			d, err := bsonutil.FromRaw(raw)
			if err != nil {
				return nil, err
			}
			seq = append(seq, d)
		}
		doc = bsonutil.Set(doc, s.Identifier, seq)
	}

	return doc, nil
}

// UnmarshalBinary parses the OP_MSG body (flags and sections), validating
// the trailing checksum when the flag announces one.
func (m *OpMsg) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("OP_MSG too short")
	}
	m.FlagBits = binary.LittleEndian.Uint32(b[0:4])

	rest := b[4:]
	if m.FlagBits&FlagChecksumPresent != 0 {
		if len(b) < 8 {
			return fmt.Errorf("OP_MSG too short for checksum")
		}
		want := binary.LittleEndian.Uint32(b[len(b)-4:])
		sum := crc32.Checksum(m.header[:], castagnoli)
		sum = crc32.Update(sum, castagnoli, b[:len(b)-4])
		if sum != want {
			return fmt.Errorf("OP_MSG checksum mismatch: got %08x, want %08x", sum, want)
		}
		rest = b[4 : len(b)-4]
	}

	bodies := 0
	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]

		switch kind {
		case 0:
			doc, rem, err := readDocument(rest)
			if err != nil {
				return fmt.Errorf("OP_MSG body section: %w", err)
			}
			bodies++
			if bodies > 1 {
				return newValidationError(fmt.Errorf("OP_MSG has more than one body section"))
			}
			m.Sections = append(m.Sections, OpMsgSection{Kind: 0, Documents: []bson.Raw{bson.Raw(doc)}})
			rest = rem

		case 1:
			if len(rest) < 4 {
				return fmt.Errorf("OP_MSG sequence section too short")
			}
			size := int32(binary.LittleEndian.Uint32(rest[0:4]))
			if size < 5 || int(size) > len(rest) {
				return fmt.Errorf("OP_MSG sequence section invalid size %d", size)
			}
			seq := rest[4:size]
			rest = rest[size:]

			id, docs, err := readCString(seq)
			if err != nil {
				return fmt.Errorf("OP_MSG sequence identifier: %w", err)
			}
			section := OpMsgSection{Kind: 1, Identifier: id}
			for len(docs) > 0 {
				var doc []byte
				doc, docs, err = readDocument(docs)
				if err != nil {
					return fmt.Errorf("OP_MSG sequence document: %w", err)
				}
				section.Documents = append(section.Documents, bson.Raw(doc))
			}
			m.Sections = append(m.Sections, section)

		default:
			return fmt.Errorf("OP_MSG unknown section kind %d", kind)
		}
	}

	if bodies == 0 {
		return newValidationError(fmt.Errorf("OP_MSG has no body section"))
	}

	return nil
}

// MarshalBinary encodes the OP_MSG body. The checksum flag is never set on
// locally built messages.
func (m *OpMsg) MarshalBinary() ([]byte, error) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, m.FlagBits&^FlagChecksumPresent)

	for _, s := range m.Sections {
		b = append(b, s.Kind)
		switch s.Kind {
		case 0:
			if len(s.Documents) != 1 {
				return nil, fmt.Errorf("OP_MSG body section must hold exactly one document")
			}
			b = append(b, s.Documents[0]...)
		case 1:
			size := 4 + len(s.Identifier) + 1
			for _, doc := range s.Documents {
				size += len(doc)
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(size))
			b = appendCString(b, s.Identifier)
			for _, doc := range s.Documents {
				b = append(b, doc...)
			}
		default:
			return nil, fmt.Errorf("OP_MSG unknown section kind %d", s.Kind)
		}
	}

	return b, nil
}

// String implements fmt.Stringer for OpMsg.
func (m *OpMsg) String() string {
	doc, err := m.Document()
	if err != nil {
		return "<invalid OP_MSG>"
	}
	raw, err := bsonutil.ToRaw(doc)
	if err != nil {
		return "<invalid OP_MSG>"
	}
	return raw.String()
}
