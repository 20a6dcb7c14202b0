// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressorID identifies a wire compression algorithm.
type CompressorID uint8

// The compressor ids the engine negotiates.
const (
	CompressorNoop   CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZlib   CompressorID = 2
	CompressorZstd   CompressorID = 3
)

// CompressorNames lists the compressor names advertised in the handshake, in
// preference order.
var CompressorNames = []string{"snappy", "zlib", "zstd"}

// String implements fmt.Stringer for CompressorID.
func (c CompressorID) String() string {
	switch c {
	case CompressorNoop:
		return "noop"
	case CompressorSnappy:
		return "snappy"
	case CompressorZlib:
		return "zlib"
	case CompressorZstd:
		return "zstd"
	default:
		return fmt.Sprintf("CompressorID(%d)", uint8(c))
	}
}

// OpCompressed wraps another wire message body in transport compression.
type OpCompressed struct {
	OriginalOpCode   OpCode
	UncompressedSize int32
	CompressorID     CompressorID
	CompressedData   []byte
}

func (*OpCompressed) msgbody() {}

// Compress wraps body with the given compressor.
func Compress(body MsgBody, original OpCode, id CompressorID) (*OpCompressed, error) {
	src, err := body.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var data []byte
	switch id {
	case CompressorNoop:
		data = src
	case CompressorSnappy:
		data = snappy.Encode(nil, src)
	case CompressorZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(src); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		data = buf.Bytes()
	case CompressorZstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		data = zw.EncodeAll(src, nil)
		_ = zw.Close()
	default:
		return nil, fmt.Errorf("unsupported compressor %s", id)
	}

	return &OpCompressed{
		OriginalOpCode:   original,
		UncompressedSize: int32(len(src)),
		CompressorID:     id,
		CompressedData:   data,
	}, nil
}

// Decompress unwraps the inner message body.
func (c *OpCompressed) Decompress() (MsgBody, error) {
	var src []byte
	switch c.CompressorID {
	case CompressorNoop:
		src = c.CompressedData
	case CompressorSnappy:
		var err error
		src, err = snappy.Decode(nil, c.CompressedData)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
	case CompressorZlib:
		zr, err := zlib.NewReader(bytes.NewReader(c.CompressedData))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		src, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		_ = zr.Close()
	case CompressorZstd:
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		src, err = zr.DecodeAll(c.CompressedData, nil)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compressor %s", c.CompressorID)
	}

	if int32(len(src)) != c.UncompressedSize {
		return nil, fmt.Errorf("uncompressed size %d does not match declared %d", len(src), c.UncompressedSize)
	}

	var inner MsgBody
	switch c.OriginalOpCode {
	case OpCodeMsg:
		inner = new(OpMsg)
	case OpCodeQuery:
		inner = new(OpQuery)
	case OpCodeReply:
		inner = new(OpReply)
	default:
		return nil, fmt.Errorf("unsupported compressed opcode %s", c.OriginalOpCode)
	}
	if err := inner.UnmarshalBinary(src); err != nil {
		return nil, err
	}
	return inner, nil
}

// UnmarshalBinary parses the OP_COMPRESSED body.
func (c *OpCompressed) UnmarshalBinary(b []byte) error {
	if len(b) < 9 {
		return fmt.Errorf("OP_COMPRESSED too short")
	}
	c.OriginalOpCode = OpCode(binary.LittleEndian.Uint32(b[0:4]))
	c.UncompressedSize = int32(binary.LittleEndian.Uint32(b[4:8]))
	c.CompressorID = CompressorID(b[8])
	c.CompressedData = b[9:]
	return nil
}

// MarshalBinary encodes the OP_COMPRESSED body.
func (c *OpCompressed) MarshalBinary() ([]byte, error) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(c.OriginalOpCode))
	b = binary.LittleEndian.AppendUint32(b, uint32(c.UncompressedSize))
	b = append(b, byte(c.CompressorID))
	b = append(b, c.CompressedData...)
	return b, nil
}

// String implements fmt.Stringer for OpCompressed.
func (c *OpCompressed) String() string {
	return fmt.Sprintf("compressed %s (%s, %d bytes)", c.OriginalOpCode, c.CompressorID, len(c.CompressedData))
}
