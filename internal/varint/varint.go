// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package varint implements the small set of binary encodings shared by the
// loose object and packfile formats: big-endian fixed-width integers and the
// variable-length (type, length) header used to prefix an object's payload.
package varint

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadUint32 reads a 4-byte big-endian unsigned integer from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, unexpectedEOF(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads an 8-byte big-endian unsigned integer from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, unexpectedEOF(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// PutUint32 appends the big-endian encoding of x to dst.
func PutUint32(dst []byte, x uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], x)
	return append(dst, buf[:]...)
}

// PutUint64 appends the big-endian encoding of x to dst.
func PutUint64(dst []byte, x uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], x)
	return append(dst, buf[:]...)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ByteReader is the interface needed to decode a type+length header:
// a single-byte read plus a bulk read, matching bufio.Reader's surface.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// MaxTypeCode is the largest type code that fits in the 3 type bits of a
// type+length header's first byte.
const MaxTypeCode = 7

// AppendTypeLen appends Git's variable-length (type, length) object header to
// dst. typ must fit in 3 bits (0-7). This is the encoding described in
// https://git-scm.com/docs/pack-format for packed objects, and is also used
// by the non-legacy loose object header.
//
// First byte: bit 7 is a continuation flag, bits 4-6 hold typ, bits 0-3 hold
// the low 4 bits of n. Each continuation byte holds 7 more bits of n,
// least-significant first, with bit 7 again signaling continuation.
func AppendTypeLen(dst []byte, typ byte, n int64) []byte {
	msb := byte(0)
	if n >= 0x10 {
		msb = 0x80
	}
	dst = append(dst, typ<<4&0x70|byte(n&0xf)|msb)
	if msb != 0 {
		dst = appendContinuation(dst, uint64(n>>4))
	}
	return dst
}

func appendContinuation(dst []byte, x uint64) []byte {
	for x >= 0x80 {
		dst = append(dst, byte(x)|0x80)
		x >>= 7
	}
	return append(dst, byte(x))
}

// ReadTypeLen decodes a header written by AppendTypeLen.
func ReadTypeLen(br ByteReader) (typ byte, n int64, err error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, 0, unexpectedEOF(err)
	}
	typ = first >> 4 & 7
	n = int64(first & 0xf)
	if first&0x80 != 0 {
		nn, err := binary.ReadUvarint(br)
		if err != nil {
			return typ, 0, unexpectedEOF(err)
		}
		if nn >= 1<<(63-4) {
			return typ, 0, fmt.Errorf("varint: type+length header: length too large")
		}
		n |= int64(nn << 4)
	}
	return typ, n, nil
}
