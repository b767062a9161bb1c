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

package packfile

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"gitcas.dev/store/githash"
	"gitcas.dev/store/internal/varint"
	"gitcas.dev/store/object"
	"gitcas.dev/store/objerr"
)

// ByteReader is a combination of io.Reader and io.ByteReader.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// Reader reads a packfile.
type Reader struct {
	r          byteReaderCounter
	nobjs      uint32
	dataReader zlibReader
}

// NewReader returns a Reader that reads from the given stream.
func NewReader(r ByteReader) *Reader {
	return &Reader{r: byteReaderCounter{r: r}}
}

func (r *Reader) init() error {
	if r.r.n > 0 {
		return nil
	}
	nobjs, err := readFileHeader(&r.r)
	if err != nil {
		return fmt.Errorf("packfile: %w", err)
	}
	r.nobjs = nobjs
	return nil
}

// fileHeaderSize is the number of bytes in the "PACK", version, and object
// count fields at the start of a packfile.
const fileHeaderSize = 12

// readFileHeader reads and validates the fixed-size packfile header,
// returning the declared object count.
func readFileHeader(r io.Reader) (uint32, error) {
	var buf [fileHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read header: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if buf[0] != 'P' || buf[1] != 'A' || buf[2] != 'C' || buf[3] != 'K' {
		return 0, errors.New("read header: incorrect signature")
	}
	version := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	if version != 2 {
		return 0, fmt.Errorf("read header: version is %d (only supports 2): %w", version, objerr.ErrUnsupportedVersion)
	}
	nobjs := uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11])
	return nobjs, nil
}

// Next advances to the next object in the packfile. The Header.Size determines
// how many bytes can be read for the next object. Any remaining data in the
// current object is automatically discarded.
//
// io.EOF is returned at the end of the input.
func (r *Reader) Next() (*Header, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	if r.dataReader != nil {
		if _, err := io.Copy(io.Discard, r.dataReader); err != nil {
			return nil, fmt.Errorf("packfile: advance to next object: %w", err)
		}
		r.dataReader.Close()
	}
	if r.nobjs == 0 {
		// Consume trailing checksum.
		if _, err := io.CopyN(io.Discard, &r.r, githash.SHA1Size); err != nil {
			return nil, fmt.Errorf("packfile: read trailing checksum: %w", err)
		}
		return nil, io.EOF
	}
	hdr := &Header{Offset: r.r.n}
	var err error
	hdr.Type, hdr.Size, err = readLengthType(&r.r)
	if err != nil {
		return nil, fmt.Errorf("packfile: %w", err)
	}
	switch hdr.Type {
	case OffsetDelta:
		off, err := readOffset(&r.r)
		if err != nil {
			return nil, fmt.Errorf("packfile: %w", err)
		}
		hdr.BaseOffset = hdr.Offset + off
	case RefDelta:
		if _, err := io.ReadFull(&r.r, hdr.BaseObject[:]); err != nil {
			return nil, fmt.Errorf("packfile: read ref-delta object: %w", err)
		}
	}
	if r.dataReader == nil {
		dr, err := zlib.NewReader(&r.r)
		if err != nil {
			return nil, fmt.Errorf("packfile: %w", err)
		}
		r.dataReader = dr.(zlibReader)
	} else {
		if err := r.dataReader.Reset(&r.r, nil); err != nil {
			return nil, fmt.Errorf("packfile: %w", err)
		}
	}
	r.nobjs--
	return hdr, nil
}

// Read reads from the current object in the packfile. It returns (0, io.EOF)
// when it reaches the end of that object, until Next is called to advance to
// the next object.
func (r *Reader) Read(p []byte) (int, error) {
	if r.dataReader == nil {
		return 0, fmt.Errorf("packfile: Read() called before Next()")
	}
	n, err := r.dataReader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("packfile: %w", err)
	}
	return n, err
}

// readObjectHeader reads a Header at the given offset, consuming only the
// (type, length) and any OFS_DELTA/REF_DELTA base fields, leaving the
// zlib-compressed payload unread.
func readObjectHeader(offset int64, br ByteReader) (*Header, error) {
	hdr := &Header{Offset: offset}
	var err error
	hdr.Type, hdr.Size, err = readLengthType(br)
	if err != nil {
		return nil, fmt.Errorf("read object header at %d: %w", offset, err)
	}
	switch hdr.Type {
	case OffsetDelta:
		off, err := readOffset(br)
		if err != nil {
			return nil, fmt.Errorf("read object header at %d: %w", offset, err)
		}
		hdr.BaseOffset = offset + off
	case RefDelta:
		if _, err := io.ReadFull(br, hdr.BaseObject[:]); err != nil {
			return nil, fmt.Errorf("read object header at %d: read ref-delta object: %w", offset, err)
		}
	}
	return hdr, nil
}

// ReadHeader is the exported form of readObjectHeader, used by callers (such
// as BuildIndex) that need to parse a single object header out of an
// arbitrary position in a packfile.
func ReadHeader(offset int64, br ByteReader) (*Header, error) {
	return readObjectHeader(offset, br)
}

func readLengthType(br ByteReader) (ObjectType, int64, error) {
	typ, n, err := varint.ReadTypeLen(br)
	if err != nil {
		return 0, 0, fmt.Errorf("read object length+type: %w", err)
	}
	ot := ObjectType(typ)
	if ot == 0 || ot == 5 {
		return 0, 0, fmt.Errorf("read object length+type: invalid type %d", int(ot))
	}
	return ot, n, nil
}

// readOffset parses the offset encoding from
// https://git-scm.com/docs/pack-format.
//
// n bytes with MSB set in all but the last one.
// The offset is then the number constructed by
// concatenating the lower 7 bit of each byte, and
// for n >= 2 adding 2^7 + 2^14 + ... + 2^(7*(n-1))
// to the result.
func readOffset(br io.ByteReader) (int64, error) {
	var bits int64
	var accum int64
	for i := 0; i < 8; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("read offset: %w", err)
		}
		bits <<= 7
		bits |= int64(b & 0x7f)
		if b&0x80 == 0 {
			return -(bits + accum), nil
		}
		accum += 1 << ((i + 1) * 7)
	}
	return 0, fmt.Errorf("read offset: too large")
}

// A Header holds a single object header in a packfile.
type Header struct {
	// Offset is the location in the packfile this object starts at. It can be
	// used as a key for BaseOffset. Writer ignores this field.
	Offset int64

	Type ObjectType

	// Size is the uncompressed size of the object in bytes.
	Size int64

	// BaseOffset is the Offset of a previous Header for an OffsetDelta type object.
	BaseOffset int64
	// BaseObject is the hash of an object for a RefDelta type object.
	BaseObject githash.SHA1
}

// An ObjectType holds the type of an object inside a packfile.
type ObjectType int8

// Object types
const (
	Commit ObjectType = 1
	Tree   ObjectType = 2
	Blob   ObjectType = 3
	Tag    ObjectType = 4

	OffsetDelta ObjectType = 6
	RefDelta    ObjectType = 7
)

func (typ ObjectType) isValid() bool {
	return typ == Commit ||
		typ == Tree ||
		typ == Blob ||
		typ == Tag ||
		typ == OffsetDelta ||
		typ == RefDelta
}

// NonDelta returns the object.Type corresponding to typ, or "" if typ is a
// delta type (OffsetDelta or RefDelta).
func (typ ObjectType) NonDelta() object.Type {
	switch typ {
	case Commit:
		return object.TypeCommit
	case Tree:
		return object.TypeTree
	case Blob:
		return object.TypeBlob
	case Tag:
		return object.TypeTag
	default:
		return ""
	}
}

// String returns the Git object type constant name like "OBJ_COMMIT".
func (t ObjectType) String() string {
	switch t {
	case Commit:
		return "OBJ_COMMIT"
	case Tree:
		return "OBJ_TREE"
	case Blob:
		return "OBJ_BLOB"
	case Tag:
		return "OBJ_TAG"
	case OffsetDelta:
		return "OBJ_OFS_DELTA"
	case RefDelta:
		return "OBJ_REF_DELTA"
	default:
		return fmt.Sprintf("ObjectType(%d)", int8(t))
	}
}

type byteReaderCounter struct {
	r ByteReader
	n int64
}

func (brc *byteReaderCounter) Read(p []byte) (int, error) {
	n, err := brc.r.Read(p)
	brc.n += int64(n)
	return n, err
}

func (brc *byteReaderCounter) ReadByte() (byte, error) {
	b, err := brc.r.ReadByte()
	if err != nil {
		return 0, err
	}
	brc.n++
	return b, err
}

type zlibReader interface {
	io.Reader
	io.Closer
	zlib.Resetter
}

// setZlibReader points *z at a zlib decompression stream reading from r,
// creating a new one on the first call and resetting the existing one
// (avoiding an allocation) on subsequent calls.
func setZlibReader(z *zlibReader, r io.Reader) error {
	if *z == nil {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return err
		}
		*z = zr.(zlibReader)
		return nil
	}
	return (*z).Reset(r, nil)
}

// emptyReader is an io.Reader that always reports EOF, used to detach a
// zlibReader from the stream it was reading without retaining a reference.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) {
	return 0, io.EOF
}
