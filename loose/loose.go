// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package loose stores individual Git objects as zlib-compressed files, one
// per object, the way a repository's objects directory does. Each object is
// addressed by the SHA-1 hash of its canonical "type size\0content" prefix,
// regardless of which header encoding is used on disk.
package loose

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"

	"gitcas.dev/store/githash"
	"gitcas.dev/store/internal/varint"
	"gitcas.dev/store/object"
	"gitcas.dev/store/objerr"
)

// Store is a directory of loose objects, laid out as objects/xx/yyyy...y the
// way a Git repository's .git/objects directory is, minus the pack and info
// subdirectories.
type Store struct {
	// Dir is the root of the object directory tree.
	Dir string
	// CompressionLevel is passed to zlib when writing objects. Zero means
	// zlib.DefaultCompression.
	CompressionLevel int
	// UseLegacyHeaders selects the on-disk object header encoding: the
	// classic ASCII "type size\0" header when true, or the packfile-style
	// variable-length (type, length) header when false. Either way, the
	// object's id is always computed over the ASCII form, so the two
	// encodings are interchangeable without rehashing.
	UseLegacyHeaders bool
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) path(id githash.SHA1) string {
	return filepath.Join(s.Dir, hex.EncodeToString(id[:1]), hex.EncodeToString(id[1:]))
}

// Has reports whether an object with the given id is present in the store.
func (s *Store) Has(id githash.SHA1) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Write stores the content read from r as a new loose object of the given
// type and size, returning its id. If an object with the computed id is
// already present, Write discards the new data and returns the existing
// object's id; this is the same deduplication a real objects directory gets
// for free from content addressing.
func (s *Store) Write(typ object.Type, size int64, r io.Reader) (githash.SHA1, error) {
	if !typ.IsValid() {
		return githash.SHA1{}, fmt.Errorf("loose: write object: invalid type %q", typ)
	}
	if size < 0 {
		return githash.SHA1{}, fmt.Errorf("loose: write object: negative size")
	}

	tmp, err := os.CreateTemp(s.Dir, "obj-*.tmp")
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(s.Dir, 0o777); mkErr != nil {
			return githash.SHA1{}, fmt.Errorf("loose: write object: %w", mkErr)
		}
		tmp, err = os.CreateTemp(s.Dir, "obj-*.tmp")
	}
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			name := tmp.Name()
			tmp.Close()
			os.Remove(name)
		}
	}()

	level := s.CompressionLevel
	if level == 0 {
		level = zlib.DefaultCompression
	}
	zw, err := zlib.NewWriterLevel(tmp, level)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", err)
	}
	var onDiskHeader []byte
	if s.UseLegacyHeaders {
		onDiskHeader = object.AppendPrefix(nil, typ, size)
	} else {
		onDiskHeader = varint.AppendTypeLen(nil, typeCode(typ), size)
	}
	if _, err := zw.Write(onDiskHeader); err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", err)
	}

	h := sha1.New()
	h.Write(object.AppendPrefix(nil, typ, size))
	n, err := io.Copy(io.MultiWriter(zw, h), r)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", err)
	}
	switch {
	case n < size:
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", objerr.ErrShortInput)
	case n > size:
		return githash.SHA1{}, fmt.Errorf("loose: write object: more bytes than declared size (%d)", size)
	}
	if err := zw.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object: %w", err)
	}

	var id githash.SHA1
	h.Sum(id[:0])

	dst := s.path(id)
	if _, err := os.Stat(dst); err == nil {
		committed = true
		os.Remove(tmp.Name())
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object %v: %w", id, err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object %v: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return githash.SHA1{}, fmt.Errorf("loose: write object %v: %w: %v", id, objerr.ErrWriteFailed, err)
	}
	committed = true
	return id, nil
}

// Open opens the object with the given id for reading. The caller must
// Close the returned reader. If no object with that id is present, Open
// returns an error for which errors.Is(err, objerr.ErrNotFound) is true.
func (s *Store) Open(id githash.SHA1) (object.Prefix, io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return object.Prefix{}, nil, fmt.Errorf("loose: open object %v: %w", id, objerr.ErrNotFound)
		}
		return object.Prefix{}, nil, fmt.Errorf("loose: open object %v: %w", id, err)
	}
	zr, err := zlib.NewReader(f)
	if err != nil {
		f.Close()
		return object.Prefix{}, nil, fmt.Errorf("loose: open object %v: %w", id, objerr.ErrCorruptObject)
	}
	br := bufio.NewReader(zr)
	prefix, err := readHeader(br)
	if err != nil {
		zr.Close()
		f.Close()
		return object.Prefix{}, nil, fmt.Errorf("loose: open object %v: %w", id, err)
	}
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, prefix.Type, prefix.Size))
	return prefix, &objectReader{r: br, zr: zr, f: f, h: h, id: id, want: prefix.Size}, nil
}

// objectReader streams a loose object's inflated payload while hashing it
// alongside the canonical header, so a bit-flip anywhere in the stored bytes
// surfaces as objerr.ErrCorruptObject from the Read call that reaches EOF
// instead of silently handing back the wrong content. An inflate failure
// partway through the stream is also reported as objerr.ErrCorruptObject.
type objectReader struct {
	r    *bufio.Reader
	zr   io.ReadCloser
	f    *os.File
	h    hash.Hash
	id   githash.SHA1
	want int64
	read int64
}

func (rd *objectReader) Read(p []byte) (int, error) {
	n, err := rd.r.Read(p)
	if n > 0 {
		rd.h.Write(p[:n])
		rd.read += int64(n)
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("loose: read object %v: %w: %v", rd.id, objerr.ErrCorruptObject, err)
	}
	if err == io.EOF {
		if rd.read != rd.want {
			return n, fmt.Errorf("loose: read object %v: %w", rd.id, objerr.ErrCorruptObject)
		}
		var sum githash.SHA1
		rd.h.Sum(sum[:0])
		if sum != rd.id {
			return n, fmt.Errorf("loose: read object %v: %w", rd.id, objerr.ErrCorruptObject)
		}
	}
	return n, err
}

func (rd *objectReader) Close() error {
	zerr := rd.zr.Close()
	ferr := rd.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// readHeader decodes the header at the start of a decompressed loose object
// stream, detecting which of the two encodings was used. The legacy header
// begins with a lowercase ASCII letter ('b', 't', or 'c'); the packed-style
// header's first byte always has its top bit representing a continuation
// flag and the next three bits a numeric type code in 1..4, which never
// collides with a lowercase letter's bit pattern.
func readHeader(br *bufio.Reader) (object.Prefix, error) {
	first, err := br.Peek(1)
	if err != nil {
		return object.Prefix{}, fmt.Errorf("read header: %w", objerr.ErrCorruptObject)
	}
	if first[0] >= 'a' && first[0] <= 'z' {
		return readLegacyHeader(br)
	}
	return readPackedHeader(br)
}

func readLegacyHeader(br *bufio.Reader) (object.Prefix, error) {
	data, err := br.ReadBytes(0)
	if err != nil {
		return object.Prefix{}, fmt.Errorf("read legacy header: %w", objerr.ErrCorruptObject)
	}
	var prefix object.Prefix
	if err := prefix.UnmarshalBinary(data); err != nil {
		return object.Prefix{}, fmt.Errorf("read legacy header: %w", err)
	}
	return prefix, nil
}

func readPackedHeader(br *bufio.Reader) (object.Prefix, error) {
	typ, n, err := varint.ReadTypeLen(br)
	if err != nil {
		return object.Prefix{}, fmt.Errorf("read packed header: %w: %v", objerr.ErrCorruptObject, err)
	}
	ot := typeFromCode(typ)
	if ot == "" {
		return object.Prefix{}, fmt.Errorf("read packed header: unknown type code %d: %w", typ, objerr.ErrCorruptObject)
	}
	return object.Prefix{Type: ot, Size: n}, nil
}

// typeCode and typeFromCode share the numbering packfile.ObjectType uses, so
// the same on-disk type code means the same thing whether it came from a
// pack or a loose object.
func typeCode(typ object.Type) byte {
	switch typ {
	case object.TypeCommit:
		return 1
	case object.TypeTree:
		return 2
	case object.TypeBlob:
		return 3
	case object.TypeTag:
		return 4
	default:
		return 0
	}
}

func typeFromCode(code byte) object.Type {
	switch code {
	case 1:
		return object.TypeCommit
	case 2:
		return object.TypeTree
	case 3:
		return object.TypeBlob
	case 4:
		return object.TypeTag
	default:
		return ""
	}
}
