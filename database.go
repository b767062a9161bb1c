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

package store

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitcas.dev/store/githash"
	"gitcas.dev/store/loose"
	"gitcas.dev/store/object"
	"gitcas.dev/store/objerr"
	"gitcas.dev/store/packfile"
)

// ObjectDatabase is the façade over a loose-object store and any number of
// packs, mirroring how a real .git/objects directory layers the two: a
// lookup checks loose storage first, then falls back to each discovered
// pack in turn. New objects are always written loose; packing them is the
// job of a separate repack step this module does not implement.
type ObjectDatabase struct {
	cfg   Config
	loose *loose.Store

	mu      sync.Mutex
	scanned bool
	packs   []*packHandle
}

// packHandle holds everything needed to look up and extract an object from
// one pack, without keeping the pack file open between calls.
type packHandle struct {
	packPath string
	idx      *packfile.Index

	mu sync.Mutex
	u  packfile.Undeltifier
}

// Open returns an ObjectDatabase backed by cfg. It does not scan for packs
// until the first lookup that misses loose storage; ObjectsDir need not
// exist yet (it is created on first write).
func Open(cfg Config) (*ObjectDatabase, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &ObjectDatabase{
		cfg: cfg,
		loose: &loose.Store{
			Dir:              cfg.ObjectsDir,
			CompressionLevel: cfg.CompressionLevel,
			UseLegacyHeaders: cfg.UseLegacyHeaders,
		},
	}, nil
}

// packDir returns the directory ObjectDatabase looks for *.pack/*.idx pairs
// in, matching the layout of a repository's .git/objects/pack directory.
func (db *ObjectDatabase) packDir() string {
	return filepath.Join(db.cfg.ObjectsDir, "pack")
}

// scanPacks discovers pack/index pairs under packDir, reading each index
// fully into memory (as packfile.ReadIndex's own documentation says is
// reasonable for the sizes this format targets). It runs at most once per
// ObjectDatabase; a pack added to the directory afterward is not picked up
// until a new ObjectDatabase is opened, matching Non-goal exclusion of
// repacking and concurrent multi-writer coordination.
func (db *ObjectDatabase) scanPacks() error {
	if db.scanned {
		return nil
	}
	entries, err := ioutil.ReadDir(db.packDir())
	if os.IsNotExist(err) {
		db.scanned = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: scan packs: %w", err)
	}
	var packs []*packHandle
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".idx") {
			continue
		}
		base := strings.TrimSuffix(name, ".idx")
		packPath := filepath.Join(db.packDir(), base+".pack")
		if _, err := os.Stat(packPath); err != nil {
			continue
		}
		idxPath := filepath.Join(db.packDir(), name)
		f, err := os.Open(idxPath)
		if err != nil {
			return fmt.Errorf("store: scan packs: %w", err)
		}
		idx, err := packfile.ReadIndex(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("store: scan packs: read index %s: %w", name, err)
		}
		packs = append(packs, &packHandle{packPath: packPath, idx: idx})
	}
	db.packs = packs
	db.scanned = true
	return nil
}

// HasObject reports whether an object with the given id is present in
// loose storage or any discovered pack.
func (db *ObjectDatabase) HasObject(id githash.SHA1) (bool, error) {
	if db.loose.Has(id) {
		return true, nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.scanPacks(); err != nil {
		return false, err
	}
	for _, p := range db.packs {
		if p.idx.HasObject(id) {
			return true, nil
		}
	}
	return false, nil
}

// OpenObject opens the object with the given id for reading, checking loose
// storage before falling back to packs. The caller must Close the returned
// reader. If the object is present in no pack and not loose, the error
// wraps objerr.ErrNotFound.
func (db *ObjectDatabase) OpenObject(id githash.SHA1) (object.Prefix, io.ReadCloser, error) {
	prefix, r, err := db.loose.Open(id)
	if err == nil {
		return prefix, r, nil
	}
	if !errors.Is(err, objerr.ErrNotFound) {
		return object.Prefix{}, nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.scanPacks(); err != nil {
		return object.Prefix{}, nil, err
	}
	for _, p := range db.packs {
		i := p.idx.FindID(id)
		if i < 0 {
			continue
		}
		return p.open(p.idx.Offsets[i])
	}
	return object.Prefix{}, nil, fmt.Errorf("store: open object %v: %w", id, objerr.ErrNotFound)
}

// open extracts the object at offset from the pack, undeltifying it if
// necessary. The returned reader owns the opened pack file and closes it.
//
// p.mu stays held for the lifetime of the returned reader, not just the
// Undeltify call: a non-deltified result reads straight through the
// Undeltifier's shared zlib reader, so a second open on the same pack
// must not reuse that state until the first reader is closed.
func (p *packHandle) open(offset int64) (object.Prefix, io.ReadCloser, error) {
	f, err := os.Open(p.packPath)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("store: open pack %s: %w", p.packPath, err)
	}
	rs := packfile.NewBufferedReadSeeker(f)

	p.mu.Lock()
	prefix, r, err := p.u.Undeltify(rs, offset, &packfile.UndeltifyOptions{Index: p.idx})
	if err != nil {
		p.mu.Unlock()
		f.Close()
		return object.Prefix{}, nil, fmt.Errorf("store: open pack %s: %w", p.packPath, err)
	}
	return prefix, &packObjectReader{r: r, f: f, unlock: p.mu.Unlock}, nil
}

// packObjectReader adapts the io.Reader Undeltify returns (which may read
// straight from the pack file, or from an in-memory buffer for a deltified
// object) into an io.ReadCloser that closes the pack file and releases the
// owning packHandle's lock exactly once.
type packObjectReader struct {
	r      io.Reader
	f      *os.File
	unlock func()
	closed bool
}

func (rd *packObjectReader) Read(p []byte) (int, error) {
	return rd.r.Read(p)
}

func (rd *packObjectReader) Close() error {
	if rd.closed {
		return nil
	}
	rd.closed = true
	defer rd.unlock()
	return rd.f.Close()
}

// WriteObject stores the content read from r as a new object of the given
// type and size, always in loose form. Packing is a separate, unimplemented
// concern (see Non-goals).
func (db *ObjectDatabase) WriteObject(typ object.Type, size int64, r io.Reader) (githash.SHA1, error) {
	return db.loose.Write(typ, size, r)
}
