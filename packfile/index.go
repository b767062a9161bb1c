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

package packfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"sort"
	"sync"

	"gitcas.dev/store/githash"
	"gitcas.dev/store/internal/varint"
	"gitcas.dev/store/objerr"
)

/*
On the feasibility of fitting a packfile index in memory:

As of 2021-01-13, the Git repository has ~302K objects and
the Linux kernel repository has 7.8M objects.

We are storing 32 bytes per each object, so even if the entire Linux kernel
history was encoded into one packfile, we would only require ~250MB of RAM
and the array of offsets would still fit in 32-bit indices with plenty of
head room.
*/

// Index is an in-memory mapping of object IDs to offsets within a packfile.
// This maps 1:1 with index files produced by git-index-pack(1).
type Index struct {
	// ObjectIDs is a sorted list of object IDs in the packfile.
	ObjectIDs []githash.SHA1
	// Offsets holds the offsets from the start of the packfile that an object
	// header starts at. The i'th element of Offsets corresponds with the
	// i'th element of ObjectIDs.
	Offsets []int64
	// PackedChecksums holds the CRC32 checksums of each packfile object header
	// and its zlib-compressed contents. The i'th element of PackedChecksums
	// corresponds with the i'th element of ObjectIDs. Version 1 index files do
	// not have this information.
	PackedChecksums []uint32
	// PackfileSHA1 is a copy of the SHA-1 hash present at the end of the packfile.
	PackfileSHA1 githash.SHA1

	fanoutOnce sync.Once
	fanout     [fanOutEntryCount]uint32
}

var indexV2Magic = [...]byte{
	0o377, 't', 'O', 'c',
	0, 0, 0, 2,
}

// ReadIndex parses a packfile index file from r. It performs no buffering and
// will not read more bytes than necessary.
func ReadIndex(r io.Reader) (*Index, error) {
	h := sha1.New()
	r = io.TeeReader(r, h)

	first := make([]byte, len(indexV2Magic))
	if _, err := readFull(r, first); err != nil {
		return nil, fmt.Errorf("read packfile index: %w", err)
	}

	var idx *Index
	var err error
	if bytes.Equal(first, indexV2Magic[:]) {
		idx, err = readIndexV2(r)
	} else if bytes.Equal(first[:4], indexV2Magic[:4]) {
		version := uint32(first[4])<<24 | uint32(first[5])<<16 | uint32(first[6])<<8 | uint32(first[7])
		return nil, fmt.Errorf("read packfile index: version %d: %w", version, objerr.ErrUnsupportedVersion)
	} else {
		idx, err = readIndexV1(io.MultiReader(bytes.NewReader(first), r))
	}
	if err != nil {
		return nil, err
	}

	// Read final "checksum".
	got := h.Sum(nil)
	want := make([]byte, len(got))
	if _, err := readFull(r, want); err != nil {
		return nil, err
	}
	if !bytes.Equal(got, want) {
		return nil, fmt.Errorf("read packfile index: checksum does not match: %w", objerr.ErrCorruptObject)
	}
	return idx, nil
}

// UnmarshalBinary decodes Git's packfile index format into idx.
func (idx *Index) UnmarshalBinary(data []byte) error {
	newIndex, err := ReadIndex(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*idx = *newIndex
	return nil
}

const largeOffsetEntryMask = 1 << 31

func readIndexV2(r io.Reader) (*Index, error) {
	nobjs, err := readIndexObjectCount(r)
	if err != nil {
		return nil, fmt.Errorf("read packfile index: %w", err)
	}
	idx := &Index{
		ObjectIDs:       make([]githash.SHA1, 0, int(nobjs)),
		Offsets:         make([]int64, 0, int(nobjs)),
		PackedChecksums: make([]uint32, 0, int(nobjs)),
	}
	for len(idx.ObjectIDs) < int(nobjs) {
		i := len(idx.ObjectIDs)
		idx.ObjectIDs = idx.ObjectIDs[:i+1]
		if _, err := readFull(r, idx.ObjectIDs[i][:]); err != nil {
			return nil, fmt.Errorf("read packfile index: object ids: %w", err)
		}
	}
	for len(idx.PackedChecksums) < int(nobjs) {
		crc, err := varint.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read packfile index: checksums: %w", err)
		}
		idx.PackedChecksums = append(idx.PackedChecksums, crc)
	}
	var largeOffsetEntries []int
	for len(idx.Offsets) < int(nobjs) {
		off, err := varint.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read packfile index: offsets: %w", err)
		}
		if off&largeOffsetEntryMask != 0 {
			entIdx := int(off &^ largeOffsetEntryMask)
			if entIdx >= len(largeOffsetEntries) {
				// TODO(someday): This probably does too many allocations.
				newEntries := make([]int, entIdx+1)
				copy(newEntries, largeOffsetEntries)
				for i := len(largeOffsetEntries); i < len(newEntries); i++ {
					newEntries[i] = -1
				}
				largeOffsetEntries = newEntries
			}
			largeOffsetEntries[entIdx] = len(idx.Offsets)
			idx.Offsets = append(idx.Offsets, 0)
			continue
		}
		idx.Offsets = append(idx.Offsets, int64(off))
	}
	for _, i := range largeOffsetEntries {
		off, err := varint.ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("read packfile index: large offsets: %w", err)
		}
		if i < 0 {
			// Unused entry.
			continue
		}
		if off&(1<<63) != 0 {
			return nil, fmt.Errorf("read packfile index: large offsets: overflows int64")
		}
		idx.Offsets[i] = int64(off)
	}
	if _, err := readFull(r, idx.PackfileSHA1[:]); err != nil {
		return nil, fmt.Errorf("read packfile index: packfile sha-1: %w", err)
	}
	return idx, nil
}

func readIndexV1(r io.Reader) (*Index, error) {
	nobjs, err := readIndexObjectCount(r)
	if err != nil {
		return nil, fmt.Errorf("read packfile index: %w", err)
	}
	idx := &Index{
		ObjectIDs: make([]githash.SHA1, 0, int(nobjs)),
		Offsets:   make([]int64, 0, int(nobjs)),
	}
	for len(idx.ObjectIDs) < int(nobjs) {
		off, err := varint.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read packfile index: entries: %w", err)
		}
		idx.Offsets = append(idx.Offsets, int64(off))

		i := len(idx.ObjectIDs)
		idx.ObjectIDs = idx.ObjectIDs[:i+1]
		if _, err := readFull(r, idx.ObjectIDs[i][:]); err != nil {
			return nil, fmt.Errorf("read packfile index: entries: %w", err)
		}
	}
	if _, err := readFull(r, idx.PackfileSHA1[:]); err != nil {
		return nil, fmt.Errorf("read packfile index: packfile sha-1: %w", err)
	}
	return idx, nil
}

const fanOutEntryCount = 256

func readIndexObjectCount(r io.Reader) (uint32, error) {
	if _, err := io.CopyN(io.Discard, r, (fanOutEntryCount-1)*4); err != nil {
		return 0, fmt.Errorf("fanout table: %w", err)
	}
	n, err := varint.ReadUint32(r)
	if err != nil {
		return 0, fmt.Errorf("fanout table: %w", err)
	}
	return n, nil
}

// readFull is the same as io.ReadFull but returns io.ErrUnexpectedEOF instead
// of io.EOF.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// EncodeV2 writes idx in Git's packfile index version 2 format.
func (idx *Index) EncodeV2(w io.Writer) error {
	if err := idx.validate(); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if len(idx.PackedChecksums) != len(idx.ObjectIDs) {
		return fmt.Errorf("number of checksums (%d) different than number of objects (%d)",
			len(idx.PackedChecksums), len(idx.ObjectIDs))
	}
	h := sha1.New()
	wh := io.MultiWriter(w, h)
	if _, err := wh.Write(indexV2Magic[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if err := idx.encodeFanOut(wh); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	for i := range idx.ObjectIDs {
		if _, err := wh.Write(idx.ObjectIDs[i][:]); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	for _, checksum := range idx.PackedChecksums {
		if _, err := wh.Write(varint.PutUint32(nil, checksum)); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	largeOffsets := 0
	const largeOffsetMin = 1 << 31
	for _, off := range idx.Offsets {
		var buf []byte
		if off >= largeOffsetMin {
			buf = varint.PutUint32(nil, (1<<31)|uint32(largeOffsets))
			largeOffsets++
		} else {
			buf = varint.PutUint32(nil, uint32(off))
		}
		if _, err := wh.Write(buf); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	if largeOffsets > 0 {
		for _, off := range idx.Offsets {
			if off < largeOffsetMin {
				continue
			}
			if _, err := wh.Write(varint.PutUint64(nil, uint64(off))); err != nil {
				return fmt.Errorf("write packfile index: %w", err)
			}
		}
	}
	if _, err := wh.Write(idx.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	return nil
}

// EncodeV1 writes idx in Git's packfile index version 1 format. This generally
// should only be used for compatibility, since the version 1 format does not
// store PackedChecksums and do not support packfiles larger than 4 GiB.
func (idx *Index) EncodeV1(w io.Writer) error {
	if err := idx.validate(); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	h := sha1.New()
	wh := io.MultiWriter(w, h)
	for _, off := range idx.Offsets {
		if off >= 1<<32 {
			return fmt.Errorf("write packfile index: using version 1 for packfile larger than 4 GiB (found %d offset)", off)
		}
	}
	if err := idx.encodeFanOut(wh); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	for i, off := range idx.Offsets {
		buf := varint.PutUint32(nil, uint32(off))
		buf = append(buf, idx.ObjectIDs[i][:]...)
		if _, err := wh.Write(buf); err != nil {
			return fmt.Errorf("write packfile index: %w", err)
		}
	}
	if _, err := wh.Write(idx.PackfileSHA1[:]); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("write packfile index: %w", err)
	}
	return nil
}

func (idx *Index) validate() error {
	if len(idx.ObjectIDs) != len(idx.Offsets) {
		return fmt.Errorf("number of object IDs (%d) different than number of offsets (%d)",
			len(idx.ObjectIDs), len(idx.Offsets))
	}
	if len(idx.ObjectIDs) > 1 {
		for prevIdx, curr := range idx.ObjectIDs[1:] {
			prev := idx.ObjectIDs[prevIdx]
			if result := prev.Compare(curr); result > 0 {
				return fmt.Errorf("not sorted by object ID")
			} else if result == 0 {
				return fmt.Errorf("object IDs duplicated")
			}
		}
	}
	return nil
}

func (idx *Index) encodeFanOut(w io.Writer) error {
	bucket := int16(0)
	for i, id := range idx.ObjectIDs {
		if bucket >= int16(id[0]) {
			continue
		}
		ent := varint.PutUint32(nil, uint32(i))
		for ; bucket < int16(id[0]); bucket++ {
			if _, err := w.Write(ent); err != nil {
				return err
			}
		}
	}
	ent := varint.PutUint32(nil, uint32(len(idx.ObjectIDs)))
	for ; bucket < fanOutEntryCount; bucket++ {
		if _, err := w.Write(ent); err != nil {
			return err
		}
	}
	return nil
}

// MarshalBinary encodes the index in Git's packfile index version 2 format.
func (idx *Index) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := idx.EncodeV2(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FindID finds the position of id in idx.ObjectIDs or -1 if the ID is not
// present in the index. The result is undefined if idx.ObjectIDs is not sorted.
// This search is O(log len(idx.ObjectIDs)).
func (idx *Index) FindID(id githash.SHA1) int {
	i := idx.findID(id)
	if i >= len(idx.ObjectIDs) || idx.ObjectIDs[i] != id {
		return -1
	}
	return i
}

func (idx *Index) findID(id githash.SHA1) int {
	return sort.Search(len(idx.ObjectIDs), func(i int) bool {
		return idx.ObjectIDs[i].Compare(id) >= 0
	})
}

// buildFanout computes the 256-entry fanout table from the sorted
// ObjectIDs slice: fanout[b] is the count of ids whose first byte is <= b.
// It runs once, lazily, the first time a fanout-narrowed lookup
// (FindOffset or HasObject) needs it.
func (idx *Index) buildFanout() {
	idx.fanoutOnce.Do(func() {
		count := 0
		for b := 0; b < fanOutEntryCount; b++ {
			for count < len(idx.ObjectIDs) && int(idx.ObjectIDs[count].FirstByte()) <= b {
				count++
			}
			idx.fanout[b] = uint32(count)
		}
	})
}

// FindOffset finds the offset of id within the packfile this index
// describes, or -1 if id is not present. It first consults the fanout table
// to narrow the search to the range of entries sharing id's first byte, then
// binary-searches that narrower range. This search is
// O(log len(idx.ObjectIDs)).
func (idx *Index) FindOffset(id githash.SHA1) int64 {
	i := idx.findEntry(id)
	if i < 0 {
		return -1
	}
	return idx.Offsets[i]
}

// HasObject reports whether id is present in the index.
func (idx *Index) HasObject(id githash.SHA1) bool {
	return idx.findEntry(id) >= 0
}

func (idx *Index) findEntry(id githash.SHA1) int {
	idx.buildFanout()
	b := int(id.FirstByte())
	lo := 0
	if b > 0 {
		lo = int(idx.fanout[b-1])
	}
	hi := int(idx.fanout[b])
	i := lo + sort.Search(hi-lo, func(i int) bool {
		return idx.ObjectIDs[lo+i].Compare(id) >= 0
	})
	if i >= hi || idx.ObjectIDs[i] != id {
		return -1
	}
	return i
}

// GetObjectCount returns the number of objects described by the index.
func (idx *Index) GetObjectCount() int {
	return len(idx.ObjectIDs)
}

// IndexEntry is a single row of an Index, as produced by an IndexIterator:
// an object id paired with its offset and (for V2 indexes) packed CRC32
// checksum.
type IndexEntry struct {
	id       githash.MutableSHA1
	Offset   int64
	Checksum uint32
}

// ID returns the entry's object id. The returned value is an independent
// copy; advancing the iterator that produced this entry does not affect it.
func (e *IndexEntry) ID() githash.SHA1 {
	return e.id.Snapshot()
}

// Snapshot returns a copy of the entry that remains valid past the next call
// to the iterator's Next method. IndexIterator reuses the same *IndexEntry on
// every step for performance; callers that need to retain an entry, rather
// than just inspect it before advancing, must call Snapshot.
func (e *IndexEntry) Snapshot() IndexEntry {
	cp := IndexEntry{Offset: e.Offset, Checksum: e.Checksum}
	id := e.id.Snapshot()
	cp.id.RefillFromBytes(id[:], 0)
	return cp
}

// IndexIterator walks an Index's entries in strictly ascending object-id
// order, the same order the on-disk format stores them in.
type IndexIterator struct {
	idx   *Index
	i     int
	entry IndexEntry
}

// Iterator returns an iterator over idx's entries in ascending id order.
func (idx *Index) Iterator() *IndexIterator {
	return &IndexIterator{idx: idx, i: -1}
}

// Next advances the iterator and reports whether an entry is available. On
// success, the iterator's Entry method returns the new entry.
func (it *IndexIterator) Next() bool {
	it.i++
	if it.i >= len(it.idx.ObjectIDs) {
		return false
	}
	it.entry.id.RefillFromBytes(it.idx.ObjectIDs[it.i][:], 0)
	it.entry.Offset = it.idx.Offsets[it.i]
	if it.i < len(it.idx.PackedChecksums) {
		it.entry.Checksum = it.idx.PackedChecksums[it.i]
	} else {
		it.entry.Checksum = 0
	}
	return true
}

// Entry returns the iterator's current entry. The returned pointer is reused
// on every call to Next; call Entry().Snapshot() to retain a copy.
func (it *IndexIterator) Entry() *IndexEntry {
	return &it.entry
}

// Remove is not supported by IndexIterator; an Index is read-only once
// built. It always returns an error wrapping objerr.ErrUnsupported.
func (it *IndexIterator) Remove() error {
	return fmt.Errorf("packfile: index iterator: remove: %w", objerr.ErrUnsupported)
}

// Len returns the number of objects in the index.
func (idx *Index) Len() int {
	return len(idx.ObjectIDs)
}

// Less returns whether the i'th object ID is lexicographically less than the
// j'th object ID.
func (idx *Index) Less(i, j int) bool {
	return idx.ObjectIDs[i].Compare(idx.ObjectIDs[j]) < 0
}

// Swap swaps the i'th and j'th rows of the index.
func (idx *Index) Swap(i, j int) {
	idx.ObjectIDs[i], idx.ObjectIDs[j] = idx.ObjectIDs[j], idx.ObjectIDs[i]
	idx.Offsets[i], idx.Offsets[j] = idx.Offsets[j], idx.Offsets[i]
	if len(idx.PackedChecksums) > 0 {
		idx.PackedChecksums[i], idx.PackedChecksums[j] = idx.PackedChecksums[j], idx.PackedChecksums[i]
	}
}
