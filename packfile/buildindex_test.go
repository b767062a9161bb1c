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
	"sort"
	"testing"

	"gitcas.dev/store/githash"
	"gitcas.dev/store/object"
)

// buildPack writes objs to a fresh in-memory packfile using Writer, remapping
// OffsetDelta bases the same way TestWriter does, and returns the encoded
// bytes.
func buildPack(t *testing.T, objs []unpackedObject) []byte {
	t.Helper()
	out := new(bytes.Buffer)
	w := NewWriter(out, uint32(len(objs)))
	offsetMap := make(map[int64]int64)
	for i, obj := range objs {
		hdr := obj.Header
		if obj.BaseOffset != 0 {
			hdr = new(Header)
			*hdr = *obj.Header
			hdr.BaseOffset = offsetMap[obj.BaseOffset]
		}
		offset, err := w.WriteHeader(hdr)
		if err != nil {
			t.Fatalf("[%d] w.WriteHeader(...): %v", i, err)
		}
		if _, err := w.Write(obj.Data); err != nil {
			t.Fatalf("[%d] w.Write(...): %v", i, err)
		}
		offsetMap[obj.Offset] = offset
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// contentID computes the object ID an object with the given Git type and
// final (post-delta) content would have, independent of how the packfile
// represents it. It is used to check BuildIndex's output without needing a
// precomputed golden Index.
func contentID(typ object.Type, data []byte) githash.SHA1 {
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, typ, int64(len(data))))
	h.Write(data)
	var id githash.SHA1
	h.Sum(id[:0])
	return id
}

// wantContent describes the final, non-delta content an object in testFiles
// resolves to, since DeltaOffset and ObjectOffset apply helloDelta's
// instructions to transform "Hello!" into "Hello, delta\n" rather than
// storing that content directly.
var wantContent = map[string][]struct {
	typ  object.Type
	data []byte
}{
	"FirstCommit": {
		{object.TypeBlob, []byte("Hello, World!\n")},
		{object.TypeTree, []byte("100644 hello.txt\x00" +
			"\x8a\xb6\x86\xea\xfe\xb1\xf4\x47\x02\x73" +
			"\x8c\x8b\x0f\x24\xf2\x56\x7c\x36\xda\x6d")},
		{object.TypeCommit, []byte("tree bc225ea23f53f06c0c5bd3ba2be85c2120d68417\n" +
			"author Octocat <octocat@example.com> 1608391559 -0800\n" +
			"committer Octocat <octocat@example.com> 1608391559 -0800\n" +
			"\n" +
			"First commit\n")},
	},
	"DeltaOffset": {
		{object.TypeBlob, []byte("Hello!")},
		{object.TypeBlob, []byte("Hello, delta\n")},
	},
	"ObjectOffset": {
		{object.TypeBlob, []byte("Hello!")},
		{object.TypeBlob, []byte("Hello, delta\n")},
	},
	"EmptyBlob": {
		{object.TypeBlob, []byte{}},
		{object.TypeBlob, []byte("Hello, World!\n")},
	},
}

func TestBuildIndex(t *testing.T) {
	for _, test := range testFiles {
		t.Run(test.name, func(t *testing.T) {
			packBytes := buildPack(t, test.want)
			storage := ObjectDir(t.TempDir())
			got, err := BuildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), storage)
			if err != nil {
				t.Fatal("BuildIndex:", err)
			}

			wantIDs := make([]githash.SHA1, 0, len(test.want))
			for _, c := range wantContent[test.name] {
				wantIDs = append(wantIDs, contentID(c.typ, c.data))
			}
			sort.Slice(wantIDs, func(i, j int) bool {
				return wantIDs[i].Compare(wantIDs[j]) < 0
			})

			if got.GetObjectCount() != len(wantIDs) {
				t.Fatalf("index has %d objects; want %d", got.GetObjectCount(), len(wantIDs))
			}
			for i, id := range wantIDs {
				if got.ObjectIDs[i] != id {
					t.Errorf("index entry %d = %v; want %v", i, got.ObjectIDs[i], id)
				}
				if !got.HasObject(id) {
					t.Errorf("index missing object %v", id)
				}
				if off := got.FindOffset(id); off < fileHeaderSize {
					t.Errorf("FindOffset(%v) = %d; want >= %d", id, off, fileHeaderSize)
				}
			}
		})
	}
}

func BenchmarkBuildIndex(b *testing.B) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(b.N))
	for i := 0; i < b.N; i++ {
		data := fmt.Sprintf("blob %10d\n", i)
		_, err := w.WriteHeader(&Header{
			Type: Blob,
			Size: int64(len(data)),
		})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := w.Write([]byte(data)); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	_, err := BuildIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	if err != nil {
		b.Fatal(err)
	}
	objectByteCount := buf.Len() - githash.SHA1Size - fileHeaderSize
	b.SetBytes(int64(float64(objectByteCount) / float64(b.N)))
	b.ReportMetric(float64(objectByteCount), "packfile-bytes")
}
