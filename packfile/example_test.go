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

package packfile_test

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gitcas.dev/store/object"
	"gitcas.dev/store/packfile"
)

// writeFirstCommitPack builds the same three-object packfile (a blob, the
// tree referencing it, and the commit referencing the tree) used throughout
// this package's tests, so the examples below have a packfile to operate on
// without reading one off disk.
func writeFirstCommitPack() []byte {
	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, 3)

	const blobContent = "Hello, World!\n"
	if _, err := w.WriteHeader(&packfile.Header{Type: packfile.Blob, Size: int64(len(blobContent))}); err != nil {
		panic(err)
	}
	if _, err := io.WriteString(w, blobContent); err != nil {
		panic(err)
	}
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		panic(err)
	}

	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		panic(err)
	}
	if _, err := w.WriteHeader(&packfile.Header{Type: packfile.Tree, Size: int64(len(treeData))}); err != nil {
		panic(err)
	}
	if _, err := w.Write(treeData); err != nil {
		panic(err)
	}

	const user object.User = "Octocat <octocat@example.com>"
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     user,
		AuthorTime: commitTime,
		Committer:  user,
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		panic(err)
	}
	if _, err := w.WriteHeader(&packfile.Header{Type: packfile.Commit, Size: int64(len(commitData))}); err != nil {
		panic(err)
	}
	if _, err := w.Write(commitData); err != nil {
		panic(err)
	}

	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// writeDeltaObjectPack builds a packfile holding a base blob ("Hello!") and
// an OffsetDelta object that transforms it into "Hello, delta\n".
func writeDeltaObjectPack() []byte {
	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, 2)

	const baseContent = "Hello!"
	baseOffset, err := w.WriteHeader(&packfile.Header{Type: packfile.Blob, Size: int64(len(baseContent))})
	if err != nil {
		panic(err)
	}
	if _, err := io.WriteString(w, baseContent); err != nil {
		panic(err)
	}

	delta := []byte{
		0x06,       // original size
		0x0d,       // output size
		0b10010000, // copy from base, offset 0, one size byte
		0x05,       // size1
		0x08,       // add new data (length 8)
		',', ' ', 'd', 'e', 'l', 't', 'a', '\n',
	}
	if _, err := w.WriteHeader(&packfile.Header{
		Type:       packfile.OffsetDelta,
		Size:       int64(len(delta)),
		BaseOffset: baseOffset,
	}); err != nil {
		panic(err)
	}
	if _, err := w.Write(delta); err != nil {
		panic(err)
	}

	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func Example() {
	// Open a packfile.
	data := writeDeltaObjectPack()
	file := bytes.NewReader(data)

	// Index the packfile.
	idx, err := packfile.BuildIndex(file, int64(len(data)), nil)
	if err != nil {
		// handle error
	}

	// Find the position of the delta object, which resolves to the content
	// "Hello, delta\n".
	const wantContent = "Hello, delta\n"
	blobID, err := object.BlobSum(strings.NewReader(wantContent), int64(len(wantContent)))
	if err != nil {
		// handle error
	}
	i := idx.FindID(blobID)
	if i == -1 {
		// handle not-found error
	}

	// Read the object from the packfile.
	undeltifier := new(packfile.Undeltifier)
	bufferedFile := packfile.NewBufferedReadSeeker(file)
	prefix, content, err := undeltifier.Undeltify(bufferedFile, idx.Offsets[i], &packfile.UndeltifyOptions{
		Index: idx,
	})
	if err != nil {
		// handle error
	}
	fmt.Println(prefix)
	io.Copy(os.Stdout, content)

	// Output:
	// blob 13
	// Hello, delta
}

// This example uses ReadHeader to perform random access in a packfile.
func ExampleReadHeader() {
	// Open a packfile.
	data := writeFirstCommitPack()
	r := bytes.NewReader(data)

	// Seek to a specific index. You can get this from an index or previous read.
	const offset = 12
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		// handle error
	}

	// Read the object and its header.
	reader := bufio.NewReader(r)
	hdr, err := packfile.ReadHeader(offset, reader)
	if err != nil {
		// handle error
	}
	fmt.Println(hdr.Type)
	// The object is zlib-compressed in the packfile after the header.
	zreader, err := zlib.NewReader(reader)
	if err != nil {
		// handle error
	}
	if _, err := io.Copy(os.Stdout, zreader); err != nil {
		// handle error
	}

	// Output:
	// OBJ_BLOB
	// Hello, World!
}

func ExampleIndex() {
	// Open a packfile.
	data := writeFirstCommitPack()
	file := bytes.NewReader(data)

	// Index the packfile.
	idx, err := packfile.BuildIndex(file, int64(len(data)), nil)
	if err != nil {
		// handle error
	}

	// Print a sorted list of all objects in the packfile.
	for _, id := range idx.ObjectIDs {
		fmt.Println(id)
	}

	// Output:
	// 8ab686eafeb1f44702738c8b0f24f2567c36da6d
	// aef8a4c3fe8d296dec2d9b88d4654cd596927867
	// bc225ea23f53f06c0c5bd3ba2be85c2120d68417
}

func ExampleWriter() {
	// Create a writer.
	buf := new(bytes.Buffer)
	const objectCount = 3
	writer := packfile.NewWriter(buf, objectCount)

	// Write a blob.
	const blobContent = "Hello, World!\n"
	_, err := writer.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(blobContent)),
	})
	if err != nil {
		// handle error
	}
	if _, err := io.WriteString(writer, blobContent); err != nil {
		// handle error
	}
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		// handle error
	}

	// Write a tree (directory).
	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Tree,
		Size: int64(len(treeData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(treeData); err != nil {
		// handle error
	}

	// Write a commit.
	const user object.User = "Octocat <octocat@example.com>"
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     user,
		AuthorTime: commitTime,
		Committer:  user,
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Commit,
		Size: int64(len(commitData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(commitData); err != nil {
		// handle error
	}

	// Finish the write.
	if err := writer.Close(); err != nil {
		// handle error
	}
}
