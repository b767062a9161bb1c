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

// Package store ties together the loose-object store and any number of
// packfiles into a single content-addressed object database, the way a
// repository's .git/objects directory does.
package store

import "fmt"

// Config holds the parameters that govern how an ObjectDatabase reads and
// writes objects. The zero value is a usable Config: compression defaults to
// zlib's own default, headers are written in the packed-style encoding, and
// ObjectsDir must still be set before calling Open.
type Config struct {
	// ObjectsDir is the root directory for loose objects and discovered
	// packs, laid out the way a repository's .git/objects directory is:
	// loose objects directly under it in the usual xx/yyyy...y fanout, and
	// packs under a "pack" subdirectory as pairs of *.pack/*.idx files.
	ObjectsDir string
	// CompressionLevel is passed to zlib when writing loose objects. Zero
	// means zlib.DefaultCompression.
	CompressionLevel int
	// UseLegacyHeaders selects the on-disk loose object header encoding:
	// the classic ASCII "type size\0" header when true, or the
	// packfile-style variable-length (type, length) header when false.
	UseLegacyHeaders bool
}

func (c Config) validate() error {
	if c.ObjectsDir == "" {
		return fmt.Errorf("store: config: ObjectsDir is required")
	}
	return nil
}
