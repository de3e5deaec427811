// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manifest parses the "..." file that a host directory carries to
// describe the virtual children it should populate. Parse documents the
// on-disk grammar.
package manifest

import (
	"bytes"
	"errors"
)

// Name is the manifest's fixed filename within a host directory.
const Name = "..."

// MaxSize is the largest manifest blob the parser will accept. Anything
// larger is rejected with ErrTooLarge before a single byte is parsed.
const MaxSize = 100 * 1024

const (
	magicStatic  = "LazyFS\n"
	magicDynamic = "LazyFS Dynamic\n"
)

// ErrTooLarge is returned when a manifest blob exceeds MaxSize.
var ErrTooLarge = errors.New("manifest: file exceeds the size cap")

// ErrInvalidManifest is returned for any blob that does not parse: bad
// magic, a truncated record, an unrecognized kind byte, or an empty name.
var ErrInvalidManifest = errors.New("manifest: malformed manifest file")

// Kind is the type of a manifest record, mirroring the four virtual-node
// kinds the core namespace understands.
type Kind int

const (
	Regular Kind = iota
	ExecutableRegular
	Directory
	Symlink
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case ExecutableRegular:
		return "executable"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	default:
		return "unknown"
	}
}

func kindFromByte(b byte) (Kind, bool) {
	switch b {
	case 'f':
		return Regular, true
	case 'x':
		return ExecutableRegular, true
	case 'd':
		return Directory, true
	case 'l':
		return Symlink, true
	default:
		return 0, false
	}
}

func kindToByte(k Kind) byte {
	switch k {
	case Regular:
		return 'f'
	case ExecutableRegular:
		return 'x'
	case Directory:
		return 'd'
	case Symlink:
		return 'l'
	default:
		panic("manifest: invalid kind")
	}
}

// Entry is one record of a static manifest: a name and the kind of virtual
// node it should materialize as.
type Entry struct {
	Kind Kind
	Name string
}

// Manifest is the parsed form of a "..." file. A dynamic manifest carries no
// entries; see the Dynamic field.
type Manifest struct {
	// Dynamic is set when the manifest used the "LazyFS Dynamic" magic: the
	// directory's children cannot be enumerated ahead of time and
	// ensure_directory_populated is a no-op for it.
	Dynamic bool

	Entries []Entry
}

// Parse validates and decodes a manifest blob. It enforces the size cap,
// the magic prefix, and that every record is a recognized kind byte
// followed by a non-empty NUL-terminated name, with nothing left over
// after the final NUL.
func Parse(blob []byte) (*Manifest, error) {
	if len(blob) > MaxSize {
		return nil, ErrTooLarge
	}

	if bytes.HasPrefix(blob, []byte(magicDynamic)) {
		if len(blob) != len(magicDynamic) {
			return nil, ErrInvalidManifest
		}
		return &Manifest{Dynamic: true}, nil
	}

	if !bytes.HasPrefix(blob, []byte(magicStatic)) {
		return nil, ErrInvalidManifest
	}

	entries, err := parseRecords(blob[len(magicStatic):])
	if err != nil {
		return nil, err
	}
	return &Manifest{Entries: entries}, nil
}

func parseRecords(b []byte) ([]Entry, error) {
	var entries []Entry
	i := 0
	for i < len(b) {
		kind, ok := kindFromByte(b[i])
		if !ok {
			return nil, ErrInvalidManifest
		}
		i++

		nul := bytes.IndexByte(b[i:], 0)
		if nul < 0 {
			return nil, ErrInvalidManifest
		}
		if nul == 0 {
			return nil, ErrInvalidManifest
		}

		entries = append(entries, Entry{Kind: kind, Name: string(b[i : i+nul])})
		i += nul + 1
	}
	return entries, nil
}

// Serialize renders a manifest back to its on-disk form. It exists mainly
// for tests exercising the Parse/Serialize round trip, and for synthesizing
// manifests in fakes of the host directory.
func Serialize(m *Manifest) []byte {
	if m.Dynamic {
		return []byte(magicDynamic)
	}

	buf := []byte(magicStatic)
	for _, e := range m.Entries {
		buf = append(buf, kindToByte(e.Kind))
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
	}
	return buf
}
