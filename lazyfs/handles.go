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

package lazyfs

import (
	"os"
	"sync"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/vnode"
)

// dirHandle is an open directory handle (HFH's directory counterpart): a
// stable snapshot of the directory's children taken at open time, per the
// surface contract that readdir is authoritative as of open.
type dirHandle struct {
	node     *vnode.Node
	snapshot []*vnode.Node
}

// fileKind distinguishes what a fileHandle actually refers to: a regular
// host-backed file, the helper-control rendezvous node, or a single
// request node (HRH).
type fileKind int

const (
	fileKindRegular fileKind = iota
	fileKindHelperControl
	fileKindRequest
)

// fileHandle is an open file handle (HFH), or one of the two synthetic
// handle kinds the helper rendezvous protocol needs.
type fileHandle struct {
	kind fileKind

	node *vnode.Node
	host *os.File

	requestID fuse.InodeID
}

// handleTable hands out fuse.HandleID values and owns the open dir/file
// handle tables they index into. One exists per FileSystem (per mount).
type handleTable struct {
	mu   sync.Mutex
	next fuse.HandleID

	dirs  map[fuse.HandleID]*dirHandle
	files map[fuse.HandleID]*fileHandle
}

func newHandleTable() *handleTable {
	return &handleTable{
		next:  1,
		dirs:  make(map[fuse.HandleID]*dirHandle),
		files: make(map[fuse.HandleID]*fileHandle),
	}
}

func (t *handleTable) newDirHandle(h *dirHandle) fuse.HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.dirs[id] = h
	return id
}

func (t *handleTable) dir(id fuse.HandleID) (*dirHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.dirs[id]
	return h, ok
}

func (t *handleTable) releaseDir(id fuse.HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dirs, id)
}

func (t *handleTable) newFileHandle(h *fileHandle) fuse.HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.files[id] = h
	return id
}

func (t *handleTable) file(id fuse.HandleID) (*fileHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.files[id]
	return h, ok
}

func (t *handleTable) releaseFile(id fuse.HandleID) (*fileHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.files[id]
	delete(t.files, id)
	return h, ok
}
