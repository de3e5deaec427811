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
	"fmt"
	"sync"

	"golang.org/x/net/context"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/fetchqueue"
)

const helperControlName = "helper-control"

// The source (zero-inst's lazyfs.c) hands the helper a bare fd via
// fd_install when it reads /.lazyfs-helper: the number it prints is
// already a valid file descriptor in the helper's address space, readable
// and closable with no further open(2). FUSE gives a userspace process no
// equivalent way to inject a foreign fd, so this rendering instead
// reserves a hidden inode-ID range for "request nodes": a synthetic,
// un-listed child of the root whose name is the request's handle-id as
// decimal text. The helper performs one extra lookup+open on that name to
// obtain its HRH; everything else (message format, read/close semantics)
// matches the source unchanged.
//
// Both ranges are chosen far above any inode ID the virtual-node table
// will plausibly ever allocate (vnode.ID starts at 1 and increments by one
// per entry), so collision is not a practical concern.
const (
	controlInodeID   fuse.InodeID = 1 << 62
	requestInodeBase fuse.InodeID = (1 << 62) + 1
)

// helperState owns the synthetic helper-control node and the table of
// currently outstanding request nodes (HRHs not yet opened, or opened by
// the helper but not yet closed).
type helperState struct {
	queue *fetchqueue.Queue

	mu       sync.Mutex
	requests map[fuse.InodeID]*fetchqueue.Handle
}

func newHelperState(queue *fetchqueue.Queue) *helperState {
	return &helperState{
		queue:    queue,
		requests: make(map[fuse.InodeID]*fetchqueue.Handle),
	}
}

func (h *helperState) controlInodeID() fuse.InodeID { return controlInodeID }

func (h *helperState) controlEntry() fuse.ChildInodeEntry {
	return fuse.ChildInodeEntry{
		Child:      controlInodeID,
		Generation: 0,
		Attributes: h.controlAttributes(),
	}
}

func (h *helperState) controlAttributes() fuse.InodeAttributes {
	return fuse.InodeAttributes{
		Size:  0,
		Nlink: 1,
		Mode:  0600,
	}
}

func requestNodeAttributes() fuse.InodeAttributes {
	return fuse.InodeAttributes{
		Size:  0,
		Nlink: 1,
		Mode:  0400,
	}
}

func (h *helperState) isRequestInode(id fuse.InodeID) bool {
	return id >= requestInodeBase
}

// requestName is the decimal text a request node is looked up by; it is
// also the integer written into the helper-control read message.
func requestName(id fuse.InodeID) string {
	return fmt.Sprintf("%d", uint64(id-requestInodeBase))
}

// lookupRequestNode resolves a request node by the name the helper looked
// up, reporting false if no such request is outstanding (e.g. the helper
// is retrying a stale name, or the request already completed); the caller
// then resolves the name as an ordinary child of the root.
func (h *helperState) lookupRequestNode(name string) (fuse.ChildInodeEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.requests {
		if requestName(id) == name {
			return fuse.ChildInodeEntry{
				Child:      id,
				Generation: 0,
				Attributes: requestNodeAttributes(),
			}, true
		}
	}
	return fuse.ChildInodeEntry{}, false
}

// nextRequest blocks until a fetch is pending on the queue, pops it, and
// registers a request node for it. The returned message is the exact text
// to hand the helper-control reader: "<handle-id> uid=<uid>".
func (h *helperState) nextRequest(ctx context.Context) (fuse.InodeID, string, error) {
	handle, err := h.queue.NextRequest(ctx)
	if err != nil {
		return 0, "", err
	}

	id := requestInodeBase + fuse.InodeID(handle.ID())

	h.mu.Lock()
	h.requests[id] = handle
	h.mu.Unlock()

	return id, fmt.Sprintf("%d uid=%d", handle.ID(), handle.UID()), nil
}

// requestPath returns the mount-relative path the named request node
// should report on read, and ENOENT if the request is no longer
// outstanding.
func (h *helperState) requestPath(id fuse.InodeID) (string, error) {
	h.mu.Lock()
	handle, ok := h.requests[id]
	h.mu.Unlock()
	if !ok {
		return "", fuse.ENOENT
	}
	return handle.Path(), nil
}

// closeRequest completes the fetch the named request node represents:
// every producer waiting on it wakes and retries its host lookup. Per the
// source's own contract, this always succeeds.
func (h *helperState) closeRequest(id fuse.InodeID) error {
	h.mu.Lock()
	handle, ok := h.requests[id]
	delete(h.requests, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return handle.Close()
}

// discardRequest removes a request node without completing the fetch it
// represents, used when the helper never actually opened it (e.g. the
// node was looked up but never read) and is forgotten by the kernel.
func (h *helperState) discardRequest(id fuse.InodeID) {
	h.mu.Lock()
	delete(h.requests, id)
	h.mu.Unlock()
}
