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

// Package fetchqueue implements the synchronous rendezvous protocol
// between producers blocked on a missing host entry and the single
// user-space helper that can materialize it. It is the heart of the
// design: every other component either enqueues a wait here or serves the
// single reader that drains the queue.
package fetchqueue

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/lazymount/lazyfs/vnode"
)

// State is the lifecycle of one outstanding fetch.
type State int

const (
	Idle State = iota
	Queued
	InFlight
)

// ErrNoHelper is returned when a producer asks for a fetch and no helper
// is currently bound, or the helper departs while the producer is still
// queued (never having reached the helper at all).
var ErrNoHelper = errors.New("fetchqueue: no helper bound")

// ErrBusy is returned by BindHelper when a helper is already bound.
var ErrBusy = errors.New("fetchqueue: a helper is already bound")

// ErrInterrupted is returned to a producer whose wait was canceled via its
// context before the fetch completed.
var ErrInterrupted = errors.New("fetchqueue: interrupted")

// request tracks one distinct in-flight or pending fetch, keyed by the
// virtual node it concerns. Concurrent producers for the same node
// coalesce onto the same request instead of each enqueuing their own.
type request struct {
	id   vnode.ID
	path string
	uid  uint32

	state State

	done      chan struct{}
	closeOnce sync.Once
	// result is nil if the producer should simply retry its host lookup
	// after waking (the normal case: a fetch completed, or an in-flight
	// fetch's helper departed), or a specific error (ErrNoHelper) if the
	// request never reached the helper before it departed.
	result error
}

func (r *request) finish(result error) {
	r.closeOnce.Do(func() {
		r.result = result
		close(r.done)
	})
}

// Handle is a helper request handle (HRH): the helper's receipt for one
// popped fetch request. Reading it yields the mount-relative path to
// fetch; closing it signals completion to every producer waiting on that
// path.
type Handle struct {
	q   *Queue
	id  uint64
	req *request
}

// ID is the handle's identifier in the helper's open-handle space, the
// value written into the "<handle-id> uid=<uid>" message the helper reads
// from its control file.
func (h *Handle) ID() uint64 { return h.id }

// Path is the mount-relative path the helper should attempt to create.
func (h *Handle) Path() string { return h.req.path }

// UID is the uid of the process whose lookup or open triggered this
// fetch.
func (h *Handle) UID() uint32 { return h.req.uid }

// Close completes the request: every producer waiting on this path wakes
// and retries its host lookup. Close is idempotent.
func (h *Handle) Close() error {
	h.q.mu.Lock()
	delete(h.q.inFlight, h.id)
	delete(h.q.byNode, h.req.id)
	h.q.mu.Unlock()

	h.req.finish(nil)
	return nil
}

// Queue is the fetch-request queue (C4): a FIFO of distinct pending
// fetches, a single helper slot, and the wait/wake machinery that
// coalesces concurrent producers for the same node and lets exactly one
// helper drain the queue at a time.
type Queue struct {
	mu syncutil.InvariantMutex

	bound bool

	pending []*request
	byNode  map[vnode.ID]*request

	inFlight   map[uint64]*request
	nextHandle uint64

	// ready is closed and replaced every time a new request is appended to
	// pending, waking exactly the helper goroutine(s) blocked in
	// NextRequest.
	ready chan struct{}

	logger *log.Logger
}

// New creates an empty, unbound queue.
func New(logger *log.Logger) *Queue {
	q := &Queue{
		byNode:   make(map[vnode.ID]*request),
		inFlight: make(map[uint64]*request),
		ready:    make(chan struct{}),
		logger:   logger,
	}
	q.mu = syncutil.NewInvariantMutex(q.checkInvariants)
	return q
}

func (q *Queue) checkInvariants() {
	for _, r := range q.pending {
		if r.state != Queued {
			panic("fetchqueue: pending request not in Queued state")
		}
	}
	for _, r := range q.inFlight {
		if r.state != InFlight {
			panic("fetchqueue: in-flight request not in InFlight state")
		}
	}
}

// BindHelper registers the calling process as the queue's single helper.
// ErrBusy is returned if a helper is already bound.
func (q *Queue) BindHelper() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bound {
		return ErrBusy
	}
	q.bound = true
	return nil
}

// UnbindHelper releases the helper slot and drains the queue: every
// request still merely Queued wakes its producers with ErrNoHelper
// (it never reached a helper), and every request already InFlight is
// treated as completed (its producers retry their host lookup once, which
// will simply fail if the helper never actually created the entry). This
// is the path taken when the helper closes its control handle before
// closing the individual handles it was still holding; the ordinary path
// is each Handle.Close happening as the host runtime releases the
// helper's open files on process exit.
func (q *Queue) UnbindHelper() {
	q.mu.Lock()
	q.bound = false

	drained := q.pending
	q.pending = nil
	for _, r := range drained {
		delete(q.byNode, r.id)
	}

	inFlight := make([]*request, 0, len(q.inFlight))
	for _, r := range q.inFlight {
		inFlight = append(inFlight, r)
	}
	q.inFlight = make(map[uint64]*request)
	for _, r := range inFlight {
		delete(q.byNode, r.id)
	}
	q.mu.Unlock()

	for _, r := range drained {
		r.finish(ErrNoHelper)
	}
	for _, r := range inFlight {
		r.finish(nil)
	}
}

// Bound reports whether a helper is currently registered.
func (q *Queue) Bound() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bound
}

// FetchAndWait enqueues a fetch for the node identified by id (at
// mount-relative path) if one is not already pending or in flight, then
// blocks until it completes, the helper departs, ctx is canceled, or no
// helper was ever bound. A nil return means the caller should retry its
// host lookup; the entry may or may not now exist.
func (q *Queue) FetchAndWait(ctx context.Context, id vnode.ID, path string, uid uint32) error {
	q.mu.Lock()
	if !q.bound {
		q.mu.Unlock()
		return ErrNoHelper
	}

	r, existing := q.byNode[id]
	if !existing {
		r = &request{id: id, path: path, uid: uid, state: Queued, done: make(chan struct{})}
		q.byNode[id] = r
		q.pending = append(q.pending, r)
		q.wakeHelperLocked()
	}
	done := r.done
	q.mu.Unlock()

	select {
	case <-done:
		return r.result
	case <-ctx.Done():
		return ErrInterrupted
	}
}

func (q *Queue) wakeHelperLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}

// NextRequest blocks until a request is pending, pops the oldest one
// (FIFO), and returns a Handle for it. It returns ErrInterrupted if ctx is
// canceled first.
func (q *Queue) NextRequest(ctx context.Context) (*Handle, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			r := q.pending[0]
			q.pending = q.pending[1:]
			r.state = InFlight

			q.nextHandle++
			id := q.nextHandle
			q.inFlight[id] = r

			q.mu.Unlock()
			return &Handle{q: q, id: id, req: r}, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ErrInterrupted
		}
	}
}

// Pending reports the number of requests currently queued but not yet
// popped by the helper, for tests and diagnostics.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
