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

// Package vnode holds the virtual-node table: the in-memory tree that
// mirrors a manifest-described namespace, independent of whether any given
// node's host counterpart has actually been resolved yet.
package vnode

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/lazymount/lazyfs/manifest"
)

// ID identifies a virtual node within a Table. It plays the role the
// kernel's inode number plays for the FUSE surface.
type ID uint64

// RootID is the identifier of the table's root node. It is never reused and
// never collected.
const RootID ID = 1

// Kind is the type of a virtual node. Each manifest.Kind maps to exactly
// one Kind (see kindFromManifest); the numeric values of the two types
// differ.
type Kind int

const (
	Directory Kind = iota
	Regular
	ExecutableRegular
	Symlink
)

func kindFromManifest(k manifest.Kind) Kind {
	switch k {
	case manifest.Directory:
		return Directory
	case manifest.Regular:
		return Regular
	case manifest.ExecutableRegular:
		return ExecutableRegular
	case manifest.Symlink:
		return Symlink
	default:
		panic(fmt.Sprintf("vnode: unknown manifest kind %v", k))
	}
}

// HostEntry is an opaque reference to whatever a directory's host pairing
// resolved to. The vnode package never looks inside it; hostfs stores and
// retrieves its own concrete type through it.
type HostEntry interface{}

// Node is one entry in the virtual namespace. Fields are only safe to read
// or write while holding the owning Table's lock, with the exception of ID
// and Kind, which are immutable after creation.
type Node struct {
	id     ID
	kind   Kind
	name   string
	parent ID

	size  uint64
	mtime time.Time

	children    []ID
	childByName map[string]ID

	// hostLink caches the resolved host-side counterpart for a directory, so
	// that resolve_host need only run once per directory per mount. Regular
	// files are re-resolved on every open, matching the "parent directory
	// must already have one" contract from the host pairing component.
	hostLink HostEntry

	// manifestToken identifies the manifest blob this directory was last
	// reconciled against (e.g. a host mtime+size fingerprint). An unchanged
	// token means ensure_directory_populated is a no-op.
	manifestToken string

	// dynamic marks a directory populated from a "LazyFS Dynamic" manifest:
	// there is no manifest file to ever re-check.
	dynamic bool

	refs int32
}

func (n *Node) ID() ID              { return n.id }
func (n *Node) Kind() Kind          { return n.kind }
func (n *Node) Name() string        { return n.name }
func (n *Node) Parent() ID          { return n.parent }
func (n *Node) Size() uint64        { return n.size }
func (n *Node) Mtime() time.Time    { return n.mtime }
func (n *Node) HostLink() HostEntry { return n.hostLink }
func (n *Node) Dynamic() bool       { return n.dynamic }
func (n *Node) ManifestToken() string { return n.manifestToken }

// ErrExists is returned by InsertChild when a child of that name is already
// present in the directory, regardless of whether its kind agrees.
var ErrExists = errors.New("vnode: child already exists")

// ErrNotDirectory is returned when an operation that requires a directory
// node is given something else.
var ErrNotDirectory = errors.New("vnode: not a directory")

// Table is the arena-indexed tree of virtual nodes for one mount. All
// mutation and traversal that spans more than a single Node happens under
// the table's lock; this is a simpler granularity than per-directory
// locking, but the table never does anything that blocks while holding the
// lock (host and helper I/O happen above this layer), so it does not
// introduce additional latency.
type Table struct {
	mu syncutil.InvariantMutex

	nodes  map[ID]*Node
	nextID ID

	// fetchKeys hands out synthetic, never-reused IDs for (directory, name)
	// pairs that have no virtual node yet, e.g. an unlisted name inside a
	// dynamic directory. They exist purely so the fetch queue has something
	// stable to coalesce concurrent producers on; they draw from the same
	// counter as real node IDs, so they never collide with one.
	fetchKeys map[ID]map[string]ID

	logger *log.Logger
}

// NewTable creates a table containing only the root directory.
func NewTable(logger *log.Logger) *Table {
	t := &Table{
		nodes:     make(map[ID]*Node),
		nextID:    RootID + 1,
		fetchKeys: make(map[ID]map[string]ID),
		logger:    logger,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)

	root := &Node{
		id:          RootID,
		kind:        Directory,
		name:        "",
		parent:      RootID,
		childByName: make(map[string]ID),
		refs:        1,
	}
	t.nodes[RootID] = root
	return t
}

func (t *Table) checkInvariants() {
	if _, ok := t.nodes[RootID]; !ok {
		panic("vnode: root node missing from table")
	}
	for id, n := range t.nodes {
		if n.id != id {
			panic(fmt.Sprintf("vnode: node stored under id %d has id %d", id, n.id))
		}
		if n.kind == Directory {
			if len(n.children) != len(n.childByName) {
				panic(fmt.Sprintf("vnode: directory %d has %d children but %d name entries", id, len(n.children), len(n.childByName)))
			}
			for name, cid := range n.childByName {
				c, ok := t.nodes[cid]
				if !ok {
					panic(fmt.Sprintf("vnode: dangling child id %d (name %q) under %d", cid, name, id))
				}
				if c.name != name {
					panic(fmt.Sprintf("vnode: child %d named %q under parent map key %q", cid, c.name, name))
				}
				if c.parent != id {
					panic(fmt.Sprintf("vnode: child %d does not point back to parent %d", cid, id))
				}
			}
		}
	}
}

// Root returns the root directory node.
func (t *Table) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[RootID]
}

// Lookup returns the node with the given ID, if any.
func (t *Table) Lookup(id ID) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return n, ok
}

// LookupChild returns the child of dir named name, if present.
func (t *Table) LookupChild(dir *Node, name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := dir.childByName[name]
	if !ok {
		return nil, false
	}
	return t.nodes[id], true
}

// Children returns a snapshot of dir's children, in insertion order.
func (t *Table) Children(dir *Node) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(dir.children))
	for _, id := range dir.children {
		out = append(out, t.nodes[id])
	}
	return out
}

// InsertChild creates a new node named name under dir, unless one already
// exists (ErrExists). The caller is responsible for having already decided
// the kind and size/mtime via manifest reconciliation or host resolution.
func (t *Table) InsertChild(dir *Node, kind Kind, name string, size uint64, mtime time.Time) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dir.kind != Directory {
		return nil, ErrNotDirectory
	}
	if _, ok := dir.childByName[name]; ok {
		return nil, ErrExists
	}

	id := t.nextID
	t.nextID++

	n := &Node{
		id:     id,
		kind:   kind,
		name:   name,
		parent: dir.id,
		size:   size,
		mtime:  mtime,
		refs:   1,
	}
	if kind == Directory {
		n.childByName = make(map[string]ID)
	}

	t.nodes[id] = n
	dir.children = append(dir.children, id)
	dir.childByName[name] = id
	return n, nil
}

// Reconcile merges freshly-parsed manifest entries into dir's children:
// existing children are left untouched (an advisory is logged if the
// manifest now disagrees about their kind), and entries with no existing
// child are inserted. It never removes a child: the spec's manifest grammar
// has no deletion record, so a child that disappears from a manifest stays
// in the table and is still returned by LookupChild and Children, without
// the table tearing down state some caller may still hold.
func (t *Table) Reconcile(dir *Node, entries []manifest.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entries {
		kind := kindFromManifest(e.Kind)
		if id, ok := dir.childByName[e.Name]; ok {
			existing := t.nodes[id]
			if existing.kind != kind {
				t.logf("manifest reconciliation: %q already exists as %v, manifest now says %v; keeping existing", e.Name, existing.kind, kind)
			}
			continue
		}

		id := t.nextID
		t.nextID++
		n := &Node{
			id:     id,
			kind:   kind,
			name:   e.Name,
			parent: dir.id,
			refs:   1,
		}
		if kind == Directory {
			n.childByName = make(map[string]ID)
		}
		t.nodes[id] = n
		dir.children = append(dir.children, id)
		dir.childByName[e.Name] = id
	}
}

// MarkReconciled records that dir was reconciled against the manifest
// identified by token, and whether that manifest was dynamic.
func (t *Table) MarkReconciled(dir *Node, token string, dynamic bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dir.manifestToken = token
	dir.dynamic = dynamic
}

// Path returns n's mount-relative path, beginning with a forward slash
// (the root's own path is "/"). It walks parent pointers under the
// table's lock, so it is safe to call concurrently with mutation.
func (t *Table) Path(n *Node) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.id == RootID {
		return "/"
	}

	var segments []string
	for cur := n; cur.id != RootID; {
		segments = append(segments, cur.name)
		parent, ok := t.nodes[cur.parent]
		if !ok {
			break
		}
		cur = parent
	}

	var b strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(segments[i])
	}
	return b.String()
}

// FetchKey returns a stable synthetic ID for the (dir, name) pair,
// allocating one on first use. Concurrent callers asking about the same
// pair before it resolves to a real node get back the same ID, which is
// what lets the fetch queue coalesce them onto a single outstanding
// request.
func (t *Table) FetchKey(dir *Node, name string) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.fetchKeys[dir.id]
	if !ok {
		m = make(map[string]ID)
		t.fetchKeys[dir.id] = m
	}
	if id, ok := m[name]; ok {
		return id
	}

	id := t.nextID
	t.nextID++
	m[name] = id
	return id
}

// SetHostLink caches dir's resolved host-side counterpart under the
// table's lock.
func (t *Table) SetHostLink(dir *Node, h HostEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dir.hostLink = h
}

// Ref increments n's reference count, mirroring the kernel's dentry/inode
// refcounting: the surface takes one reference per LookUpInode and drops
// it in ForgetInode, so a node is kept alive while the kernel still knows
// its inode ID.
func (t *Table) Ref(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.refs++
}

// Unref decrements n's reference count by count, dropping the subtree
// rooted at n if it reaches zero. The root node's count never reaches
// zero: Forget on the root inode is a courtesy the kernel pays that the
// table does not need to act on.
func (t *Table) Unref(n *Node, count int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.id == RootID {
		return
	}

	n.refs -= count
	if n.refs > 0 {
		return
	}

	if parent, ok := t.nodes[n.parent]; ok {
		delete(parent.childByName, n.name)
		for i, id := range parent.children {
			if id == n.id {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	t.dropSubtreeLocked(n)
}

func (t *Table) dropSubtreeLocked(n *Node) {
	for _, id := range n.children {
		if c, ok := t.nodes[id]; ok {
			t.dropSubtreeLocked(c)
		}
	}
	delete(t.nodes, n.id)
}

func (t *Table) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
