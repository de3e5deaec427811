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

// Package hostfs pairs virtual nodes with their counterparts on the host
// filesystem backing a mount, fetching missing host entries through a
// fetchqueue.Queue when a lookup finds nothing there yet.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lazymount/lazyfs/fetchqueue"
	"github.com/lazymount/lazyfs/manifest"
	"github.com/lazymount/lazyfs/vnode"
)

// ErrNoManifest is returned when a directory's host counterpart exists but
// carries no "..." file, or the "..." entry is not a regular file.
var ErrNoManifest = errors.New("hostfs: host directory has no manifest")

// ErrKindMismatch is returned when the manifest's declared kind for an
// entry disagrees with what the host filesystem actually has under that
// name.
var ErrKindMismatch = errors.New("hostfs: manifest kind does not match host entry")

// ErrStillMissing is returned when, after a fetch completed (or the fetch
// request was satisfied by helper departure), the host entry still does
// not exist.
var ErrStillMissing = errors.New("hostfs: host entry did not appear after fetch")

// Dir is a resolved host-side directory: a plain path on the backing
// filesystem. It is intentionally thin; all path joining trusts the
// backing store the way the host kernel's own dentry cache would.
type Dir struct {
	path string
}

// OpenDir resolves path as a host directory, verifying it exists and is a
// directory.
func OpenDir(path string) (*Dir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("hostfs: %s is not a directory", path)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory's absolute path on the host.
func (d *Dir) Path() string { return d.path }

// lookup stats name within d, reporting whether it exists and, if so, what
// kind of entry it is.
func (d *Dir) lookup(name string) (vnode.Kind, os.FileInfo, bool, error) {
	fi, err := os.Lstat(filepath.Join(d.path, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return kindOf(fi), fi, true, nil
}

func kindOf(fi os.FileInfo) vnode.Kind {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return vnode.Symlink
	case fi.IsDir():
		return vnode.Directory
	case fi.Mode()&0111 != 0:
		return vnode.ExecutableRegular
	default:
		return vnode.Regular
	}
}

// child resolves a sub-directory of d by name, failing if name is absent
// or not a directory.
func (d *Dir) child(name string) (*Dir, error) {
	return OpenDir(filepath.Join(d.path, name))
}

// openFile opens name within d for reading.
func (d *Dir) openFile(name string) (*os.File, error) {
	return os.Open(filepath.Join(d.path, name))
}

// readManifest reads the "..." file in d, returning its bytes and an
// opaque fingerprint token that changes whenever the file's identity
// (mtime, size) changes. If the token equals known, the file's contents
// are not read and the returned blob is nil. ErrNoManifest is returned if
// the file is absent or not a regular file.
func (d *Dir) readManifest(known string) ([]byte, string, error) {
	fi, err := os.Lstat(filepath.Join(d.path, manifest.Name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrNoManifest
		}
		return nil, "", err
	}
	if fi.Mode()&os.ModeSymlink != 0 || fi.IsDir() {
		return nil, "", ErrNoManifest
	}

	token := fmt.Sprintf("%d-%d", fi.Size(), fi.ModTime().UnixNano())
	if token == known {
		return nil, token, nil
	}

	f, err := d.openFile(manifest.Name)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	blob := make([]byte, manifest.MaxSize+1)
	n, err := io.ReadFull(f, blob)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, "", err
	}
	blob = blob[:n]

	return blob, token, nil
}

// Pairing wires a virtual-node table to a host backing store and a fetch
// queue: it is the component that turns "this VN has no host counterpart
// yet" into either a materialized host entry or an error.
type Pairing struct {
	table  *vnode.Table
	queue  *fetchqueue.Queue
	logger *log.Logger
}

// NewPairing builds a Pairing over table and queue.
func NewPairing(table *vnode.Table, queue *fetchqueue.Queue, logger *log.Logger) *Pairing {
	return &Pairing{table: table, queue: queue, logger: logger}
}

// EnsureDirectoryPopulated makes sure dir's children reflect its current
// manifest, fetching the directory's host entry through the fetch queue if
// necessary. A missing manifest file is not fetched: it is reported as
// ErrNoManifest. It is idempotent: if the manifest's fingerprint has not
// changed since the last call, the manifest is not read again and nothing
// is reconciled.
func (p *Pairing) EnsureDirectoryPopulated(ctx context.Context, dir *vnode.Node, uid uint32) error {
	if dir.Dynamic() {
		return nil
	}

	hostDir, err := p.resolveDirHost(ctx, dir, uid)
	if err != nil {
		return err
	}

	blob, token, err := hostDir.readManifest(dir.ManifestToken())
	if err != nil {
		return err
	}
	if token == dir.ManifestToken() {
		return nil
	}

	m, err := manifest.Parse(blob)
	if err != nil {
		return err
	}

	p.table.Reconcile(dir, m.Entries)
	p.table.MarkReconciled(dir, token, m.Dynamic)
	return nil
}

// resolveDirHost returns dir's cached host directory, resolving and
// caching it first if necessary. The root directory's host link is seeded
// directly by the mount path and never goes through fetch-and-wait.
func (p *Pairing) resolveDirHost(ctx context.Context, dir *vnode.Node, uid uint32) (*Dir, error) {
	if hl := dir.HostLink(); hl != nil {
		return hl.(*Dir), nil
	}

	parent, ok := p.table.Lookup(dir.Parent())
	if !ok {
		return nil, fmt.Errorf("hostfs: orphaned directory node %d", dir.ID())
	}
	parentHost, err := p.resolveDirHost(ctx, parent, uid)
	if err != nil {
		return nil, err
	}

	kind, _, ok, err := parentHost.lookup(dir.Name())
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := p.queue.FetchAndWait(ctx, dir.ID(), p.table.Path(dir), uid); err != nil {
			return nil, err
		}
		kind, _, ok, err = parentHost.lookup(dir.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrStillMissing
		}
	}
	if kind != vnode.Directory {
		return nil, ErrKindMismatch
	}

	hostDir, err := parentHost.child(dir.Name())
	if err != nil {
		return nil, err
	}
	p.table.SetHostLink(dir, hostDir)
	return hostDir, nil
}

// OpenRegular resolves n (a regular or executable-regular file) against
// its parent's already-populated host directory, fetching it through the
// fetch queue if it is not yet present, and opens it for reading.
func (p *Pairing) OpenRegular(ctx context.Context, n *vnode.Node, uid uint32) (*os.File, error) {
	parent, ok := p.table.Lookup(n.Parent())
	if !ok {
		return nil, fmt.Errorf("hostfs: orphaned file node %d", n.ID())
	}
	hl := parent.HostLink()
	if hl == nil {
		return nil, fmt.Errorf("hostfs: parent directory %d not yet populated", parent.ID())
	}
	parentHost := hl.(*Dir)

	kind, _, ok, err := parentHost.lookup(n.Name())
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := p.queue.FetchAndWait(ctx, n.ID(), p.table.Path(n), uid); err != nil {
			return nil, err
		}
		kind, _, ok, err = parentHost.lookup(n.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrStillMissing
		}
	}
	if kind != n.Kind() {
		return nil, ErrKindMismatch
	}

	return parentHost.openFile(n.Name())
}

// FetchUnknownChild materializes name inside dir's host directory through
// the fetch queue, for a dynamic directory that cannot enumerate its
// children ahead of time: per the manifest grammar, a lookup of any name
// under such a directory is a miss that still deserves a fetch attempt
// rather than an immediate ENOENT. It returns nil once name exists on the
// host, whether this call's own fetch produced it or it raced in via a
// coalesced one.
func (p *Pairing) FetchUnknownChild(ctx context.Context, dir *vnode.Node, uid uint32, name string) error {
	hostDir, err := p.resolveDirHost(ctx, dir, uid)
	if err != nil {
		return err
	}

	if _, _, ok, err := hostDir.lookup(name); err != nil {
		return err
	} else if ok {
		return nil
	}

	key := p.table.FetchKey(dir, name)
	if err := p.queue.FetchAndWait(ctx, key, joinPath(p.table.Path(dir), name), uid); err != nil {
		return err
	}

	if _, _, ok, err := hostDir.lookup(name); err != nil {
		return err
	} else if !ok {
		return ErrStillMissing
	}
	return nil
}

// ResolveDynamicChild inserts a virtual node for name within dir, whose
// host counterpart must already exist (e.g. immediately after
// FetchUnknownChild succeeds). If a concurrent caller already inserted the
// node first, the existing one is returned instead of a duplicate.
func (p *Pairing) ResolveDynamicChild(dir *vnode.Node, name string) (*vnode.Node, error) {
	hl := dir.HostLink()
	if hl == nil {
		return nil, fmt.Errorf("hostfs: directory %d not yet populated", dir.ID())
	}
	hostDir := hl.(*Dir)

	kind, fi, ok, err := hostDir.lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStillMissing
	}

	var size uint64
	if kind != vnode.Directory {
		size = uint64(fi.Size())
	}

	n, err := p.table.InsertChild(dir, kind, name, size, fi.ModTime())
	if err != nil {
		if errors.Is(err, vnode.ErrExists) {
			if existing, ok := p.table.LookupChild(dir, name); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return n, nil
}

// joinPath appends name to a mount-relative directory path produced by
// vnode.Table.Path, avoiding a doubled slash for the root.
func joinPath(dirPath, name string) string {
	if dirPath == "/" {
		return "/" + name
	}
	return dirPath + "/" + name
}

// Stat resolves n against its parent's host directory (without fetching)
// and returns its host-side size and modification time, for callers that
// already know the entry exists (e.g. GetInodeAttributes after a
// successful LookUpInode).
func (p *Pairing) Stat(n *vnode.Node) (size uint64, mtime time.Time, err error) {
	parent, ok := p.table.Lookup(n.Parent())
	if !ok {
		return 0, time.Time{}, fmt.Errorf("hostfs: orphaned node %d", n.ID())
	}
	hl := parent.HostLink()
	if hl == nil {
		return 0, time.Time{}, fmt.Errorf("hostfs: parent directory %d not yet populated", parent.ID())
	}
	parentHost := hl.(*Dir)

	fi, err := os.Lstat(filepath.Join(parentHost.path, n.Name()))
	if err != nil {
		return 0, time.Time{}, err
	}
	return uint64(fi.Size()), fi.ModTime(), nil
}
