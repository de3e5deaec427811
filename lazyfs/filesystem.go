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

	"golang.org/x/net/context"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/vnode"
)

// aliasEntry records the host identity a regular node's mapping has been
// resolved to, and how many open handles currently depend on that
// resolution.
type aliasEntry struct {
	dev, ino uint64
	refs     int
}

// FileSystem implements fuse.FileSystem over a Superblock: it is the
// surface component (C5) that every kernel-dispatched operation reaches
// first.
type FileSystem struct {
	sb *Superblock

	handles *handleTable
	helper  *helperState

	aliasMu sync.Mutex
	aliases map[vnode.ID]*aliasEntry
}

// NewFileSystem builds a FileSystem ready to be mounted over sb.
func NewFileSystem(sb *Superblock) *FileSystem {
	return &FileSystem{
		sb:      sb,
		handles: newHandleTable(),
		helper:  newHelperState(sb.Queue),
		aliases: make(map[vnode.ID]*aliasEntry),
	}
}

func (fs *FileSystem) Init(
	ctx context.Context,
	req *fuse.InitRequest) (*fuse.InitResponse, error) {
	return &fuse.InitResponse{}, nil
}

// LookUpInode resolves parent+name to a child's inode entry. parent ==
// RootInodeID, name == "helper-control" is special-cased to the
// synthetic rendezvous node; everything else goes through the virtual-node
// table, populating the parent directory from its manifest first.
func (fs *FileSystem) LookUpInode(
	ctx context.Context,
	req *fuse.LookUpInodeRequest) (*fuse.LookUpInodeResponse, error) {
	if fuse.InodeID(req.Parent) == fuse.RootInodeID {
		if req.Name == helperControlName {
			return &fuse.LookUpInodeResponse{Entry: fs.helper.controlEntry()}, nil
		}
		if entry, ok := fs.helper.lookupRequestNode(req.Name); ok {
			return &fuse.LookUpInodeResponse{Entry: entry}, nil
		}
	}

	parent, ok := fs.sb.Table.Lookup(vnode.ID(req.Parent))
	if !ok {
		return nil, fuse.ENOENT
	}
	if parent.Kind() != vnode.Directory {
		return nil, fuse.ENOENT
	}

	if err := fs.sb.Pairing.EnsureDirectoryPopulated(ctx, parent, req.Header.Uid); err != nil {
		return nil, mapError(err)
	}

	child, ok := fs.sb.Table.LookupChild(parent, req.Name)
	if !ok {
		if !parent.Dynamic() {
			return nil, fuse.ENOENT
		}
		if err := fs.sb.Pairing.FetchUnknownChild(ctx, parent, req.Header.Uid, req.Name); err != nil {
			return nil, mapError(err)
		}
		resolved, err := fs.sb.Pairing.ResolveDynamicChild(parent, req.Name)
		if err != nil {
			return nil, mapError(err)
		}
		child = resolved
	}
	fs.sb.Table.Ref(child)

	return &fuse.LookUpInodeResponse{Entry: fs.childInodeEntry(child)}, nil
}

// GetInodeAttributes refreshes the cached attributes for an inode
// previously returned by LookUpInode.
func (fs *FileSystem) GetInodeAttributes(
	ctx context.Context,
	req *fuse.GetInodeAttributesRequest) (*fuse.GetInodeAttributesResponse, error) {
	if req.Inode == fs.helper.controlInodeID() {
		return &fuse.GetInodeAttributesResponse{Attributes: fs.helper.controlAttributes()}, nil
	}
	if fs.helper.isRequestInode(req.Inode) {
		return &fuse.GetInodeAttributesResponse{Attributes: requestNodeAttributes()}, nil
	}

	n, ok := fs.sb.Table.Lookup(vnode.ID(req.Inode))
	if !ok {
		return nil, fuse.ENOENT
	}

	return &fuse.GetInodeAttributesResponse{Attributes: fs.nodeAttributes(n)}, nil
}

// ForgetInode drops the surface's reference on an inode previously issued
// by LookUpInode. The root and the synthetic helper-control node are never
// collected, matching the source's special-casing of inode 1; a forgotten
// request node's entry is discarded without completing its fetch.
func (fs *FileSystem) ForgetInode(
	ctx context.Context,
	req *fuse.ForgetInodeRequest) (*fuse.ForgetInodeResponse, error) {
	if req.ID == fs.helper.controlInodeID() {
		return &fuse.ForgetInodeResponse{}, nil
	}
	if fs.helper.isRequestInode(req.ID) {
		// The kernel forgot this dentry without the helper ever opening it
		// (e.g. the helper looked it up, then crashed before open). The
		// fetch itself is still tracked by the queue independently of this
		// bookkeeping entry, so discarding it here only prevents a leak; it
		// must not call closeRequest, which would wake producers as if the
		// fetch had actually completed.
		fs.helper.discardRequest(req.ID)
		return &fuse.ForgetInodeResponse{}, nil
	}

	n, ok := fs.sb.Table.Lookup(vnode.ID(req.ID))
	if ok {
		fs.sb.Table.Unref(n, 1)
	}
	return &fuse.ForgetInodeResponse{}, nil
}

func (fs *FileSystem) childInodeEntry(n *vnode.Node) fuse.ChildInodeEntry {
	return fuse.ChildInodeEntry{
		Child:      fuse.InodeID(n.ID()),
		Generation: 0,
		Attributes: fs.nodeAttributes(n),
	}
}

func (fs *FileSystem) nodeAttributes(n *vnode.Node) fuse.InodeAttributes {
	size := n.Size()
	mtime := n.Mtime()
	nlink := uint64(1)

	if n.Kind() == vnode.Directory {
		nlink = 2
	} else if hl := fs.parentHostLink(n); hl != nil {
		if s, mt, err := fs.sb.Pairing.Stat(n); err == nil {
			size = s
			mtime = mt
		}
	}

	mode := os.FileMode(0444)
	switch n.Kind() {
	case vnode.Directory:
		mode = os.ModeDir | 0555
	case vnode.ExecutableRegular:
		mode = 0555
	case vnode.Symlink:
		mode = os.ModeSymlink | 0444
	}

	return fuse.InodeAttributes{
		Size:   size,
		Nlink:  nlink,
		Mode:   mode,
		Atime:  mtime,
		Mtime:  mtime,
		Ctime:  mtime,
		Crtime: mtime,
	}
}

func (fs *FileSystem) parentHostLink(n *vnode.Node) vnode.HostEntry {
	parent, ok := fs.sb.Table.Lookup(n.Parent())
	if !ok {
		return nil
	}
	return parent.HostLink()
}
