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
	"golang.org/x/net/context"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/vnode"
)

// OpenDir ensures dir's children are populated from its manifest and
// takes a snapshot of them for ReadDir to walk; the snapshot is what makes
// "authoritative as of open" true regardless of concurrent reconciliation.
func (fs *FileSystem) OpenDir(
	ctx context.Context,
	req *fuse.OpenDirRequest) (*fuse.OpenDirResponse, error) {
	n, ok := fs.sb.Table.Lookup(vnode.ID(req.Inode))
	if !ok {
		return nil, fuse.ENOENT
	}
	if n.Kind() != vnode.Directory {
		return nil, fuse.ENOENT
	}

	if err := fs.sb.Pairing.EnsureDirectoryPopulated(ctx, n, req.Header.Uid); err != nil {
		return nil, mapError(err)
	}

	snapshot := fs.sb.Table.Children(n)
	id := fs.handles.newDirHandle(&dirHandle{node: n, snapshot: snapshot})
	return &fuse.OpenDirResponse{Handle: fuse.HandleID(id)}, nil
}

// ReadDir emits directory entries starting at req.Offset, in the stable
// order the snapshot was taken. Position 0 is ".", 1 is "..", 2.. are
// children; root additionally synthesizes "helper-control" as the last
// entry, matching the boundary requirement that root readdir always
// includes it.
func (fs *FileSystem) ReadDir(
	ctx context.Context,
	req *fuse.ReadDirRequest) (*fuse.ReadDirResponse, error) {
	h, ok := fs.handles.dir(req.Handle)
	if !ok {
		return nil, fuse.ENOENT
	}

	entries := fs.direntsFor(h)

	var buf []byte
	if req.Size > 0 {
		buf = make([]byte, 0, req.Size)
	}
	pos := int(req.Offset)
	for pos < len(entries) {
		e := entries[pos]
		room := req.Size - len(buf)
		if room <= 0 {
			break
		}
		tmp := make([]byte, room)
		n := fuse.WriteDirent(tmp, e)
		if n == 0 {
			break
		}
		buf = append(buf, tmp[:n]...)
		pos++
	}

	return &fuse.ReadDirResponse{Data: buf}, nil
}

// direntsFor builds the full ordered dirent list ("." ".." children
// [helper-control]) for a directory handle's snapshot, assigning each
// entry the offset ReadDir expects to receive back as req.Offset on the
// next call.
func (fs *FileSystem) direntsFor(h *dirHandle) []fuse.Dirent {
	entries := make([]fuse.Dirent, 0, len(h.snapshot)+3)

	entries = append(entries, fuse.Dirent{
		Offset: 1,
		Inode:  fuse.InodeID(h.node.ID()),
		Name:   ".",
		Type:   fuse.DT_Directory,
	})
	entries = append(entries, fuse.Dirent{
		Offset: 2,
		Inode:  fuse.InodeID(h.node.Parent()),
		Name:   "..",
		Type:   fuse.DT_Directory,
	})

	offset := fuse.DirOffset(3)
	for _, c := range h.snapshot {
		entries = append(entries, fuse.Dirent{
			Offset: offset,
			Inode:  fuse.InodeID(c.ID()),
			Name:   c.Name(),
			Type:   direntType(c.Kind()),
		})
		offset++
	}

	if h.node.ID() == vnode.RootID {
		entries = append(entries, fuse.Dirent{
			Offset: offset,
			Inode:  fs.helper.controlInodeID(),
			Name:   helperControlName,
			Type:   fuse.DT_File,
		})
	}

	return entries
}

func direntType(k vnode.Kind) fuse.DirentType {
	switch k {
	case vnode.Directory:
		return fuse.DT_Directory
	case vnode.Symlink:
		return fuse.DT_Symlink
	default:
		return fuse.DT_File
	}
}

// ReleaseDirHandle drops a directory handle opened by OpenDir.
func (fs *FileSystem) ReleaseDirHandle(
	ctx context.Context,
	req *fuse.ReleaseDirHandleRequest) (*fuse.ReleaseDirHandleResponse, error) {
	fs.handles.releaseDir(req.Handle)
	return &fuse.ReleaseDirHandleResponse{}, nil
}
