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
	"errors"
	"io"

	"golang.org/x/net/context"
	"golang.org/x/sys/unix"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/vnode"
)

// minHelperReadSize is the minimum read buffer size the helper-control
// node accepts, per the external interface contract: a smaller buffer is
// rejected without consuming a request.
const minHelperReadSize = 20

// OpenFile opens the node identified by req.Inode: the helper-control
// rendezvous node, a request node (HRH), or an ordinary regular file.
func (fs *FileSystem) OpenFile(
	ctx context.Context,
	req *fuse.OpenFileRequest) (*fuse.OpenFileResponse, error) {
	switch {
	case req.Inode == fs.helper.controlInodeID():
		if err := fs.sb.Queue.BindHelper(); err != nil {
			return nil, mapError(err)
		}
		id := fs.handles.newFileHandle(&fileHandle{kind: fileKindHelperControl})
		return &fuse.OpenFileResponse{Handle: fuse.HandleID(id)}, nil

	case fs.helper.isRequestInode(req.Inode):
		if _, err := fs.helper.requestPath(req.Inode); err != nil {
			return nil, err
		}
		id := fs.handles.newFileHandle(&fileHandle{kind: fileKindRequest, requestID: req.Inode})
		return &fuse.OpenFileResponse{Handle: fuse.HandleID(id)}, nil

	default:
		n, ok := fs.sb.Table.Lookup(vnode.ID(req.Inode))
		if !ok {
			return nil, fuse.ENOENT
		}
		if n.Kind() != vnode.Regular && n.Kind() != vnode.ExecutableRegular {
			return nil, fuse.ENOSYS
		}

		host, err := fs.sb.Pairing.OpenRegular(ctx, n, req.Header.Uid)
		if err != nil {
			return nil, mapError(err)
		}
		if err := fs.checkAlias(n, host.Name()); err != nil {
			host.Close()
			return nil, err
		}

		id := fs.handles.newFileHandle(&fileHandle{kind: fileKindRegular, node: n, host: host})
		return &fuse.OpenFileResponse{Handle: fuse.HandleID(id)}, nil
	}
}

// ReadFile dispatches to whichever kind of file handle req.Handle refers
// to.
func (fs *FileSystem) ReadFile(
	ctx context.Context,
	req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	h, ok := fs.handles.file(req.Handle)
	if !ok {
		return nil, fuse.ENOENT
	}

	switch h.kind {
	case fileKindHelperControl:
		return fs.readHelperControl(ctx, req)
	case fileKindRequest:
		return fs.readRequestNode(h, req)
	default:
		return fs.readRegular(h, req)
	}
}

// readHelperControl blocks until a fetch is pending, then writes the
// "<handle-id> uid=<uid>" rendezvous message. A buffer under
// minHelperReadSize is rejected with EINVAL without consuming a request,
// matching the boundary behavior that a too-small read must not silently
// drop work.
func (fs *FileSystem) readHelperControl(
	ctx context.Context,
	req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	if req.Size < minHelperReadSize {
		return nil, fuse.EINVAL
	}
	if req.Offset != 0 {
		return &fuse.ReadFileResponse{}, nil
	}

	_, msg, err := fs.helper.nextRequest(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	return &fuse.ReadFileResponse{Data: []byte(msg + "\x00")}, nil
}

// readRequestNode yields the mount-relative path of the VN being fetched.
func (fs *FileSystem) readRequestNode(
	h *fileHandle,
	req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	if req.Offset != 0 {
		return &fuse.ReadFileResponse{}, nil
	}

	path, err := fs.helper.requestPath(h.requestID)
	if err != nil {
		return nil, err
	}
	return &fuse.ReadFileResponse{Data: []byte(path + "\x00")}, nil
}

func (fs *FileSystem) readRegular(
	h *fileHandle,
	req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	buf := make([]byte, req.Size)
	n, err := h.host.ReadAt(buf, req.Offset)
	if err != nil && n == 0 && !isEOF(err) {
		return nil, err
	}
	return &fuse.ReadFileResponse{Data: buf[:n]}, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// FlushFile has nothing to flush on a read-only mount, but must still
// succeed: some callers (e.g. close(2) on a dup'd fd) treat ENOSYS here as
// a real error.
func (fs *FileSystem) FlushFile(
	ctx context.Context,
	req *fuse.FlushFileRequest) (*fuse.FlushFileResponse, error) {
	return &fuse.FlushFileResponse{}, nil
}

// ReleaseFileHandle releases whichever kind of file handle req.Handle
// refers to: a helper-control handle unbinds the helper (draining the
// queue); a request-node handle completes its fetch; a regular handle
// closes its host file.
func (fs *FileSystem) ReleaseFileHandle(
	ctx context.Context,
	req *fuse.ReleaseFileHandleRequest) (*fuse.ReleaseFileHandleResponse, error) {
	h, ok := fs.handles.releaseFile(req.Handle)
	if !ok {
		return &fuse.ReleaseFileHandleResponse{}, nil
	}

	switch h.kind {
	case fileKindHelperControl:
		fs.sb.Queue.UnbindHelper()
	case fileKindRequest:
		fs.helper.closeRequest(h.requestID)
	default:
		fs.releaseAlias(h.node)
		h.host.Close()
	}

	return &fuse.ReleaseFileHandleResponse{}, nil
}

// checkAlias and releaseAlias enforce the single-writer page-cache
// aliasing invariant (see design notes on mmap aliasing): once a regular
// node's mapping has been resolved to a particular host identity
// (device+inode), a concurrently open handle that resolves to a different
// host identity is rejected as Busy rather than silently rebinding. FUSE
// has no explicit mmap callback of its own — the kernel serves mmap out
// of the same page cache it populates via ordinary reads — so this check
// runs at open time, which is the earliest point a second, conflicting
// resolution can be observed.
func (fs *FileSystem) checkAlias(n *vnode.Node, hostPath string) error {
	var st unix.Stat_t
	if err := unix.Stat(hostPath, &st); err != nil {
		return nil
	}

	fs.aliasMu.Lock()
	defer fs.aliasMu.Unlock()

	a, ok := fs.aliases[n.ID()]
	if !ok {
		fs.aliases[n.ID()] = &aliasEntry{dev: uint64(st.Dev), ino: st.Ino, refs: 1}
		return nil
	}
	if a.dev != uint64(st.Dev) || a.ino != st.Ino {
		return fuse.EBUSY
	}
	a.refs++
	return nil
}

func (fs *FileSystem) releaseAlias(n *vnode.Node) {
	fs.aliasMu.Lock()
	defer fs.aliasMu.Unlock()

	a, ok := fs.aliases[n.ID()]
	if !ok {
		return
	}
	a.refs--
	if a.refs <= 0 {
		delete(fs.aliases, n.ID())
	}
}
