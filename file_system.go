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

package fuse

import (
	"os"
	"time"

	bazilfuse "bazil.org/fuse"

	"golang.org/x/net/context"
)

// An interface that must be implemented by file systems to be mounted with
// FUSE. See also the comments on request and response structs.
//
// This interface only covers the read-only surface of FUSE: there is no
// method that would let the kernel ask for a mutation: the server answers
// the mutating ops the kernel may still probe for (setattr, mkdir, create,
// rmdir, unlink, write, fsync) with ENOSYS without calling the file system.
// Embed a field of type NotImplementedFileSystem to inherit a default Init.
//
// Must be safe for concurrent access via all methods.
type FileSystem interface {
	// This method is called once when mounting the file system. It must succeed
	// in order for the mount to succeed.
	Init(
		ctx context.Context,
		req *InitRequest) (*InitResponse, error)

	///////////////////////////////////
	// Inodes
	///////////////////////////////////

	// Look up a child by name within a parent directory. The kernel calls this
	// when resolving user paths to dentry structs, which are then cached.
	LookUpInode(
		ctx context.Context,
		req *LookUpInodeRequest) (*LookUpInodeResponse, error)

	// Refresh the attributes for an inode whose ID was previously returned by
	// LookUpInode. The kernel calls this when the FUSE VFS layer's cache of
	// inode attributes is stale. This is controlled by the AttributesExpiration
	// field of responses to LookUp, etc.
	GetInodeAttributes(
		ctx context.Context,
		req *GetInodeAttributesRequest) (*GetInodeAttributesResponse, error)

	// Forget an inode ID previously issued (e.g. by LookUpInode). The kernel
	// calls this when removing an inode from its internal caches.
	ForgetInode(
		ctx context.Context,
		req *ForgetInodeRequest) (*ForgetInodeResponse, error)

	///////////////////////////////////
	// Directory handles
	///////////////////////////////////

	// Open a directory inode.
	OpenDir(
		ctx context.Context,
		req *OpenDirRequest) (*OpenDirResponse, error)

	// Read entries from a directory previously opened with OpenDir.
	ReadDir(
		ctx context.Context,
		req *ReadDirRequest) (*ReadDirResponse, error)

	// Release a previously-minted directory handle. The kernel calls this when
	// there are no more references to an open directory.
	ReleaseDirHandle(
		ctx context.Context,
		req *ReleaseDirHandleRequest) (*ReleaseDirHandleResponse, error)

	///////////////////////////////////
	// File handles
	///////////////////////////////////

	// Open a file inode.
	OpenFile(
		ctx context.Context,
		req *OpenFileRequest) (*OpenFileResponse, error)

	// Read data from a file previously opened with OpenFile.
	ReadFile(
		ctx context.Context,
		req *ReadFileRequest) (*ReadFileResponse, error)

	// Flush the current state of an open file upon closing a file descriptor.
	// Typical read-only file systems have nothing to flush; this exists
	// because some callers (e.g. close(2) via a dup'd fd) expect the call to
	// succeed rather than fail with ENOSYS.
	FlushFile(
		ctx context.Context,
		req *FlushFileRequest) (*FlushFileResponse, error)

	// Release a previously-minted file handle. The kernel calls this when
	// there are no more references to an open file.
	ReleaseFileHandle(
		ctx context.Context,
		req *ReleaseFileHandleRequest) (*ReleaseFileHandleResponse, error)
}

////////////////////////////////////////////////////////////////////////
// Simple types
////////////////////////////////////////////////////////////////////////

// A 64-bit number used to uniquely identify a file or directory in the file
// system. File systems may mint inode IDs with any value except for
// RootInodeID.
type InodeID uint64

// A distinguished inode ID that identifies the root of the file system.
const RootInodeID = 1

func init() {
	if RootInodeID != bazilfuse.RootID {
		panic("RootInodeID does not match bazilfuse.RootID")
	}
}

// Attributes for a file or directory inode.
type InodeAttributes struct {
	Size  uint64
	Nlink uint64
	Mode  os.FileMode

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time

	Uid uint32
	Gid uint32
}

// A generation number for an inode. This implementation never reuses an
// inode ID within a mount's lifetime, so every response uses generation 0.
type GenerationNumber uint64

// An opaque 64-bit number used to identify a particular open handle to a
// file or directory.
type HandleID uint64

// An offset into an open directory handle.
type DirOffset uint64

// A header that is included with every request.
type RequestHeader struct {
	Uid uint32
	Gid uint32
	Pid uint32
}

// Information about a child inode within its parent directory.
type ChildInodeEntry struct {
	Child      InodeID
	Generation GenerationNumber

	Attributes InodeAttributes

	AttributesExpiration time.Time
	EntryExpiration      time.Time
}

////////////////////////////////////////////////////////////////////////
// Requests and responses
////////////////////////////////////////////////////////////////////////

type InitRequest struct {
	Header RequestHeader
}

type InitResponse struct {
}

type LookUpInodeRequest struct {
	Header RequestHeader
	Parent InodeID
	Name   string
}

type LookUpInodeResponse struct {
	Entry ChildInodeEntry
}

type GetInodeAttributesRequest struct {
	Header RequestHeader
	Inode  InodeID
}

type GetInodeAttributesResponse struct {
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

type ForgetInodeRequest struct {
	Header RequestHeader
	ID     InodeID
}

type ForgetInodeResponse struct {
}

type OpenDirRequest struct {
	Header RequestHeader
	Inode  InodeID
	Flags  bazilfuse.OpenFlags
}

type OpenDirResponse struct {
	Handle HandleID
}

// Read entries from a directory previously opened with OpenDir. See notes
// on bazil.org/fuse's ReadRequest.Offset: the value is opaque to the
// kernel and is simply the last value the file system emitted via
// WriteDirent, so a file system may treat it as whatever indexing
// scheme is convenient (here, the number of entries, "." and ".."
// included, already returned for this directory).
type ReadDirRequest struct {
	Header RequestHeader
	Inode  InodeID
	Handle HandleID
	Offset DirOffset
	Size   int
}

type ReadDirResponse struct {
	// A buffer of directory entries in the kernel's fuse_dirent format. See
	// WriteDirent. An empty buffer indicates the end of the directory.
	Data []byte
}

type ReleaseDirHandleRequest struct {
	Header RequestHeader
	Handle HandleID
}

type ReleaseDirHandleResponse struct {
}

type OpenFileRequest struct {
	Header RequestHeader
	Inode  InodeID
	Flags  bazilfuse.OpenFlags
}

type OpenFileResponse struct {
	Handle HandleID
}

type ReadFileRequest struct {
	Header RequestHeader
	Inode  InodeID
	Handle HandleID
	Offset int64
	Size   int
}

type ReadFileResponse struct {
	// The data read. If this is less than the requested size, it indicates
	// EOF; an error should not be returned in this case.
	Data []byte
}

type FlushFileRequest struct {
	Header RequestHeader
	Inode  InodeID
	Handle HandleID
}

type FlushFileResponse struct {
}

type ReleaseFileHandleRequest struct {
	Header RequestHeader
	Handle HandleID
}

type ReleaseFileHandleResponse struct {
}
