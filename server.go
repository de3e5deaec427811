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
	"fmt"
	"io"
	"log"
	"time"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/net/context"

	bazilfuse "bazil.org/fuse"
)

// An object that terminates one end of the userspace <-> FUSE VFS connection.
type server struct {
	logger *log.Logger
	fs     FileSystem
}

// Create a server that relays requests to the supplied file system.
func newServer(fs FileSystem) (s *server, err error) {
	s = &server{
		logger: getLogger(),
		fs:     fs,
	}

	return
}

// Convert an absolute cache expiration time to a relative time from now for
// consumption by fuse.
func convertExpirationTime(t time.Time) (d time.Duration) {
	d = t.Sub(time.Now())
	if d < 0 {
		d = 0
	}

	return
}

func convertChildInodeEntry(
	in *ChildInodeEntry,
	out *bazilfuse.LookupResponse) {
	out.Node = bazilfuse.NodeID(in.Child)
	out.Generation = uint64(in.Generation)
	out.Attr = convertAttributes(in.Child, in.Attributes)
	out.AttrValid = convertExpirationTime(in.AttributesExpiration)
	out.EntryValid = convertExpirationTime(in.EntryExpiration)
}

func convertHeader(
	in bazilfuse.Header) (out RequestHeader) {
	out.Uid = in.Uid
	out.Gid = in.Gid
	out.Pid = in.Pid
	return
}

func convertAttributes(inode InodeID, attr InodeAttributes) bazilfuse.Attr {
	return bazilfuse.Attr{
		Inode:  uint64(inode),
		Size:   attr.Size,
		Nlink:  uint32(attr.Nlink),
		Mode:   attr.Mode,
		Atime:  attr.Atime,
		Mtime:  attr.Mtime,
		Ctime:  attr.Ctime,
		Crtime: attr.Crtime,
		Uid:    attr.Uid,
		Gid:    attr.Gid,
	}
}

// Serve the fuse connection by repeatedly reading requests from the supplied
// FUSE connection, responding as dictated by the file system. Return when the
// connection is closed or an unexpected error occurs.
func (s *server) Serve(c *bazilfuse.Conn) (err error) {
	for {
		var fuseReq bazilfuse.Request
		fuseReq, err = c.ReadRequest()

		if err == io.EOF {
			err = nil
			return
		}

		if err != nil {
			err = fmt.Errorf("Conn.ReadRequest: %v", err)
			return
		}

		go s.handleFuseRequest(fuseReq)
	}
}

func (s *server) handleFuseRequest(fuseReq bazilfuse.Request) {
	s.logger.Println("Received:", fuseReq)

	// Kernel-level interrupt delivery isn't wired through this transport:
	// ctx is never canceled and carries no deadline, so a fetch that blocks
	// on the helper waits until the helper completes the request or
	// departs.
	//
	// The span opened here stays open for the lifetime of the op, including
	// any time spent blocked waiting on the fetch helper: a trace naturally
	// shows that interval rather than hiding it inside a later span.
	ctx, report := reqtrace.StartSpan(context.Background(), opName(fuseReq))
	var opErr error
	defer func() { report(opErr) }()

	switch typed := fuseReq.(type) {
	case *bazilfuse.InitRequest:
		req := &InitRequest{Header: convertHeader(typed.Header)}

		_, err := s.fs.Init(ctx, req)
		if err != nil {
			opErr = err
			typed.RespondError(err)
			return
		}

		typed.Respond(&bazilfuse.InitResponse{})

	case *bazilfuse.StatfsRequest:
		// Required to make mounting work on some platforms; not exposed to the
		// file system, which has no notion of free space.
		typed.Respond(&bazilfuse.StatfsResponse{})

	case *bazilfuse.LookupRequest:
		req := &LookUpInodeRequest{
			Header: convertHeader(typed.Header),
			Parent: InodeID(typed.Header.Node),
			Name:   typed.Name,
		}

		resp, err := s.fs.LookUpInode(ctx, req)
		if err != nil {
			opErr = err
			typed.RespondError(err)
			return
		}

		fuseResp := &bazilfuse.LookupResponse{}
		convertChildInodeEntry(&resp.Entry, fuseResp)
		typed.Respond(fuseResp)

	case *bazilfuse.GetattrRequest:
		req := &GetInodeAttributesRequest{
			Header: convertHeader(typed.Header),
			Inode:  InodeID(typed.Header.Node),
		}

		resp, err := s.fs.GetInodeAttributes(ctx, req)
		if err != nil {
			opErr = err
			typed.RespondError(err)
			return
		}

		fuseResp := &bazilfuse.GetattrResponse{
			Attr:      convertAttributes(req.Inode, resp.Attributes),
			AttrValid: convertExpirationTime(resp.AttributesExpiration),
		}
		typed.Respond(fuseResp)

	case *bazilfuse.ForgetRequest:
		req := &ForgetInodeRequest{
			Header: convertHeader(typed.Header),
			ID:     InodeID(typed.Header.Node),
		}

		_, err := s.fs.ForgetInode(ctx, req)
		if err != nil {
			opErr = err
			typed.RespondError(err)
			return
		}
		typed.Respond()

	case *bazilfuse.OpenRequest:
		if typed.Dir {
			req := &OpenDirRequest{
				Header: convertHeader(typed.Header),
				Inode:  InodeID(typed.Header.Node),
				Flags:  typed.Flags,
			}

			resp, err := s.fs.OpenDir(ctx, req)
			if err != nil {
				opErr = err
				typed.RespondError(err)
				return
			}

			typed.Respond(&bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(resp.Handle)})
		} else {
			req := &OpenFileRequest{
				Header: convertHeader(typed.Header),
				Inode:  InodeID(typed.Header.Node),
				Flags:  typed.Flags,
			}

			resp, err := s.fs.OpenFile(ctx, req)
			if err != nil {
				opErr = err
				typed.RespondError(err)
				return
			}

			typed.Respond(&bazilfuse.OpenResponse{Handle: bazilfuse.HandleID(resp.Handle)})
		}

	case *bazilfuse.ReadRequest:
		if typed.Dir {
			req := &ReadDirRequest{
				Header: convertHeader(typed.Header),
				Inode:  InodeID(typed.Header.Node),
				Handle: HandleID(typed.Handle),
				Offset: DirOffset(typed.Offset),
				Size:   typed.Size,
			}

			resp, err := s.fs.ReadDir(ctx, req)
			if err != nil {
				opErr = err
				typed.RespondError(err)
				return
			}

			typed.Respond(&bazilfuse.ReadResponse{Data: resp.Data})
		} else {
			req := &ReadFileRequest{
				Header: convertHeader(typed.Header),
				Inode:  InodeID(typed.Header.Node),
				Handle: HandleID(typed.Handle),
				Offset: typed.Offset,
				Size:   typed.Size,
			}

			resp, err := s.fs.ReadFile(ctx, req)
			if err != nil {
				opErr = err
				typed.RespondError(err)
				return
			}

			typed.Respond(&bazilfuse.ReadResponse{Data: resp.Data})
		}

	case *bazilfuse.ReleaseRequest:
		if typed.Dir {
			req := &ReleaseDirHandleRequest{
				Header: convertHeader(typed.Header),
				Handle: HandleID(typed.Handle),
			}

			_, err := s.fs.ReleaseDirHandle(ctx, req)
			if err != nil {
				opErr = err
				typed.RespondError(err)
				return
			}
			typed.Respond()
		} else {
			req := &ReleaseFileHandleRequest{
				Header: convertHeader(typed.Header),
				Handle: HandleID(typed.Handle),
			}

			_, err := s.fs.ReleaseFileHandle(ctx, req)
			if err != nil {
				opErr = err
				typed.RespondError(err)
				return
			}
			typed.Respond()
		}

	case *bazilfuse.FlushRequest:
		req := &FlushFileRequest{
			Header: convertHeader(typed.Header),
			Inode:  InodeID(typed.Header.Node),
			Handle: HandleID(typed.Handle),
		}

		_, err := s.fs.FlushFile(ctx, req)
		if err != nil {
			opErr = err
			typed.RespondError(err)
			return
		}
		typed.Respond()

	default:
		s.logger.Println("Unhandled type, returning ENOSYS:", fuseReq)
		opErr = ENOSYS
		typed.RespondError(ENOSYS)
	}
}

// opName derives a short, human-readable label for a tracing span from the
// concrete bazil.org/fuse request type, e.g. "*fuse.LookupRequest" ->
// "Lookup".
func opName(req bazilfuse.Request) string {
	name := fmt.Sprintf("%T", req)
	if i := len("*fuse."); len(name) > i {
		name = name[i:]
	}
	if len(name) > len("Request") && name[len(name)-len("Request"):] == "Request" {
		name = name[:len(name)-len("Request")]
	}
	return name
}
