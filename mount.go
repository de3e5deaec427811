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
	"golang.org/x/net/context"

	bazilfuse "bazil.org/fuse"
)

// Options that control the behavior of a mount operation.
type MountConfig struct {
	// A nickname for the mounted file system, surfaced in e.g. `mount` output.
	FSName string

	// Mount read-only, refusing any operation that would require write
	// support from the kernel side of the FUSE protocol. The read-only mount
	// option is only passed to the kernel when this is set; FileSystem has
	// no mutating methods either way.
	ReadOnly bool
}

func (c *MountConfig) bazilfuseOptions() (opts []bazilfuse.MountOption) {
	opts = append(opts, bazilfuse.DefaultPermissions())

	if c.FSName != "" {
		opts = append(opts, bazilfuse.FSName(c.FSName))
	}

	if c.ReadOnly {
		opts = append(opts, bazilfuse.ReadOnly())
	}

	return
}

// A record of a successful mount operation, allowing the caller to wait for
// the mount to be unmounted and to learn of any error that occurred while
// serving the file system.
type MountedFileSystem struct {
	dir string

	// Closed once the serve loop has returned, protecting joinStatus.
	joinStatusAvailable chan struct{}
	joinStatus          error
}

// The directory on which the file system is mounted, exactly as supplied to
// Mount.
func (mfs *MountedFileSystem) Dir() string {
	return mfs.dir
}

// Block until the mount point is unmounted, then report the error (if any)
// encountered while serving requests.
func (mfs *MountedFileSystem) Join(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mfs.joinStatusAvailable:
		return mfs.joinStatus
	}
}

// Mount a file system on the given directory, returning once the kernel has
// confirmed the mount. The returned MountedFileSystem can be used to wait
// for the eventual unmount.
func Mount(
	dir string,
	fs FileSystem,
	config *MountConfig) (mfs *MountedFileSystem, err error) {
	if config == nil {
		config = &MountConfig{}
	}

	conn, err := bazilfuse.Mount(dir, config.bazilfuseOptions()...)
	if err != nil {
		return
	}

	s, err := newServer(fs)
	if err != nil {
		conn.Close()
		return
	}

	mfs = &MountedFileSystem{
		dir:                 dir,
		joinStatusAvailable: make(chan struct{}),
	}

	// bazil.org/fuse signals a completed handshake by closing conn.Ready and
	// then populating conn.MountError.
	<-conn.Ready
	if conn.MountError != nil {
		err = conn.MountError
		conn.Close()
		return nil, err
	}

	go func() {
		defer close(mfs.joinStatusAvailable)
		defer conn.Close()
		mfs.joinStatus = s.Serve(conn)
	}()

	return mfs, nil
}
