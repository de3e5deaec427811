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

// Package lazyfs implements the filesystem surface (C5): it wires a
// virtual-node table (package vnode), a host pairing layer (package
// hostfs), and a fetch-request queue (package fetchqueue) together behind
// the read-only fuse.FileSystem interface, and additionally exposes the
// helper-control rendezvous endpoint the fetch queue's single consumer
// binds to.
package lazyfs

import (
	"errors"
	"log"

	"github.com/jacobsa/timeutil"
	"github.com/lazymount/lazyfs/fetchqueue"
	"github.com/lazymount/lazyfs/hostfs"
	"github.com/lazymount/lazyfs/vnode"
)

// CurrentMountVersion is the only MountParams.Version this package accepts.
const CurrentMountVersion uint32 = 1

// MountParams are the parameters a caller supplies to NewSuperblock. They
// are a small versioned struct, not a general configuration system: a
// version mismatch is a hard failure rather than something to shim around.
type MountParams struct {
	Version uint32
	HostDir string
}

// ErrBadVersion is returned by NewSuperblock when MountParams.Version does
// not equal CurrentMountVersion.
var ErrBadVersion = errors.New("lazyfs: unsupported mount params version")

// Superblock (SB) holds the per-mount state shared by every component: the
// virtual-node table, the host pairing layer, and the fetch-request queue.
// Exactly one exists per mounted filesystem.
type Superblock struct {
	Table   *vnode.Table
	Pairing *hostfs.Pairing
	Queue   *fetchqueue.Queue
	Clock   timeutil.Clock

	hostRoot *hostfs.Dir
}

// NewSuperblock builds the per-mount state described by params, resolving
// and validating the backing host directory. The returned Superblock has
// not yet been wired into a FileSystem; use NewFileSystem for that.
func NewSuperblock(params MountParams, logger *log.Logger, clock timeutil.Clock) (*Superblock, error) {
	if params.Version != CurrentMountVersion {
		return nil, ErrBadVersion
	}

	hostRoot, err := hostfs.OpenDir(params.HostDir)
	if err != nil {
		return nil, err
	}

	table := vnode.NewTable(logger)
	queue := fetchqueue.New(logger)
	pairing := hostfs.NewPairing(table, queue, logger)

	table.SetHostLink(table.Root(), hostRoot)

	return &Superblock{
		Table:    table,
		Pairing:  pairing,
		Queue:    queue,
		Clock:    clock,
		hostRoot: hostRoot,
	}, nil
}
