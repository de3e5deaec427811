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

// Command lazyfsmount mounts a lazy, on-demand filesystem over a host
// directory containing manifest files, serving it until unmounted or
// interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/net/context"

	"github.com/jacobsa/timeutil"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/lazyfs"
)

var fMountPoint = flag.String(
	"mount_point",
	"",
	"Directory to mount the lazy filesystem on.")

var fHostDir = flag.String(
	"host_dir",
	"",
	"Backing directory containing the per-directory manifest files.")

var fFSName = flag.String(
	"fsname",
	"lazyfs",
	"Name reported for the mount, e.g. in `mount` output.")

func main() {
	flag.Parse()

	if *fMountPoint == "" || *fHostDir == "" {
		fmt.Fprintln(os.Stderr, "usage: lazyfsmount -mount_point=DIR -host_dir=DIR")
		os.Exit(1)
	}

	sb, err := lazyfs.NewSuperblock(
		lazyfs.MountParams{
			Version: lazyfs.CurrentMountVersion,
			HostDir: *fHostDir,
		},
		log.New(os.Stderr, "lazyfs: ", log.LstdFlags),
		timeutil.RealClock())
	if err != nil {
		log.Fatalf("building superblock: %v", err)
	}

	fs := lazyfs.NewFileSystem(sb)

	mfs, err := fuse.Mount(
		*fMountPoint,
		fs,
		&fuse.MountConfig{
			FSName:   *fFSName,
			ReadOnly: true,
		})
	if err != nil {
		log.Fatalf("mounting: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		if err := fuse.Unmount(*fMountPoint); err != nil {
			log.Printf("unmount: %v", err)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		log.Fatalf("serving: %v", err)
	}
}
