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
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/jacobsa/timeutil"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/manifest"
)

func newTestFS(t *testing.T, hostDir string) *FileSystem {
	t.Helper()

	logger := log.New(ioutil.Discard, "", 0)
	sb, err := NewSuperblock(
		MountParams{Version: CurrentMountVersion, HostDir: hostDir},
		logger,
		timeutil.RealClock())
	if err != nil {
		t.Fatalf("NewSuperblock: %v", err)
	}
	return NewFileSystem(sb)
}

func writeManifest(t *testing.T, dir string, m *manifest.Manifest) {
	t.Helper()
	if err := ioutil.WriteFile(filepath.Join(dir, manifest.Name), manifest.Serialize(m), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
}

// Scenario 1: cold lookup, no helper bound. A file named in the manifest
// opens successfully; a name absent from the static manifest is a negative
// lookup (ENOENT) rather than blocking forever.
func TestColdLookupNoHelper(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{
		Entries: []manifest.Entry{{Kind: manifest.Regular, Name: "README"}},
	})
	if err := ioutil.WriteFile(filepath.Join(hostDir, "README"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	fs := newTestFS(t, hostDir)
	ctx := context.Background()

	lookup, err := fs.LookUpInode(ctx, &fuse.LookUpInodeRequest{
		Parent: fuse.RootInodeID,
		Name:   "README",
	})
	if err != nil {
		t.Fatalf("lookup README: %v", err)
	}

	openResp, err := fs.OpenFile(ctx, &fuse.OpenFileRequest{Inode: lookup.Entry.Child})
	if err != nil {
		t.Fatalf("open README: %v", err)
	}

	readResp, err := fs.ReadFile(ctx, &fuse.ReadFileRequest{Handle: openResp.Handle, Size: 64})
	if err != nil {
		t.Fatalf("read README: %v", err)
	}
	if string(readResp.Data) != "hello\n" {
		t.Fatalf("read README: got %q", readResp.Data)
	}

	if _, err := fs.LookUpInode(ctx, &fuse.LookUpInodeRequest{
		Parent: fuse.RootInodeID,
		Name:   "missing",
	}); err != fuse.ENOENT {
		t.Fatalf("lookup missing: got %v, want ENOENT", err)
	}
}

// Scenario 2: cold lookup, helper satisfies. A user blocked on a missing
// entry wakes once the helper materializes it and closes the request
// handle.
func TestHelperSatisfiesFetch(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{
		Entries: []manifest.Entry{{Kind: manifest.Directory, Name: "pkg"}},
	})
	pkgDir := filepath.Join(hostDir, "pkg")
	if err := os.Mkdir(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, pkgDir, &manifest.Manifest{Dynamic: true})

	fs := newTestFS(t, hostDir)
	ctx := context.Background()

	// Bind the helper.
	controlOpen, err := fs.OpenFile(ctx, &fuse.OpenFileRequest{Inode: fs.helper.controlInodeID()})
	if err != nil {
		t.Fatalf("open helper-control: %v", err)
	}

	userDone := make(chan error, 1)
	go func() {
		lookup, err := fs.LookUpInode(ctx, &fuse.LookUpInodeRequest{Parent: fuse.RootInodeID, Name: "pkg"})
		if err != nil {
			userDone <- err
			return
		}
		pkgDirResp, err := fs.OpenDir(ctx, &fuse.OpenDirRequest{Inode: lookup.Entry.Child})
		if err != nil {
			userDone <- err
			return
		}
		defer fs.ReleaseDirHandle(ctx, &fuse.ReleaseDirHandleRequest{Handle: pkgDirResp.Handle})

		// The dynamic "pkg" directory claims no children up front, so
		// looking up "bin" inside it triggers a fetch.
		if _, err := fs.LookUpInode(ctx, &fuse.LookUpInodeRequest{
			Parent: lookup.Entry.Child,
			Name:   "bin",
		}); err != nil {
			userDone <- err
			return
		}
		userDone <- nil
	}()

	readResp, err := fs.ReadFile(ctx, &fuse.ReadFileRequest{Handle: controlOpen.Handle, Size: 64})
	if err != nil {
		t.Fatalf("helper read: %v", err)
	}
	msg := strings.TrimRight(string(readResp.Data), "\x00")
	var handleID uint64
	var uid uint32
	if _, err := fmt.Sscanf(msg, "%d uid=%d", &handleID, &uid); err != nil {
		t.Fatalf("parsing helper message %q: %v", msg, err)
	}

	reqLookup, err := fs.LookUpInode(ctx, &fuse.LookUpInodeRequest{
		Parent: fuse.RootInodeID,
		Name:   fmt.Sprintf("%d", handleID),
	})
	if err != nil {
		t.Fatalf("lookup request node: %v", err)
	}
	reqOpen, err := fs.OpenFile(ctx, &fuse.OpenFileRequest{Inode: reqLookup.Entry.Child})
	if err != nil {
		t.Fatalf("open request node: %v", err)
	}
	pathResp, err := fs.ReadFile(ctx, &fuse.ReadFileRequest{Handle: reqOpen.Handle, Size: 256})
	if err != nil {
		t.Fatalf("read request node: %v", err)
	}
	path := strings.TrimRight(string(pathResp.Data), "\x00")
	if path != "/pkg/bin" {
		t.Fatalf("request path = %q, want /pkg/bin", path)
	}

	// Helper materializes the host entry, then closes the request handle.
	if err := os.Mkdir(filepath.Join(pkgDir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, filepath.Join(pkgDir, "bin"), &manifest.Manifest{Dynamic: true})
	if _, err := fs.ReleaseFileHandle(ctx, &fuse.ReleaseFileHandleRequest{Handle: reqOpen.Handle}); err != nil {
		t.Fatalf("close request node: %v", err)
	}

	select {
	case err := <-userDone:
		if err != nil {
			t.Fatalf("user lookup: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("user lookup never woke")
	}

	if _, err := fs.ReleaseFileHandle(ctx, &fuse.ReleaseFileHandleRequest{Handle: controlOpen.Handle}); err != nil {
		t.Fatalf("close helper-control: %v", err)
	}
}

// A second concurrent helper fails with Busy.
func TestSecondHelperBusy(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{})
	fs := newTestFS(t, hostDir)
	ctx := context.Background()

	first, err := fs.OpenFile(ctx, &fuse.OpenFileRequest{Inode: fs.helper.controlInodeID()})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer fs.ReleaseFileHandle(ctx, &fuse.ReleaseFileHandleRequest{Handle: first.Handle})

	if _, err := fs.OpenFile(ctx, &fuse.OpenFileRequest{Inode: fs.helper.controlInodeID()}); err != fuse.EBUSY {
		t.Fatalf("second open: got %v, want EBUSY", err)
	}
}

// Root readdir always includes ".", "..", and "helper-control".
func TestRootReaddirIncludesHelperControl(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{
		Entries: []manifest.Entry{{Kind: manifest.Regular, Name: "a"}},
	})
	fs := newTestFS(t, hostDir)
	ctx := context.Background()

	openResp, err := fs.OpenDir(ctx, &fuse.OpenDirRequest{Inode: fuse.RootInodeID})
	if err != nil {
		t.Fatalf("OpenDir root: %v", err)
	}

	h, _ := fs.handles.dir(openResp.Handle)
	names := map[string]bool{}
	for _, e := range fs.direntsFor(h) {
		names[e.Name] = true
	}
	for _, want := range []string{".", "..", "helper-control", "a"} {
		if !names[want] {
			t.Errorf("root readdir missing %q", want)
		}
	}
}

// A helper-control read with too small a buffer is rejected without
// consuming a request.
func TestHelperControlReadTooSmall(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{})
	fs := newTestFS(t, hostDir)
	ctx := context.Background()

	open, err := fs.OpenFile(ctx, &fuse.OpenFileRequest{Inode: fs.helper.controlInodeID()})
	if err != nil {
		t.Fatalf("open helper-control: %v", err)
	}
	defer fs.ReleaseFileHandle(ctx, &fuse.ReleaseFileHandleRequest{Handle: open.Handle})

	if _, err := fs.ReadFile(ctx, &fuse.ReadFileRequest{Handle: open.Handle, Size: 4}); err != fuse.EINVAL {
		t.Fatalf("short read: got %v, want EINVAL", err)
	}
}
