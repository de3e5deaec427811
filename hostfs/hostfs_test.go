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

package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazymount/lazyfs/fetchqueue"
	"github.com/lazymount/lazyfs/manifest"
	"github.com/lazymount/lazyfs/vnode"
)

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeManifest(t *testing.T, dir string, m *manifest.Manifest) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, manifest.Name), manifest.Serialize(m), 0644); err != nil {
		t.Fatal(err)
	}
}

func newRig(t *testing.T, hostDir string) (*vnode.Table, *fetchqueue.Queue, *Pairing) {
	t.Helper()
	table := vnode.NewTable(nil)
	queue := fetchqueue.New(nil)
	pairing := NewPairing(table, queue, nil)

	hostRoot, err := OpenDir(hostDir)
	if err != nil {
		t.Fatal(err)
	}
	table.SetHostLink(table.Root(), hostRoot)
	return table, queue, pairing
}

func TestEnsureDirectoryPopulatedStatic(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{
		Entries: []manifest.Entry{
			{Kind: manifest.Regular, Name: "a"},
			{Kind: manifest.Directory, Name: "sub"},
		},
	})

	table, _, pairing := newRig(t, hostDir)

	if err := pairing.EnsureDirectoryPopulated(withTimeout(t), table.Root(), 0); err != nil {
		t.Fatalf("EnsureDirectoryPopulated: %v", err)
	}

	if _, ok := table.LookupChild(table.Root(), "a"); !ok {
		t.Errorf("expected child %q", "a")
	}
	if _, ok := table.LookupChild(table.Root(), "sub"); !ok {
		t.Errorf("expected child %q", "sub")
	}

	// Idempotent: calling again with an unchanged manifest does not error
	// or duplicate children.
	if err := pairing.EnsureDirectoryPopulated(withTimeout(t), table.Root(), 0); err != nil {
		t.Fatalf("second EnsureDirectoryPopulated: %v", err)
	}
	if n := len(table.Children(table.Root())); n != 2 {
		t.Fatalf("got %d children after reconciling twice, want 2", n)
	}
}

func TestEnsureDirectoryPopulatedNoManifest(t *testing.T) {
	hostDir := t.TempDir()
	table, _, pairing := newRig(t, hostDir)

	if err := pairing.EnsureDirectoryPopulated(withTimeout(t), table.Root(), 0); err != ErrNoManifest {
		t.Fatalf("got %v, want ErrNoManifest", err)
	}
}

func TestOpenRegularFetchesMissingFile(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{
		Entries: []manifest.Entry{{Kind: manifest.Regular, Name: "late"}},
	})

	table, queue, pairing := newRig(t, hostDir)
	if err := pairing.EnsureDirectoryPopulated(withTimeout(t), table.Root(), 0); err != nil {
		t.Fatalf("EnsureDirectoryPopulated: %v", err)
	}
	n, ok := table.LookupChild(table.Root(), "late")
	if !ok {
		t.Fatal("expected child \"late\"")
	}

	if err := queue.BindHelper(); err != nil {
		t.Fatalf("BindHelper: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		f, err := pairing.OpenRegular(withTimeout(t), n, 0)
		if err == nil {
			f.Close()
		}
		done <- err
	}()

	h, err := queue.NextRequest(withTimeout(t))
	if err != nil {
		t.Fatalf("NextRequest: %v", err)
	}
	if h.Path() != "/late" {
		t.Fatalf("fetch path = %q, want /late", h.Path())
	}
	if err := os.WriteFile(filepath.Join(hostDir, "late"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("OpenRegular: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OpenRegular never woke")
	}
}

func TestFetchUnknownChildInDynamicDirectory(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{Dynamic: true})

	table, queue, pairing := newRig(t, hostDir)
	if err := pairing.EnsureDirectoryPopulated(withTimeout(t), table.Root(), 0); err != nil {
		t.Fatalf("EnsureDirectoryPopulated: %v", err)
	}
	if !table.Root().Dynamic() {
		t.Fatal("expected root to be marked dynamic")
	}

	if err := queue.BindHelper(); err != nil {
		t.Fatalf("BindHelper: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- pairing.FetchUnknownChild(withTimeout(t), table.Root(), 0, "created")
	}()

	h, err := queue.NextRequest(withTimeout(t))
	if err != nil {
		t.Fatalf("NextRequest: %v", err)
	}
	if h.Path() != "/created" {
		t.Fatalf("fetch path = %q, want /created", h.Path())
	}
	if err := os.WriteFile(filepath.Join(hostDir, "created"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FetchUnknownChild: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FetchUnknownChild never woke")
	}

	n, err := pairing.ResolveDynamicChild(table.Root(), "created")
	if err != nil {
		t.Fatalf("ResolveDynamicChild: %v", err)
	}
	if n.Kind() != vnode.Regular {
		t.Fatalf("resolved kind = %v, want Regular", n.Kind())
	}

	// A second resolution of the same name returns the same node rather
	// than erroring or duplicating it.
	again, err := pairing.ResolveDynamicChild(table.Root(), "created")
	if err != nil {
		t.Fatalf("second ResolveDynamicChild: %v", err)
	}
	if again.ID() != n.ID() {
		t.Fatalf("second resolution returned a different node")
	}
}

func TestFetchUnknownChildNoHelper(t *testing.T) {
	hostDir := t.TempDir()
	writeManifest(t, hostDir, &manifest.Manifest{Dynamic: true})
	table, _, pairing := newRig(t, hostDir)
	if err := pairing.EnsureDirectoryPopulated(withTimeout(t), table.Root(), 0); err != nil {
		t.Fatalf("EnsureDirectoryPopulated: %v", err)
	}

	if err := pairing.FetchUnknownChild(withTimeout(t), table.Root(), 0, "missing"); err != fetchqueue.ErrNoHelper {
		t.Fatalf("got %v, want ErrNoHelper", err)
	}
}
