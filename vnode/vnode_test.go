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

package vnode

import (
	"testing"
	"time"

	"github.com/lazymount/lazyfs/manifest"
)

func TestInsertAndLookupChild(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	n, err := table.InsertChild(root, Regular, "a", 4, time.Unix(1, 0))
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}
	if n.Parent() != RootID {
		t.Fatalf("parent = %v, want %v", n.Parent(), RootID)
	}

	got, ok := table.LookupChild(root, "a")
	if !ok || got.ID() != n.ID() {
		t.Fatalf("LookupChild did not return the inserted node")
	}

	if _, err := table.InsertChild(root, Regular, "a", 0, time.Time{}); err != ErrExists {
		t.Fatalf("got %v, want ErrExists", err)
	}
}

func TestInsertChildRequiresDirectory(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()
	file, err := table.InsertChild(root, Regular, "f", 0, time.Time{})
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}

	if _, err := table.InsertChild(file, Regular, "g", 0, time.Time{}); err != ErrNotDirectory {
		t.Fatalf("got %v, want ErrNotDirectory", err)
	}
}

func TestReconcileInsertsNewLeavesExistingUntouched(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	existing, err := table.InsertChild(root, Regular, "stable", 10, time.Unix(5, 0))
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}

	table.Reconcile(root, []manifest.Entry{
		{Kind: manifest.Regular, Name: "stable"},
		{Kind: manifest.Directory, Name: "fresh"},
	})

	again, ok := table.LookupChild(root, "stable")
	if !ok || again.ID() != existing.ID() {
		t.Fatalf("Reconcile replaced or lost the existing node")
	}
	if again.Size() != 10 {
		t.Fatalf("Reconcile touched size of existing node: got %d, want 10", again.Size())
	}

	fresh, ok := table.LookupChild(root, "fresh")
	if !ok {
		t.Fatal("Reconcile did not insert the new entry")
	}
	if fresh.Kind() != Directory {
		t.Fatalf("fresh.Kind() = %v, want Directory", fresh.Kind())
	}
}

func TestMarkReconciledSetsDynamic(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	table.MarkReconciled(root, "tok-1", true)
	if !root.Dynamic() {
		t.Fatal("expected Dynamic to be set")
	}
	if root.ManifestToken() != "tok-1" {
		t.Fatalf("ManifestToken = %q, want %q", root.ManifestToken(), "tok-1")
	}
}

func TestUnrefDropsSubtree(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	dir, err := table.InsertChild(root, Directory, "d", 0, time.Time{})
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}
	child, err := table.InsertChild(dir, Regular, "f", 0, time.Time{})
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}

	table.Unref(dir, 1)

	if _, ok := table.LookupChild(root, "d"); ok {
		t.Fatal("expected \"d\" to be dropped from root")
	}
	if _, ok := table.Lookup(child.ID()); ok {
		t.Fatal("expected child to be dropped along with its parent")
	}
}

func TestUnrefNeverDropsRoot(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()
	table.Unref(root, 1000)

	if _, ok := table.Lookup(RootID); !ok {
		t.Fatal("root must never be dropped")
	}
}

func TestPath(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	if got := table.Path(root); got != "/" {
		t.Fatalf("Path(root) = %q, want /", got)
	}

	dir, err := table.InsertChild(root, Directory, "a", 0, time.Time{})
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}
	file, err := table.InsertChild(dir, Regular, "b", 0, time.Time{})
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}

	if got := table.Path(file); got != "/a/b" {
		t.Fatalf("Path(file) = %q, want /a/b", got)
	}
}

func TestFetchKeyCoalescesSameNameStableAcrossCalls(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	id1 := table.FetchKey(root, "x")
	id2 := table.FetchKey(root, "x")
	if id1 != id2 {
		t.Fatalf("FetchKey returned different IDs for the same (dir, name) pair: %v != %v", id1, id2)
	}

	id3 := table.FetchKey(root, "y")
	if id3 == id1 {
		t.Fatalf("FetchKey returned the same ID for a different name")
	}
}

func TestFetchKeyNeverCollidesWithRealNodeID(t *testing.T) {
	table := NewTable(nil)
	root := table.Root()

	key := table.FetchKey(root, "pending")
	n, err := table.InsertChild(root, Regular, "real", 0, time.Time{})
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}
	if key == n.ID() {
		t.Fatalf("fetch key collided with a real node ID: %v", key)
	}
}
