package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flanes/internal/cas"
	"flanes/internal/domain"
)

func newTestManager(t *testing.T) (*Manager, cas.Store) {
	t.Helper()
	store := cas.NewMemoryStore(cas.Limits{})
	return NewManager(store), store
}

func TestManager_MaterializeWritesFullTree(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	fileHash, err := store.PutBlob(ctx, []byte("hello world"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	subtree, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "nested.txt", Kind: domain.EntryBlob, Hash: fileHash, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree subtree: %v", err)
	}
	root, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "top.txt", Kind: domain.EntryBlob, Hash: fileHash, Mode: 0o644},
		{Name: "sub", Kind: domain.EntryTree, Hash: subtree, Mode: 0o755},
	})
	if err != nil {
		t.Fatalf("PutTree root: %v", err)
	}

	dir := t.TempDir()
	if err := mgr.Materialize(ctx, dir, root); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if dirty, _, _ := IsDirty(dir); dirty {
		t.Fatalf("expected dirty marker cleared after successful materialize")
	}
	top, err := os.ReadFile(filepath.Join(dir, "top.txt"))
	if err != nil || string(top) != "hello world" {
		t.Fatalf("top.txt content mismatch: %q err=%v", top, err)
	}
	nested, err := os.ReadFile(filepath.Join(dir, "sub", "nested.txt"))
	if err != nil || string(nested) != "hello world" {
		t.Fatalf("sub/nested.txt content mismatch: %q err=%v", nested, err)
	}
}

func TestManager_SnapshotRoundTripsMaterialize(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	dir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dir, "pkg"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write main.go: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkg", "lib.go"), []byte("package pkg\n"), 0o644); err != nil {
		t.Fatalf("write lib.go: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o750); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatalf("write .git/HEAD: %v", err)
	}

	stateHash, err := mgr.Snapshot(ctx, dir, "", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restoreDir := t.TempDir()
	state, err := mgr.store.GetState(ctx, stateHash)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if err := mgr.Materialize(ctx, restoreDir, state.RootTree); err != nil {
		t.Fatalf("Materialize restored tree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(restoreDir, ".git")); !os.IsNotExist(err) {
		t.Fatalf(".git should have been excluded from the snapshot")
	}
	got, err := os.ReadFile(filepath.Join(restoreDir, "pkg", "lib.go"))
	if err != nil || string(got) != "package pkg\n" {
		t.Fatalf("pkg/lib.go mismatch: %q err=%v", got, err)
	}
}

func TestManager_SnapshotIsIdempotentOnUnchangedTree(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("same"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	first, err := mgr.Snapshot(ctx, dir, "", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Snapshot 1: %v", err)
	}
	second, err := mgr.Snapshot(ctx, dir, "", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Snapshot 2: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical state hash for unchanged content and timestamp, got %s vs %s", first, second)
	}
}

func TestManager_UpdateAppliesMinimalDiff(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)
	dir := t.TempDir()

	unchangedHash, _ := store.PutBlob(ctx, []byte("unchanged"))
	oldHash, _ := store.PutBlob(ctx, []byte("old content"))
	newHash, _ := store.PutBlob(ctx, []byte("new content"))
	addedHash, _ := store.PutBlob(ctx, []byte("added file"))

	oldTree, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "keep.txt", Kind: domain.EntryBlob, Hash: unchangedHash, Mode: 0o644},
		{Name: "change.txt", Kind: domain.EntryBlob, Hash: oldHash, Mode: 0o644},
		{Name: "remove.txt", Kind: domain.EntryBlob, Hash: oldHash, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree old: %v", err)
	}
	if err := mgr.Materialize(ctx, dir, oldTree); err != nil {
		t.Fatalf("Materialize old: %v", err)
	}

	newTree, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "keep.txt", Kind: domain.EntryBlob, Hash: unchangedHash, Mode: 0o644},
		{Name: "change.txt", Kind: domain.EntryBlob, Hash: newHash, Mode: 0o644},
		{Name: "added.txt", Kind: domain.EntryBlob, Hash: addedHash, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree new: %v", err)
	}

	if err := mgr.Update(ctx, dir, oldTree, newTree); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "remove.txt")); !os.IsNotExist(err) {
		t.Fatalf("remove.txt should have been deleted")
	}
	changed, err := os.ReadFile(filepath.Join(dir, "change.txt"))
	if err != nil || string(changed) != "new content" {
		t.Fatalf("change.txt not updated: %q err=%v", changed, err)
	}
	added, err := os.ReadFile(filepath.Join(dir, "added.txt"))
	if err != nil || string(added) != "added file" {
		t.Fatalf("added.txt missing: %q err=%v", added, err)
	}
	kept, err := os.ReadFile(filepath.Join(dir, "keep.txt"))
	if err != nil || string(kept) != "unchanged" {
		t.Fatalf("keep.txt should be untouched: %q err=%v", kept, err)
	}
}

func TestManager_UpdateRefusesUntrackedConflict(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)
	dir := t.TempDir()

	addedHash, _ := store.PutBlob(ctx, []byte("target content"))
	oldTree, err := store.PutTree(ctx, nil)
	if err != nil {
		t.Fatalf("PutTree old: %v", err)
	}
	newTree, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "untracked.txt", Kind: domain.EntryBlob, Hash: addedHash, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree new: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("local edits"), 0o644); err != nil {
		t.Fatalf("write untracked file: %v", err)
	}

	err = mgr.Update(ctx, dir, oldTree, newTree)
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	de, ok := err.(*domain.Error)
	if !ok || de.Code != domain.CodeUntrackedConflict {
		t.Fatalf("expected CodeUntrackedConflict, got %v", err)
	}
	local, readErr := os.ReadFile(filepath.Join(dir, "untracked.txt"))
	if readErr != nil || string(local) != "local edits" {
		t.Fatalf("untracked file must survive a refused update: %q err=%v", local, readErr)
	}
}

func TestManager_UpdateRemovesEmptyDirectories(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)
	dir := t.TempDir()

	fileHash, _ := store.PutBlob(ctx, []byte("x"))
	subtree, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "only.txt", Kind: domain.EntryBlob, Hash: fileHash, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree subtree: %v", err)
	}
	oldTree, err := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "sub", Kind: domain.EntryTree, Hash: subtree, Mode: 0o755},
	})
	if err != nil {
		t.Fatalf("PutTree old: %v", err)
	}
	if err := mgr.Materialize(ctx, dir, oldTree); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	emptyTree, err := store.PutTree(ctx, nil)
	if err != nil {
		t.Fatalf("PutTree empty: %v", err)
	}
	if err := mgr.Update(ctx, dir, oldTree, emptyTree); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub")); !os.IsNotExist(err) {
		t.Fatalf("expected emptied 'sub' directory to be removed")
	}
}

func TestManager_TreeDiff(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	a, _ := store.PutBlob(ctx, []byte("a"))
	b, _ := store.PutBlob(ctx, []byte("b"))
	c, _ := store.PutBlob(ctx, []byte("c"))

	oldTree, _ := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "keep.txt", Kind: domain.EntryBlob, Hash: a, Mode: 0o644},
		{Name: "change.txt", Kind: domain.EntryBlob, Hash: b, Mode: 0o644},
	})
	newTree, _ := store.PutTree(ctx, []domain.TreeEntry{
		{Name: "keep.txt", Kind: domain.EntryBlob, Hash: a, Mode: 0o644},
		{Name: "change.txt", Kind: domain.EntryBlob, Hash: c, Mode: 0o644},
		{Name: "added.txt", Kind: domain.EntryBlob, Hash: c, Mode: 0o644},
	})

	diff, err := mgr.TreeDiff(ctx, oldTree, newTree)
	if err != nil {
		t.Fatalf("TreeDiff: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added["added.txt"].Hash != c {
		t.Fatalf("unexpected Added: %+v", diff.Added)
	}
	if len(diff.Modified) != 1 || diff.Modified["change.txt"].Hash != c {
		t.Fatalf("unexpected Modified: %+v", diff.Modified)
	}
	if len(diff.Removed) != 0 {
		t.Fatalf("unexpected Removed: %+v", diff.Removed)
	}
}
