package remote

import (
	"context"
	"testing"

	"flanes/internal/cas"
	"flanes/internal/domain"
)

func newTestSyncer(t *testing.T) (*Syncer, cas.Store) {
	t.Helper()
	store := cas.NewMemoryStore(cas.Limits{})
	return New(store, NewMemoryStore()), store
}

func TestSyncer_PushPullBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	syncer, store := newTestSyncer(t)

	hash, err := store.PutBlob(ctx, []byte("hello world"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if err := syncer.PushBlob(ctx, hash); err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	fresh := cas.NewMemoryStore(cas.Limits{})
	freshSyncer := &Syncer{Store: fresh, Remote: syncer.Remote}
	if err := freshSyncer.PullBlob(ctx, hash); err != nil {
		t.Fatalf("PullBlob: %v", err)
	}
	content, err := fresh.GetBlob(ctx, hash)
	if err != nil {
		t.Fatalf("GetBlob after pull: %v", err)
	}
	if string(content) != "hello world" {
		t.Fatalf("got %q, want %q", content, "hello world")
	}
}

func TestSyncer_PushPullTreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	syncer, store := newTestSyncer(t)

	blobHash, err := store.PutBlob(ctx, []byte("data"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	treeHash, err := store.PutTree(ctx, []domain.TreeEntry{{Name: "a.txt", Kind: domain.EntryBlob, Hash: blobHash, Mode: 0o644}})
	if err != nil {
		t.Fatalf("PutTree: %v", err)
	}
	if err := syncer.PushTree(ctx, treeHash); err != nil {
		t.Fatalf("PushTree: %v", err)
	}

	fresh := cas.NewMemoryStore(cas.Limits{})
	freshSyncer := &Syncer{Store: fresh, Remote: syncer.Remote}
	if err := freshSyncer.PullTree(ctx, treeHash); err != nil {
		t.Fatalf("PullTree: %v", err)
	}
	entries, err := fresh.GetTree(ctx, treeHash)
	if err != nil {
		t.Fatalf("GetTree after pull: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSyncer_PullBlobDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	syncer, _ := newTestSyncer(t)

	if err := syncer.Remote.Put(ctx, prefixBlobs+"deadbeef", []byte("tampered")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := syncer.PullBlob(ctx, "deadbeef")
	if err == nil {
		t.Fatal("expected mismatch error, got nil")
	}
	if _, ok := err.(Mismatch); !ok {
		t.Fatalf("expected Mismatch, got %T: %v", err, err)
	}
}

func TestSyncer_PullMissingObjectFails(t *testing.T) {
	ctx := context.Background()
	syncer, _ := newTestSyncer(t)

	if err := syncer.PullBlob(ctx, "0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected error for missing remote object")
	}
}

func TestSyncer_RemoteBlobHashesLists(t *testing.T) {
	ctx := context.Background()
	syncer, store := newTestSyncer(t)

	hash, err := store.PutBlob(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if err := syncer.PushBlob(ctx, hash); err != nil {
		t.Fatalf("PushBlob: %v", err)
	}
	hashes, err := syncer.RemoteBlobHashes(ctx)
	if err != nil {
		t.Fatalf("RemoteBlobHashes: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != hash {
		t.Fatalf("got %v, want [%s]", hashes, hash)
	}
}
