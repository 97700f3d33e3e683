package cas

import (
	"context"
	"testing"

	"flanes/internal/domain"
)

func TestMemoryStore_PutBlobDedups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{})
	h1, err := s.PutBlob(ctx, []byte("same content"))
	if err != nil {
		t.Fatalf("PutBlob 1: %v", err)
	}
	h2, err := s.PutBlob(ctx, []byte("same content"))
	if err != nil {
		t.Fatalf("PutBlob 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical content to dedup to the same hash, got %s vs %s", h1, h2)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Blobs != 1 {
		t.Fatalf("expected exactly one stored blob after dedup, got %d", stats.Blobs)
	}
}

func TestMemoryStore_PutBlobRejectsOversized(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{MaxBlobSize: 4})
	if _, err := s.PutBlob(ctx, []byte("way too big")); err == nil {
		t.Fatal("expected an error for a blob exceeding MaxBlobSize")
	} else if !domainErrorIs(err, domain.ErrBlobTooLarge) {
		t.Fatalf("expected ErrBlobTooLarge, got %v", err)
	}
}

func TestMemoryStore_PutBlobDedupCheckedBeforeSize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{MaxBlobSize: 1024})
	content := []byte("fits under the limit")
	hash, err := s.PutBlob(ctx, content)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	s.limits.MaxBlobSize = 1 // shrink the limit after the object already exists
	if _, err := s.PutBlob(ctx, content); err != nil {
		t.Fatalf("expected re-putting already-stored content to succeed via dedup, got %v", err)
	}
	if _, err := s.GetBlob(ctx, hash); err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
}

func TestMemoryStore_PutTreeRejectsDuplicateNames(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{})
	blob, _ := s.PutBlob(ctx, []byte("x"))
	_, err := s.PutTree(ctx, []domain.TreeEntry{
		{Name: "a", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644},
		{Name: "a", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644},
	})
	if err == nil {
		t.Fatal("expected an error for duplicate entry names")
	} else if !domainErrorIs(err, domain.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestMemoryStore_PutTreeRejectsExcessiveDepth(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{MaxTreeDepth: 2})
	blob, _ := s.PutBlob(ctx, []byte("leaf"))
	depth1, err := s.PutTree(ctx, []domain.TreeEntry{{Name: "f", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644}})
	if err != nil {
		t.Fatalf("PutTree depth 1: %v", err)
	}
	depth2, err := s.PutTree(ctx, []domain.TreeEntry{{Name: "sub", Kind: domain.EntryTree, Hash: depth1, Mode: 0o755}})
	if err != nil {
		t.Fatalf("PutTree depth 2: %v", err)
	}
	if _, err := s.PutTree(ctx, []domain.TreeEntry{{Name: "sub2", Kind: domain.EntryTree, Hash: depth2, Mode: 0o755}}); err == nil {
		t.Fatal("expected an error for a tree exceeding MaxTreeDepth")
	} else if !domainErrorIs(err, domain.ErrTreeTooDeep) {
		t.Fatalf("expected ErrTreeTooDeep, got %v", err)
	}
}

func TestMemoryStore_PutTreeSortsEntriesForHashStability(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{})
	blob, _ := s.PutBlob(ctx, []byte("x"))
	h1, err := s.PutTree(ctx, []domain.TreeEntry{
		{Name: "b", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644},
		{Name: "a", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree 1: %v", err)
	}
	h2, err := s.PutTree(ctx, []domain.TreeEntry{
		{Name: "a", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644},
		{Name: "b", Kind: domain.EntryBlob, Hash: blob, Mode: 0o644},
	})
	if err != nil {
		t.Fatalf("PutTree 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected entry order to not affect the resulting hash, got %s vs %s", h1, h2)
	}
}

func TestMemoryStore_PutStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{})
	h1, err := s.PutState(ctx, "", "", 1000)
	if err != nil {
		t.Fatalf("PutState 1: %v", err)
	}
	h2, err := s.PutState(ctx, "", "", 1000)
	if err != nil {
		t.Fatalf("PutState 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical state fields to hash identically, got %s vs %s", h1, h2)
	}
}

func TestMemoryStore_VerifyDetectsMismatch(t *testing.T) {
	s := NewMemoryStore(Limits{})
	content := []byte("some content")
	hash := domain.HashBytes(content)
	if !s.Verify(hash, content) {
		t.Fatal("expected Verify to accept matching content")
	}
	if s.Verify(hash, []byte("tampered content")) {
		t.Fatal("expected Verify to reject tampered content")
	}
}

func TestMemoryStore_DeleteIsGCOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{})
	hash, err := s.PutBlob(ctx, []byte("to be deleted"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if err := s.Delete(ctx, KindBlob, hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetBlob(ctx, hash); err == nil {
		t.Fatal("expected the blob to be gone after Delete")
	}
}

func TestMemoryStore_IterKeysIsSortedAndComplete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Limits{})
	var want []string
	for _, content := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		h, err := s.PutBlob(ctx, content)
		if err != nil {
			t.Fatalf("PutBlob: %v", err)
		}
		want = append(want, h)
	}
	var got []string
	if err := s.IterKeys(ctx, KindBlob, func(hash string) error {
		got = append(got, hash)
		return nil
	}); err != nil {
		t.Fatalf("IterKeys: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("expected sorted output, got %v", got)
		}
	}
}

func domainErrorIs(err error, sentinel *domain.Error) bool {
	de, ok := err.(*domain.Error)
	return ok && de.Code == sentinel.Code
}
