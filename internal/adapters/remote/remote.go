// Package remote implements the object-store wire contract for external
// sync (spec.md 6): push and pull of blobs, trees, and states through a
// key-prefixed object namespace, with SHA-256 integrity verification on
// every pulled object.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"flanes/internal/cas"
	"flanes/internal/domain"
)

const (
	prefixBlobs  = "blobs/"
	prefixTrees  = "trees/"
	prefixStates = "states/"
)

// ObjectStore is the minimal key/value contract a sync backend must
// implement. Adapters (S3, in-memory) satisfy this directly; Syncer builds
// the blob/tree/state semantics on top of it.
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Mismatch reports one object that failed integrity verification on pull;
// the object is reported and skipped, never ingested, per spec.md 6.
type Mismatch struct {
	Key      string
	Expected string
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("remote object %q failed integrity check", m.Key)
}

// Syncer pushes and pulls blobs, trees, and states between a local CAS and
// a remote ObjectStore, using the prefix scheme in spec.md 6.
type Syncer struct {
	Store  cas.Store
	Remote ObjectStore
}

// New constructs a Syncer over a local store and a remote object store.
func New(store cas.Store, remote ObjectStore) *Syncer {
	return &Syncer{Store: store, Remote: remote}
}

// PushBlob uploads a blob already present in the local store.
func (s *Syncer) PushBlob(ctx context.Context, hash string) error {
	content, err := s.Store.GetBlob(ctx, hash)
	if err != nil {
		return err
	}
	return s.Remote.Put(ctx, prefixBlobs+hash, content)
}

// PushTree uploads a tree's canonical JSON encoding.
func (s *Syncer) PushTree(ctx context.Context, hash string) error {
	entries, err := s.Store.GetTree(ctx, hash)
	if err != nil {
		return err
	}
	_, canonical, err := domain.HashCanonical(domain.Tree{Entries: entries})
	if err != nil {
		return err
	}
	return s.Remote.Put(ctx, prefixTrees+hash, canonical)
}

// PushState uploads a world state's canonical JSON encoding.
func (s *Syncer) PushState(ctx context.Context, hash string) error {
	state, err := s.Store.GetState(ctx, hash)
	if err != nil {
		return err
	}
	_, canonical, err := domain.HashCanonical(state)
	if err != nil {
		return err
	}
	return s.Remote.Put(ctx, prefixStates+hash, canonical)
}

// PullBlob fetches a blob by hash, verifies its SHA-256, and ingests it into
// the local store. A mismatch is reported via Mismatch and the object is
// never ingested.
func (s *Syncer) PullBlob(ctx context.Context, hash string) error {
	content, ok, err := s.Remote.Get(ctx, prefixBlobs+hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remote object %q not found", prefixBlobs+hash)
	}
	if !s.Store.Verify(hash, content) {
		return Mismatch{Key: prefixBlobs + hash, Expected: hash}
	}
	_, err = s.Store.PutBlob(ctx, content)
	return err
}

// PullTree fetches a tree by hash, verifies it, and ingests it.
func (s *Syncer) PullTree(ctx context.Context, hash string) error {
	raw, ok, err := s.Remote.Get(ctx, prefixTrees+hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remote object %q not found", prefixTrees+hash)
	}
	if !s.Store.Verify(hash, raw) {
		return Mismatch{Key: prefixTrees + hash, Expected: hash}
	}
	var tree domain.Tree
	if err := unmarshalCanonical(raw, &tree); err != nil {
		return err
	}
	_, err = s.Store.PutTree(ctx, tree.Entries)
	return err
}

// PullState fetches a state by hash, verifies it, and ingests it. Because
// PutState recomputes the hash from (rootTree, parentID, createdAt) rather
// than accepting a hash directly, a state whose fields were tampered with in
// transit fails the pre-ingest Verify check before ever reaching PutState.
func (s *Syncer) PullState(ctx context.Context, hash string) error {
	raw, ok, err := s.Remote.Get(ctx, prefixStates+hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remote object %q not found", prefixStates+hash)
	}
	if !s.Store.Verify(hash, raw) {
		return Mismatch{Key: prefixStates + hash, Expected: hash}
	}
	var state domain.WorldState
	if err := unmarshalCanonical(raw, &state); err != nil {
		return err
	}
	_, err = s.Store.PutState(ctx, state.RootTree, state.ParentID, state.CreatedAt)
	return err
}

// RemoteBlobHashes lists every blob hash the remote currently holds.
func (s *Syncer) RemoteBlobHashes(ctx context.Context) ([]string, error) {
	return s.listHashes(ctx, prefixBlobs)
}

// RemoteTreeHashes lists every tree hash the remote currently holds.
func (s *Syncer) RemoteTreeHashes(ctx context.Context) ([]string, error) {
	return s.listHashes(ctx, prefixTrees)
}

// RemoteStateHashes lists every state hash the remote currently holds.
func (s *Syncer) RemoteStateHashes(ctx context.Context) ([]string, error) {
	return s.listHashes(ctx, prefixStates)
}

func (s *Syncer) listHashes(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.Remote.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = k[len(prefix):]
	}
	return hashes, nil
}

func unmarshalCanonical(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
