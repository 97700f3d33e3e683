package cas

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"flanes/internal/domain"
	"golang.org/x/sync/singleflight"
)

// MemoryStore is an in-process, non-durable implementation of Store, used
// for tests and ephemeral repositories. All three logical tables live in
// plain maps guarded by a single mutex; concurrency safety beyond that comes
// from insert-if-absent semantics, not fine-grained locking.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	trees  map[string][]domain.TreeEntry
	states map[string]domain.WorldState

	limits Limits
	depth  *depthCache
	group  singleflight.Group
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[string][]byte),
		trees:  make(map[string][]domain.TreeEntry),
		states: make(map[string]domain.WorldState),
		limits: limits.Resolved(),
		depth:  newDepthCache(0),
	}
}

func (s *MemoryStore) PutBlob(ctx context.Context, content []byte) (string, error) {
	hash := domain.HashBytes(content)
	v, err, _ := s.group.Do("blob:"+hash, func() (any, error) {
		s.mu.RLock()
		_, exists := s.blobs[hash]
		s.mu.RUnlock()
		if exists {
			return hash, nil
		}
		if int64(len(content)) > s.limits.MaxBlobSize {
			return nil, domain.Newf(domain.ErrBlobTooLarge, "blob of %d bytes exceeds max %d", len(content), s.limits.MaxBlobSize)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.blobs[hash]; !exists {
			stored := make([]byte, len(content))
			copy(stored, content)
			s.blobs[hash] = stored
		}
		return hash, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *MemoryStore) PutTree(ctx context.Context, entries []domain.TreeEntry) (string, error) {
	sorted, err := normalizeTreeEntries(entries)
	if err != nil {
		return "", err
	}
	hash, canonical, err := domain.HashCanonical(domain.Tree{Entries: sorted})
	if err != nil {
		return "", err
	}
	_ = canonical
	v, err, _ := s.group.Do("tree:"+hash, func() (any, error) {
		s.mu.RLock()
		_, exists := s.trees[hash]
		s.mu.RUnlock()
		if exists {
			return hash, nil
		}
		depth, err := s.treeDepth(ctx, sorted)
		if err != nil {
			return nil, err
		}
		if depth > s.limits.MaxTreeDepth {
			return nil, domain.Newf(domain.ErrTreeTooDeep, "tree depth %d exceeds max %d", depth, s.limits.MaxTreeDepth)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.trees[hash]; !exists {
			s.trees[hash] = sorted
		}
		s.depth.cache.Add(hash, depth)
		return hash, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// treeDepth computes the depth this new tree would have if stored: 1 plus
// the max depth of any subtree entry, using the depth cache for entries
// already known.
func (s *MemoryStore) treeDepth(ctx context.Context, entries []domain.TreeEntry) (int, error) {
	depth := 1
	for _, e := range entries {
		if e.Kind != domain.EntryTree {
			continue
		}
		childDepth, err := s.depth.depthOf(ctx, e.Hash, s.lookupTree)
		if err != nil {
			return 0, err
		}
		if childDepth+1 > depth {
			depth = childDepth + 1
		}
	}
	return depth, nil
}

func (s *MemoryStore) lookupTree(ctx context.Context, hash string) ([]domain.TreeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.trees[hash]
	if !ok {
		return nil, domain.Newf(domain.ErrNotFound, "tree %s not found", hash)
	}
	return entries, nil
}

func normalizeTreeEntries(entries []domain.TreeEntry) ([]domain.TreeEntry, error) {
	seen := make(map[string]bool, len(entries))
	out := make([]domain.TreeEntry, len(entries))
	copy(out, entries)
	for _, e := range out {
		if seen[e.Name] {
			return nil, domain.Newf(domain.ErrDuplicateName, "duplicate tree entry name %q", e.Name)
		}
		seen[e.Name] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) PutState(ctx context.Context, rootTree, parentID string, createdAt int64) (string, error) {
	state := domain.WorldState{RootTree: rootTree, ParentID: parentID, CreatedAt: createdAt}
	hash, _, err := domain.HashCanonical(state)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[hash]; !exists {
		s.states[hash] = state
	}
	return hash, nil
}

func (s *MemoryStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.blobs[hash]
	if !ok {
		return nil, domain.Newf(domain.ErrNotFound, "blob %s not found", hash)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (s *MemoryStore) GetTree(ctx context.Context, hash string) ([]domain.TreeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.trees[hash]
	if !ok {
		return nil, domain.Newf(domain.ErrNotFound, "tree %s not found", hash)
	}
	out := make([]domain.TreeEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) GetState(ctx context.Context, hash string) (domain.WorldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[hash]
	if !ok {
		return domain.WorldState{}, domain.Newf(domain.ErrNotFound, "state %s not found", hash)
	}
	return state, nil
}

func (s *MemoryStore) Has(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[hash]; ok {
		return true, nil
	}
	if _, ok := s.trees[hash]; ok {
		return true, nil
	}
	if _, ok := s.states[hash]; ok {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) IterKeys(ctx context.Context, kind Kind, fn func(hash string) error) error {
	s.mu.RLock()
	var keys []string
	switch kind {
	case KindBlob:
		for k := range s.blobs {
			keys = append(keys, k)
		}
	case KindTree:
		for k := range s.trees {
			keys = append(keys, k)
		}
	case KindState:
		for k := range s.states {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, kind Kind, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case KindBlob:
		delete(s.blobs, hash)
	case KindTree:
		delete(s.trees, hash)
	case KindState:
		delete(s.states, hash)
	}
	return nil
}

func (s *MemoryStore) Verify(hash string, content []byte) bool {
	return domain.HashBytes(content) == hash
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var inline int64
	for _, b := range s.blobs {
		inline += int64(len(b))
	}
	return Stats{
		Blobs:       len(s.blobs),
		Trees:       len(s.trees),
		States:      len(s.states),
		InlineBytes: inline,
	}, nil
}

func (s *MemoryStore) Close() error { return nil }

// exportSnapshot serializes the whole store to JSON. No backend in this
// package calls it; SQLiteStore keeps its own tables and embeds no
// MemoryStore.
func (s *MemoryStore) exportSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type snapshot struct {
		Blobs  map[string][]byte              `json:"blobs"`
		Trees  map[string][]domain.TreeEntry  `json:"trees"`
		States map[string]domain.WorldState   `json:"states"`
	}
	return json.Marshal(snapshot{Blobs: s.blobs, Trees: s.trees, States: s.states})
}
