package cas

import (
	"context"
	"fmt"

	"flanes/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

// depthCache memoizes tree-hash -> depth so that re-verifying a recurring
// subtree hash (the common case: dedup means the same subtree hash appears
// across many snapshots) is O(1) instead of re-walking its children every
// time a new tree references it.
type depthCache struct {
	cache *lru.Cache[string, int]
}

func newDepthCache(size int) *depthCache {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, int](size)
	if err != nil {
		// Only returns an error for a non-positive size, which is guarded
		// above.
		panic(fmt.Sprintf("cas: depth cache: %v", err))
	}
	return &depthCache{cache: c}
}

// depthOf computes the depth of the tree at hash: a leaf tree (only blob
// entries) has depth 1; a tree containing a subtree of depth d has depth
// d+1. lookup fetches a tree's entries by hash.
func (d *depthCache) depthOf(ctx context.Context, hash string, lookup func(context.Context, string) ([]domain.TreeEntry, error)) (int, error) {
	if v, ok := d.cache.Get(hash); ok {
		return v, nil
	}
	entries, err := lookup(ctx, hash)
	if err != nil {
		return 0, err
	}
	depth := 1
	for _, e := range entries {
		if e.Kind != domain.EntryTree {
			continue
		}
		childDepth, err := d.depthOf(ctx, e.Hash, lookup)
		if err != nil {
			return 0, err
		}
		if childDepth+1 > depth {
			depth = childDepth + 1
		}
	}
	d.cache.Add(hash, depth)
	return depth, nil
}

// purge drops every cached depth. GC's sweep does not call it; depths cached
// for trees it deletes stay until the LRU evicts them.
func (d *depthCache) purge() {
	d.cache.Purge()
}
