// Package cas implements the content-addressed object store: immutable
// blobs, trees, and world states keyed by SHA-256, with dedup, size and
// depth limits, and integrity verification.
package cas

import (
	"context"

	"flanes/internal/domain"
)

// Kind distinguishes the three logical object tables the store maintains.
type Kind string

const (
	KindBlob  Kind = "blob"
	KindTree  Kind = "tree"
	KindState Kind = "state"
)

// Driver identifies a concrete CAS backend implementation, selected the way
// the persistence layer picks its backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DefaultMaxBlobSize is the compile-time default enforced when a
// configuration document specifies 0 ("use default").
const DefaultMaxBlobSize = 100 * 1024 * 1024

// DefaultMaxTreeDepth is the compile-time default tree depth limit.
const DefaultMaxTreeDepth = 100

// Limits bounds the two size/depth checks the store enforces on ingest.
type Limits struct {
	MaxBlobSize int64
	MaxTreeDepth int
}

// Resolved fills zero fields with compile-time defaults, matching the
// config document's "0 means use default" convention.
func (l Limits) Resolved() Limits {
	out := l
	if out.MaxBlobSize <= 0 {
		out.MaxBlobSize = DefaultMaxBlobSize
	}
	if out.MaxTreeDepth <= 0 {
		out.MaxTreeDepth = DefaultMaxTreeDepth
	}
	return out
}

// Store is the content-addressed object store contract. Every mutating
// method is idempotent under "insert-if-absent" semantics: concurrent puts
// of identical content are safe and return the same hash.
type Store interface {
	// PutBlob stores raw bytes and returns their hash, enforcing MaxBlobSize
	// unless the content already exists (dedup is checked before size).
	PutBlob(ctx context.Context, content []byte) (hash string, err error)
	// PutTree sorts entries by name, canonicalizes, hashes, and stores the
	// result. Fails on duplicate names or a depth
	// violation computed by walking referenced child trees.
	PutTree(ctx context.Context, entries []domain.TreeEntry) (hash string, err error)
	// PutState stores a world state with a monotonic creation timestamp.
	PutState(ctx context.Context, rootTree, parentID string, createdAt int64) (hash string, err error)

	GetBlob(ctx context.Context, hash string) ([]byte, error)
	GetTree(ctx context.Context, hash string) ([]domain.TreeEntry, error)
	GetState(ctx context.Context, hash string) (domain.WorldState, error)

	Has(ctx context.Context, hash string) (bool, error)
	// IterKeys streams every stored hash of the given kind. The callback
	// returning an error stops iteration and propagates the error.
	IterKeys(ctx context.Context, kind Kind, fn func(hash string) error) error
	// Delete removes an object. GC-only: nothing else in this module ever
	// calls Delete.
	Delete(ctx context.Context, kind Kind, hash string) error

	// Verify recomputes SHA-256 over content and reports whether it equals
	// hash, without storing anything. Used on local integrity checks and by
	// the remote-sync adapter on every pulled object.
	Verify(hash string, content []byte) bool

	// Stats reports counts and inline/spilled byte totals, primarily for
	// the doctor/info CLI surface (out of scope here, but the data belongs
	// to the store).
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats summarizes store occupancy.
type Stats struct {
	Blobs, Trees, States int
	InlineBytes, SpilledBytes int64
}
