package cas

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"flanes/internal/domain"
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// SpillThreshold is the inline-vs-filesystem cutoff for blob content: blobs
// at or under this size are stored as a BLOB column; larger blobs spill to
// the two-hex-prefix filesystem fan-out under blobsDir, matching
// original_source/vex/cas.py's blob_threshold behavior.
const SpillThreshold = 512 * 1024

// SQLiteStore backs the CAS with a modernc.org/sqlite database for trees
// and states (always inlined, since they are canonical JSON documents well
// under the spill threshold in practice) and blobs either inlined or
// spilled to disk.
type SQLiteStore struct {
	db       *sql.DB
	blobsDir string
	limits   Limits
	depth    *depthCache
	mu       sync.Mutex // serializes writes; sqlite allows one writer at a time anyway
}

// OpenSQLiteStore opens or creates a sqlite-backed store at path, spilling
// blobs over SpillThreshold into blobsDir.
func OpenSQLiteStore(path, blobsDir string, limits Limits) (*SQLiteStore, error) {
	if path == "" {
		path = "store.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("cas: create db dir: %w", err)
	}
	if blobsDir == "" {
		blobsDir = filepath.Join(filepath.Dir(path), "blobs")
	}
	if err := os.MkdirAll(blobsDir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("cas: create blobs dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cas: open sqlite: %w", err)
	}
	if err := migrateCAS(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, blobsDir: blobsDir, limits: limits.Resolved(), depth: newDepthCache(0)}, nil
}

func migrateCAS(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cas_blobs (
			hash TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			spilled INTEGER NOT NULL,
			content BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS cas_trees (
			hash TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cas_states (
			hash TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("cas: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) blobPath(hash string) string {
	return filepath.Join(s.blobsDir, hash[:2], hash[2:4], hash)
}

func (s *SQLiteStore) PutBlob(ctx context.Context, content []byte) (string, error) {
	hash := domain.HashBytes(content)
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cas_blobs WHERE hash = ?`, hash).Scan(&exists); err == nil {
		return hash, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cas: lookup blob: %w", err)
	}

	if int64(len(content)) > s.limits.MaxBlobSize {
		return "", domain.Newf(domain.ErrBlobTooLarge, "blob of %d bytes exceeds max %d", len(content), s.limits.MaxBlobSize)
	}

	spilled := len(content) > SpillThreshold
	if spilled {
		path := s.blobPath(hash)
		if err := atomicWriteFile(path, content); err != nil {
			return "", fmt.Errorf("cas: spill blob: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cas_blobs(hash, size, spilled, content) VALUES (?, ?, 1, NULL)`, hash, len(content)); err != nil {
			return "", fmt.Errorf("cas: insert blob row: %w", err)
		}
	} else {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cas_blobs(hash, size, spilled, content) VALUES (?, ?, 0, ?)`, hash, len(content), content); err != nil {
			return "", fmt.Errorf("cas: insert blob row: %w", err)
		}
	}
	return hash, nil
}

func atomicWriteFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *SQLiteStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var size int64
	var spilled int
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT size, spilled, content FROM cas_blobs WHERE hash = ?`, hash).Scan(&size, &spilled, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Newf(domain.ErrNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("cas: get blob: %w", err)
	}
	if spilled == 0 {
		return content, nil
	}
	data, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		return nil, domain.Wrap(domain.ErrIntegrityMismatch, err, fmt.Sprintf("cas: spilled blob %s missing on disk", hash))
	}
	return data, nil
}

func (s *SQLiteStore) PutTree(ctx context.Context, entries []domain.TreeEntry) (string, error) {
	sorted, err := normalizeTreeEntries(entries)
	if err != nil {
		return "", err
	}
	hash, canonical, err := domain.HashCanonical(domain.Tree{Entries: sorted})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cas_trees WHERE hash = ?`, hash).Scan(&exists); err == nil {
		return hash, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cas: lookup tree: %w", err)
	}

	depth, err := s.treeDepth(ctx, sorted)
	if err != nil {
		return "", err
	}
	if depth > s.limits.MaxTreeDepth {
		return "", domain.Newf(domain.ErrTreeTooDeep, "tree depth %d exceeds max %d", depth, s.limits.MaxTreeDepth)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cas_trees(hash, payload) VALUES (?, ?)`, hash, canonical); err != nil {
		return "", fmt.Errorf("cas: insert tree: %w", err)
	}
	s.depth.cache.Add(hash, depth)
	return hash, nil
}

func (s *SQLiteStore) treeDepth(ctx context.Context, entries []domain.TreeEntry) (int, error) {
	depth := 1
	for _, e := range entries {
		if e.Kind != domain.EntryTree {
			continue
		}
		childDepth, err := s.depth.depthOf(ctx, e.Hash, s.lookupTreeLocked)
		if err != nil {
			return 0, err
		}
		if childDepth+1 > depth {
			depth = childDepth + 1
		}
	}
	return depth, nil
}

func (s *SQLiteStore) lookupTreeLocked(ctx context.Context, hash string) ([]domain.TreeEntry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM cas_trees WHERE hash = ?`, hash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Newf(domain.ErrNotFound, "tree %s not found", hash)
	}
	if err != nil {
		return nil, err
	}
	var tree domain.Tree
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("cas: decode tree: %w", err)
	}
	return tree.Entries, nil
}

func (s *SQLiteStore) GetTree(ctx context.Context, hash string) ([]domain.TreeEntry, error) {
	return s.lookupTreeLocked(ctx, hash)
}

func (s *SQLiteStore) PutState(ctx context.Context, rootTree, parentID string, createdAt int64) (string, error) {
	state := domain.WorldState{RootTree: rootTree, ParentID: parentID, CreatedAt: createdAt}
	hash, canonical, err := domain.HashCanonical(state)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cas_states(hash, payload) VALUES (?, ?)`, hash, canonical); err != nil {
		return "", fmt.Errorf("cas: insert state: %w", err)
	}
	return hash, nil
}

func (s *SQLiteStore) GetState(ctx context.Context, hash string) (domain.WorldState, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM cas_states WHERE hash = ?`, hash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorldState{}, domain.Newf(domain.ErrNotFound, "state %s not found", hash)
	}
	if err != nil {
		return domain.WorldState{}, fmt.Errorf("cas: get state: %w", err)
	}
	var state domain.WorldState
	if err := json.Unmarshal(payload, &state); err != nil {
		return domain.WorldState{}, fmt.Errorf("cas: decode state: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) Has(ctx context.Context, hash string) (bool, error) {
	for _, table := range []string{"cas_blobs", "cas_trees", "cas_states"} {
		var exists int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE hash = ?`, table), hash).Scan(&exists)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
	}
	return false, nil
}

func (s *SQLiteStore) IterKeys(ctx context.Context, kind Kind, fn func(hash string) error) error {
	table, err := tableForKind(kind)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT hash FROM %s ORDER BY hash`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

func tableForKind(kind Kind) (string, error) {
	switch kind {
	case KindBlob:
		return "cas_blobs", nil
	case KindTree:
		return "cas_trees", nil
	case KindState:
		return "cas_states", nil
	default:
		return "", fmt.Errorf("cas: unknown kind %q", kind)
	}
}

func (s *SQLiteStore) Delete(ctx context.Context, kind Kind, hash string) error {
	table, err := tableForKind(kind)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = ?`, table), hash); err != nil {
		return err
	}
	if kind == KindBlob {
		path := s.blobPath(hash)
		_ = os.Remove(path) // orphan-safe: the DB delete has already committed
	}
	return nil
}

func (s *SQLiteStore) Verify(hash string, content []byte) bool {
	return domain.HashBytes(content) == hash
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cas_blobs`).Scan(&st.Blobs); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cas_trees`).Scan(&st.Trees); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cas_states`).Scan(&st.States); err != nil {
		return st, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cas_blobs WHERE spilled = 0`)
	if err := row.Scan(&st.InlineBytes); err != nil {
		return st, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cas_blobs WHERE spilled = 1`)
	if err := row.Scan(&st.SpilledBytes); err != nil {
		return st, err
	}
	return st, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so the ledger can share the same
// connection when both are backed by sqlite, mirroring the teacher's
// pattern of layering durability atop a shared connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }
