package cas

import (
	"context"
	"encoding/json"
	"fmt"

	"flanes/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the CAS with a shared Postgres server, for teams that
// centralize the store off a single host. It sits behind the same Store
// interface as SQLiteStore; no multi-writer consensus is introduced (spec's
// single-authority Non-goal still holds), Postgres is just an alternate SQL
// engine. Blobs are always stored inline in a BYTEA column: unlike sqlite,
// Postgres has no local filesystem of its own to spill large objects to, so
// the two-hex-prefix filesystem fan-out is sqlite/local-disk only.
type PostgresStore struct {
	pool   *pgxpool.Pool
	limits Limits
	depth  *depthCache
}

// OpenPostgresStore connects to dsn and ensures the CAS schema exists.
func OpenPostgresStore(ctx context.Context, dsn string, limits Limits) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cas: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cas: ping postgres: %w", err)
	}
	if err := migratePostgresCAS(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, limits: limits.Resolved(), depth: newDepthCache(0)}, nil
}

func migratePostgresCAS(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cas_blobs (
			hash TEXT PRIMARY KEY,
			size BIGINT NOT NULL,
			content BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cas_trees (
			hash TEXT PRIMARY KEY,
			payload BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cas_states (
			hash TEXT PRIMARY KEY,
			payload BYTEA NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("cas: migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PutBlob(ctx context.Context, content []byte) (string, error) {
	hash := domain.HashBytes(content)
	var exists int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM cas_blobs WHERE hash = $1`, hash).Scan(&exists)
	if err == nil {
		return hash, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("cas: lookup blob: %w", err)
	}
	if int64(len(content)) > s.limits.MaxBlobSize {
		return "", domain.Newf(domain.ErrBlobTooLarge, "blob of %d bytes exceeds max %d", len(content), s.limits.MaxBlobSize)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO cas_blobs(hash, size, content) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING`, hash, len(content), content); err != nil {
		return "", fmt.Errorf("cas: insert blob: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM cas_blobs WHERE hash = $1`, hash).Scan(&content)
	if err == pgx.ErrNoRows {
		return nil, domain.Newf(domain.ErrNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("cas: get blob: %w", err)
	}
	return content, nil
}

func (s *PostgresStore) PutTree(ctx context.Context, entries []domain.TreeEntry) (string, error) {
	sorted, err := normalizeTreeEntries(entries)
	if err != nil {
		return "", err
	}
	hash, canonical, err := domain.HashCanonical(domain.Tree{Entries: sorted})
	if err != nil {
		return "", err
	}
	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM cas_trees WHERE hash = $1`, hash).Scan(&exists)
	if err == nil {
		return hash, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("cas: lookup tree: %w", err)
	}
	depth, err := s.treeDepth(ctx, sorted)
	if err != nil {
		return "", err
	}
	if depth > s.limits.MaxTreeDepth {
		return "", domain.Newf(domain.ErrTreeTooDeep, "tree depth %d exceeds max %d", depth, s.limits.MaxTreeDepth)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO cas_trees(hash, payload) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`, hash, canonical); err != nil {
		return "", fmt.Errorf("cas: insert tree: %w", err)
	}
	s.depth.cache.Add(hash, depth)
	return hash, nil
}

func (s *PostgresStore) treeDepth(ctx context.Context, entries []domain.TreeEntry) (int, error) {
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

func (s *PostgresStore) lookupTree(ctx context.Context, hash string) ([]domain.TreeEntry, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM cas_trees WHERE hash = $1`, hash).Scan(&payload)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) GetTree(ctx context.Context, hash string) ([]domain.TreeEntry, error) {
	return s.lookupTree(ctx, hash)
}

func (s *PostgresStore) PutState(ctx context.Context, rootTree, parentID string, createdAt int64) (string, error) {
	state := domain.WorldState{RootTree: rootTree, ParentID: parentID, CreatedAt: createdAt}
	hash, canonical, err := domain.HashCanonical(state)
	if err != nil {
		return "", err
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO cas_states(hash, payload) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`, hash, canonical); err != nil {
		return "", fmt.Errorf("cas: insert state: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) GetState(ctx context.Context, hash string) (domain.WorldState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM cas_states WHERE hash = $1`, hash).Scan(&payload)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) Has(ctx context.Context, hash string) (bool, error) {
	for _, table := range []string{"cas_blobs", "cas_trees", "cas_states"} {
		var exists int
		err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE hash = $1`, table), hash).Scan(&exists)
		if err == nil {
			return true, nil
		}
		if err != pgx.ErrNoRows {
			return false, err
		}
	}
	return false, nil
}

func (s *PostgresStore) IterKeys(ctx context.Context, kind Kind, fn func(hash string) error) error {
	table, err := tableForKind(kind)
	if err != nil {
		return err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT hash FROM %s ORDER BY hash`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, kind Kind, hash string) error {
	table, err := tableForKind(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = $1`, table), hash)
	return err
}

func (s *PostgresStore) Verify(hash string, content []byte) bool {
	return domain.HashBytes(content) == hash
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cas_blobs`).Scan(&st.Blobs); err != nil {
		return st, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cas_trees`).Scan(&st.Trees); err != nil {
		return st, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cas_states`).Scan(&st.States); err != nil {
		return st, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM cas_blobs`).Scan(&st.InlineBytes); err != nil {
		return st, err
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
