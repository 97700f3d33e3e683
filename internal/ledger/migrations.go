package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one ordered, idempotent schema step, in the teacher's own
// hand-rolled style (CREATE TABLE IF NOT EXISTS plus a schema_version row)
// rather than a generated migration framework the corpus never pulls in.
type migration struct {
	version int
	stmts   []string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS states (
				hash TEXT PRIMARY KEY,
				root_tree TEXT NOT NULL,
				parent_id TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS lanes (
				name TEXT PRIMARY KEY,
				head_state TEXT NOT NULL DEFAULT '',
				fork_base TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS transitions (
				id TEXT PRIMARY KEY,
				from_state TEXT NOT NULL DEFAULT '',
				to_state TEXT NOT NULL,
				lane TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				seq INTEGER,
				intent TEXT NOT NULL,
				cost TEXT NOT NULL,
				eval_summary TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transitions_lane ON transitions(lane)`,
			`CREATE INDEX IF NOT EXISTS idx_transitions_to_state ON transitions(to_state)`,
			`CREATE TABLE IF NOT EXISTS workspaces (
				name TEXT PRIMARY KEY,
				lane TEXT NOT NULL,
				base_state TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				status TEXT NOT NULL,
				agent_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS intent_embeddings (
				intent_id TEXT PRIMARY KEY,
				vector TEXT NOT NULL
			)`,
		},
	},
}

func currentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	current, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("ledger: read schema version: %w", err)
	}
	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("ledger: migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

var postgresMigrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS states (
				hash TEXT PRIMARY KEY,
				root_tree TEXT NOT NULL,
				parent_id TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS lanes (
				name TEXT PRIMARY KEY,
				head_state TEXT NOT NULL DEFAULT '',
				fork_base TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS transitions (
				id TEXT PRIMARY KEY,
				from_state TEXT NOT NULL DEFAULT '',
				to_state TEXT NOT NULL,
				lane TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				seq BIGSERIAL,
				intent JSONB NOT NULL,
				cost JSONB NOT NULL,
				eval_summary JSONB
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transitions_lane ON transitions(lane)`,
			`CREATE INDEX IF NOT EXISTS idx_transitions_to_state ON transitions(to_state)`,
			`CREATE TABLE IF NOT EXISTS workspaces (
				name TEXT PRIMARY KEY,
				lane TEXT NOT NULL,
				base_state TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				status TEXT NOT NULL,
				agent_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS intent_embeddings (
				intent_id TEXT PRIMARY KEY,
				vector JSONB NOT NULL
			)`,
		},
	},
}
