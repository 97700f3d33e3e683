package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"flanes/internal/domain"
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// SQLiteLedger backs the Ledger with a modernc.org/sqlite database. Writes
// are serialized through a single pooled connection with a 30 s busy
// timeout. Transactions are deferred: the BEGIN IMMEDIATE that
// beginImmediate issues inside an already-open transaction is rejected by
// sqlite and ignored, so the reserved lock is taken at a transaction's
// first write, not before its reads.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens or creates a sqlite-backed ledger at path.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		path = "store.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("ledger: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows one writer; serialize through the pool
	if err := migrateSQLite(context.Background(), db); err != nil {
		return nil, err
	}
	return &SQLiteLedger{db: db}, nil
}

// DB exposes the underlying handle. OpenBackend does not pass it to the
// CAS; the sqlite CAS opens its own handle on the same file.
func (l *SQLiteLedger) DB() *sql.DB { return l.db }

func (l *SQLiteLedger) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		// database/sql already opened a transaction; sqlite rejects a
		// nested BEGIN, so the error is ignored and tx stays deferred.
		_ = err
	}
	return tx, nil
}

func (l *SQLiteLedger) InsertState(ctx context.Context, hash string, state domain.WorldState) error {
	_, err := l.db.ExecContext(ctx, `INSERT OR IGNORE INTO states(hash, root_tree, parent_id, created_at) VALUES (?, ?, ?, ?)`,
		hash, state.RootTree, state.ParentID, state.CreatedAt)
	return err
}

func (l *SQLiteLedger) GetState(ctx context.Context, hash string) (domain.WorldState, error) {
	var st domain.WorldState
	err := l.db.QueryRowContext(ctx, `SELECT root_tree, parent_id, created_at FROM states WHERE hash = ?`, hash).
		Scan(&st.RootTree, &st.ParentID, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorldState{}, domain.Newf(domain.ErrNotFound, "state %s not found in ledger", hash)
	}
	return st, err
}

func (l *SQLiteLedger) InsertTransition(ctx context.Context, t domain.Transition) (string, error) {
	if t.ID == "" {
		t.ID = domain.NewID()
	}
	tx, err := l.beginImmediate(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM states WHERE hash = ?`, t.ToState).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
		return "", domain.Newf(domain.ErrNotFound, "transition to_state %s does not exist", t.ToState)
	} else if err != nil {
		return "", err
	}
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM lanes WHERE name = ?`, t.Lane).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
		return "", domain.Newf(domain.ErrNotFound, "lane %q does not exist", t.Lane)
	} else if err != nil {
		return "", err
	}

	intentJSON, err := json.Marshal(t.Intent)
	if err != nil {
		return "", err
	}
	costJSON, err := json.Marshal(t.Cost)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transitions(id, from_state, to_state, lane, status, created_at, intent, cost) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FromState, t.ToState, t.Lane, t.Status, t.CreatedAt, intentJSON, costJSON); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return t.ID, nil
}

func scanTransition(row interface {
	Scan(dest ...any) error
}) (domain.Transition, error) {
	var t domain.Transition
	var intentJSON, costJSON []byte
	var evalJSON sql.NullString
	if err := row.Scan(&t.ID, &t.FromState, &t.ToState, &t.Lane, &t.Status, &t.CreatedAt, &intentJSON, &costJSON, &evalJSON); err != nil {
		return domain.Transition{}, err
	}
	if err := json.Unmarshal(intentJSON, &t.Intent); err != nil {
		return domain.Transition{}, fmt.Errorf("ledger: decode intent: %w", err)
	}
	if err := json.Unmarshal(costJSON, &t.Cost); err != nil {
		return domain.Transition{}, fmt.Errorf("ledger: decode cost: %w", err)
	}
	if evalJSON.Valid && evalJSON.String != "" {
		var summary domain.EvaluationResult
		if err := json.Unmarshal([]byte(evalJSON.String), &summary); err != nil {
			return domain.Transition{}, fmt.Errorf("ledger: decode eval summary: %w", err)
		}
		t.EvalSummary = &summary
	}
	return t, nil
}

const transitionColumns = `id, from_state, to_state, lane, status, created_at, intent, cost, eval_summary`

func (l *SQLiteLedger) GetTransition(ctx context.Context, id string) (domain.Transition, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE id = ?`, id)
	t, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transition{}, domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	}
	return t, err
}

func (l *SQLiteLedger) SetTransitionStatus(ctx context.Context, id string, status domain.TransitionStatus, summary *domain.EvaluationResult) error {
	tx, err := l.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current domain.TransitionStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM transitions WHERE id = ?`, id).Scan(&current); errors.Is(err, sql.ErrNoRows) {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	} else if err != nil {
		return err
	}
	if !domain.LegalStatusChange(current, status) {
		return domain.Newf(domain.ErrIllegalTransition, "cannot move transition %s from %s to %s", id, current, status)
	}
	if summary != nil {
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE transitions SET status = ?, eval_summary = ? WHERE id = ?`, status, summaryJSON, id); err != nil {
			return err
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE transitions SET status = ? WHERE id = ?`, status, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) AcceptTransition(ctx context.Context, id string) error {
	tx, err := l.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status domain.TransitionStatus
	var lane, fromState, toState string
	if err := tx.QueryRowContext(ctx, `SELECT status, lane, from_state, to_state FROM transitions WHERE id = ?`, id).
		Scan(&status, &lane, &fromState, &toState); errors.Is(err, sql.ErrNoRows) {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	} else if err != nil {
		return err
	}
	if !domain.LegalStatusChange(status, domain.StatusAccepted) {
		return domain.Newf(domain.ErrIllegalTransition, "cannot accept transition %s from status %s", id, status)
	}
	var headState string
	if err := tx.QueryRowContext(ctx, `SELECT head_state FROM lanes WHERE name = ?`, lane).Scan(&headState); errors.Is(err, sql.ErrNoRows) {
		return domain.Newf(domain.ErrNotFound, "lane %q does not exist", lane)
	} else if err != nil {
		return err
	}
	if headState != fromState {
		return domain.Newf(domain.ErrStaleProposal, "lane %q head is %s, transition expected %s", lane, headState, fromState)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transitions SET status = ? WHERE id = ?`, domain.StatusAccepted, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE lanes SET head_state = ? WHERE name = ?`, toState, lane); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) UpdateCost(ctx context.Context, id string, delta domain.CostRecord) error {
	tx, err := l.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status domain.TransitionStatus
	var costJSON []byte
	if err := tx.QueryRowContext(ctx, `SELECT status, cost FROM transitions WHERE id = ?`, id).Scan(&status, &costJSON); errors.Is(err, sql.ErrNoRows) {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	} else if err != nil {
		return err
	}
	if status != domain.StatusProposed && status != domain.StatusEvaluating {
		return domain.Newf(domain.ErrIllegalTransition, "cannot update cost of transition %s in status %s", id, status)
	}
	var cost domain.CostRecord
	if err := json.Unmarshal(costJSON, &cost); err != nil {
		return err
	}
	cost = cost.Add(delta)
	updated, err := json.Marshal(cost)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transitions SET cost = ? WHERE id = ?`, updated, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) CreateLane(ctx context.Context, name, head, forkBase string) error {
	if err := domain.ValidateName(domain.NameKindLane, name); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO lanes(name, head_state, fork_base, created_at, metadata) VALUES (?, ?, ?, strftime('%s','now'), '{}')`,
		name, head, forkBase)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return domain.Newf(domain.ErrDuplicateName, "lane %q already exists", name)
	}
	return err
}

func (l *SQLiteLedger) GetLane(ctx context.Context, name string) (domain.Lane, error) {
	var lane domain.Lane
	var metadataJSON string
	err := l.db.QueryRowContext(ctx, `SELECT name, head_state, fork_base, created_at, metadata FROM lanes WHERE name = ?`, name).
		Scan(&lane.Name, &lane.HeadState, &lane.ForkBase, &lane.CreatedAt, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lane{}, domain.Newf(domain.ErrNotFound, "lane %q not found", name)
	}
	if err != nil {
		return domain.Lane{}, err
	}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &lane.Metadata)
	}
	return lane, nil
}

func (l *SQLiteLedger) SetLaneHead(ctx context.Context, name, state string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE lanes SET head_state = ? WHERE name = ?`, state, name)
	return checkRowsAffected(res, err, "lane", name)
}

func (l *SQLiteLedger) SetLaneForkBase(ctx context.Context, name, state string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE lanes SET fork_base = ? WHERE name = ?`, state, name)
	return checkRowsAffected(res, err, "lane", name)
}

func (l *SQLiteLedger) SetLaneMetadata(ctx context.Context, name string, metadata map[string]any) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx, `UPDATE lanes SET metadata = ? WHERE name = ?`, metadataJSON, name)
	return checkRowsAffected(res, err, "lane", name)
}

func checkRowsAffected(res sql.Result, err error, kind, name string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Newf(domain.ErrNotFound, "%s %q not found", kind, name)
	}
	return nil
}

func (l *SQLiteLedger) ListLanes(ctx context.Context) ([]domain.Lane, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, head_state, fork_base, created_at, metadata FROM lanes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Lane
	for rows.Next() {
		var lane domain.Lane
		var metadataJSON string
		if err := rows.Scan(&lane.Name, &lane.HeadState, &lane.ForkBase, &lane.CreatedAt, &metadataJSON); err != nil {
			return nil, err
		}
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &lane.Metadata)
		}
		out = append(out, lane)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) DeleteLane(ctx context.Context, name string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM lanes WHERE name = ?`, name)
	return err
}

func (l *SQLiteLedger) CreateWorkspace(ctx context.Context, ws domain.Workspace) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO workspaces(name, lane, base_state, created_at, status, agent_id) VALUES (?, ?, ?, ?, ?, ?)`,
		ws.Name, ws.Lane, ws.BaseState, ws.CreatedAt, ws.Status, ws.AgentID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return domain.Newf(domain.ErrDuplicateName, "workspace %q already exists", ws.Name)
	}
	return err
}

func (l *SQLiteLedger) GetWorkspace(ctx context.Context, name string) (domain.Workspace, error) {
	var ws domain.Workspace
	err := l.db.QueryRowContext(ctx, `SELECT name, lane, base_state, created_at, status, agent_id FROM workspaces WHERE name = ?`, name).
		Scan(&ws.Name, &ws.Lane, &ws.BaseState, &ws.CreatedAt, &ws.Status, &ws.AgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Workspace{}, domain.Newf(domain.ErrNotFound, "workspace %q not found", name)
	}
	return ws, err
}

func (l *SQLiteLedger) UpdateWorkspace(ctx context.Context, ws domain.Workspace) error {
	res, err := l.db.ExecContext(ctx, `UPDATE workspaces SET lane = ?, base_state = ?, status = ?, agent_id = ? WHERE name = ?`,
		ws.Lane, ws.BaseState, ws.Status, ws.AgentID, ws.Name)
	return checkRowsAffected(res, err, "workspace", ws.Name)
}

func (l *SQLiteLedger) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, lane, base_state, created_at, status, agent_id FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.Name, &ws.Lane, &ws.BaseState, &ws.CreatedAt, &ws.Status, &ws.AgentID); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) DeleteWorkspace(ctx context.Context, name string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM workspaces WHERE name = ?`, name)
	return err
}

func (l *SQLiteLedger) History(ctx context.Context, filter HistoryFilter) ([]domain.Transition, error) {
	query := `SELECT ` + transitionColumns + ` FROM transitions WHERE 1=1`
	var args []any
	if filter.Lane != "" {
		query += ` AND lane = ?`
		args = append(args, filter.Lane)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Trace(ctx context.Context, state string) ([]domain.Transition, error) {
	var out []domain.Transition
	current := state
	seen := make(map[string]bool)
	for current != "" {
		if seen[current] {
			break
		}
		seen[current] = true
		row := l.db.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE to_state = ? LIMIT 1`, current)
		if t, err := scanTransition(row); err == nil {
			out = append(out, t)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		st, err := l.GetState(ctx, current)
		if err != nil {
			break
		}
		current = st.ParentID
	}
	return out, nil
}

func (l *SQLiteLedger) Search(ctx context.Context, query string) ([]domain.Transition, error) {
	like := "%" + query + "%"
	rows, err := l.db.QueryContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE intent LIKE ? ORDER BY created_at DESC`, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) StoreEmbedding(ctx context.Context, intentID string, vector []float32) error {
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO intent_embeddings(intent_id, vector) VALUES (?, ?) ON CONFLICT(intent_id) DO UPDATE SET vector = excluded.vector`,
		intentID, vecJSON)
	return err
}

func (l *SQLiteLedger) GetEmbedding(ctx context.Context, intentID string) ([]float32, bool, error) {
	var vecJSON string
	err := l.db.QueryRowContext(ctx, `SELECT vector FROM intent_embeddings WHERE intent_id = ?`, intentID).Scan(&vecJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var vec []float32
	if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (l *SQLiteLedger) AllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT intent_id, vector FROM intent_embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]float32)
	for rows.Next() {
		var id, vecJSON string
		if err := rows.Scan(&id, &vecJSON); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, err
		}
		out[id] = vec
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) LiveRoots(ctx context.Context, maxAgeDays int, now int64) ([]string, error) {
	tx, err := l.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	roots := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `SELECT head_state, fork_base FROM lanes`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var head, fork string
		if err := rows.Scan(&head, &fork); err != nil {
			rows.Close()
			return nil, err
		}
		if head != "" {
			roots[head] = true
		}
		if fork != "" {
			roots[fork] = true
		}
	}
	rows.Close()

	cutoff := now - int64(maxAgeDays)*86400
	rows, err = tx.QueryContext(ctx, `SELECT from_state, to_state, status, created_at FROM transitions`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var from, to string
		var status domain.TransitionStatus
		var createdAt int64
		if err := rows.Scan(&from, &to, &status, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		if status != domain.StatusRejected || createdAt >= cutoff {
			roots[to] = true
			if from != "" {
				roots[from] = true
			}
		}
	}
	rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(roots))
	for h := range roots {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (l *SQLiteLedger) DeleteExpiredTransitions(ctx context.Context, maxAgeDays int, now int64) (int, error) {
	cutoff := now - int64(maxAgeDays)*86400
	res, err := l.db.ExecContext(ctx, `DELETE FROM transitions WHERE status = ? AND created_at < ?`, domain.StatusRejected, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (l *SQLiteLedger) DeleteOrphanStates(ctx context.Context, liveStates map[string]bool) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT hash FROM states`)
	if err != nil {
		return nil, err
	}
	var all []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, h)
	}
	rows.Close()

	referenced := make(map[string]bool)
	refRows, err := l.db.QueryContext(ctx, `SELECT DISTINCT to_state FROM transitions`)
	if err != nil {
		return nil, err
	}
	for refRows.Next() {
		var h string
		if err := refRows.Scan(&h); err != nil {
			refRows.Close()
			return nil, err
		}
		referenced[h] = true
	}
	refRows.Close()

	var deleted []string
	for _, h := range all {
		if liveStates[h] || referenced[h] {
			continue
		}
		if _, err := l.db.ExecContext(ctx, `DELETE FROM states WHERE hash = ?`, h); err != nil {
			return nil, err
		}
		deleted = append(deleted, h)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (l *SQLiteLedger) AllStateHashes(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT hash FROM states ORDER BY hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }
