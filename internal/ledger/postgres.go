package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"flanes/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger backs the Ledger with a shared Postgres server. Single
// writer discipline uses SELECT ... FOR UPDATE row locks instead of
// sqlite's BEGIN IMMEDIATE, since Postgres's MVCC model does not offer an
// equivalent whole-database reserved lock.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// OpenPostgresLedger connects to dsn and ensures the ledger schema exists.
func OpenPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	for _, m := range postgresMigrations {
		for _, stmt := range m.stmts {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("ledger: migrate postgres: %w", err)
			}
		}
	}
	return &PostgresLedger{pool: pool}, nil
}

func (l *PostgresLedger) InsertState(ctx context.Context, hash string, state domain.WorldState) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO states(hash, root_tree, parent_id, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (hash) DO NOTHING`,
		hash, state.RootTree, state.ParentID, state.CreatedAt)
	return err
}

func (l *PostgresLedger) GetState(ctx context.Context, hash string) (domain.WorldState, error) {
	var st domain.WorldState
	err := l.pool.QueryRow(ctx, `SELECT root_tree, parent_id, created_at FROM states WHERE hash = $1`, hash).
		Scan(&st.RootTree, &st.ParentID, &st.CreatedAt)
	if err == pgx.ErrNoRows {
		return domain.WorldState{}, domain.Newf(domain.ErrNotFound, "state %s not found in ledger", hash)
	}
	return st, err
}

func (l *PostgresLedger) InsertTransition(ctx context.Context, t domain.Transition) (string, error) {
	if t.ID == "" {
		t.ID = domain.NewID()
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM states WHERE hash = $1`, t.ToState).Scan(&exists); err == pgx.ErrNoRows {
		return "", domain.Newf(domain.ErrNotFound, "transition to_state %s does not exist", t.ToState)
	} else if err != nil {
		return "", err
	}
	if err := tx.QueryRow(ctx, `SELECT 1 FROM lanes WHERE name = $1 FOR UPDATE`, t.Lane).Scan(&exists); err == pgx.ErrNoRows {
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
	if _, err := tx.Exec(ctx, `INSERT INTO transitions(id, from_state, to_state, lane, status, created_at, intent, cost) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.FromState, t.ToState, t.Lane, t.Status, t.CreatedAt, intentJSON, costJSON); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return t.ID, nil
}

func scanPGTransition(row pgx.Row) (domain.Transition, error) {
	var t domain.Transition
	var intentJSON, costJSON []byte
	var evalJSON []byte
	if err := row.Scan(&t.ID, &t.FromState, &t.ToState, &t.Lane, &t.Status, &t.CreatedAt, &intentJSON, &costJSON, &evalJSON); err != nil {
		return domain.Transition{}, err
	}
	if err := json.Unmarshal(intentJSON, &t.Intent); err != nil {
		return domain.Transition{}, err
	}
	if err := json.Unmarshal(costJSON, &t.Cost); err != nil {
		return domain.Transition{}, err
	}
	if len(evalJSON) > 0 {
		var summary domain.EvaluationResult
		if err := json.Unmarshal(evalJSON, &summary); err != nil {
			return domain.Transition{}, err
		}
		t.EvalSummary = &summary
	}
	return t, nil
}

const pgTransitionColumns = `id, from_state, to_state, lane, status, created_at, intent, cost, eval_summary`

func (l *PostgresLedger) GetTransition(ctx context.Context, id string) (domain.Transition, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+pgTransitionColumns+` FROM transitions WHERE id = $1`, id)
	t, err := scanPGTransition(row)
	if err == pgx.ErrNoRows {
		return domain.Transition{}, domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	}
	return t, err
}

func (l *PostgresLedger) SetTransitionStatus(ctx context.Context, id string, status domain.TransitionStatus, summary *domain.EvaluationResult) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current domain.TransitionStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM transitions WHERE id = $1 FOR UPDATE`, id).Scan(&current); err == pgx.ErrNoRows {
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
		if _, err := tx.Exec(ctx, `UPDATE transitions SET status = $1, eval_summary = $2 WHERE id = $3`, status, summaryJSON, id); err != nil {
			return err
		}
	} else if _, err := tx.Exec(ctx, `UPDATE transitions SET status = $1 WHERE id = $2`, status, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) AcceptTransition(ctx context.Context, id string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status domain.TransitionStatus
	var lane, fromState, toState string
	if err := tx.QueryRow(ctx, `SELECT status, lane, from_state, to_state FROM transitions WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &lane, &fromState, &toState); err == pgx.ErrNoRows {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	} else if err != nil {
		return err
	}
	if !domain.LegalStatusChange(status, domain.StatusAccepted) {
		return domain.Newf(domain.ErrIllegalTransition, "cannot accept transition %s from status %s", id, status)
	}
	var headState string
	if err := tx.QueryRow(ctx, `SELECT head_state FROM lanes WHERE name = $1 FOR UPDATE`, lane).Scan(&headState); err == pgx.ErrNoRows {
		return domain.Newf(domain.ErrNotFound, "lane %q does not exist", lane)
	} else if err != nil {
		return err
	}
	if headState != fromState {
		return domain.Newf(domain.ErrStaleProposal, "lane %q head is %s, transition expected %s", lane, headState, fromState)
	}
	if _, err := tx.Exec(ctx, `UPDATE transitions SET status = $1 WHERE id = $2`, domain.StatusAccepted, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE lanes SET head_state = $1 WHERE name = $2`, toState, lane); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) UpdateCost(ctx context.Context, id string, delta domain.CostRecord) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status domain.TransitionStatus
	var costJSON []byte
	if err := tx.QueryRow(ctx, `SELECT status, cost FROM transitions WHERE id = $1 FOR UPDATE`, id).Scan(&status, &costJSON); err == pgx.ErrNoRows {
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
	if _, err := tx.Exec(ctx, `UPDATE transitions SET cost = $1 WHERE id = $2`, updated, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) CreateLane(ctx context.Context, name, head, forkBase string) error {
	if err := domain.ValidateName(domain.NameKindLane, name); err != nil {
		return err
	}
	tag, err := l.pool.Exec(ctx, `INSERT INTO lanes(name, head_state, fork_base, created_at, metadata) VALUES ($1,$2,$3, extract(epoch from now())::bigint, '{}') ON CONFLICT (name) DO NOTHING`,
		name, head, forkBase)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.Newf(domain.ErrDuplicateName, "lane %q already exists", name)
	}
	return nil
}

func (l *PostgresLedger) GetLane(ctx context.Context, name string) (domain.Lane, error) {
	var lane domain.Lane
	var metadataJSON []byte
	err := l.pool.QueryRow(ctx, `SELECT name, head_state, fork_base, created_at, metadata FROM lanes WHERE name = $1`, name).
		Scan(&lane.Name, &lane.HeadState, &lane.ForkBase, &lane.CreatedAt, &metadataJSON)
	if err == pgx.ErrNoRows {
		return domain.Lane{}, domain.Newf(domain.ErrNotFound, "lane %q not found", name)
	}
	if err != nil {
		return domain.Lane{}, err
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &lane.Metadata)
	}
	return lane, nil
}

func (l *PostgresLedger) SetLaneHead(ctx context.Context, name, state string) error {
	tag, err := l.pool.Exec(ctx, `UPDATE lanes SET head_state = $1 WHERE name = $2`, state, name)
	return checkPGRows(tag, err, "lane", name)
}

func (l *PostgresLedger) SetLaneForkBase(ctx context.Context, name, state string) error {
	tag, err := l.pool.Exec(ctx, `UPDATE lanes SET fork_base = $1 WHERE name = $2`, state, name)
	return checkPGRows(tag, err, "lane", name)
}

func (l *PostgresLedger) SetLaneMetadata(ctx context.Context, name string, metadata map[string]any) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	tag, err := l.pool.Exec(ctx, `UPDATE lanes SET metadata = $1 WHERE name = $2`, metadataJSON, name)
	return checkPGRows(tag, err, "lane", name)
}

func checkPGRows(tag pgconn.CommandTag, err error, kind, name string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.Newf(domain.ErrNotFound, "%s %q not found", kind, name)
	}
	return nil
}

func (l *PostgresLedger) ListLanes(ctx context.Context) ([]domain.Lane, error) {
	rows, err := l.pool.Query(ctx, `SELECT name, head_state, fork_base, created_at, metadata FROM lanes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Lane
	for rows.Next() {
		var lane domain.Lane
		var metadataJSON []byte
		if err := rows.Scan(&lane.Name, &lane.HeadState, &lane.ForkBase, &lane.CreatedAt, &metadataJSON); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &lane.Metadata)
		}
		out = append(out, lane)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) DeleteLane(ctx context.Context, name string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM lanes WHERE name = $1`, name)
	return err
}

func (l *PostgresLedger) CreateWorkspace(ctx context.Context, ws domain.Workspace) error {
	tag, err := l.pool.Exec(ctx, `INSERT INTO workspaces(name, lane, base_state, created_at, status, agent_id) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (name) DO NOTHING`,
		ws.Name, ws.Lane, ws.BaseState, ws.CreatedAt, ws.Status, ws.AgentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.Newf(domain.ErrDuplicateName, "workspace %q already exists", ws.Name)
	}
	return nil
}

func (l *PostgresLedger) GetWorkspace(ctx context.Context, name string) (domain.Workspace, error) {
	var ws domain.Workspace
	err := l.pool.QueryRow(ctx, `SELECT name, lane, base_state, created_at, status, agent_id FROM workspaces WHERE name = $1`, name).
		Scan(&ws.Name, &ws.Lane, &ws.BaseState, &ws.CreatedAt, &ws.Status, &ws.AgentID)
	if err == pgx.ErrNoRows {
		return domain.Workspace{}, domain.Newf(domain.ErrNotFound, "workspace %q not found", name)
	}
	return ws, err
}

func (l *PostgresLedger) UpdateWorkspace(ctx context.Context, ws domain.Workspace) error {
	tag, err := l.pool.Exec(ctx, `UPDATE workspaces SET lane = $1, base_state = $2, status = $3, agent_id = $4 WHERE name = $5`,
		ws.Lane, ws.BaseState, ws.Status, ws.AgentID, ws.Name)
	return checkPGRows(tag, err, "workspace", ws.Name)
}

func (l *PostgresLedger) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := l.pool.Query(ctx, `SELECT name, lane, base_state, created_at, status, agent_id FROM workspaces ORDER BY name`)
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

func (l *PostgresLedger) DeleteWorkspace(ctx context.Context, name string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM workspaces WHERE name = $1`, name)
	return err
}

func (l *PostgresLedger) History(ctx context.Context, filter HistoryFilter) ([]domain.Transition, error) {
	query := `SELECT ` + pgTransitionColumns + ` FROM transitions WHERE ($1 = '' OR lane = $1) AND ($2 = '' OR status = $2) ORDER BY created_at DESC, seq DESC`
	args := []any{filter.Lane, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		t, err := scanPGTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Trace(ctx context.Context, state string) ([]domain.Transition, error) {
	var out []domain.Transition
	current := state
	seen := make(map[string]bool)
	for current != "" {
		if seen[current] {
			break
		}
		seen[current] = true
		row := l.pool.QueryRow(ctx, `SELECT `+pgTransitionColumns+` FROM transitions WHERE to_state = $1 LIMIT 1`, current)
		if t, err := scanPGTransition(row); err == nil {
			out = append(out, t)
		} else if err != pgx.ErrNoRows {
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

func (l *PostgresLedger) Search(ctx context.Context, query string) ([]domain.Transition, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+pgTransitionColumns+` FROM transitions WHERE intent::text ILIKE $1 ORDER BY created_at DESC`, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		t, err := scanPGTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) StoreEmbedding(ctx context.Context, intentID string, vector []float32) error {
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO intent_embeddings(intent_id, vector) VALUES ($1,$2) ON CONFLICT (intent_id) DO UPDATE SET vector = excluded.vector`,
		intentID, vecJSON)
	return err
}

func (l *PostgresLedger) GetEmbedding(ctx context.Context, intentID string) ([]float32, bool, error) {
	var vecJSON []byte
	err := l.pool.QueryRow(ctx, `SELECT vector FROM intent_embeddings WHERE intent_id = $1`, intentID).Scan(&vecJSON)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var vec []float32
	if err := json.Unmarshal(vecJSON, &vec); err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (l *PostgresLedger) AllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := l.pool.Query(ctx, `SELECT intent_id, vector FROM intent_embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var vecJSON []byte
		if err := rows.Scan(&id, &vecJSON); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal(vecJSON, &vec); err != nil {
			return nil, err
		}
		out[id] = vec
	}
	return out, rows.Err()
}

func (l *PostgresLedger) LiveRoots(ctx context.Context, maxAgeDays int, now int64) ([]string, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	roots := make(map[string]bool)
	rows, err := tx.Query(ctx, `SELECT head_state, fork_base FROM lanes FOR UPDATE`)
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
	rows, err = tx.Query(ctx, `SELECT from_state, to_state, status, created_at FROM transitions FOR UPDATE`)
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
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(roots))
	for h := range roots {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (l *PostgresLedger) DeleteExpiredTransitions(ctx context.Context, maxAgeDays int, now int64) (int, error) {
	cutoff := now - int64(maxAgeDays)*86400
	tag, err := l.pool.Exec(ctx, `DELETE FROM transitions WHERE status = $1 AND created_at < $2`, domain.StatusRejected, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (l *PostgresLedger) DeleteOrphanStates(ctx context.Context, liveStates map[string]bool) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT hash FROM states`)
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
	refRows, err := l.pool.Query(ctx, `SELECT DISTINCT to_state FROM transitions`)
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
		if _, err := l.pool.Exec(ctx, `DELETE FROM states WHERE hash = $1`, h); err != nil {
			return nil, err
		}
		deleted = append(deleted, h)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (l *PostgresLedger) AllStateHashes(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT hash FROM states ORDER BY hash`)
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

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
