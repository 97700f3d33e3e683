package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"flanes/internal/domain"
)

// MemoryLedger is an in-process, non-durable Ledger, mirroring MemoryStore's
// role for the CAS: tests and ephemeral repositories.
type MemoryLedger struct {
	mu          sync.Mutex
	states      map[string]domain.WorldState
	transitions map[string]domain.Transition
	order       []string // transition ids in insertion order, for stable History
	lanes       map[string]domain.Lane
	workspaces  map[string]domain.Workspace
	embeddings  map[string][]float32
}

// NewMemoryLedger constructs an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		states:      make(map[string]domain.WorldState),
		transitions: make(map[string]domain.Transition),
		lanes:       make(map[string]domain.Lane),
		workspaces:  make(map[string]domain.Workspace),
		embeddings:  make(map[string][]float32),
	}
}

func (l *MemoryLedger) InsertState(ctx context.Context, hash string, state domain.WorldState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.states[hash]; !exists {
		l.states[hash] = state
	}
	return nil
}

func (l *MemoryLedger) GetState(ctx context.Context, hash string) (domain.WorldState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[hash]
	if !ok {
		return domain.WorldState{}, domain.Newf(domain.ErrNotFound, "state %s not found in ledger", hash)
	}
	return s, nil
}

func (l *MemoryLedger) InsertTransition(ctx context.Context, t domain.Transition) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.states[t.ToState]; !ok {
		return "", domain.Newf(domain.ErrNotFound, "transition to_state %s does not exist", t.ToState)
	}
	if _, ok := l.lanes[t.Lane]; !ok {
		return "", domain.Newf(domain.ErrNotFound, "lane %q does not exist", t.Lane)
	}
	if t.ID == "" {
		t.ID = domain.NewID()
	}
	l.transitions[t.ID] = t
	l.order = append(l.order, t.ID)
	return t.ID, nil
}

func (l *MemoryLedger) GetTransition(ctx context.Context, id string) (domain.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transitions[id]
	if !ok {
		return domain.Transition{}, domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	}
	return t, nil
}

func (l *MemoryLedger) SetTransitionStatus(ctx context.Context, id string, status domain.TransitionStatus, summary *domain.EvaluationResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transitions[id]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	}
	if !domain.LegalStatusChange(t.Status, status) {
		return domain.Newf(domain.ErrIllegalTransition, "cannot move transition %s from %s to %s", id, t.Status, status)
	}
	t.Status = status
	if summary != nil {
		t.EvalSummary = summary
	}
	l.transitions[id] = t
	return nil
}

func (l *MemoryLedger) AcceptTransition(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transitions[id]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	}
	if !domain.LegalStatusChange(t.Status, domain.StatusAccepted) {
		return domain.Newf(domain.ErrIllegalTransition, "cannot accept transition %s from status %s", id, t.Status)
	}
	lane, ok := l.lanes[t.Lane]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "lane %q does not exist", t.Lane)
	}
	if lane.HeadState != t.FromState {
		return domain.Newf(domain.ErrStaleProposal, "lane %q head is %s, transition expected %s", t.Lane, lane.HeadState, t.FromState)
	}
	t.Status = domain.StatusAccepted
	l.transitions[id] = t
	lane.HeadState = t.ToState
	l.lanes[t.Lane] = lane
	return nil
}

func (l *MemoryLedger) UpdateCost(ctx context.Context, id string, delta domain.CostRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transitions[id]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "transition %s not found", id)
	}
	if t.Status != domain.StatusProposed && t.Status != domain.StatusEvaluating {
		return domain.Newf(domain.ErrIllegalTransition, "cannot update cost of transition %s in status %s", id, t.Status)
	}
	t.Cost = t.Cost.Add(delta)
	l.transitions[id] = t
	return nil
}

func (l *MemoryLedger) CreateLane(ctx context.Context, name, head, forkBase string) error {
	if err := domain.ValidateName(domain.NameKindLane, name); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.lanes[name]; exists {
		return domain.Newf(domain.ErrDuplicateName, "lane %q already exists", name)
	}
	l.lanes[name] = domain.Lane{Name: name, HeadState: head, ForkBase: forkBase}
	return nil
}

func (l *MemoryLedger) GetLane(ctx context.Context, name string) (domain.Lane, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[name]
	if !ok {
		return domain.Lane{}, domain.Newf(domain.ErrNotFound, "lane %q not found", name)
	}
	return lane, nil
}

func (l *MemoryLedger) SetLaneHead(ctx context.Context, name, state string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[name]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "lane %q not found", name)
	}
	lane.HeadState = state
	l.lanes[name] = lane
	return nil
}

func (l *MemoryLedger) SetLaneForkBase(ctx context.Context, name, state string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[name]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "lane %q not found", name)
	}
	lane.ForkBase = state
	l.lanes[name] = lane
	return nil
}

func (l *MemoryLedger) SetLaneMetadata(ctx context.Context, name string, metadata map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[name]
	if !ok {
		return domain.Newf(domain.ErrNotFound, "lane %q not found", name)
	}
	lane.Metadata = metadata
	l.lanes[name] = lane
	return nil
}

func (l *MemoryLedger) ListLanes(ctx context.Context) ([]domain.Lane, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Lane, 0, len(l.lanes))
	for _, lane := range l.lanes {
		out = append(out, lane)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *MemoryLedger) DeleteLane(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lanes, name)
	return nil
}

func (l *MemoryLedger) CreateWorkspace(ctx context.Context, ws domain.Workspace) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.workspaces[ws.Name]; exists {
		return domain.Newf(domain.ErrDuplicateName, "workspace %q already exists", ws.Name)
	}
	l.workspaces[ws.Name] = ws
	return nil
}

func (l *MemoryLedger) GetWorkspace(ctx context.Context, name string) (domain.Workspace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws, ok := l.workspaces[name]
	if !ok {
		return domain.Workspace{}, domain.Newf(domain.ErrNotFound, "workspace %q not found", name)
	}
	return ws, nil
}

func (l *MemoryLedger) UpdateWorkspace(ctx context.Context, ws domain.Workspace) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workspaces[ws.Name]; !ok {
		return domain.Newf(domain.ErrNotFound, "workspace %q not found", ws.Name)
	}
	l.workspaces[ws.Name] = ws
	return nil
}

func (l *MemoryLedger) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Workspace, 0, len(l.workspaces))
	for _, ws := range l.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *MemoryLedger) DeleteWorkspace(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.workspaces, name)
	return nil
}

func (l *MemoryLedger) History(ctx context.Context, filter HistoryFilter) ([]domain.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Transition
	for i := len(l.order) - 1; i >= 0; i-- {
		t := l.transitions[l.order[i]]
		if filter.Lane != "" && t.Lane != filter.Lane {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) Trace(ctx context.Context, state string) ([]domain.Transition, error) {
	l.mu.Lock()
	byToState := make(map[string]domain.Transition, len(l.transitions))
	for _, t := range l.transitions {
		byToState[t.ToState] = t
	}
	l.mu.Unlock()

	var out []domain.Transition
	current := state
	seen := make(map[string]bool)
	for current != "" {
		if seen[current] {
			break // acyclic by construction; guards against a corrupted ledger
		}
		seen[current] = true
		if t, ok := byToState[current]; ok {
			out = append(out, t)
		}
		st, err := l.GetState(ctx, current)
		if err != nil {
			break
		}
		current = st.ParentID
	}
	return out, nil
}

func (l *MemoryLedger) Search(ctx context.Context, query string) ([]domain.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := strings.ToLower(query)
	var out []domain.Transition
	for i := len(l.order) - 1; i >= 0; i-- {
		t := l.transitions[l.order[i]]
		if strings.Contains(strings.ToLower(t.Intent.Prompt), q) ||
			strings.Contains(strings.ToLower(t.Intent.Agent.AgentID), q) {
			out = append(out, t)
			continue
		}
		for _, tag := range t.Intent.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (l *MemoryLedger) StoreEmbedding(ctx context.Context, intentID string, vector []float32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.embeddings[intentID] = vector
	return nil
}

func (l *MemoryLedger) GetEmbedding(ctx context.Context, intentID string) ([]float32, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.embeddings[intentID]
	return v, ok, nil
}

func (l *MemoryLedger) AllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]float32, len(l.embeddings))
	for k, v := range l.embeddings {
		out[k] = v
	}
	return out, nil
}

func (l *MemoryLedger) LiveRoots(ctx context.Context, maxAgeDays int, now int64) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	roots := make(map[string]bool)
	for _, lane := range l.lanes {
		if lane.HeadState != "" {
			roots[lane.HeadState] = true
		}
		if lane.ForkBase != "" {
			roots[lane.ForkBase] = true
		}
	}
	cutoff := now - int64(maxAgeDays)*86400
	for _, t := range l.transitions {
		if t.Status != domain.StatusRejected {
			roots[t.ToState] = true
			if t.FromState != "" {
				roots[t.FromState] = true
			}
			continue
		}
		if t.CreatedAt >= cutoff {
			roots[t.ToState] = true
			if t.FromState != "" {
				roots[t.FromState] = true
			}
		}
	}
	out := make([]string, 0, len(roots))
	for h := range roots {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLedger) DeleteExpiredTransitions(ctx context.Context, maxAgeDays int, now int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now - int64(maxAgeDays)*86400
	deleted := 0
	keep := l.order[:0:0]
	for _, id := range l.order {
		t := l.transitions[id]
		if t.Status == domain.StatusRejected && t.CreatedAt < cutoff {
			delete(l.transitions, id)
			deleted++
			continue
		}
		keep = append(keep, id)
	}
	l.order = keep
	return deleted, nil
}

func (l *MemoryLedger) DeleteOrphanStates(ctx context.Context, liveStates map[string]bool) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	referenced := make(map[string]bool, len(l.transitions))
	for _, t := range l.transitions {
		referenced[t.ToState] = true
	}
	var deleted []string
	for hash := range l.states {
		if liveStates[hash] || referenced[hash] {
			continue
		}
		delete(l.states, hash)
		deleted = append(deleted, hash)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (l *MemoryLedger) AllStateHashes(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.states))
	for h := range l.states {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }
