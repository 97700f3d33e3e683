// Package ledger implements the durable metadata store: world states,
// transitions, intents, lanes, and workspace descriptors, with a
// transactional interface for the multi-row updates the repository core
// needs (accept: set status, set lane head).
package ledger

import (
	"context"

	"flanes/internal/domain"
)

// Driver identifies a concrete ledger backend implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// HistoryFilter narrows a History query.
type HistoryFilter struct {
	Lane   string
	Limit  int
	Status domain.TransitionStatus // zero value means "any"
}

// Ledger is the metadata store contract. Single-writer discipline is
// implemented by each backend (one pooled connection with deferred
// transactions on sqlite, SELECT ... FOR UPDATE on Postgres, a mutex on the
// in-memory backend); callers never see partial multi-row updates.
type Ledger interface {
	InsertState(ctx context.Context, hash string, state domain.WorldState) error
	GetState(ctx context.Context, hash string) (domain.WorldState, error)

	// InsertTransition validates that ToState exists in states and Lane
	// exists before committing, then returns the transition's id.
	InsertTransition(ctx context.Context, t domain.Transition) (string, error)
	GetTransition(ctx context.Context, id string) (domain.Transition, error)
	// SetTransitionStatus enforces domain.LegalStatusChange and updates only
	// the transition row (status and, when non-nil, the summary); it never
	// moves a lane head, even for StatusAccepted. AcceptTransition is the
	// path that advances the head.
	SetTransitionStatus(ctx context.Context, id string, status domain.TransitionStatus, summary *domain.EvaluationResult) error
	// AcceptTransition is the atomic accept path: it checks
	// lane.head_state == transition.from_state at commit (refusing with a
	// StaleProposal error otherwise), sets status to accepted, and advances
	// the lane head, all under one transaction.
	AcceptTransition(ctx context.Context, id string) error
	// UpdateCost adds delta to the transition's cost record. Only legal
	// while the transition's status is proposed or evaluating.
	UpdateCost(ctx context.Context, id string, delta domain.CostRecord) error

	CreateLane(ctx context.Context, name, head, forkBase string) error
	GetLane(ctx context.Context, name string) (domain.Lane, error)
	SetLaneHead(ctx context.Context, name, state string) error
	SetLaneForkBase(ctx context.Context, name, state string) error
	SetLaneMetadata(ctx context.Context, name string, metadata map[string]any) error
	ListLanes(ctx context.Context) ([]domain.Lane, error)
	DeleteLane(ctx context.Context, name string) error

	CreateWorkspace(ctx context.Context, ws domain.Workspace) error
	GetWorkspace(ctx context.Context, name string) (domain.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws domain.Workspace) error
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)
	DeleteWorkspace(ctx context.Context, name string) error

	// History returns transitions matching filter, most recent first.
	History(ctx context.Context, filter HistoryFilter) ([]domain.Transition, error)
	// Trace walks parent_id from state, emitting the transition whose
	// to_state equals each visited node, from state back to genesis.
	Trace(ctx context.Context, state string) ([]domain.Transition, error)
	// Search does a substring match over prompt/tags/agent identity.
	Search(ctx context.Context, query string) ([]domain.Transition, error)

	// StoreEmbedding/GetEmbedding/AllEmbeddings back the optional semantic
	// search layer an external embedding client can build on top of Search.
	StoreEmbedding(ctx context.Context, intentID string, vector []float32) error
	GetEmbedding(ctx context.Context, intentID string) ([]float32, bool, error)
	AllEmbeddings(ctx context.Context) (map[string][]float32, error)

	// LiveRoots returns every state hash a mark-and-sweep GC must treat as a
	// root: every lane's head_state and fork_base, plus the from/to states of
	// every non-rejected transition, plus the from/to states of transitions
	// rejected within maxAgeDays (spec.md 4.5's mark phase seed set).
	LiveRoots(ctx context.Context, maxAgeDays int, now int64) ([]string, error)
	// DeleteExpiredTransitions deletes rejected transitions older than
	// maxAgeDays and reports how many were removed.
	DeleteExpiredTransitions(ctx context.Context, maxAgeDays int, now int64) (int, error)
	// DeleteOrphanStates deletes states not present in liveStates and not
	// referenced by any surviving transition, returning the deleted hashes.
	DeleteOrphanStates(ctx context.Context, liveStates map[string]bool) ([]string, error)
	// AllStateHashes lists every stored state hash, for GC's sweep.
	AllStateHashes(ctx context.Context) ([]string, error)

	Close() error
}
