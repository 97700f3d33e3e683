// Package domain defines the world-state data model shared by the content
// store, the ledger, the workspace manager, and the repository core: blobs,
// trees, world states, intents, cost records, transitions, lanes, and
// workspaces.
package domain

import "regexp"

// EntryKind distinguishes a tree entry pointing at a blob from one pointing
// at a nested tree.
type EntryKind string

const (
	EntryBlob EntryKind = "blob"
	EntryTree EntryKind = "tree"
)

// TreeEntry is one row of a Tree: a name, the kind of object it references,
// its content hash, and its POSIX-style mode bits.
type TreeEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
	Hash string    `json:"hash"`
	Mode uint32    `json:"mode"`
}

// Tree is an ordered, name-sorted, duplicate-free listing of entries. Its
// hash is SHA-256 over its canonical JSON encoding.
type Tree struct {
	Entries []TreeEntry `json:"entries"`
}

// WorldState is the unit of versioning: a root tree plus an optional parent
// pointer and a creation timestamp. Its id is SHA-256 over its canonical
// JSON encoding, so two states with identical fields collide by design
// (idempotent snapshot of unchanged content).
type WorldState struct {
	RootTree  string `json:"root_tree"`
	ParentID  string `json:"parent_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Nonce     string `json:"nonce,omitempty"`
}

// TransitionStatus enumerates the lifecycle of a Transition.
type TransitionStatus string

const (
	StatusProposed   TransitionStatus = "proposed"
	StatusEvaluating TransitionStatus = "evaluating"
	StatusAccepted   TransitionStatus = "accepted"
	StatusRejected   TransitionStatus = "rejected"
	StatusSuperseded TransitionStatus = "superseded"
)

// legalTransitions enumerates the status graph: proposed -> evaluating ->
// {accepted, rejected}; proposed can also go straight to accepted/rejected
// when a caller skips explicit evaluation; accepted can later become
// superseded (reserved for an out-of-scope git-import adapter; this module
// never produces that edge itself, see DESIGN.md).
var legalTransitions = map[TransitionStatus]map[TransitionStatus]bool{
	StatusProposed: {
		StatusEvaluating: true,
		StatusAccepted:   true,
		StatusRejected:   true,
	},
	StatusEvaluating: {
		StatusAccepted: true,
		StatusRejected: true,
	},
	StatusAccepted: {
		StatusSuperseded: true,
	},
	StatusRejected:   {},
	StatusSuperseded: {},
}

// LegalStatusChange reports whether from -> to is a permitted edge in the
// transition lifecycle graph.
func LegalStatusChange(from, to TransitionStatus) bool {
	if from == to {
		return false
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AgentIdentity names the actor that produced an Intent: an agent id, its
// type (a free-form label such as "coding-agent" or "human"), and an
// optional model identifier and session grouping key.
type AgentIdentity struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Intent carries the "why" behind a change: a prompt, the identity of the
// agent that produced it, free-form tags, references to context objects
// already in the store, and opaque metadata.
type Intent struct {
	ID          string         `json:"id"`
	Prompt      string         `json:"prompt"`
	Agent       AgentIdentity  `json:"agent"`
	Tags        []string       `json:"tags,omitempty"`
	ContextRefs []string       `json:"context_refs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// CostRecord accrues resource consumption attributed to a transition. It is
// additively updatable only while the owning transition is proposed or
// evaluating.
type CostRecord struct {
	TokensIn   int64 `json:"tokens_in"`
	TokensOut  int64 `json:"tokens_out"`
	APICalls   int64 `json:"api_calls"`
	WallTimeMS int64 `json:"wall_time_ms"`
}

// Add returns the element-wise sum of two cost records.
func (c CostRecord) Add(delta CostRecord) CostRecord {
	return CostRecord{
		TokensIn:   c.TokensIn + delta.TokensIn,
		TokensOut:  c.TokensOut + delta.TokensOut,
		APICalls:   c.APICalls + delta.APICalls,
		WallTimeMS: c.WallTimeMS + delta.WallTimeMS,
	}
}

// EvaluationResult is the outcome of running a transition's configured
// evaluators: a per-evaluator check map plus overall pass/fail and timing.
type EvaluationResult struct {
	Checks    []EvaluationCheck `json:"checks"`
	Passed    bool              `json:"passed"`
	DurationMS int64            `json:"duration_ms"`
}

// EvaluationCheck is one evaluator's verdict.
type EvaluationCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
}

// Transition records a proposed or realized move between two world states
// on a lane, together with the intent behind it and its accrued cost.
type Transition struct {
	ID           string            `json:"id"`
	FromState    string            `json:"from_state,omitempty"`
	ToState      string            `json:"to_state"`
	Lane         string            `json:"lane"`
	Intent       Intent            `json:"intent"`
	Cost         CostRecord        `json:"cost"`
	Status       TransitionStatus  `json:"status"`
	CreatedAt    int64             `json:"created_at"`
	EvalSummary  *EvaluationResult `json:"eval_summary,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

// Lane is a named, append-only chain of accepted world states.
type Lane struct {
	Name      string         `json:"name"`
	HeadState string         `json:"head_state,omitempty"`
	ForkBase  string         `json:"fork_base,omitempty"`
	CreatedAt int64          `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WorkspaceStatus enumerates the lifecycle a workspace directory moves
// through.
type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "active"
	WorkspaceIdle     WorkspaceStatus = "idle"
	WorkspaceStale    WorkspaceStatus = "stale"
	WorkspaceDisposed WorkspaceStatus = "disposed"
)

// Workspace describes a materialized working directory: the lane it tracks,
// the state it was last materialized from, and its lifecycle status. The
// "main" workspace maps to the repository root; all others live under
// .state/workspaces/<name>/.
type Workspace struct {
	Name      string          `json:"name"`
	Lane      string          `json:"lane"`
	BaseState string          `json:"base_state,omitempty"`
	CreatedAt int64           `json:"created_at"`
	Status    WorkspaceStatus `json:"status"`
	AgentID   string          `json:"agent_id,omitempty"`
}

// MainWorkspace is the reserved name mapping to the repository root.
const MainWorkspace = "main"

// NamePattern is the validation regex shared by lane and workspace names:
// alphanumeric start, then alphanumerics, dots, underscores, and hyphens.
// No slashes are ever legal in a name.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
