// Package repo implements the repository core: it orchestrates the
// content-addressed store, the metadata ledger, and the workspace manager
// through checkpoint/propose/evaluate/accept/reject, promotion across
// lanes, lineage queries, budget enforcement, and search.
package repo

import (
	"context"
	"log/slog"
	"time"

	"flanes/internal/cas"
	"flanes/internal/domain"
	"flanes/internal/ledger"
	"flanes/internal/observability"
	"flanes/internal/workspace"

	"github.com/google/uuid"
)

// Clock lets tests substitute a deterministic time source; production code
// uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Repository is a handle encapsulating one repository's store, ledger,
// workspace manager and configuration. It holds no process-wide singleton
// state; a process may open multiple handles to distinct repositories, each
// independently closeable.
type Repository struct {
	Store   cas.Store
	Ledger  ledger.Ledger
	Manager *workspace.Manager
	Config  Config
	Root    string

	clock Clock
	log   *slog.Logger
}

// Option configures a Repository at Open time.
type Option func(*Repository)

// WithClock overrides the time source, for deterministic tests.
func WithClock(c Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithLogger overrides the structured logger used for operator-facing
// events (checkpoint proposals, accepts, rejects, budget warnings).
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// Open constructs a Repository handle over an already-opened store and
// ledger. Backend selection and connection sharing between the CAS and the
// ledger happens one layer up, in cmd or a small combined-open helper; this
// constructor only wires the pieces together and applies config defaults.
func Open(root string, store cas.Store, led ledger.Ledger, cfg Config) (*Repository, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Repository{
		Store:   store,
		Ledger:  led,
		Manager: workspace.NewManager(store),
		Config:  cfg,
		Root:    root,
		clock:   realClock{},
		log:     slog.Default(),
	}
	return r, nil
}

// Close releases the store and ledger.
func (r *Repository) Close() error {
	if err := r.Ledger.Close(); err != nil {
		return err
	}
	return r.Store.Close()
}

// CheckpointOptions parameterizes Checkpoint.
type CheckpointOptions struct {
	Workspace  string
	Prompt     string
	Agent      domain.AgentIdentity
	Tags       []string
	ContextRefs []string
	Metadata   map[string]any
	AutoAccept bool
	Evaluator  Evaluator
}

// CheckpointResult reports what Checkpoint did.
type CheckpointResult struct {
	Transition domain.Transition
	NoChange   bool
}

// Checkpoint snapshots the workspace, and if the snapshot's root tree
// differs from the lane head's (an empty workspace at an empty lane head
// counts as unchanged), records the state in the ledger and proposes a
// transition (optionally auto-accepting it), per spec.md 4.4.
func (r *Repository) Checkpoint(ctx context.Context, opts CheckpointOptions) (result CheckpointResult, err error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint")
	start := r.clock.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.Observe("checkpoint", outcome, r.clock.Now().Sub(start).Seconds())
		span.End()
	}()

	ws, err := r.Ledger.GetWorkspace(ctx, opts.Workspace)
	if err != nil {
		return CheckpointResult{}, err
	}
	dir := r.workspaceDir(ws)

	if dirty, target, err := workspace.IsDirty(dir); err != nil {
		return CheckpointResult{}, err
	} else if dirty {
		return CheckpointResult{}, domain.Newf(domain.ErrDirtyWorkspace, "workspace %q has an unresolved dirty marker targeting %q", opts.Workspace, target)
	}

	lock, err := workspace.AcquireLock(ctx, r.workspaceDescriptorPath(ws.Name), workspace.DefaultLockTimeout)
	if err != nil {
		return CheckpointResult{}, err
	}
	defer lock.Release()

	lane, err := r.Ledger.GetLane(ctx, ws.Lane)
	if err != nil {
		return CheckpointResult{}, err
	}

	childState, err := r.Manager.Snapshot(ctx, dir, lane.HeadState, r.clock.Now())
	if err != nil {
		return CheckpointResult{}, err
	}

	child, err := r.Store.GetState(ctx, childState)
	if err != nil {
		return CheckpointResult{}, err
	}
	headTree, err := r.rootTreeOf(ctx, lane.HeadState)
	if err != nil {
		return CheckpointResult{}, err
	}
	childEntries, err := r.Store.GetTree(ctx, child.RootTree)
	if err != nil {
		return CheckpointResult{}, err
	}
	if child.RootTree == headTree || (headTree == "" && len(childEntries) == 0) {
		return CheckpointResult{NoChange: true}, nil
	}

	if err := r.checkBudget(ctx, lane); err != nil {
		return CheckpointResult{}, err
	}
	if err := r.Ledger.InsertState(ctx, childState, child); err != nil {
		return CheckpointResult{}, err
	}

	intent := domain.Intent{
		ID:          uuid.NewString(),
		Prompt:      opts.Prompt,
		Agent:       opts.Agent,
		Tags:        opts.Tags,
		ContextRefs: opts.ContextRefs,
		Metadata:    opts.Metadata,
		CreatedAt:   r.clock.Now().Unix(),
	}
	t := domain.Transition{
		ID:        uuid.NewString(),
		FromState: lane.HeadState,
		ToState:   childState,
		Lane:      lane.Name,
		Intent:    intent,
		Status:    domain.StatusProposed,
		CreatedAt: r.clock.Now().Unix(),
	}
	id, err := r.Ledger.InsertTransition(ctx, t)
	if err != nil {
		return CheckpointResult{}, err
	}
	t.ID = id

	if !opts.AutoAccept {
		r.log.InfoContext(ctx, "checkpoint proposed", "transition", t.ID, "lane", t.Lane, "to_state", t.ToState)
		return CheckpointResult{Transition: t}, nil
	}

	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = r.evaluatorFromConfig(dir)
	}
	evalResult, err := r.Evaluate(ctx, t.ID, evaluator)
	if err != nil {
		return CheckpointResult{}, err
	}
	if evalResult.Passed {
		if err := r.Accept(ctx, t.ID); err != nil {
			return CheckpointResult{}, err
		}
		t.Status = domain.StatusAccepted
	} else {
		if err := r.Reject(ctx, t.ID, &evalResult); err != nil {
			return CheckpointResult{}, err
		}
		t.Status = domain.StatusRejected
	}
	t.EvalSummary = &evalResult
	return CheckpointResult{Transition: t}, nil
}

// Evaluate moves a proposed transition to the "evaluating" state, runs
// evaluator against it, and returns the result without mutating
// accept/reject state. The summary is not stored on the transition here;
// Reject stores the summary it is given.
func (r *Repository) Evaluate(ctx context.Context, transitionID string, evaluator Evaluator) (domain.EvaluationResult, error) {
	t, err := r.Ledger.GetTransition(ctx, transitionID)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	if t.Status == domain.StatusProposed {
		if err := r.Ledger.SetTransitionStatus(ctx, transitionID, domain.StatusEvaluating, nil); err != nil {
			return domain.EvaluationResult{}, err
		}
	}
	if evaluator == nil {
		return domain.EvaluationResult{Passed: true}, nil
	}
	start := r.clock.Now()
	checks, err := evaluator.Evaluate(ctx, t)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	passed := true
	for _, c := range checks {
		if c.Required && !c.Passed {
			passed = false
		}
	}
	return domain.EvaluationResult{
		Checks:     checks,
		Passed:     passed,
		DurationMS: r.clock.Now().Sub(start).Milliseconds(),
	}, nil
}

// Accept atomically advances the transition's lane head, refusing with
// StaleProposal if the lane head has moved since the transition was
// proposed.
func (r *Repository) Accept(ctx context.Context, transitionID string) error {
	ctx, span := observability.StartSpan(ctx, "accept")
	defer span.End()
	start := r.clock.Now()
	if err := r.Ledger.AcceptTransition(ctx, transitionID); err != nil {
		observability.Observe("accept", "error", r.clock.Now().Sub(start).Seconds())
		return err
	}
	observability.Observe("accept", "ok", r.clock.Now().Sub(start).Seconds())
	r.log.InfoContext(ctx, "transition accepted", "transition", transitionID)
	return nil
}

// Reject marks the transition rejected, capturing an optional evaluation
// summary.
func (r *Repository) Reject(ctx context.Context, transitionID string, summary *domain.EvaluationResult) error {
	ctx, span := observability.StartSpan(ctx, "reject")
	defer span.End()
	start := r.clock.Now()
	if err := r.Ledger.SetTransitionStatus(ctx, transitionID, domain.StatusRejected, summary); err != nil {
		observability.Observe("reject", "error", r.clock.Now().Sub(start).Seconds())
		return err
	}
	observability.Observe("reject", "ok", r.clock.Now().Sub(start).Seconds())
	r.log.InfoContext(ctx, "transition rejected", "transition", transitionID)
	return nil
}

func (r *Repository) workspaceDir(ws domain.Workspace) string {
	if ws.Name == domain.MainWorkspace {
		return r.Root
	}
	return r.Root + "/.state/workspaces/" + ws.Name
}

func (r *Repository) workspaceDescriptorPath(name string) string {
	if name == domain.MainWorkspace {
		return r.Root + "/.state/main.json"
	}
	return r.Root + "/.state/workspaces/" + name + ".json"
}
