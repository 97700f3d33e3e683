package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flanes/internal/cas"
	"flanes/internal/domain"
	"flanes/internal/ledger"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".state"), 0o755); err != nil {
		t.Fatalf("mkdir .state: %v", err)
	}
	store := cas.NewMemoryStore(cas.Limits{})
	led := ledger.NewMemoryLedger()
	r, err := Open(root, store, led, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.clock = fixedClock{t: time.Unix(1700000000, 0)}
	if err := led.CreateLane(context.Background(), domain.MainWorkspace, "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	if err := led.CreateWorkspace(context.Background(), domain.Workspace{
		Name:   domain.MainWorkspace,
		Lane:   domain.MainWorkspace,
		Status: domain.WorkspaceActive,
	}); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	return r
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCheckpoint_ProposesTransitionOnChange(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	writeFile(t, r.Root, "hello.txt", "hi")

	result, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "add hello"})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if result.NoChange {
		t.Fatal("expected a change, got NoChange")
	}
	if result.Transition.Status != domain.StatusProposed {
		t.Fatalf("got status %v, want proposed", result.Transition.Status)
	}
}

func TestCheckpoint_NoChangeShortCircuits(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	result, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "empty snapshot"})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !result.NoChange {
		t.Fatal("expected NoChange for an empty workspace at empty lane head")
	}
}

func TestCheckpoint_AutoAcceptAdvancesLaneHead(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	writeFile(t, r.Root, "a.txt", "one")

	result, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "add a", AutoAccept: true})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if result.Transition.Status != domain.StatusAccepted {
		t.Fatalf("got status %v, want accepted", result.Transition.Status)
	}
	lane, err := r.Ledger.GetLane(ctx, domain.MainWorkspace)
	if err != nil {
		t.Fatalf("GetLane: %v", err)
	}
	if lane.HeadState != result.Transition.ToState {
		t.Fatalf("lane head %q, want %q", lane.HeadState, result.Transition.ToState)
	}
}

func TestAccept_RefusesStaleProposal(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	writeFile(t, r.Root, "a.txt", "one")
	first, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "first"})
	if err != nil {
		t.Fatalf("Checkpoint 1: %v", err)
	}

	writeFile(t, r.Root, "b.txt", "two")
	second, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "second", AutoAccept: true})
	if err != nil {
		t.Fatalf("Checkpoint 2: %v", err)
	}
	if second.Transition.Status != domain.StatusAccepted {
		t.Fatalf("second checkpoint should auto-accept cleanly, got %v", second.Transition.Status)
	}

	if err := r.Accept(ctx, first.Transition.ID); err == nil {
		t.Fatal("expected stale-proposal error accepting an outdated transition")
	}
}

func TestPromote_CleanFastForward(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	if err := r.Ledger.CreateLane(ctx, "feature", "", ""); err != nil {
		t.Fatalf("CreateLane feature: %v", err)
	}
	if err := r.Ledger.CreateWorkspace(ctx, domain.Workspace{Name: "feature", Lane: "feature", Status: domain.WorkspaceActive}); err != nil {
		t.Fatalf("CreateWorkspace feature: %v", err)
	}
	featureDir := filepath.Join(r.Root, ".state", "workspaces", "feature")
	writeFile(t, featureDir, "new.txt", "content")

	if _, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: "feature", Prompt: "add new.txt", AutoAccept: true}); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	result, err := r.Promote(ctx, PromoteOptions{SourceWorkspace: "feature", TargetLane: domain.MainWorkspace})
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", result.Conflicts)
	}
	if result.NewHead == "" {
		t.Fatal("expected a new head state")
	}
	mainLane, err := r.Ledger.GetLane(ctx, domain.MainWorkspace)
	if err != nil {
		t.Fatalf("GetLane main: %v", err)
	}
	if mainLane.HeadState != result.NewHead {
		t.Fatalf("main lane head %q, want %q", mainLane.HeadState, result.NewHead)
	}
}

func TestPromote_ConflictWithoutForceLeavesTargetUnchanged(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	writeFile(t, r.Root, "shared.txt", "base")
	if _, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "base", AutoAccept: true}); err != nil {
		t.Fatalf("base checkpoint: %v", err)
	}
	mainLane, err := r.Ledger.GetLane(ctx, domain.MainWorkspace)
	if err != nil {
		t.Fatalf("GetLane: %v", err)
	}

	if err := r.Ledger.CreateLane(ctx, "feature", mainLane.HeadState, mainLane.HeadState); err != nil {
		t.Fatalf("CreateLane feature: %v", err)
	}
	if err := r.Ledger.CreateWorkspace(ctx, domain.Workspace{Name: "feature", Lane: "feature", Status: domain.WorkspaceActive}); err != nil {
		t.Fatalf("CreateWorkspace feature: %v", err)
	}
	featureDir := filepath.Join(r.Root, ".state", "workspaces", "feature")
	writeFile(t, featureDir, "shared.txt", "from feature")
	if _, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: "feature", Prompt: "change shared", AutoAccept: true}); err != nil {
		t.Fatalf("feature checkpoint: %v", err)
	}

	writeFile(t, r.Root, "shared.txt", "from main")
	if _, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "change shared on main", AutoAccept: true}); err != nil {
		t.Fatalf("main checkpoint: %v", err)
	}
	preHead, err := r.Ledger.GetLane(ctx, domain.MainWorkspace)
	if err != nil {
		t.Fatalf("GetLane: %v", err)
	}

	result, err := r.Promote(ctx, PromoteOptions{SourceWorkspace: "feature", TargetLane: domain.MainWorkspace})
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", result.Conflicts)
	}
	postHead, err := r.Ledger.GetLane(ctx, domain.MainWorkspace)
	if err != nil {
		t.Fatalf("GetLane: %v", err)
	}
	if postHead.HeadState != preHead.HeadState {
		t.Fatal("main lane head must not move when promote refuses on conflict")
	}
}

func TestBudget_ExceededRefusesCheckpoint(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if err := r.Ledger.SetLaneMetadata(ctx, domain.MainWorkspace, map[string]any{
		"budget": map[string]any{"tokens_in": int64(10)},
	}); err != nil {
		t.Fatalf("SetLaneMetadata: %v", err)
	}

	writeFile(t, r.Root, "a.txt", "one")
	first, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "first"})
	if err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	if err := r.Ledger.UpdateCost(ctx, first.Transition.ID, domain.CostRecord{TokensIn: 20}); err != nil {
		t.Fatalf("UpdateCost: %v", err)
	}
	if err := r.Accept(ctx, first.Transition.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	writeFile(t, r.Root, "b.txt", "two")
	if _, err := r.Checkpoint(ctx, CheckpointOptions{Workspace: domain.MainWorkspace, Prompt: "second"}); err == nil {
		t.Fatal("expected budget-exceeded error on second checkpoint")
	}
}
