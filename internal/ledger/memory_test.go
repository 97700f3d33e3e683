package ledger

import (
	"context"
	"testing"

	"flanes/internal/domain"
)

func insertState(t *testing.T, ctx context.Context, l Ledger, hash string, state domain.WorldState) {
	t.Helper()
	if err := l.InsertState(ctx, hash, state); err != nil {
		t.Fatalf("InsertState: %v", err)
	}
}

func TestCreateLane_RejectsDuplicateAndInvalidNames(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	if err := l.CreateLane(ctx, "main", "", ""); err == nil {
		t.Fatal("expected an error creating a duplicate lane")
	}
	if err := l.CreateLane(ctx, "../escape", "", ""); err == nil {
		t.Fatal("expected an error for an invalid lane name")
	}
}

func TestInsertTransition_RequiresKnownStateAndLane(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if _, err := l.InsertTransition(ctx, domain.Transition{ToState: "unknown", Lane: "main"}); err == nil {
		t.Fatal("expected an error inserting a transition to an unknown state")
	}

	insertState(t, ctx, l, "s1", domain.WorldState{CreatedAt: 1})
	if _, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "no-such-lane"}); err == nil {
		t.Fatal("expected an error inserting a transition on an unknown lane")
	}

	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	id, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "main", Status: domain.StatusProposed})
	if err != nil {
		t.Fatalf("InsertTransition: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated transition id")
	}
}

func TestAcceptTransition_RefusesStaleProposal(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s0", domain.WorldState{CreatedAt: 1})
	insertState(t, ctx, l, "s1", domain.WorldState{ParentID: "s0", CreatedAt: 2})
	insertState(t, ctx, l, "s2", domain.WorldState{ParentID: "s0", CreatedAt: 2})
	if err := l.CreateLane(ctx, "main", "s0", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}

	firstID, err := l.InsertTransition(ctx, domain.Transition{FromState: "s0", ToState: "s1", Lane: "main", Status: domain.StatusProposed})
	if err != nil {
		t.Fatalf("InsertTransition first: %v", err)
	}
	secondID, err := l.InsertTransition(ctx, domain.Transition{FromState: "s0", ToState: "s2", Lane: "main", Status: domain.StatusProposed})
	if err != nil {
		t.Fatalf("InsertTransition second: %v", err)
	}

	if err := l.AcceptTransition(ctx, secondID); err != nil {
		t.Fatalf("Accept second: %v", err)
	}
	if err := l.AcceptTransition(ctx, firstID); err == nil {
		t.Fatal("expected the first transition's accept to fail as stale, since the lane head already moved")
	}

	lane, err := l.GetLane(ctx, "main")
	if err != nil {
		t.Fatalf("GetLane: %v", err)
	}
	if lane.HeadState != "s2" {
		t.Fatalf("lane head = %q, want s2", lane.HeadState)
	}
}

func TestSetTransitionStatus_EnforcesLegalTransitions(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s1", domain.WorldState{CreatedAt: 1})
	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	id, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "main", Status: domain.StatusProposed})
	if err != nil {
		t.Fatalf("InsertTransition: %v", err)
	}
	if err := l.SetTransitionStatus(ctx, id, domain.StatusRejected, nil); err != nil {
		t.Fatalf("SetTransitionStatus proposed->rejected: %v", err)
	}
	if err := l.SetTransitionStatus(ctx, id, domain.StatusAccepted, nil); err == nil {
		t.Fatal("expected an error moving a rejected transition to accepted")
	}
}

func TestUpdateCost_OnlyLegalWhileProposedOrEvaluating(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s1", domain.WorldState{CreatedAt: 1})
	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	id, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "main", Status: domain.StatusProposed})
	if err != nil {
		t.Fatalf("InsertTransition: %v", err)
	}
	if err := l.UpdateCost(ctx, id, domain.CostRecord{TokensIn: 10}); err != nil {
		t.Fatalf("UpdateCost while proposed: %v", err)
	}
	if err := l.AcceptTransition(ctx, id); err != nil {
		t.Fatalf("AcceptTransition: %v", err)
	}
	if err := l.UpdateCost(ctx, id, domain.CostRecord{TokensIn: 5}); err == nil {
		t.Fatal("expected UpdateCost to fail once the transition is accepted")
	}
	got, err := l.GetTransition(ctx, id)
	if err != nil {
		t.Fatalf("GetTransition: %v", err)
	}
	if got.Cost.TokensIn != 10 {
		t.Fatalf("cost.TokensIn = %d, want 10 (the failed update must not have applied)", got.Cost.TokensIn)
	}
}

func TestLiveRoots_ExcludesOldRejectedButKeepsRecentAndAccepted(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s0", domain.WorldState{CreatedAt: 1})
	insertState(t, ctx, l, "s1", domain.WorldState{ParentID: "s0", CreatedAt: 2})
	insertState(t, ctx, l, "s2", domain.WorldState{ParentID: "s0", CreatedAt: 2})
	if err := l.CreateLane(ctx, "main", "s0", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	acceptedID, err := l.InsertTransition(ctx, domain.Transition{FromState: "s0", ToState: "s1", Lane: "main", Status: domain.StatusProposed, CreatedAt: 100})
	if err != nil {
		t.Fatalf("InsertTransition accepted: %v", err)
	}
	if err := l.AcceptTransition(ctx, acceptedID); err != nil {
		t.Fatalf("AcceptTransition: %v", err)
	}
	rejectedID, err := l.InsertTransition(ctx, domain.Transition{FromState: "s0", ToState: "s2", Lane: "main", Status: domain.StatusProposed, CreatedAt: 100})
	if err != nil {
		t.Fatalf("InsertTransition rejected: %v", err)
	}
	if err := l.SetTransitionStatus(ctx, rejectedID, domain.StatusRejected, nil); err != nil {
		t.Fatalf("SetTransitionStatus: %v", err)
	}

	now := int64(100 + 30*86400 + 1)
	roots, err := l.LiveRoots(ctx, 1, now)
	if err != nil {
		t.Fatalf("LiveRoots: %v", err)
	}
	rootSet := make(map[string]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}
	if !rootSet["s1"] {
		t.Fatal("expected s1 (accepted, now the lane head) to be a live root")
	}
	if rootSet["s2"] {
		t.Fatal("did not expect s2 (rejected, past MaxAgeDays) to be a live root")
	}
}

func TestDeleteExpiredTransitions_RemovesOnlyOldRejected(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s1", domain.WorldState{CreatedAt: 1})
	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	id, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "main", Status: domain.StatusProposed, CreatedAt: 0})
	if err != nil {
		t.Fatalf("InsertTransition: %v", err)
	}
	if err := l.SetTransitionStatus(ctx, id, domain.StatusRejected, nil); err != nil {
		t.Fatalf("SetTransitionStatus: %v", err)
	}
	deleted, err := l.DeleteExpiredTransitions(ctx, 1, 30*86400+1)
	if err != nil {
		t.Fatalf("DeleteExpiredTransitions: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted transition, got %d", deleted)
	}
	if _, err := l.GetTransition(ctx, id); err == nil {
		t.Fatal("expected the expired transition to be gone")
	}
}

func TestDeleteOrphanStates_KeepsLiveAndReferenced(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s1", domain.WorldState{CreatedAt: 1})
	insertState(t, ctx, l, "orphan", domain.WorldState{CreatedAt: 2})
	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane: %v", err)
	}
	if _, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "main", Status: domain.StatusAccepted}); err != nil {
		t.Fatalf("InsertTransition: %v", err)
	}
	deleted, err := l.DeleteOrphanStates(ctx, map[string]bool{})
	if err != nil {
		t.Fatalf("DeleteOrphanStates: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "orphan" {
		t.Fatalf("expected only the orphan state to be deleted, got %v", deleted)
	}
	if _, err := l.GetState(ctx, "s1"); err != nil {
		t.Fatal("s1 is referenced by a transition and must survive")
	}
}

func TestHistory_FiltersByLaneAndStatus(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	insertState(t, ctx, l, "s1", domain.WorldState{CreatedAt: 1})
	insertState(t, ctx, l, "s2", domain.WorldState{CreatedAt: 1})
	if err := l.CreateLane(ctx, "main", "", ""); err != nil {
		t.Fatalf("CreateLane main: %v", err)
	}
	if err := l.CreateLane(ctx, "feature", "", ""); err != nil {
		t.Fatalf("CreateLane feature: %v", err)
	}
	if _, err := l.InsertTransition(ctx, domain.Transition{ToState: "s1", Lane: "main", Status: domain.StatusAccepted}); err != nil {
		t.Fatalf("InsertTransition main: %v", err)
	}
	if _, err := l.InsertTransition(ctx, domain.Transition{ToState: "s2", Lane: "feature", Status: domain.StatusProposed}); err != nil {
		t.Fatalf("InsertTransition feature: %v", err)
	}

	mainHistory, err := l.History(ctx, HistoryFilter{Lane: "main"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(mainHistory) != 1 || mainHistory[0].Lane != "main" {
		t.Fatalf("expected exactly one main-lane transition, got %+v", mainHistory)
	}

	accepted, err := l.History(ctx, HistoryFilter{Status: domain.StatusAccepted})
	if err != nil {
		t.Fatalf("History accepted: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Status != domain.StatusAccepted {
		t.Fatalf("expected exactly one accepted transition, got %+v", accepted)
	}
}

func TestEmbeddings_StoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if _, ok, err := l.GetEmbedding(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected a miss for an unstored intent, got ok=%v err=%v", ok, err)
	}
	if err := l.StoreEmbedding(ctx, "intent-1", []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("StoreEmbedding: %v", err)
	}
	got, ok, err := l.GetEmbedding(ctx, "intent-1")
	if err != nil || !ok {
		t.Fatalf("expected a hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3-dimensional vector back, got %v", got)
	}
}
