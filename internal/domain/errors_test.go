package domain

import (
	"errors"
	"testing"
)

func TestError_IsMatchesSameSentinelRegardlessOfMessage(t *testing.T) {
	a := Newf(ErrNotFound, "state %s not found", "deadbeef")
	if !errors.Is(a, ErrNotFound) {
		t.Fatal("expected errors.Is to match against the sentinel by Code")
	}
	if errors.Is(a, ErrBudgetExceeded) {
		t.Fatal("did not expect a match against an unrelated sentinel")
	}
}

func TestError_WrapPreservesCauseAndKind(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(ErrCanceled, cause, "")
	if !errors.Is(wrapped, ErrCanceled) {
		t.Fatal("expected the wrapped error to still match its sentinel")
	}
	if errors.Unwrap(wrapped) != cause {
		t.Fatal("expected Unwrap to return the wrapped cause")
	}
}

func TestError_WithFieldCopiesRatherThanMutates(t *testing.T) {
	base := Newf(ErrBudgetExceeded, "lane %q exceeded budget", "main")
	withField := base.WithField("tokens_in", int64(500))
	if len(base.Fields) != 0 {
		t.Fatal("WithField must not mutate the receiver")
	}
	if withField.Fields["tokens_in"] != int64(500) {
		t.Fatalf("expected field to be set, got %+v", withField.Fields)
	}
}

func TestLegalStatusChange_FollowsTheLifecycleGraph(t *testing.T) {
	cases := []struct {
		from, to TransitionStatus
		want     bool
	}{
		{StatusProposed, StatusEvaluating, true},
		{StatusProposed, StatusAccepted, true},
		{StatusProposed, StatusRejected, true},
		{StatusEvaluating, StatusAccepted, true},
		{StatusEvaluating, StatusRejected, true},
		{StatusAccepted, StatusSuperseded, true},
		{StatusRejected, StatusAccepted, false},
		{StatusAccepted, StatusProposed, false},
		{StatusProposed, StatusProposed, false},
		{StatusSuperseded, StatusAccepted, false},
	}
	for _, c := range cases {
		got := LegalStatusChange(c.from, c.to)
		if got != c.want {
			t.Errorf("LegalStatusChange(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
