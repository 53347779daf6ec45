package domain

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:  {StatusRejected, StatusHold, StatusApproved, StatusError},
		StatusHold:     {StatusApproved, StatusError},
		StatusApproved: {StatusCompleted, StatusFailed, StatusError},
	}
	all := []Status{StatusPending, StatusRejected, StatusHold, StatusApproved, StatusCompleted, StatusFailed, StatusError}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
		if got, want := from.Terminal(), len(allowed[from]) == 0; got != want {
			t.Errorf("%s.Terminal() = %v, want %v", from, got, want)
		}
	}
	if Status("paused").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestWorkflowState_Transition(t *testing.T) {
	s := WorkflowState{Status: StatusPending}
	if err := s.Transition(StatusHold, ReasonManualVerificationRequired); err != nil {
		t.Fatalf("pending -> hold: %v", err)
	}
	if err := s.Transition(StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}
	if s.Status != StatusHold || s.Reason != ReasonManualVerificationRequired {
		t.Errorf("refused transition changed state: %+v", s)
	}
}

func TestWorkflowState_CloneDoesNotAlias(t *testing.T) {
	s := WorkflowState{}
	s.Note("Intake: %s", "first")
	c := s.Clone()
	c.Note("second")
	c.Trace[0] = "changed"

	if len(s.Trace) != 1 || s.Trace[0] != "Intake: first" {
		t.Errorf("original trace modified: %v", s.Trace)
	}
}

func TestUrgencyAction(t *testing.T) {
	tests := []struct {
		u    Urgency
		want string
	}{
		{Urgency{Kind: UrgencyOverdue}, "OVERDUE - Trigger Outreach"},
		{Urgency{Kind: UrgencyAlertSoon, Days: 2}, "Alert in 2 days"},
		{Urgency{Kind: UrgencyNone}, "No action needed yet"},
	}
	for _, tt := range tests {
		if got := tt.u.Action(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.u.Kind, got, tt.want)
		}
	}
}

func TestInsufficientStockError(t *testing.T) {
	var err error = &InsufficientStockError{ProductID: "P1", Requested: 3, Available: 1}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("expected to match ErrInsufficientStock")
	}
}
