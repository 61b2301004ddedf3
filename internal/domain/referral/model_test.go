package referral

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from   State
		action Action
		ok     bool
	}{
		{StateOpen, ActionDecide, true},
		{StateOpen, ActionCancel, true},
		{StateOpen, ActionRescore, true},
		{StateOpen, ActionReopen, false},
		{StateReopened, ActionDecide, true},
		{StateReopened, ActionCancel, true},
		{StateAccepted, ActionReopen, true},
		{StateAccepted, ActionDecide, false},
		{StateAccepted, ActionCancel, false},
		{StateRejected, ActionReopen, true},
		{StateRejected, ActionRescore, false},
		{StateCancelled, ActionReopen, false},
		{StateCancelled, ActionDecide, false},
		{State("ARCHIVED"), ActionDecide, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.action)
		if tt.ok && err != nil {
			t.Errorf("%s from %s: unexpected error %v", tt.action, tt.from, err)
		}
		if !tt.ok && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s from %s: expected ErrIllegalTransition, got %v", tt.action, tt.from, err)
		}
	}
}

func TestFormatCode(t *testing.T) {
	if got := FormatCode(2026, 42); got != "REF-2026-000042" {
		t.Errorf("unexpected code %q", got)
	}
}

func TestRequest_PendingAndOverdue(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	r := &Request{State: StateOpen, DeadlineAt: now}
	if !r.Pending() || !r.Overdue(now) {
		t.Error("open request at its deadline should be pending and overdue")
	}
	if r.Overdue(now.Add(-time.Second)) {
		t.Error("request before its deadline is not overdue")
	}
	r.State = StateAccepted
	if r.Pending() || r.Overdue(now.Add(time.Hour)) {
		t.Error("decided request is neither pending nor overdue")
	}
}

func TestSubmitInput_Validate(t *testing.T) {
	age := 40
	if err := (SubmitInput{PatientAge: &age, Specialty: "neurología"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := (SubmitInput{}).Validate()
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("expected ErrInvalidSubmission, got %v", err)
	}
	if got := err.Error(); got != "invalid submission: missing patient_age, specialty" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestRequest_CloneIsDeep(t *testing.T) {
	now := time.Now()
	r := &Request{DecidedAt: &now}
	c := r.clone()
	*c.DecidedAt = now.Add(time.Hour)
	if !r.DecidedAt.Equal(now) {
		t.Error("clone shares DecidedAt with original")
	}
}
