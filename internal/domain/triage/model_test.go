package triage

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{" Critical": PriorityCritical, "LOW": PriorityLow, "medium\n": PriorityMedium} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("emergent"); !errors.Is(err, ErrUnknownPriority) {
		t.Errorf("expected ErrUnknownPriority, got %v", err)
	}
	if !(PriorityCritical.Rank() > PriorityHigh.Rank() && PriorityHigh.Rank() > PriorityMedium.Rank() && PriorityMedium.Rank() > PriorityLow.Rank()) {
		t.Error("ranks must follow urgency")
	}
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusInProgress, true},
		{StatusNew, StatusClosed, true},
		{StatusInProgress, StatusResolved, true},
		{StatusResolved, StatusInProgress, false},
		{StatusClosed, StatusClosed, false},
		{StatusNew, "paused", false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !StatusInProgress.Open() || StatusResolved.Open() {
		t.Error("only new and in_progress are open")
	}
}

func TestTriageRequest_Validate(t *testing.T) {
	ok := TriageRequest{PatientID: uuid.New(), Description: "cough for a week"}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got := ok.SymptomText(); got != "cough for a week" {
		t.Errorf("unexpected symptom text %q", got)
	}
	for _, r := range []TriageRequest{{ChiefComplaint: "cough"}, {PatientID: uuid.New(), ChiefComplaint: "  "}} {
		if err := r.Validate(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
	}
}

func TestPatientSnapshot_Request(t *testing.T) {
	id := uuid.New()
	snap := PatientSnapshot{PatientID: id, Symptoms: "rash", History: "eczema", Allergies: []string{"latex"}}
	req := snap.Request()
	if req.PatientID != id || req.ChiefComplaint != "rash" || req.History != "eczema" || len(req.Allergies) != 1 {
		t.Errorf("unexpected request %+v", req)
	}
}
