package triage

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func critical() ClassificationResult {
	return ClassificationResult{Priority: PriorityCritical, Specialty: "cardiology", Confidence: 0.95, Source: SourceRuleBased}
}

func TestVerifier_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		response     string
		err          error
		outcome      VerificationOutcome
		disagreement bool
	}{
		{"confirmed", respond("critical", "cardiology"), nil, VerificationConfirmed, false},
		{"disagreement", respond("high", "cardiology"), nil, VerificationDisagreement, true},
		{"secondary error", "", errors.New("502"), VerificationUnavailable, false},
		{"secondary garbage", "no idea", nil, VerificationUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec := &fakeClassifier{name: "s", response: tt.response, err: tt.err}
			v := NewVerifier(sec, AdapterConfig{}, EscalateNever, zerolog.Nop())

			got := v.Verify(context.Background(), critical(), "chest pain", "")
			if got.Outcome != tt.outcome || got.Disagreement != tt.disagreement {
				t.Errorf("got %s/%v, want %s/%v", got.Outcome, got.Disagreement, tt.outcome, tt.disagreement)
			}
			if got.Candidate != critical() {
				t.Error("candidate must never change")
			}
			if got.Invocation == nil || got.Invocation.Source != SourceSecondary {
				t.Errorf("expected a secondary invocation, got %+v", got.Invocation)
			}
		})
	}
}

func TestVerifier_NotRequired(t *testing.T) {
	sec := &fakeClassifier{name: "s"}
	v := NewVerifier(sec, AdapterConfig{}, EscalateNever, zerolog.Nop())
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		got := v.Verify(context.Background(), ClassificationResult{Priority: p}, "x", "")
		if got.Outcome != VerificationNotRequired {
			t.Errorf("%s: expected not_required, got %s", p, got.Outcome)
		}
	}
	if sec.Calls() != 0 {
		t.Errorf("secondary must not be called, got %d calls", sec.Calls())
	}
}

func TestVerifier_MissingSecondary(t *testing.T) {
	var nilVerifier *Verifier
	for _, v := range []*Verifier{nilVerifier, NewVerifier(nil, AdapterConfig{}, "", zerolog.Nop())} {
		if got := v.Verify(context.Background(), critical(), "x", ""); got.Outcome != VerificationUnavailable || got.Disagreement {
			t.Errorf("expected unavailable, got %+v", got)
		}
	}
}

type failingEscalator struct{ err error }

func (f failingEscalator) Escalate(context.Context, Escalation) error { return f.err }

func TestVerifier_EscalationPolicy(t *testing.T) {
	tests := []struct {
		policy EscalationPolicy
		o      VerificationOutcome
		want   bool
	}{
		{EscalateNever, VerificationDisagreement, false},
		{EscalateOnDisagreement, VerificationDisagreement, true},
		{EscalateOnDisagreement, VerificationUnavailable, false},
		{EscalateOnDisagreementOrUnavailable, VerificationUnavailable, true},
		{EscalateOnDisagreementOrUnavailable, VerificationConfirmed, false},
	}
	for _, tt := range tests {
		rec := &recordingEscalator{}
		v := NewVerifier(nil, AdapterConfig{}, tt.policy, zerolog.Nop(), rec)
		if err := v.Escalate(context.Background(), Escalation{Outcome: tt.o}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(rec.got) == 1; got != tt.want {
			t.Errorf("%s/%s: escalated=%v, want %v", tt.policy, tt.o, got, tt.want)
		}
	}
}

func TestVerifier_EscalationErrorsJoined(t *testing.T) {
	ok := &recordingEscalator{}
	v := NewVerifier(nil, AdapterConfig{}, EscalateOnDisagreement, zerolog.Nop(),
		failingEscalator{errors.New("slack down")}, ok)

	err := v.Escalate(context.Background(), Escalation{Outcome: VerificationDisagreement})
	if err == nil || err.Error() != "slack down" {
		t.Errorf("expected joined slack error, got %v", err)
	}
	if len(ok.got) != 1 {
		t.Error("a failing escalator must not stop the others")
	}
}

func TestParseEscalationPolicy(t *testing.T) {
	if p, err := ParseEscalationPolicy(""); err != nil || p != EscalateNever {
		t.Errorf("expected never by default, got %s, %v", p, err)
	}
	if p, err := ParseEscalationPolicy(" Disagreement_Or_Unavailable "); err != nil || p != EscalateOnDisagreementOrUnavailable {
		t.Errorf("unexpected %s, %v", p, err)
	}
	if _, err := ParseEscalationPolicy("always"); err == nil {
		t.Error("expected error")
	}
}
