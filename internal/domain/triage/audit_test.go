package triage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/triage/internal/platform/blobstore"
	"github.com/ehr/triage/internal/platform/hipaa"
)

func TestHashRequest(t *testing.T) {
	h := hipaa.NewPseudonymizer("")
	id := uuid.New()
	a := TriageRequest{PatientID: id, ChiefComplaint: "Chest  Pain", Allergies: []string{"Latex", "penicillin"}}
	b := TriageRequest{PatientID: id, ChiefComplaint: "chest pain ", Allergies: []string{"penicillin", "latex"}}
	c := TriageRequest{PatientID: id, ChiefComplaint: "chest pain", History: "asthma"}

	hash := func(h Hasher, r *TriageRequest) string {
		t.Helper()
		sum, err := HashRequest(h, r)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		return sum
	}

	if hash(h, &a) != hash(h, &b) {
		t.Error("equivalent requests must hash equally")
	}
	if hash(h, &a) == hash(h, &c) {
		t.Error("different content must hash differently")
	}
	keyed := hipaa.NewPseudonymizer("audit-secret")
	if hash(keyed, &a) == hash(h, &a) {
		t.Error("a keyed hasher must produce a different digest")
	}
}

func TestHashRequest_NonFiniteVitals(t *testing.T) {
	nan := math.NaN()
	req := TriageRequest{PatientID: uuid.New(), ChiefComplaint: "fever", Vitals: &VitalSigns{Temperature: &nan}}
	if _, err := HashRequest(hipaa.NewPseudonymizer(""), &req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if err := req.Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected Validate to reject a NaN temperature, got %v", err)
	}
}

type failingSink struct{}

func (failingSink) Write(context.Context, *AuditEntry) error { return errors.New("disk full") }

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	err := MultiSink{failingSink{}, ok}.Write(context.Background(), &AuditEntry{ID: uuid.New()})
	if err == nil {
		t.Error("expected the failure to be returned")
	}
	if len(ok.Entries()) != 1 {
		t.Error("remaining sinks must still be written")
	}
}

func TestBlobAuditSink_History(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sink := NewBlobAuditSink(store)
	ctx := context.Background()
	hash := "ab12"
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, outcome := range []VerificationOutcome{VerificationConfirmed, VerificationDisagreement} {
		rid := uuid.New()
		entry := &AuditEntry{
			ID:           uuid.New(),
			InputHash:    hash,
			RecordID:     &rid,
			FinalSource:  SourcePrimary,
			Verification: outcome,
			TotalLatency: 1500 * time.Millisecond,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := sink.Write(ctx, entry); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	other := &AuditEntry{ID: uuid.New(), InputHash: "ffff", CreatedAt: base}
	if err := sink.Write(ctx, other); err != nil {
		t.Fatalf("write other: %v", err)
	}

	history, err := sink.History(ctx, hash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Verification != VerificationConfirmed || history[1].Verification != VerificationDisagreement {
		t.Errorf("expected oldest first, got %s then %s", history[0].Verification, history[1].Verification)
	}
	if history[0].TotalLatency != 1500*time.Millisecond {
		t.Errorf("latency not preserved: %v", history[0].TotalLatency)
	}
}
