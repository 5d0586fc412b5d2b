package triage

import (
	"context"

	"github.com/google/uuid"
)

// PatientLookup returns the clinical snapshot a check-in classifies.
type PatientLookup interface {
	Get(ctx context.Context, patientID uuid.UUID) (*PatientSnapshot, error)
}

// RosterProvider returns the clinicians currently on duty with their load.
type RosterProvider interface {
	OnDuty(ctx context.Context) ([]ClinicianRosterEntry, error)
}

type TriageRepository interface {
	Create(ctx context.Context, r *TriageRecord) error
	// GetByID returns the record with its notes.
	GetByID(ctx context.Context, id uuid.UUID) (*TriageRecord, error)
	// GetForUpdate locks the row when called inside a transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*TriageRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateRoom(ctx context.Context, id uuid.UUID, room *string) error
	UpdateAssignment(ctx context.Context, id uuid.UUID, clinicianID *uuid.UUID) error
	ListOpen(ctx context.Context, limit, offset int) ([]*TriageRecord, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TriageRecord, int, error)
	// Search matches the complaint title or the patient's name, case
	// insensitively, newest first.
	Search(ctx context.Context, query string, limit, offset int) ([]*TriageRecord, int, error)
	Stats(ctx context.Context) (*TriageStats, error)
	AddNote(ctx context.Context, n *ClinicalNote) error
	ListNotes(ctx context.Context, recordID uuid.UUID) ([]ClinicalNote, error)
}

// TxRunner groups repository calls into one transaction. db.TxRunner
// implements it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
