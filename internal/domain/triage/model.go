package triage

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownPriority   = errors.New("unknown priority")
	ErrInvalidRoster     = errors.New("invalid roster entry")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("triage record not found")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrInvalidRequest    = errors.New("invalid triage request")
	ErrInvalidNote       = errors.New("invalid clinical note")
)

// Priority is the severity tier assigned to a case.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities by urgency; unknown values rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// ParsePriority normalises free text such as " Critical" into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
	return p, nil
}

// Source identifies which classifier produced a result.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceRuleBased Source = "rule-based"
)

// ClassificationResult is the output of a single classifier invocation.
type ClassificationResult struct {
	Priority   Priority `json:"priority"`
	Specialty  string   `json:"specialty"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Source     Source   `json:"source"`
}

type BloodPressure struct {
	Systolic  int `json:"systolic"`
	Diastolic int `json:"diastolic"`
}

type VitalSigns struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	BloodPressure    *BloodPressure `json:"blood_pressure,omitempty"`
	HeartRate        *int           `json:"heart_rate,omitempty"`
	RespiratoryRate  *int           `json:"respiratory_rate,omitempty"`
	OxygenSaturation *int           `json:"oxygen_saturation,omitempty"`
}

// TriageRequest is the immutable input of one pipeline run.
type TriageRequest struct {
	PatientID      uuid.UUID   `json:"patient_id"`
	ChiefComplaint string      `json:"chief_complaint"`
	Description    string      `json:"description"`
	Vitals         *VitalSigns `json:"vitals,omitempty"`
	History        string      `json:"history,omitempty"`
	Allergies      []string    `json:"allergies,omitempty"`
	Medications    []string    `json:"medications,omitempty"`
}

// SymptomText joins the chief complaint and description.
func (r *TriageRequest) SymptomText() string {
	return strings.TrimSpace(strings.TrimSpace(r.ChiefComplaint) + " " + strings.TrimSpace(r.Description))
}

func (r *TriageRequest) Validate() error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if r.SymptomText() == "" {
		return fmt.Errorf("%w: chief_complaint or description is required", ErrInvalidRequest)
	}
	if v := r.Vitals; v != nil && v.Temperature != nil {
		if t := *v.Temperature; math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: temperature must be a finite number", ErrInvalidRequest)
		}
	}
	return nil
}

// Status is the lifecycle state of a triage record.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

func (s Status) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusInProgress:
		return 1
	case StatusResolved:
		return 2
	case StatusClosed:
		return 3
	}
	return -1
}

func (s Status) Valid() bool { return s.rank() >= 0 }

// Open reports whether the record still belongs in the waiting queue.
func (s Status) Open() bool { return s == StatusNew || s == StatusInProgress }

// CanTransitionTo allows forward-only moves through the lifecycle.
func (s Status) CanTransitionTo(next Status) bool {
	return s.Valid() && next.Valid() && next.rank() > s.rank()
}

type NoteType string

const (
	NoteObservation NoteType = "observation"
	NoteDiagnosis   NoteType = "diagnosis"
	NoteTreatment   NoteType = "treatment"
	NoteFollowUp    NoteType = "followup"
)

func (t NoteType) Valid() bool {
	switch t {
	case NoteObservation, NoteDiagnosis, NoteTreatment, NoteFollowUp:
		return true
	}
	return false
}

// ClinicalNote maps to the triage_note table. Notes are append-only.
type ClinicalNote struct {
	ID             uuid.UUID `db:"id" json:"id"`
	TriageRecordID uuid.UUID `db:"triage_record_id" json:"triage_record_id"`
	Author         string    `db:"author" json:"author"`
	Type           NoteType  `db:"note_type" json:"type"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// TriageRecord maps to the triage_record table.
type TriageRecord struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	PatientID            uuid.UUID      `db:"patient_id" json:"patient_id"`
	Title                string         `db:"title" json:"title"`
	Priority             Priority       `db:"priority" json:"priority"`
	Specialty            string         `db:"specialty" json:"specialty"`
	Reasoning            string         `db:"reasoning" json:"reasoning"`
	Confidence           float64        `db:"confidence" json:"confidence"`
	Source               Source         `db:"source" json:"source"`
	AssignedClinicianID  *uuid.UUID     `db:"assigned_clinician_id" json:"assigned_clinician_id"`
	EstimatedWaitMinutes int            `db:"estimated_wait_minutes" json:"estimated_wait_minutes"`
	Status               Status         `db:"status" json:"status"`
	Room                 *string        `db:"room" json:"room,omitempty"`
	Notes                []ClinicalNote `json:"notes"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// TriageStats are the dashboard counters over every record. Priority counts
// include resolved records.
type TriageStats struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Resolved int `json:"resolved"`
}

// ClinicianRosterEntry is a read-only view of an on-duty clinician.
type ClinicianRosterEntry struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Specialty       string    `json:"specialty"`
	OnDuty          bool      `json:"on_duty"`
	CurrentPatients int       `json:"current_patients"`
}

func (c *ClinicianRosterEntry) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidRoster)
	}
	if strings.TrimSpace(c.Specialty) == "" {
		return fmt.Errorf("%w: clinician %s has no specialty", ErrInvalidRoster, c.ID)
	}
	if c.CurrentPatients < 0 {
		return fmt.Errorf("%w: clinician %s has negative load %d", ErrInvalidRoster, c.ID, c.CurrentPatients)
	}
	return nil
}

// PatientSnapshot is what the patient lookup returns for a check-in.
type PatientSnapshot struct {
	PatientID   uuid.UUID
	Symptoms    string
	History     string
	Vitals      *VitalSigns
	Allergies   []string
	Medications []string
}

// Request converts the snapshot into a pipeline input.
func (p *PatientSnapshot) Request() TriageRequest {
	return TriageRequest{
		PatientID:      p.PatientID,
		ChiefComplaint: p.Symptoms,
		Vitals:         p.Vitals,
		History:        p.History,
		Allergies:      p.Allergies,
		Medications:    p.Medications,
	}
}

type VerificationOutcome string

const (
	VerificationNotRequired  VerificationOutcome = "not_required"
	VerificationConfirmed    VerificationOutcome = "confirmed"
	VerificationDisagreement VerificationOutcome = "disagreement"
	VerificationUnavailable  VerificationOutcome = "unavailable"
	VerificationPending      VerificationOutcome = "pending"
)

// Invocation records one classifier call made during a pipeline run.
type Invocation struct {
	Source   Source                `json:"source"`
	Provider string                `json:"provider"`
	Result   *ClassificationResult `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
	Latency  time.Duration         `json:"latency_ns"`
}

// AuditEntry is the immutable record of one pipeline invocation. It carries
// only the content hash of the request, never its free text.
type AuditEntry struct {
	ID           uuid.UUID           `json:"id"`
	InputHash    string              `json:"input_hash"`
	// RecordID is nil for ad-hoc classifications and for check-ins whose
	// record could not be stored.
	RecordID     *uuid.UUID          `json:"record_id,omitempty"`
	Invocations  []Invocation        `json:"invocations"`
	FinalSource  Source              `json:"final_source"`
	Verification VerificationOutcome `json:"verification"`
	Disagreement bool                `json:"disagreement"`
	TotalLatency time.Duration       `json:"total_latency_ns"`
	CreatedAt    time.Time           `json:"created_at"`
}
