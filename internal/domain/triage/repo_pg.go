package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/platform/db"
)

// FieldCipher seals free text at rest. hipaa.PHIEncryptor implements it.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return s, nil }
func (plainCipher) Decrypt(s string) (string, error) { return s, nil }

// =========== Triage Repository ===========

type triageRepoPG struct {
	pool   *pgxpool.Pool
	cipher FieldCipher
}

func NewTriageRepoPG(pool *pgxpool.Pool, cipher FieldCipher) TriageRepository {
	if cipher == nil {
		cipher = plainCipher{}
	}
	return &triageRepoPG{pool: pool, cipher: cipher}
}

func (r *triageRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, patient_id, title, priority, specialty, reasoning, confidence, source,
	assigned_clinician_id, estimated_wait_minutes, status, room, created_at, updated_at`

func scanRecord(row pgx.Row) (*TriageRecord, error) {
	var t TriageRecord
	err := row.Scan(&t.ID, &t.PatientID, &t.Title, &t.Priority, &t.Specialty, &t.Reasoning, &t.Confidence, &t.Source,
		&t.AssignedClinicianID, &t.EstimatedWaitMinutes, &t.Status, &t.Room, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (r *triageRepoPG) Create(ctx context.Context, t *TriageRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triage_record (id, patient_id, title, priority, priority_rank, specialty, reasoning,
			confidence, source, assigned_clinician_id, estimated_wait_minutes, status, room, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.PatientID, t.Title, t.Priority, t.Priority.Rank(), t.Specialty, t.Reasoning,
		t.Confidence, t.Source, t.AssignedClinicianID, t.EstimatedWaitMinutes, t.Status, t.Room, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *triageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TriageRecord, error) {
	t, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM triage_record WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if t.Notes, err = r.ListNotes(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *triageRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*TriageRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM triage_record WHERE id = $1 FOR UPDATE`, id))
}

func (r *triageRepoPG) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *triageRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return r.exec(ctx, `UPDATE triage_record SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (r *triageRepoPG) UpdateRoom(ctx context.Context, id uuid.UUID, room *string) error {
	return r.exec(ctx, `UPDATE triage_record SET room = $2, updated_at = NOW() WHERE id = $1`, id, room)
}

func (r *triageRepoPG) UpdateAssignment(ctx context.Context, id uuid.UUID, clinicianID *uuid.UUID) error {
	return r.exec(ctx, `UPDATE triage_record SET assigned_clinician_id = $2, updated_at = NOW() WHERE id = $1`, id, clinicianID)
}

const (
	byUrgency = `priority_rank DESC, created_at ASC`
	byNewest  = `created_at DESC`
)

func (r *triageRepoPG) list(ctx context.Context, where, order string, args []any, limit, offset int) ([]*TriageRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM triage_record WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM triage_record WHERE %s
		ORDER BY %s LIMIT $%d OFFSET $%d`, recordCols, where, order, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TriageRecord
	for rows.Next() {
		t, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *triageRepoPG) ListOpen(ctx context.Context, limit, offset int) ([]*TriageRecord, int, error) {
	return r.list(ctx, `status IN ('new', 'in_progress')`, byUrgency, nil, limit, offset)
}

func (r *triageRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TriageRecord, int, error) {
	return r.list(ctx, `patient_id = $1`, byUrgency, []any{patientID}, limit, offset)
}

func (r *triageRepoPG) Search(ctx context.Context, query string, limit, offset int) ([]*TriageRecord, int, error) {
	where := `title ILIKE $1 OR patient_id IN (
		SELECT id FROM patient WHERE first_name || ' ' || last_name ILIKE $1)`
	return r.list(ctx, where, byNewest, []any{likePattern(query)}, limit, offset)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern wraps q for a substring ILIKE with its wildcards escaped.
func likePattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

func (r *triageRepoPG) Stats(ctx context.Context) (*TriageStats, error) {
	var st TriageStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE priority = 'critical'),
			COUNT(*) FILTER (WHERE priority = 'high'),
			COUNT(*) FILTER (WHERE priority = 'medium'),
			COUNT(*) FILTER (WHERE priority = 'low'),
			COUNT(*) FILTER (WHERE status = 'resolved')
		FROM triage_record`).Scan(&st.Total, &st.Critical, &st.High, &st.Medium, &st.Low, &st.Resolved)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *triageRepoPG) AddNote(ctx context.Context, n *ClinicalNote) error {
	sealed, err := r.cipher.Encrypt(n.Content)
	if err != nil {
		return fmt.Errorf("encrypt note: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO triage_note (id, triage_record_id, author, note_type, content, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		n.ID, n.TriageRecordID, n.Author, n.Type, sealed, n.CreatedAt)
	return err
}

func (r *triageRepoPG) ListNotes(ctx context.Context, recordID uuid.UUID) ([]ClinicalNote, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, triage_record_id, author, note_type, content, created_at
		FROM triage_note WHERE triage_record_id = $1 ORDER BY created_at ASC, id ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	notes := []ClinicalNote{}
	for rows.Next() {
		var n ClinicalNote
		if err := rows.Scan(&n.ID, &n.TriageRecordID, &n.Author, &n.Type, &n.Content, &n.CreatedAt); err != nil {
			return nil, err
		}
		if n.Content, err = r.cipher.Decrypt(n.Content); err != nil {
			return nil, fmt.Errorf("decrypt note %s: %w", n.ID, err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// =========== Patient Lookup ===========

type patientLookupPG struct{ pool *pgxpool.Pool }

func NewPatientLookupPG(pool *pgxpool.Pool) PatientLookup { return &patientLookupPG{pool: pool} }

func (l *patientLookupPG) Get(ctx context.Context, patientID uuid.UUID) (*PatientSnapshot, error) {
	var (
		p      PatientSnapshot
		vitals []byte
	)
	err := l.pool.QueryRow(ctx, `
		SELECT id, symptoms, medical_history, vital_signs, allergies, medications
		FROM patient WHERE id = $1`, patientID).
		Scan(&p.PatientID, &p.Symptoms, &p.History, &vitals, &p.Allergies, &p.Medications)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(vitals) > 0 {
		var v VitalSigns
		if err := json.Unmarshal(vitals, &v); err != nil {
			return nil, fmt.Errorf("decode vital signs: %w", err)
		}
		p.Vitals = &v
	}
	return &p, nil
}

// =========== Roster ===========

type rosterPG struct{ pool *pgxpool.Pool }

func NewRosterPG(pool *pgxpool.Pool) RosterProvider { return &rosterPG{pool: pool} }

// OnDuty returns on-duty clinicians in a stable order with their count of
// open assigned records.
func (r *rosterPG) OnDuty(ctx context.Context) ([]ClinicianRosterEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.name, c.specialty, c.on_duty, COUNT(t.id)
		FROM clinician c
		LEFT JOIN triage_record t
			ON t.assigned_clinician_id = c.id AND t.status IN ('new', 'in_progress')
		WHERE c.on_duty
		GROUP BY c.id, c.name, c.specialty, c.on_duty
		ORDER BY c.name, c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roster []ClinicianRosterEntry
	for rows.Next() {
		var c ClinicianRosterEntry
		if err := rows.Scan(&c.ID, &c.Name, &c.Specialty, &c.OnDuty, &c.CurrentPatients); err != nil {
			return nil, err
		}
		roster = append(roster, c)
	}
	return roster, rows.Err()
}

// =========== Audit Sink ===========

type auditSinkPG struct{ pool *pgxpool.Pool }

func NewAuditSinkPG(pool *pgxpool.Pool) AuditSink { return &auditSinkPG{pool: pool} }

func (s *auditSinkPG) Write(ctx context.Context, e *AuditEntry) error {
	invocations, err := json.Marshal(e.Invocations)
	if err != nil {
		return fmt.Errorf("marshal invocations: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO triage_audit (id, input_hash, record_id, final_source, verification, disagreement,
			invocations, total_latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.InputHash, e.RecordID, e.FinalSource, e.Verification, e.Disagreement,
		invocations, e.TotalLatency.Milliseconds(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert triage_audit: %w", err)
	}
	return nil
}
