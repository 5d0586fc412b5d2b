package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/hipaa"
)

// Dashboard topics.
const (
	TopicQueue    = "triage.queue"
	TopicCritical = "triage.critical"
	TopicReview   = "triage.review"
)

// Metrics is the pipeline's view of telemetry.Metrics.
type Metrics interface {
	ClassificationRecorded(source, priority string)
	FallbackRecorded(provider string)
	VerificationRecorded(outcome string)
	AuditWriteRecorded(ok bool)
	EscalationRecorded(ok bool)
	PipelineObserved(d time.Duration)
	ClassifierObserved(source string, ok bool, d time.Duration)
}

// Notifier publishes dashboard events. websocket.Hub implements it.
type Notifier interface {
	Notify(ctx context.Context, topic, eventType, resourceID string, payload any) error
}

type VerifyMode string

const (
	VerifySync  VerifyMode = "sync"
	VerifyAsync VerifyMode = "async"
)

func ParseVerifyMode(s string) (VerifyMode, error) {
	switch m := VerifyMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return VerifySync, nil
	case VerifySync, VerifyAsync:
		return m, nil
	default:
		return "", fmt.Errorf("unknown verify mode %q", s)
	}
}

const (
	DefaultAsyncTimeout = 30 * time.Second
	DefaultAuditTimeout = 5 * time.Second
	maxTitleLength      = 120
)

// Deps are the collaborators of the service. Adapter is required; the
// repository side (Repo, Patients, Roster) is only needed for check-in and
// the queue operations.
type Deps struct {
	Adapter  *Adapter
	Verifier *Verifier
	Audit    AuditSink
	Reporter ErrorReporter
	Metrics  Metrics
	Hasher   Hasher
	Notifier Notifier
	Repo     TriageRepository
	Patients PatientLookup
	Roster   RosterProvider
	Tx       TxRunner
	Logger   zerolog.Logger
}

type Options struct {
	VerifyMode   VerifyMode
	AsyncTimeout time.Duration
	AuditTimeout time.Duration
}

type Service struct {
	adapter  *Adapter
	verifier *Verifier
	audit    AuditSink
	reporter ErrorReporter
	metrics  Metrics
	hasher   Hasher
	notifier Notifier
	repo     TriageRepository
	patients PatientLookup
	roster   RosterProvider
	tx       TxRunner
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewService(d Deps, opts Options) *Service {
	if opts.VerifyMode == "" {
		opts.VerifyMode = VerifySync
	}
	if opts.AsyncTimeout <= 0 {
		opts.AsyncTimeout = DefaultAsyncTimeout
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = DefaultAuditTimeout
	}
	s := &Service{
		adapter:  d.Adapter,
		verifier: d.Verifier,
		audit:    d.Audit,
		reporter: d.Reporter,
		metrics:  d.Metrics,
		hasher:   d.Hasher,
		notifier: d.Notifier,
		repo:     d.Repo,
		patients: d.Patients,
		roster:   d.Roster,
		tx:       d.Tx,
		opts:     opts,
		logger:   d.Logger.With().Str("component", "triage").Logger(),
		now:      time.Now,
	}
	if s.adapter == nil {
		s.adapter = NewAdapter(nil, nil, AdapterConfig{}, d.Logger)
	}
	if s.audit == nil {
		s.logger.Warn().Msg("no audit sink configured, audit entries are discarded")
		s.audit = discardSink{}
	}
	if s.reporter == nil {
		s.reporter = nopReporter{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.hasher == nil {
		s.hasher = hipaa.NewPseudonymizer("")
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.tx == nil {
		s.tx = directTx{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Process classifies one request, verifies critical results, matches a
// clinician and estimates the wait, in that order. Classifier failures are
// absorbed by the rule fallback; matcher and estimator errors propagate. If
// ctx is cancelled before the record is assembled, ctx.Err() is returned and
// no record exists.
func (s *Service) Process(ctx context.Context, req TriageRequest, roster []ClinicianRosterEntry) (*TriageRecord, error) {
	return s.run(ctx, req, roster, runOptions{})
}

// runOptions ties a pipeline run to storage. persist stores the record
// before the audit entry is written; ephemeral runs are never stored. The
// audit entry references the record only if it exists, and only such
// records are escalated.
type runOptions struct {
	persist   func(ctx context.Context, rec *TriageRecord) error
	ephemeral bool
}

func (s *Service) run(ctx context.Context, req TriageRequest, roster []ClinicianRosterEntry, ro runOptions) (*TriageRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	inputHash, err := HashRequest(s.hasher, &req)
	if err != nil {
		return nil, err
	}
	start := s.now()
	symptoms, history := req.SymptomText(), req.History

	out := s.adapter.Classify(ctx, symptoms, history)
	for _, inv := range out.Invocations {
		if inv.Source != SourceRuleBased {
			s.metrics.ClassifierObserved(string(inv.Source), inv.Error == "", inv.Latency)
		}
	}
	if out.FellBack {
		s.metrics.FallbackRecorded(out.Invocations[0].Provider)
	}
	result := out.Result

	deferred := Required(result) && s.opts.VerifyMode == VerifyAsync
	ver := Verification{Candidate: result, Outcome: VerificationNotRequired}
	switch {
	case deferred:
		ver.Outcome = VerificationPending
	case Required(result):
		ver = s.verifier.Verify(ctx, result, symptoms, history)
	}

	clinician, err := Match(result.Specialty, roster)
	if err != nil {
		return nil, fmt.Errorf("match clinician: %w", err)
	}
	wait, err := EstimateWait(result.Priority)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	rec := &TriageRecord{
		ID:                   uuid.New(),
		PatientID:            req.PatientID,
		Title:                recordTitle(&req),
		Priority:             result.Priority,
		Specialty:            result.Specialty,
		Reasoning:            result.Reasoning,
		Confidence:           result.Confidence,
		Source:               result.Source,
		EstimatedWaitMinutes: wait,
		Status:               StatusNew,
		Notes:                []ClinicalNote{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if clinician != nil {
		id := clinician.ID
		rec.AssignedClinicianID = &id
	}
	s.metrics.ClassificationRecorded(string(result.Source), string(result.Priority))

	entry := &AuditEntry{
		ID:          uuid.New(),
		InputHash:   inputHash,
		Invocations: out.Invocations,
		FinalSource: result.Source,
		CreatedAt:   now,
	}
	if !ro.ephemeral {
		entry.RecordID = &rec.ID
	}

	var persistErr error
	if ro.persist != nil {
		if persistErr = ro.persist(ctx, rec); persistErr != nil {
			entry.RecordID = nil
		}
	}

	if deferred && persistErr == nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AsyncTimeout)
			defer cancel()
			s.complete(vctx, entry, s.verifier.Verify(vctx, result, symptoms, history), start)
		}()
	} else {
		s.complete(ctx, entry, ver, start)
	}

	s.metrics.PipelineObserved(s.now().Sub(start))
	if persistErr != nil {
		return nil, persistErr
	}
	return rec, nil
}

// complete folds the verification into the audit entry, writes it and
// escalates if the policy asks for it.
func (s *Service) complete(ctx context.Context, entry *AuditEntry, ver Verification, start time.Time) {
	if ver.Invocation != nil {
		entry.Invocations = append(entry.Invocations, *ver.Invocation)
		s.metrics.ClassifierObserved(string(SourceSecondary), ver.Invocation.Error == "", ver.Invocation.Latency)
	}
	entry.Verification = ver.Outcome
	entry.Disagreement = ver.Disagreement
	entry.TotalLatency = s.now().Sub(start)
	if ver.Outcome != VerificationNotRequired {
		s.metrics.VerificationRecorded(string(ver.Outcome))
	}

	s.writeAudit(ctx, entry)

	if entry.RecordID != nil && s.verifier.Escalates(ver.Outcome) {
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AuditTimeout)
		defer cancel()
		err := s.verifier.Escalate(ectx, Escalation{
			RecordID:      *entry.RecordID,
			InputHash:     entry.InputHash,
			Outcome:       ver.Outcome,
			Candidate:     ver.Candidate,
			SecondOpinion: ver.SecondOpinion,
		})
		s.metrics.EscalationRecorded(err == nil)
	}
}

// writeAudit never fails the caller. A lost entry is logged, counted and
// reported so the gap is visible.
func (s *Service) writeAudit(ctx context.Context, entry *AuditEntry) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AuditTimeout)
	defer cancel()

	err := s.audit.Write(actx, entry)
	s.metrics.AuditWriteRecorded(err == nil)
	if err == nil {
		return
	}
	s.logger.Error().Err(err).
		Str("audit_id", entry.ID.String()).
		Str("input_hash", entry.InputHash).
		Msg("audit write failed")
	fields := map[string]string{
		"audit_id":   entry.ID.String(),
		"input_hash": entry.InputHash,
	}
	if entry.RecordID != nil {
		fields["record_id"] = entry.RecordID.String()
	}
	s.reporter.Report(actx, fmt.Errorf("audit write: %w", err), fields)
}

// Drain waits for background verifications started in async mode.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recordTitle(req *TriageRequest) string {
	title := strings.TrimSpace(req.ChiefComplaint)
	if title == "" {
		title = strings.TrimSpace(req.Description)
	}
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	return string([]rune(title)[:maxTitleLength])
}

// ---------------------------------------------------------------------------
// Check-in and queue
// ---------------------------------------------------------------------------

var errNotConfigured = errors.New("triage repository is not configured")

// CheckInRequest starts triage for a registered patient. Non-empty fields
// override what is on file for this visit.
type CheckInRequest struct {
	PatientID      uuid.UUID   `json:"patient_id"`
	ChiefComplaint string      `json:"chief_complaint,omitempty"`
	Description    string      `json:"description,omitempty"`
	Vitals         *VitalSigns `json:"vitals,omitempty"`
}

func (s *Service) CheckIn(ctx context.Context, in CheckInRequest) (*TriageRecord, error) {
	if s.repo == nil || s.patients == nil || s.roster == nil {
		return nil, errNotConfigured
	}
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	snap, err := s.patients.Get(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	req := snap.Request()
	if strings.TrimSpace(in.ChiefComplaint) != "" {
		req.ChiefComplaint = in.ChiefComplaint
	}
	if strings.TrimSpace(in.Description) != "" {
		req.Description = in.Description
	}
	if in.Vitals != nil {
		req.Vitals = in.Vitals
	}

	roster, err := s.roster.OnDuty(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	rec, err := s.run(ctx, req, roster, runOptions{persist: func(ctx context.Context, rec *TriageRecord) error {
		if err := s.repo.Create(ctx, rec); err != nil {
			return fmt.Errorf("save triage record: %w", err)
		}
		return nil
	}})
	if err != nil {
		return nil, err
	}
	if rec.AssignedClinicianID != nil {
		s.invalidateRoster(ctx)
	}

	s.publish(ctx, TopicQueue, "triage.created", rec)
	if rec.Priority == PriorityCritical {
		s.publish(ctx, TopicCritical, "triage.critical", rec)
	}
	return rec, nil
}

// Classify runs the pipeline over an ad-hoc request against the current
// roster without persisting a record. Without a roster provider no clinician
// is assigned.
func (s *Service) Classify(ctx context.Context, req TriageRequest) (*TriageRecord, error) {
	var roster []ClinicianRosterEntry
	if s.roster != nil {
		var err error
		if roster, err = s.roster.OnDuty(ctx); err != nil {
			return nil, fmt.Errorf("load roster: %w", err)
		}
	}
	return s.run(ctx, req, roster, runOptions{ephemeral: true})
}

// Queue lists open records, most urgent first and oldest first within a tier.
func (s *Service) Queue(ctx context.Context, limit, offset int) ([]*TriageRecord, int, error) {
	if s.repo == nil {
		return nil, 0, errNotConfigured
	}
	return s.repo.ListOpen(ctx, limit, offset)
}

// Get returns a record with its notes.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*TriageRecord, error) {
	if s.repo == nil {
		return nil, errNotConfigured
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Notes == nil {
		rec.Notes = []ClinicalNote{}
	}
	return rec, nil
}

const maxSearchLength = 200

// Search finds records whose complaint or patient name contains query.
func (s *Service) Search(ctx context.Context, query string, limit, offset int) ([]*TriageRecord, int, error) {
	if s.repo == nil {
		return nil, 0, errNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, fmt.Errorf("%w: search query is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(query) > maxSearchLength {
		return nil, 0, fmt.Errorf("%w: search query longer than %d characters", ErrInvalidRequest, maxSearchLength)
	}
	return s.repo.Search(ctx, query, limit, offset)
}

// Stats returns the dashboard counters.
func (s *Service) Stats(ctx context.Context) (*TriageStats, error) {
	if s.repo == nil {
		return nil, errNotConfigured
	}
	return s.repo.Stats(ctx)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TriageRecord, int, error) {
	if s.repo == nil {
		return nil, 0, errNotConfigured
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// UpdateStatus moves a record forward through new, in_progress, resolved
// and closed. Moving backwards or staying put is ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, next Status) (*TriageRecord, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	rec, err := s.mutate(ctx, id, func(ctx context.Context, r *TriageRecord) error {
		if !r.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, next)
		}
		if err := s.repo.UpdateStatus(ctx, id, next); err != nil {
			return err
		}
		r.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec.AssignedClinicianID != nil && !next.Open() {
		s.invalidateRoster(ctx)
	}
	s.publish(ctx, TopicQueue, "triage.status_changed", rec)
	return rec, nil
}

// AssignRoom sets or, with an empty room, clears the room of an open record.
func (s *Service) AssignRoom(ctx context.Context, id uuid.UUID, room string) (*TriageRecord, error) {
	var value *string
	if room = strings.TrimSpace(room); room != "" {
		value = &room
	}
	rec, err := s.mutate(ctx, id, func(ctx context.Context, r *TriageRecord) error {
		if !r.Status.Open() {
			return fmt.Errorf("%w: record is %s", ErrInvalidTransition, r.Status)
		}
		if err := s.repo.UpdateRoom(ctx, id, value); err != nil {
			return err
		}
		r.Room = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, TopicQueue, "triage.room_assigned", rec)
	return rec, nil
}

// Reassign hands an open record to another clinician, or unassigns it when
// clinicianID is nil. The classification is left as it is.
func (s *Service) Reassign(ctx context.Context, id uuid.UUID, clinicianID *uuid.UUID) (*TriageRecord, error) {
	rec, err := s.mutate(ctx, id, func(ctx context.Context, r *TriageRecord) error {
		if !r.Status.Open() {
			return fmt.Errorf("%w: record is %s", ErrInvalidTransition, r.Status)
		}
		if err := s.repo.UpdateAssignment(ctx, id, clinicianID); err != nil {
			return err
		}
		r.AssignedClinicianID = clinicianID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateRoster(ctx)
	s.publish(ctx, TopicQueue, "triage.reassigned", rec)
	return rec, nil
}

// mutate loads the record under a row lock and applies fn in one transaction.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, r *TriageRecord) error) (*TriageRecord, error) {
	if s.repo == nil {
		return nil, errNotConfigured
	}
	var rec *TriageRecord
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, r); err != nil {
			return err
		}
		r.UpdatedAt = s.now()
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AddNote appends a clinical note. Notes are never edited or removed.
func (s *Service) AddNote(ctx context.Context, recordID uuid.UUID, author string, typ NoteType, content string) (*ClinicalNote, error) {
	if s.repo == nil {
		return nil, errNotConfigured
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidNote, typ)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidNote)
	}
	if strings.TrimSpace(author) == "" {
		return nil, fmt.Errorf("%w: author is required", ErrInvalidNote)
	}
	if _, err := s.repo.GetByID(ctx, recordID); err != nil {
		return nil, err
	}
	note := &ClinicalNote{
		ID:             uuid.New(),
		TriageRecordID: recordID,
		Author:         author,
		Type:           typ,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if err := s.repo.AddNote(ctx, note); err != nil {
		return nil, fmt.Errorf("save note: %w", err)
	}
	return note, nil
}

func (s *Service) invalidateRoster(ctx context.Context) {
	if c, ok := s.roster.(interface{ Invalidate(context.Context) }); ok {
		c.Invalidate(ctx)
	}
}

func (s *Service) publish(ctx context.Context, topic, eventType string, rec *TriageRecord) {
	if err := s.notifier.Notify(ctx, topic, eventType, rec.ID.String(), rec); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Str("record_id", rec.ID.String()).Msg("publish event failed")
	}
}

// ---------------------------------------------------------------------------
// Escalation to the dashboard
// ---------------------------------------------------------------------------

// DashboardEscalator posts escalations to the review topic.
type DashboardEscalator struct {
	notifier Notifier
}

func NewDashboardEscalator(n Notifier) *DashboardEscalator {
	return &DashboardEscalator{notifier: n}
}

func (d *DashboardEscalator) Escalate(ctx context.Context, e Escalation) error {
	return d.notifier.Notify(ctx, TopicReview, "triage.verification", e.RecordID.String(), e)
}

// MessagePoster sends a line of text to a chat channel.
// notification.SlackSender implements it.
type MessagePoster interface {
	PostText(ctx context.Context, text string) error
}

// ChannelEscalator posts escalations to the on-call channel. The message
// carries identifiers and labels only, never complaint text.
type ChannelEscalator struct {
	poster MessagePoster
}

func NewChannelEscalator(p MessagePoster) *ChannelEscalator {
	return &ChannelEscalator{poster: p}
}

func (c *ChannelEscalator) Escalate(ctx context.Context, e Escalation) error {
	return c.poster.PostText(ctx, escalationText(e))
}

func escalationText(e Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Triage review needed: %s verification on record %s\n", e.Outcome, e.RecordID)
	fmt.Fprintf(&b, "candidate: %s / %s (%s)", e.Candidate.Priority, e.Candidate.Specialty, e.Candidate.Source)
	if e.SecondOpinion != nil {
		fmt.Fprintf(&b, "\nsecond opinion: %s / %s", e.SecondOpinion.Priority, e.SecondOpinion.Specialty)
	}
	fmt.Fprintf(&b, "\ninput: %s", e.InputHash)
	return b.String()
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

type discardSink struct{}

func (discardSink) Write(context.Context, *AuditEntry) error { return nil }

type nopReporter struct{}

func (nopReporter) Report(context.Context, error, map[string]string) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string, any) error { return nil }

type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type nopMetrics struct{}

func (nopMetrics) ClassificationRecorded(string, string) {}
func (nopMetrics) FallbackRecorded(string) {}
func (nopMetrics) VerificationRecorded(string) {}
func (nopMetrics) AuditWriteRecorded(bool) {}
func (nopMetrics) EscalationRecorded(bool) {}
func (nopMetrics) PipelineObserved(time.Duration) {}
func (nopMetrics) ClassifierObserved(string, bool, time.Duration) {}
