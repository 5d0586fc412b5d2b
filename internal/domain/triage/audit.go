package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/triage/internal/platform/blobstore"
)

// Hasher turns canonical request bytes into a digest.
// hipaa.Pseudonymizer satisfies it.
type Hasher interface {
	Sum(data []byte) string
}

// canonicalRequest fixes field order and normalises whitespace and list
// order so equal clinical content hashes equally.
type canonicalRequest struct {
	PatientID   string      `json:"patient_id"`
	Complaint   string      `json:"chief_complaint"`
	Description string      `json:"description"`
	History     string      `json:"history"`
	Vitals      *VitalSigns `json:"vitals"`
	Allergies   []string    `json:"allergies"`
	Medications []string    `json:"medications"`
}

// HashRequest derives the audit key from request content only. The digest
// is one-way; the free text never leaves this function.
func HashRequest(h Hasher, req *TriageRequest) (string, error) {
	c := canonicalRequest{
		PatientID:   req.PatientID.String(),
		Complaint:   normaliseText(req.ChiefComplaint),
		Description: normaliseText(req.Description),
		History:     normaliseText(req.History),
		Vitals:      req.Vitals,
		Allergies:   sortedLower(req.Allergies),
		Medications: sortedLower(req.Medications),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return h.Sum(data), nil
}

func normaliseText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func sortedLower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = normaliseText(s); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// AuditSink persists audit entries. Entries are append-only.
type AuditSink interface {
	Write(ctx context.Context, entry *AuditEntry) error
}

// ErrorReporter receives failures that must be visible but must not fail
// the request, such as a lost audit entry.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields map[string]string)
}

// MultiSink writes to every sink and returns the joined errors. One failing
// sink does not stop the others.
type MultiSink []AuditSink

func (m MultiSink) Write(ctx context.Context, entry *AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BlobAuditSink archives entries as JSON objects under
// audit/<input hash>/<timestamp>-<entry id>.json so all runs over the same
// content sit together.
type BlobAuditSink struct {
	store blobstore.Store
}

func NewBlobAuditSink(store blobstore.Store) *BlobAuditSink {
	return &BlobAuditSink{store: store}
}

func auditKey(entry *AuditEntry) string {
	return fmt.Sprintf("audit/%s/%s-%s.json", entry.InputHash, entry.CreatedAt.UTC().Format("20060102T150405.000000000Z"), entry.ID)
}

func (s *BlobAuditSink) Write(ctx context.Context, entry *AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := s.store.Put(ctx, auditKey(entry), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("archive audit entry: %w", err)
	}
	return nil
}

// History returns every archived entry for an input hash, oldest first.
func (s *BlobAuditSink) History(ctx context.Context, inputHash string) ([]AuditEntry, error) {
	objs, err := s.store.List(ctx, "audit/"+inputHash+"/")
	if err != nil {
		return nil, fmt.Errorf("list audit archive: %w", err)
	}
	out := make([]AuditEntry, 0, len(objs))
	for _, o := range objs {
		rc, _, err := s.store.Get(ctx, o.Key)
		if err != nil {
			return nil, fmt.Errorf("read audit object %s: %w", o.Key, err)
		}
		var e AuditEntry
		err = json.NewDecoder(rc).Decode(&e)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decode audit object %s: %w", o.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}
