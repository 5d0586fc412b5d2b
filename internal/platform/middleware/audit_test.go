package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
)

type accessSink struct {
	entries []AccessEntry
	err     error
	ctxErr  error
}

func (s *accessSink) RecordAccess(ctx context.Context, e AccessEntry) error {
	s.ctxErr = ctx.Err()
	s.entries = append(s.entries, e)
	return s.err
}

func newAuditedEcho(sink *accessSink, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.Use(RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithUser(c.Request().Context(), "nurse-7", []string{auth.RoleNurse})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(AccessAudit(AccessAuditConfig{Logger: logger, Recorder: sink}))
	return e
}

func TestAccessAudit_RecordAccess(t *testing.T) {
	recordID, patientID := uuid.NewString(), uuid.NewString()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	tests := []struct {
		name, method, route, path string
		handler                   echo.HandlerFunc
		resource, action, id, pid string
		status                    int
	}{
		{"record read", http.MethodGet, "/api/v1/triage-records/:id", "/api/v1/triage-records/" + recordID,
			func(c echo.Context) error {
				c.Set(PatientIDKey, patientID)
				return c.NoContent(http.StatusOK)
			}, "triage", "view", recordID, patientID, http.StatusOK},
		{"note create", http.MethodPost, "/api/v1/triage-records/:id/notes", "/api/v1/triage-records/" + recordID + "/notes",
			ok, "notes", "create", recordID, "", http.StatusOK},
		{"status update", http.MethodPatch, "/api/v1/triage-records/:id/status", "/api/v1/triage-records/" + recordID + "/status",
			func(echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "closed") }, "triage", "update", recordID, "", http.StatusConflict},
		{"patient history", http.MethodGet, "/api/v1/patients/:id/triage-records", "/api/v1/patients/" + patientID + "/triage-records",
			ok, "patient", "view", "", patientID, http.StatusOK},
		{"audit lookup", http.MethodGet, "/api/v1/triage-audit/:hash", "/api/v1/triage-audit/abc123",
			ok, "audit", "view", "abc123", "", http.StatusOK},
		{"classify", http.MethodPost, "/api/v1/triage/classify", "/api/v1/triage/classify",
			func(echo.Context) error { return errors.New("boom") }, "triage", "create", "", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &accessSink{}
			e := newAuditedEcho(sink, zerolog.Nop())
			e.Add(tt.method, tt.route, tt.handler)

			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))
			if len(sink.entries) != 1 {
				t.Fatalf("expected one entry, got %d", len(sink.entries))
			}
			got := sink.entries[0]
			if got.ResourceType != tt.resource || got.Action != tt.action || got.ResourceID != tt.id || got.PatientID != tt.pid {
				t.Errorf("unexpected entry %+v", got)
			}
			if got.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, got.StatusCode)
			}
			if got.UserID != "nurse-7" || got.RequestID == "" || got.Path != tt.path {
				t.Errorf("missing caller details %+v", got)
			}
		})
	}
}

func TestAccessAudit_SkipsNonPatientRoutes(t *testing.T) {
	sink := &accessSink{}
	e := newAuditedEcho(sink, zerolog.Nop())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/v1/admin/db-pool", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/health", "/api/v1/admin/db-pool"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if len(sink.entries) != 0 {
		t.Errorf("expected no entries, got %+v", sink.entries)
	}
}

func TestAccessAudit_RecorderOutlivesRequest(t *testing.T) {
	sink := &accessSink{}
	e := newAuditedEcho(sink, zerolog.Nop())
	e.GET("/api/v1/triage-records/queue", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/triage-records/queue", nil).WithContext(ctx)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if len(sink.entries) != 1 || sink.ctxErr != nil {
		t.Errorf("expected the entry recorded with a live context, got %d entries, ctx err %v", len(sink.entries), sink.ctxErr)
	}
}

func TestAccessAudit_LogsBreakGlassAndRecorderFailure(t *testing.T) {
	var buf bytes.Buffer
	sink := &accessSink{err: errors.New("insert failed")}
	e := newAuditedEcho(sink, zerolog.New(&buf))
	e.GET("/api/v1/triage-records/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triage-records/"+uuid.NewString(), nil)
	req.Header.Set("X-Break-Glass", "unconscious patient")
	e.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"insert failed", `"level":"warn"`, "phi_access", "unconscious patient"} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %q: %s", want, out)
		}
	}
	if !sink.entries[0].IsBreakGlass {
		t.Error("expected a break-glass entry")
	}
}
