package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
)

// PatientIDKey is the echo context key a handler sets when the patient
// behind a response is not part of the URL.
const PatientIDKey = "patient_id"

// AccessEntry records one read or write of patient data: who, what, which
// record and how it ended.
type AccessEntry struct {
	UserID           string
	UserRoles        []string
	ResourceType     string // triage, notes, patient, audit
	ResourceID       string
	PatientID        string
	Action           string // view, create, update, delete
	IPAddress        string
	UserAgent        string
	Path             string
	Method           string
	IsBreakGlass     bool
	BreakGlassReason string
	Timestamp        time.Time
	RequestID        string
	StatusCode       int
}

// AccessRecorder persists access entries. hipaa.AccessLogger is the
// production implementation.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(ctx context.Context, entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(ctx context.Context, entry AccessEntry) error {
	return f(ctx, entry)
}

// AccessAuditConfig configures AccessAudit.
type AccessAuditConfig struct {
	Logger   zerolog.Logger
	Recorder AccessRecorder
	// Timeout bounds the recorder call. The call is detached from the
	// request context so a client hang-up does not drop the entry.
	Timeout time.Duration
}

// AccessAudit logs every request that touches patient data after the
// handler has run, so the entry carries the response status. Routes that
// expose no patient data are passed through.
//
// If X-Break-Glass is present the access is logged at warn level with the
// given reason.
func AccessAudit(cfg AccessAuditConfig) echo.MiddlewareFunc {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			resource, ok := resourceForRoute(c.Path())
			if !ok {
				return err
			}
			req := c.Request()
			status := c.Response().Status
			if err != nil {
				if he, isHTTP := err.(*echo.HTTPError); isHTTP {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			entry := AccessEntry{
				UserID:       auth.UserIDFromContext(req.Context()),
				UserRoles:    auth.RolesFromContext(req.Context()),
				ResourceType: resource,
				ResourceID:   resourceID(c),
				PatientID:    accessPatientID(c),
				Action:       methodToAction(req.Method),
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				Path:         req.URL.Path,
				Method:       req.Method,
				Timestamp:    time.Now().UTC(),
				StatusCode:   status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if reason := req.Header.Get("X-Break-Glass"); reason != "" {
				entry.IsBreakGlass = true
				entry.BreakGlassReason = reason
			}

			if cfg.Recorder != nil {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), cfg.Timeout)
				if recErr := cfg.Recorder.RecordAccess(rctx, entry); recErr != nil {
					cfg.Logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
				cancel()
			}

			evt := cfg.Logger.Info()
			if entry.IsBreakGlass {
				evt = cfg.Logger.Warn()
			}
			evt.
				Str("type", "hipaa_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Bool("break_glass", entry.IsBreakGlass).
				Str("break_glass_reason", entry.BreakGlassReason).
				Msg("phi_access")

			return err
		}
	}
}

// resourceForRoute maps a registered route pattern to the resource it
// exposes.
func resourceForRoute(route string) (string, bool) {
	rest, ok := strings.CutPrefix(route, "/api/v1/")
	if !ok {
		return "", false
	}
	switch {
	case strings.HasPrefix(rest, "triage-records/:id/notes"):
		return "notes", true
	case strings.HasPrefix(rest, "triage-records"), strings.HasPrefix(rest, "triage/"):
		return "triage", true
	case strings.HasPrefix(rest, "patients/"):
		return "patient", true
	case strings.HasPrefix(rest, "triage-audit/"):
		return "audit", true
	}
	return "", false
}

func resourceID(c echo.Context) string {
	if strings.HasPrefix(c.Path(), "/api/v1/patients/") {
		return ""
	}
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Param("hash")
}

// accessPatientID prefers the patient in the URL and falls back to the one
// the handler reported.
func accessPatientID(c echo.Context) string {
	if strings.HasPrefix(c.Path(), "/api/v1/patients/") {
		if _, err := uuid.Parse(c.Param("id")); err == nil {
			return c.Param("id")
		}
	}
	if pid, ok := c.Get(PatientIDKey).(string); ok {
		return pid
	}
	return ""
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "view"
	}
}
