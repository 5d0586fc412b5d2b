package triage

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/pkg/pagination"
)

// AuditHistory looks up archived audit entries by input hash.
// BlobAuditSink implements it.
type AuditHistory interface {
	History(ctx context.Context, inputHash string) ([]AuditEntry, error)
}

type Handler struct {
	svc     *Service
	history AuditHistory
	// classify wraps the pipeline routes, normally with a rate limiter.
	classify []echo.MiddlewareFunc
}

// NewHandler builds the HTTP surface. history may be nil, in which case the
// audit lookup route is not registered.
func NewHandler(svc *Service, history AuditHistory, classifyMiddleware ...echo.MiddlewareFunc) *Handler {
	return &Handler{svc: svc, history: history, classify: classifyMiddleware}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	clinical.GET("/triage-records/queue", h.Queue)
	clinical.GET("/triage-records/search", h.Search)
	clinical.GET("/triage-records/stats", h.Stats)
	clinical.GET("/triage-records/:id", h.GetRecord)
	clinical.GET("/patients/:id/triage-records", h.ListByPatient)
	clinical.PATCH("/triage-records/:id/status", h.UpdateStatus)
	clinical.POST("/triage-records/:id/notes", h.AddNote)
	clinical.PUT("/triage-records/:id/room", h.AssignRoom)
	clinical.PUT("/triage-records/:id/assignment", h.Reassign)
	clinical.POST("/triage-records", h.CheckIn, h.classify...)
	clinical.POST("/triage/classify", h.Classify, h.classify...)

	if h.history != nil {
		admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
		admin.GET("/triage-audit/:hash", h.AuditHistory)
	}
}

// recordJSON writes rec and tells the access audit whose record it was.
func recordJSON(c echo.Context, code int, rec *TriageRecord) error {
	c.Set(middleware.PatientIDKey, rec.PatientID.String())
	return c.JSON(code, rec)
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.CheckIn(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return recordJSON(c, http.StatusCreated, rec)
}

func (h *Handler) Classify(c echo.Context) error {
	var req TriageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Classify(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return recordJSON(c, http.StatusOK, rec)
}

func (h *Handler) Queue(c echo.Context) error {
	pg := pagination.FromContext(c)
	recs, total, err := h.svc.Queue(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) Search(c echo.Context) error {
	q := c.QueryParam("query")
	pg := pagination.FromContext(c)
	recs, total, err := h.svc.Search(c.Request().Context(), q, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	base := c.Request().URL.Path + "?query=" + url.QueryEscape(q)
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset).WithLinks(base))
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return recordJSON(c, http.StatusOK, rec)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	recs, total, err := h.svc.ListByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.UpdateStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return httpError(err)
	}
	return recordJSON(c, http.StatusOK, rec)
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Type    NoteType `json:"type"`
		Content string   `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	author := auth.UserIDFromContext(c.Request().Context())
	note, err := h.svc.AddNote(c.Request().Context(), id, author, body.Type, body.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, note)
}

func (h *Handler) AssignRoom(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Room string `json:"room"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.AssignRoom(c.Request().Context(), id, body.Room)
	if err != nil {
		return httpError(err)
	}
	return recordJSON(c, http.StatusOK, rec)
}

func (h *Handler) Reassign(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		ClinicianID *uuid.UUID `json:"clinician_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Reassign(c.Request().Context(), id, body.ClinicianID)
	if err != nil {
		return httpError(err)
	}
	return recordJSON(c, http.StatusOK, rec)
}

func (h *Handler) AuditHistory(c echo.Context) error {
	hash := c.Param("hash")
	if b, err := hex.DecodeString(hash); err != nil || len(b) != 32 {
		return echo.NewHTTPError(http.StatusBadRequest, "hash must be 64 hex characters")
	}
	entries, err := h.history.History(c.Request().Context(), hash)
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// httpError maps service errors onto status codes. Unknown errors become a
// bare 500 so internals do not leak to the client.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidNote):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, errNotConfigured):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
