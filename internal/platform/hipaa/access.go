package hipaa

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/triage/internal/platform/db"
)

// PHIAccessLog is one row of the phi_access_log table.
type PHIAccessLog struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      *uuid.UUID `json:"patient_id,omitempty"`
	AccessedBy     string     `json:"accessed_by"`
	AccessedByRole string     `json:"accessed_by_role"`
	ResourceType   string     `json:"resource_type"`
	ResourceID     string     `json:"resource_id"`
	Action         string     `json:"action"`
	StatusCode     int        `json:"status_code"`
	IsBreakGlass   bool       `json:"is_break_glass"`
	BreakGlassRsn  string     `json:"break_glass_reason"`
	IPAddress      string     `json:"ip_address"`
	UserAgent      string     `json:"user_agent"`
	RequestID      string     `json:"request_id"`
	AccessedAt     time.Time  `json:"accessed_at"`
}

// AccessLogger appends PHI access rows. The table is insert-only.
type AccessLogger struct {
	q db.Querier
}

func NewAccessLogger(q db.Querier) *AccessLogger {
	return &AccessLogger{q: q}
}

// LogPHIAccess writes one row, joining the caller's transaction when ctx
// carries one.
func (a *AccessLogger) LogPHIAccess(ctx context.Context, log *PHIAccessLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.AccessedAt.IsZero() {
		log.AccessedAt = time.Now().UTC()
	}
	var ip *string
	if net.ParseIP(log.IPAddress) != nil {
		ip = &log.IPAddress
	}

	const query = `
		INSERT INTO phi_access_log (
			id, patient_id, accessed_by, accessed_by_role,
			resource_type, resource_id, action, status_code,
			is_break_glass, break_glass_reason,
			ip_address, user_agent, request_id, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::inet,$12,$13,$14)`

	q := a.q
	if conn := db.ConnFromContext(ctx); conn != nil {
		q = conn
	}
	_, err := q.Exec(ctx, query,
		log.ID, log.PatientID, log.AccessedBy, log.AccessedByRole,
		log.ResourceType, log.ResourceID, log.Action, log.StatusCode,
		log.IsBreakGlass, log.BreakGlassRsn,
		ip, log.UserAgent, log.RequestID, log.AccessedAt,
	)
	if err != nil {
		return fmt.Errorf("hipaa phi access log: %w", err)
	}
	return nil
}
