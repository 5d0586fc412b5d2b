package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestHistogram_Observe(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Errorf("expected count 5, got %d", h.Count())
	}
	if h.Sum() != 31.5 {
		t.Errorf("expected sum 31.5, got %v", h.Sum())
	}
	cum := h.cumulativeBuckets()
	want := []int64{2, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d: expected %d, got %d", i, want[i], cum[i])
		}
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ClassificationRecorded("primary", "critical")
	m.ClassificationRecorded("primary", "critical")
	m.ClassificationRecorded("rule-based", "low")
	m.FallbackRecorded("anthropic:claude")
	m.VerificationRecorded("disagreement")
	m.AuditWriteRecorded(true)
	m.AuditWriteRecorded(false)
	m.EscalationRecorded(true)

	tests := []struct {
		name   string
		labels []string
		want   int64
	}{
		{"triage_classifications_total", []string{"primary", "critical"}, 2},
		{"triage_classifications_total", []string{"rule-based", "low"}, 1},
		{"triage_classifications_total", []string{"secondary", "low"}, 0},
		{"triage_classifier_fallbacks_total", []string{"anthropic:claude"}, 1},
		{"triage_verifications_total", []string{"disagreement"}, 1},
		{"triage_audit_writes_total", []string{"success"}, 1},
		{"triage_audit_writes_total", []string{"failure"}, 1},
		{"triage_escalations_total", []string{"success"}, 1},
		{"no_such_metric", nil, 0},
	}
	for _, tt := range tests {
		if got := m.Counter(tt.name, tt.labels...); got != tt.want {
			t.Errorf("%s%v: expected %d, got %d", tt.name, tt.labels, tt.want, got)
		}
	}
}

func TestMetrics_ConcurrentCounters(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AuditWriteRecorded(true)
		}()
	}
	wg.Wait()
	if got := m.Counter("triage_audit_writes_total", "success"); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}

func TestMetrics_Expose(t *testing.T) {
	m := New()
	m.ClassificationRecorded("primary", "high")
	m.AuditWriteRecorded(false)
	m.PipelineObserved(150 * time.Millisecond)
	m.ClassifierObserved("primary", true, 2*time.Second)

	out := m.Expose()
	for _, want := range []string{
		"# TYPE triage_classifications_total counter",
		`triage_classifications_total{source="primary",priority="high"} 1`,
		`triage_audit_writes_total{result="failure"} 1`,
		"# TYPE triage_pipeline_duration_seconds histogram",
		`triage_pipeline_duration_seconds_bucket{le="0.5"} 1`,
		"triage_pipeline_duration_seconds_count 1",
		`triage_classifier_duration_seconds_bucket{source="primary",result="success",le="2.5"} 1`,
		"http_server_active_requests 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q\n%s", want, out)
		}
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/triage-records/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/metrics", m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triage-records/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	h := m.httpDuration.get("GET", "/api/v1/triage-records/:id", "204")
	if h == nil || h.Count() != 1 {
		t.Fatal("expected one observation under the route pattern")
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `route="/api/v1/triage-records/:id"`) {
		t.Errorf("expected route label in exposition, got:\n%s", rec.Body.String())
	}
}

func TestPanicRecovered(t *testing.T) {
	m := New()
	m.PanicRecovered("/api/v1/triage-records")
	m.PanicRecovered("/api/v1/triage-records")
	if got := m.Counter("http_server_panics_total", "/api/v1/triage-records"); got != 2 {
		t.Errorf("expected 2 panics, got %d", got)
	}
	if !strings.Contains(m.Expose(), "http_server_panics_total") {
		t.Error("expected the panic family in the exposition")
	}
}
