package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
)

func limited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

// hit runs one request as user (empty for anonymous) and returns the error
// and recorder.
func hit(h echo.HandlerFunc, user string) (error, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage/classify", nil)
	if user != "" {
		req = req.WithContext(auth.WithUser(req.Context(), user, []string{auth.RoleNurse}))
	}
	rec := httptest.NewRecorder()
	return h(e.NewContext(req, rec)), rec
}

func TestRateLimit_WithinBurst(t *testing.T) {
	h := limited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})
	for i := 0; i < 5; i++ {
		err, rec := hit(h, "")
		if err != nil || rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d %v", i+1, rec.Code, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: missing limit header", i+1)
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	hit(h, "")
	hit(h, "")

	err, rec := hit(h, "")
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_KeyedByUser(t *testing.T) {
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if err, _ := hit(h, "nurse-a"); err != nil {
		t.Fatalf("nurse-a first request: %v", err)
	}
	if err, _ := hit(h, "nurse-a"); err == nil {
		t.Fatal("nurse-a second request should be limited")
	}
	// Same IP, different user.
	if err, _ := hit(h, "nurse-b"); err != nil {
		t.Fatalf("nurse-b should have its own bucket: %v", err)
	}
	// Anonymous callers share the IP bucket, separate from users.
	if err, _ := hit(h, ""); err != nil {
		t.Fatalf("anonymous first request: %v", err)
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newTokenBucket(0, 1)
	b.allow()
	if ra := b.retryAfter(); ra != 1 {
		t.Errorf("expected 1, got %d", ra)
	}
}

func TestRateLimiterStore_ReusesBuckets(t *testing.T) {
	store := newRateLimiterStore(DefaultRateLimitConfig())
	if store.getBucket("k1") != store.getBucket("k1") {
		t.Error("expected the same bucket for the same key")
	}
	if store.getBucket("k1") == store.getBucket("k2") {
		t.Error("expected distinct buckets for distinct keys")
	}
}
