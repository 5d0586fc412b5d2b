package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/triage-records/queue", nil), rec)

	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rec.Code, err)
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/triage/classify", nil), rec)

	err := RequestTimeout(50*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["message"] == "" {
		t.Errorf("expected JSON message body, got %q", rec.Body.String())
	}
}

func TestRequestTimeout_SkipsWebSocket(t *testing.T) {
	e := echo.New()
	for _, path := range []string{"/ws", "/ws/queue"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		err := RequestTimeout(time.Millisecond)(func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Errorf("%s: websocket requests must not carry a deadline", path)
			}
			return nil
		})(c)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/triage-records/x", nil), httptest.NewRecorder())

	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		return echo.ErrNotFound
	})(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
