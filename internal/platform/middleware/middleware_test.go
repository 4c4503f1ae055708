package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/orsched/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get(RequestIDKey).(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}
	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequestID()(okHandler)(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	if err := RequestID()(okHandler)(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("oversized id should be replaced, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/or-rooms", nil)
	req = req.WithContext(auth.WithUser(context.Background(), "dr-who", "surgeon"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(RequestIDKey, "req-1")
	c.Set(auth.TenantKey, "st-marys")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := buf.String()
	for _, want := range []string{`"level":"info"`, `"request_id":"req-1"`, `"tenant":"st-marys"`, `"user":"dr-who"`, `"status":200`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		err   error
		level string
	}{
		{echo.NewHTTPError(http.StatusConflict, "taken"), `"level":"warn"`},
		{echo.NewHTTPError(http.StatusInternalServerError, "boom"), `"level":"error"`},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
		err := Logger(zerolog.New(&buf))(func(echo.Context) error { return tt.err })(c)
		if err != tt.err {
			t.Errorf("error not passed through: %v", err)
		}
		if !strings.Contains(buf.String(), tt.level) {
			t.Errorf("want %s in %s", tt.level, buf.String())
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.New(&buf))(func(echo.Context) error { panic("test panic") })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/surgical-cases", nil), rec)
	if err := SecurityHeaders()(okHandler)(c); err != nil {
		t.Fatal(err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	send := func(ip, tenant string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if tenant != "" {
			c.Set(auth.TenantKey, tenant)
		}
		return rec, h(c)
	}

	for i := 0; i < 2; i++ {
		rec, err := send("10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
	rec, err := send("10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// buckets are per client and per tenant
	if _, err := send("10.0.0.2", ""); err != nil {
		t.Errorf("other client limited: %v", err)
	}
	if _, err := send("10.0.0.1", "st-marys"); err != nil {
		t.Errorf("other tenant limited: %v", err)
	}
}

func TestRateLimit_Skipper(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Skipper:           func(c echo.Context) bool { return c.Path() == "/health" },
	})(okHandler)
	for i := 0; i < 3; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
		c.SetPath("/health")
		if err := h(c); err != nil {
			t.Fatalf("health check limited: %v", err)
		}
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.get("a")
	now = now.Add(2 * time.Minute)
	s.get("b")
	if _, ok := s.visitors["a"]; ok {
		t.Error("idle visitor not evicted")
	}
	if len(s.visitors) != 1 {
		t.Errorf("visitors = %d", len(s.visitors))
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	slow := func(c echo.Context) error {
		select {
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		case <-time.After(time.Second):
			return c.String(http.StatusOK, "late")
		}
	}
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/schedule-optimizations", nil), httptest.NewRecorder())
	err := RequestTimeout(10 * time.Millisecond)(slow)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline")
		}
		return c.String(http.StatusOK, "ok")
	})(c); err != nil {
		t.Fatal(err)
	}
}
