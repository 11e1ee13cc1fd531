package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, UserID(r.Context()))
	})
}

func TestAuth(t *testing.T) {
	h := Auth("s3cret", "/api/health")(ok())
	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/portfolio", nil, http.StatusUnauthorized},
		{"wrong", "/api/portfolio", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/api/portfolio", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"api key header", "/api/portfolio", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"open path", "/api/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/portfolio", nil))
	if rec.Code != http.StatusOK {
		t.Fatal("empty key disables auth")
	}
}

func TestUser(t *testing.T) {
	h := User("/api/health")(ok())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/portfolio", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	req.Header.Set(UserHeader, " u1 ")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u1" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(ok())

	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be echoed")
	}
}

type countingLimiter struct {
	seen  map[string]int
	fails bool
}

func (c *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if c.fails {
		return false, errors.New("redis down")
	}
	c.seen[key]++
	return c.seen[key] <= limit, nil
}

func (c *countingLimiter) Wait(context.Context, string) error { return nil }

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{seen: map[string]int{}}
	h := RateLimit(lim, 2, time.Minute)(ok())

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
		if user != "" {
			req.Header.Set(UserHeader, user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if call("u1") != 200 || call("u1") != 200 {
		t.Fatal("first two calls should pass")
	}
	if code := call("u1"); code != http.StatusTooManyRequests {
		t.Fatalf("third call = %d", code)
	}
	if call("u2") != 200 {
		t.Fatal("users are limited independently")
	}
	if _, ok := lim.seen["api:ip:192.0.2.1"]; ok {
		t.Fatal("user requests should not be keyed by ip")
	}

	lim.fails = true
	if call("u1") != 200 {
		t.Fatal("limiter errors fail open")
	}
}

func TestLoggingKeepsStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
