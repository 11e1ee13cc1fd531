package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalid("quantity", "must be positive"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{domain.ErrInsufficientHoldings, http.StatusUnprocessableEntity},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrPriceUnavailable, http.StatusServiceUnavailable},
		{domain.ErrOrderNotPending, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteServiceError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec := httptest.NewRecorder()
	writeServiceError(rec, req, logger, "place order", fmt.Errorf("store: %w", errors.New("connection refused")))
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("internal detail leaked: %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	writeServiceError(rec, req, logger, "place order", domain.Invalid("limitPrice", "is required"))
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest || body["field"] != "limitPrice" {
		t.Fatalf("got %d %v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	writeServiceError(rec, req, logger, "trade", fmt.Errorf("trade_service: %w", domain.ErrInsufficientFunds))
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != domain.ErrInsufficientFunds.Error() {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct{ A int }
	for _, body := range []string{"", "{bad"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if err := decodeJSON(rec, req, &v); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("body %q: err = %v", body, err)
		}
	}
}

func TestParseListOpts(t *testing.T) {
	tests := []struct {
		query         string
		limit, offset int
	}{
		{"", 50, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=9999", 500, 0},
		{"limit=-1&offset=-5", 50, 0},
	}
	for _, tt := range tests {
		opts := parseListOpts(httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil))
		if opts.Limit != tt.limit || opts.Offset != tt.offset {
			t.Errorf("%q: got %d/%d, want %d/%d", tt.query, opts.Limit, opts.Offset, tt.limit, tt.offset)
		}
	}
}
