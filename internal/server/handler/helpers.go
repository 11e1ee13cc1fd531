// Package handler implements the HTTP API. Handlers depend on small
// interfaces declared here, not on the concrete services.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// writeJSON marshals v and writes it with status. A marshal failure falls
// back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps a service error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOrderNotPending), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err to the client. Server faults are logged
// and their detail withheld.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("user_id", middleware.UserID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, status, map[string]string{"error": ve.Error(), "field": ve.Field})
		return
	}
	writeError(w, status, publicMessage(err))
}

// publicMessage is the sentinel text of err, without wrapping prefixes.
func publicMessage(err error) string {
	for _, s := range []error{
		domain.ErrInsufficientFunds, domain.ErrInsufficientHoldings, domain.ErrNotFound,
		domain.ErrUnauthorized, domain.ErrPriceUnavailable, domain.ErrOrderNotPending,
		domain.ErrConflict, domain.ErrRateLimited,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Invalid("body", "is empty")
		}
		return domain.Invalid("body", fmt.Sprintf("is not valid JSON: %v", err))
	}
	return nil
}

// parseListOpts reads limit and offset. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

func intParam(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return n
	}
	return def
}

func userID(r *http.Request) string {
	return middleware.UserID(r.Context())
}
