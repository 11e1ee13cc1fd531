package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/alanyoungcy/papertrade/internal/service"
)

// StrategyService is what the strategy endpoints need.
// *service.StrategyService satisfies it.
type StrategyService interface {
	Create(ctx context.Context, userID string, in service.StrategyInput) (domain.Strategy, error)
	Get(ctx context.Context, userID, id string) (domain.Strategy, error)
	List(ctx context.Context, userID string) ([]domain.Strategy, error)
	Update(ctx context.Context, userID, id string, in service.StrategyInput) (domain.Strategy, error)
	Delete(ctx context.Context, userID, id string) error
	Activate(ctx context.Context, userID, id string) (domain.Strategy, error)
	Deactivate(ctx context.Context, userID, id string) (domain.Strategy, error)
	Performance(ctx context.Context, userID, id string) (domain.StrategyPerformance, error)
}

// StrategyHandler serves /api/strategies.
type StrategyHandler struct {
	strategies StrategyService
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(strategies StrategyService, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{strategies: strategies, logger: logger.With(slog.String("handler", "strategy"))}
}

type strategyBody struct {
	Name             string              `json:"name"`
	Description      string              `json:"description"`
	InstrumentID     string              `json:"coinId"`
	InstrumentSymbol string              `json:"coinSymbol"`
	Side             domain.StrategySide `json:"type"`
	Conditions       []domain.Condition  `json:"conditions"`
	Actions          []domain.Action     `json:"actions"`
	Active           *bool               `json:"isActive"`
}

func (b strategyBody) input() service.StrategyInput {
	return service.StrategyInput{
		Name:             b.Name,
		Description:      b.Description,
		InstrumentID:     b.InstrumentID,
		InstrumentSymbol: b.InstrumentSymbol,
		Side:             b.Side,
		Conditions:       b.Conditions,
		Actions:          b.Actions,
		Active:           b.Active,
	}
}

// Create adds a strategy for the caller.
// POST /api/strategies
func (h *StrategyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body strategyBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "create strategy", err)
		return
	}
	st, err := h.strategies.Create(r.Context(), userID(r), body.input())
	if err != nil {
		writeServiceError(w, r, h.logger, "create strategy", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// List returns the caller's strategies.
// GET /api/strategies
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.strategies.List(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list strategies", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": list})
}

// Get returns one strategy.
// GET /api/strategies/{id}
func (h *StrategyHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Update replaces the editable fields of a strategy.
// PUT /api/strategies/{id}
func (h *StrategyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var body strategyBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "update strategy", err)
		return
	}
	st, err := h.strategies.Update(r.Context(), userID(r), r.PathValue("id"), body.input())
	if err != nil {
		writeServiceError(w, r, h.logger, "update strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Delete removes a strategy.
// DELETE /api/strategies/{id}
func (h *StrategyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.strategies.Delete(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, "delete strategy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate turns a strategy on.
// POST /api/strategies/{id}/activate
func (h *StrategyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Activate(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "activate strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Deactivate turns a strategy off.
// POST /api/strategies/{id}/deactivate
func (h *StrategyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Deactivate(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "deactivate strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Performance returns counters, success rate and a live condition check.
// GET /api/strategies/{id}/performance
func (h *StrategyHandler) Performance(w http.ResponseWriter, r *http.Request) {
	perf, err := h.strategies.Performance(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "strategy performance", err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}
