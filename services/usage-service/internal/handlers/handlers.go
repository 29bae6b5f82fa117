package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/services/usage-service/internal/quota"
)

type Counter interface {
	Consume(ctx context.Context, principal string, amount int64) (quota.Usage, error)
	Usage(ctx context.Context, principal string) (quota.Usage, error)
}

type PlanAssigner interface {
	Assign(ctx context.Context, principal, plan string, limit int64) (outbox.Record, error)
}

type Handler struct {
	counter Counter
	plans   PlanAssigner
	logger  *slog.Logger
}

func New(counter Counter, plans PlanAssigner, logger *slog.Logger) *Handler {
	return &Handler{counter: counter, plans: plans, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/quota/consume", h.Consume)
	mux.HandleFunc("GET /v1/quota", h.Usage)
	mux.HandleFunc("PUT /v1/plans/{principal}", h.AssignPlan)
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	principal, err := httpx.Principal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	req := consumeRequest{Amount: 1}
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}

	usage, err := h.counter.Consume(r.Context(), principal, req.Amount)
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		httpx.WriteJSON(w, http.StatusTooManyRequests, usage)
	case errors.Is(err, quota.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), "consume quota failed", "err", err, "principal", principal)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		httpx.WriteJSON(w, http.StatusOK, usage)
	}
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	principal, err := httpx.Principal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	usage, err := h.counter.Usage(r.Context(), principal)
	if err != nil {
		httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), "read quota failed", "err", err, "principal", principal)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, usage)
}

type planRequest struct {
	Plan  string `json:"plan"`
	Quota int64  `json:"quota"`
}

// AssignPlan is an operator endpoint; the limit follows asynchronously once the
// PlanChanged event is consumed.
func (h *Handler) AssignPlan(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(r.PathValue("principal"))
	var req planRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Plan) == "" || req.Quota < 0 {
		http.Error(w, "plan is required and quota must not be negative", http.StatusBadRequest)
		return
	}
	rec, err := h.plans.Assign(r.Context(), principal, req.Plan, req.Quota)
	if err != nil {
		httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), "assign plan failed", "err", err, "principal", principal)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": rec.EventID})
}
