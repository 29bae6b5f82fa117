package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/services/trip-service/internal/permissions"
)

type Checker interface {
	Check(ctx context.Context, k permissions.Key) (bool, error)
}

type Mutator interface {
	Grant(ctx context.Context, k permissions.Key, actor string) (bool, error)
	Revoke(ctx context.Context, k permissions.Key) (bool, error)
	RevokeAll(ctx context.Context, resource string) (int, error)
}

type Handler struct {
	checker Checker
	service Mutator
	logger  *slog.Logger
}

func New(checker Checker, service Mutator, logger *slog.Logger) *Handler {
	return &Handler{checker: checker, service: service, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/trips/{tripID}/permissions", h.Grant)
	mux.HandleFunc("DELETE /v1/trips/{tripID}/permissions", h.Revoke)
	mux.HandleFunc("GET /v1/trips/{tripID}/permissions/check", h.Check)
}

type grantRequest struct {
	PrincipalID string `json:"principal_id"`
	Action      string `json:"action"`
}

func (h *Handler) key(r *http.Request, principal, action string) (permissions.Key, error) {
	a, err := permissions.ParseAction(action)
	if err != nil {
		return permissions.Key{}, err
	}
	k := permissions.Key{
		Resource:  strings.TrimSpace(r.PathValue("tripID")),
		Principal: strings.TrimSpace(principal),
		Action:    a,
	}
	return k, k.Validate()
}

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Principal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	k, err := h.key(r, req.PrincipalID, req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	changed, err := h.service.Grant(r.Context(), k, actor)
	if err != nil {
		h.fail(w, r, "grant permission failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// Revoke removes one permission, or all of the trip's permissions when principal_id is
// not given.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if _, err := httpx.Principal(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("principal_id")) == "" {
		n, err := h.service.RevokeAll(r.Context(), r.PathValue("tripID"))
		if err != nil {
			h.fail(w, r, "revoke all permissions failed", err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]int{"revoked": n})
		return
	}
	k, err := h.key(r, q.Get("principal_id"), q.Get("action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	changed, err := h.service.Revoke(r.Context(), k)
	if err != nil {
		h.fail(w, r, "revoke permission failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// Check answers for the caller unless principal_id names someone else.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Principal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	principal := q.Get("principal_id")
	if strings.TrimSpace(principal) == "" {
		principal = caller
	}
	k, err := h.key(r, principal, q.Get("action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	allowed, err := h.checker.Check(r.Context(), k)
	if err != nil {
		h.fail(w, r, "permission check failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, permissions.ErrInvalidPermission) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), msg, "err", err, "trip_id", r.PathValue("tripID"))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
