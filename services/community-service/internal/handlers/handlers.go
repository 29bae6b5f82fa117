package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/scores"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/votes"
)

type Voter interface {
	Cast(ctx context.Context, postID, userID string, direction votes.Direction) (votes.Changed, bool, error)
}

type ScoreReader interface {
	Get(ctx context.Context, postID string) (scores.Score, error)
}

type Reconciler interface {
	ReconcileOnce(ctx context.Context) (scores.Report, error)
}

type Handler struct {
	votes      Voter
	scores     ScoreReader
	reconciler Reconciler
	logger     *slog.Logger
}

func New(v Voter, s ScoreReader, r Reconciler, logger *slog.Logger) *Handler {
	return &Handler{votes: v, scores: s, reconciler: r, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v1/posts/{postID}/vote", h.Vote)
	mux.HandleFunc("GET /v1/posts/{postID}/score", h.Score)
	mux.HandleFunc("POST /v1/admin/scores/reconcile", h.Reconcile)
}

type voteRequest struct {
	Direction json.RawMessage `json:"direction"`
}

type voteResponse struct {
	PostID   string          `json:"post_id"`
	Previous votes.Direction `json:"previous"`
	Current  votes.Direction `json:"current"`
	Changed  bool            `json:"changed"`
}

func (h *Handler) Vote(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.Principal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	postID := strings.TrimSpace(r.PathValue("postID"))

	var req voteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	direction, err := votes.ParseDirection(strings.Trim(string(req.Direction), `"`))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	change, changed, err := h.votes.Cast(r.Context(), postID, userID, direction)
	if errors.Is(err, votes.ErrInvalidVote) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), "cast vote failed", "err", err, "post_id", postID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, voteResponse{
		PostID:   change.PostID,
		Previous: change.Previous,
		Current:  change.Current,
		Changed:  changed,
	})
}

func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	postID := strings.TrimSpace(r.PathValue("postID"))
	if postID == "" {
		http.Error(w, "missing post id", http.StatusBadRequest)
		return
	}
	s, err := h.scores.Get(r.Context(), postID)
	if err != nil {
		httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), "get score failed", "err", err, "post_id", postID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

// Reconcile runs one reconciliation pass now. It answers 409 when another instance holds
// the reconcile lock.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		httpx.LoggerFrom(r.Context(), h.logger).ErrorContext(r.Context(), "manual reconcile failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if report.Skipped {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, report)
}
