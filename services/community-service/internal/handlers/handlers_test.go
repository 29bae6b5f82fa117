package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/scores"
	"github.com/md-rashed-zaman/eventrelay/services/community-service/internal/votes"
	"github.com/stretchr/testify/assert"
)

type stubVoter struct {
	gotPost, gotUser string
	gotDir           votes.Direction
	err              error
}

func (s *stubVoter) Cast(_ context.Context, postID, userID string, d votes.Direction) (votes.Changed, bool, error) {
	s.gotPost, s.gotUser, s.gotDir = postID, userID, d
	if s.err != nil {
		return votes.Changed{}, false, s.err
	}
	return votes.Changed{PostID: postID, UserID: userID, Previous: votes.Retracted, Current: d}, true, nil
}

type stubScores struct{ score scores.Score }

func (s stubScores) Get(_ context.Context, postID string) (scores.Score, error) {
	s.score.PostID = postID
	return s.score, nil
}

type stubReconciler struct{ report scores.Report }

func (s stubReconciler) ReconcileOnce(context.Context) (scores.Report, error) { return s.report, nil }

func newMux(v Voter, s ScoreReader) *http.ServeMux {
	return newMuxWith(v, s, stubReconciler{})
}

func newMuxWith(v Voter, s ScoreReader, r Reconciler) *http.ServeMux {
	mux := http.NewServeMux()
	New(v, s, r, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	return mux
}

func TestVote(t *testing.T) {
	voter := &stubVoter{}
	mux := newMux(voter, stubScores{})

	for _, body := range []string{`{"direction":"up"}`, `{"direction":1}`} {
		req := httptest.NewRequest(http.MethodPut, "/v1/posts/post-7/vote", strings.NewReader(body))
		req.Header.Set(httpx.PrincipalHeader, "user-3")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, body)
		assert.JSONEq(t, `{"post_id":"post-7","previous":0,"current":1,"changed":true}`, rec.Body.String())
		assert.Equal(t, "user-3", voter.gotUser)
		assert.Equal(t, votes.Up, voter.gotDir)
	}
}

func TestVoteRejects(t *testing.T) {
	mux := newMux(&stubVoter{}, stubScores{})

	req := httptest.NewRequest(http.MethodPut, "/v1/posts/p/vote", strings.NewReader(`{"direction":"up"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/v1/posts/p/vote", strings.NewReader(`{"direction":"sideways"}`))
	req.Header.Set(httpx.PrincipalHeader, "u")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/posts/p/vote", strings.NewReader(`{"direction":"up"}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVoteStoreFailure(t *testing.T) {
	mux := newMux(&stubVoter{err: errors.New("db down")}, stubScores{})
	req := httptest.NewRequest(http.MethodPut, "/v1/posts/p/vote", strings.NewReader(`{"direction":"down"}`))
	req.Header.Set(httpx.PrincipalHeader, "u")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestScore(t *testing.T) {
	mux := newMux(&stubVoter{}, stubScores{score: scores.Score{Upvotes: 1, Downvotes: 1, Score: 0}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/posts/post-7/score", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"post_id":"post-7","upvotes":1,"downvotes":1,"score":0}`, rec.Body.String())
}

func TestReconcile(t *testing.T) {
	report := scores.Report{Corrected: []scores.Drift{{
		PostID: "p1",
		Stored: scores.Counts{Up: 3},
		Actual: scores.Counts{Up: 2, Down: 1},
	}}}
	mux := newMuxWith(&stubVoter{}, stubScores{}, stubReconciler{report: report})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/scores/reconcile", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"skipped":false,"corrected":[{"post_id":"p1","stored":{"upvotes":3,"downvotes":0},"actual":{"upvotes":2,"downvotes":1}}]}`, rec.Body.String())

	mux = newMuxWith(&stubVoter{}, stubScores{}, stubReconciler{report: scores.Report{Skipped: true}})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/scores/reconcile", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
