package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestScoresReconcile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/admin/scores/reconcile", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"skipped":false,"corrected":[{"post_id":"p1","stored":{"upvotes":3,"downvotes":0},"actual":{"upvotes":2,"downvotes":1}}]}`))
	}))
	defer srv.Close()

	out, err := run(t, "scores", "reconcile", "--community-url", srv.URL, "-o", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "corrected  1")
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "3/0 -> 2/1")

	out, err = run(t, "scores", "reconcile", "--community-url", srv.URL, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"post_id": "p1"`)
}

func TestScoresReconcileSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := run(t, "scores", "reconcile", "--community-url", srv.URL, "-o", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestLedgerPruneRefusesShortWindows(t *testing.T) {
	_, err := run(t, "ledger", "prune", "--older-than", "1h", "--force=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestCommandsNeedDatabaseURL(t *testing.T) {
	t.Setenv("RELAY_DATABASE_URL", "")
	_, err := run(t, "outbox", "backlog", "--database-url", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database-url")
}

func TestUnknownOutputFormat(t *testing.T) {
	var out bytes.Buffer
	viper.Reset()
	viper.Set("output", "yaml")
	err := render(&out, map[string]int{"a": 1}, nil)
	assert.Error(t, err)
}
