package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := newForTesting(srv.Client(), srv.URL+"/")
	require.NoError(t, err)
	return c
}

func TestClient_RetryOpts_DefaultEmpty(t *testing.T) {
	c := &Client{}
	assert.Empty(t, c.retryOpts())
}

func TestClient_RetryOpts_ConfiguredFromOptions(t *testing.T) {
	c := &Client{
		retryBackoff:     []time.Duration{time.Second, 2 * time.Second},
		retryMaxAttempts: 5,
	}
	opts := c.retryOpts()
	require.Len(t, opts, 2)
}

func TestClient_FetchPR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/repos/paritytech/polkadot/pulls/20", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"number": 20,
			"title":  "Add feature",
			"state":  "open",
			"body":   "companion: paritytech/substrate#30",
			"head":   map[string]any{"sha": "abc123", "ref": "feat", "repo": map[string]any{"name": "polkadot", "owner": map[string]any{"login": "alice"}}},
			"base":   map[string]any{"ref": "master"},
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	pr, err := c.FetchPR(context.Background(), "paritytech", "polkadot", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, pr.Number)
	assert.Equal(t, "abc123", pr.HeadSHA)
	assert.Equal(t, "master", pr.BaseRef)
	assert.Equal(t, "alice", pr.HeadOwner)
}

func TestClient_FetchReviews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "state": "APPROVED", "user": map[string]any{"login": "alice"}},
			{"id": 2, "state": "CHANGES_REQUESTED", "user": map[string]any{"login": "bob"}},
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	reviews, err := c.FetchReviews(context.Background(), "o", "r", 1)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "alice", reviews[0].User)
	assert.Equal(t, "APPROVED", reviews[0].State)
}

func TestClient_MergePR_HeadChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]any{"message": "Head branch was modified"})
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	_, err := c.MergePR(context.Background(), "o", "r", 1, "abc", MergeSquash, "msg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeadChanged)
}

func TestClient_MergePR_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"merged": true, "sha": "merged123"})
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	sha, err := c.MergePR(context.Background(), "o", "r", 1, "abc", MergeSquash, "msg")
	require.NoError(t, err)
	assert.Equal(t, "merged123", sha)
}

func TestClient_FetchBranchProtection_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"message": "not found"})
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	bp, err := c.FetchBranchProtection(context.Background(), "o", "r", "main")
	require.NoError(t, err)
	assert.Empty(t, bp.RequiredStatusChecks)
}

func TestClient_IsOrgMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	member, err := c.IsOrgMember(context.Background(), "paritytech", "alice")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestClient_IsOrgMember_NotMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	member, err := c.IsOrgMember(context.Background(), "paritytech", "eve")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestClient_FetchCheckRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": 1,
			"check_runs": []map[string]any{
				{"name": "ci/gitlab/build", "status": "completed", "conclusion": "failure"},
			},
		})
	}))
	defer srv.Close()

	c := mustClient(t, srv)
	runs, err := c.FetchCheckRuns(context.Background(), "o", "r", "abc")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failure", runs[0].Conclusion)
}
