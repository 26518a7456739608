package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/pushwatch/internal/models"
	"github.com/lei/pushwatch/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler, tokens *TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, tokens, Options{Timeout: 5 * time.Second}, logger.Discard())
}

func TestListPushes_EncodesQuery(t *testing.T) {
	var gotPath, gotQuery, gotRequestID string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotRequestID = r.Header.Get("X-Request-ID")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []models.Push{{ID: 12, Revision: "abc", PushTimestamp: 1700000000}},
			"meta":    map[string]any{"count": 1},
		})
	}), nil)

	pushes, err := c.ListPushes(context.Background(), "autoland", PushQuery{Count: 10, BeforeID: 100, FromChange: "abc"})
	require.NoError(t, err)

	assert.Equal(t, "/api/project/autoland/push/", gotPath)
	assert.Equal(t, "count=10&fromchange=abc&id__lt=100", gotQuery)
	assert.NotEmpty(t, gotRequestID)
	require.Len(t, pushes, 1)
	assert.Equal(t, int64(12), pushes[0].ID)
}

func TestListJobs_FollowsNext(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/project/try/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			json.NewEncoder(w).Encode(map[string]any{
				"results": []models.Job{{ID: 2, GUID: "g2"}},
			})
			return
		}
		assert.Equal(t, "g1,g2", r.URL.Query().Get("job_guid__in"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []models.Job{{ID: 1, GUID: "g1"}},
			"next":    srvURL + "/api/project/try/jobs/?page=2",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := New(srv.URL, nil, Options{}, logger.Discard())
	jobs, err := c.ListJobs(context.Background(), "try", JobQuery{GUIDs: []string{"g1", "g2"}})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "g2", jobs[1].GUID)
}

func TestJobQueryValues(t *testing.T) {
	q := JobQuery{
		PushIDs:           []int64{1, 2},
		IDs:               []int64{3},
		LastModifiedSince: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Count:             2000,
	}
	assert.Equal(t, "count=2000&id__in=3&last_modified__gt=2024-05-06T07%3A08%3A09Z&push_id__in=1%2C2", q.values().Encode())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrJobNotFound)
		}},
		{"forbidden", http.StatusForbidden, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
		}},
		{"unavailable", http.StatusServiceUnavailable, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrBackendUnavailable)
		}},
		{"detail message", http.StatusBadRequest, `{"detail":"bad id"}`, func(t *testing.T, err error) {
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, 400, apiErr.Code)
			assert.Equal(t, "bad id", apiErr.Message)
		}},
		{"plain body", http.StatusInternalServerError, "boom\n", func(t *testing.T, err error) {
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "boom", apiErr.Message)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}), nil)

			_, err := c.GetJob(context.Background(), "autoland", 5)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCancelJob(t *testing.T) {
	var method, path string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}), NewTokenSource("secret", ""))

	require.NoError(t, c.CancelJob(context.Background(), "autoland", 77))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/project/autoland/jobs/77/cancel/", path)
}

func TestTokenFileReloadedAfter401(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new" {
			// rotate the token before rejecting the stale one
			os.WriteFile(path, []byte("new"), 0o600)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(models.Job{ID: 9})
	}), NewTokenSource("", path))

	job, err := c.GetJob(context.Background(), "autoland", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), job.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []models.Push{}})
	}))
	defer srv.Close()

	c := New(srv.URL, nil, Options{RateLimit: 0.001, Burst: 1}, logger.Discard())
	_, err := c.ListPushes(context.Background(), "try", PushQuery{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ListPushes(ctx, "try", PushQuery{})
	assert.Error(t, err)
}
