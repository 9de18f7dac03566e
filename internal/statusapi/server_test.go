// SPDX-License-Identifier: MIT

package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsommer/dndscene/internal/health"
	"github.com/tsommer/dndscene/internal/tracking"
)

func newTestServer(t *testing.T) (*Server, *tracking.Store) {
	t.Helper()
	store := tracking.NewStore(filepath.Join(t.TempDir(), tracking.FileName))
	require.NoError(t, store.Load())

	hm := health.NewManager("test")
	srv := New(Config{ListenAddr: "127.0.0.1:0", RequestsPerMinute: 1000}, store, hm)
	return srv, store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp health.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
}

func TestReadyz(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/readyz").Code)
}

func TestStatusSummarisesTracking(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.Apply(tracking.Diff{Upserts: []tracking.Record{
		{Filename: "a_transkript.txt", Status: tracking.StatusCompleted, LastSeen: time.Now()},
		{Filename: "b_transkript.txt", Status: tracking.StatusNew, LastSeen: time.Now()},
	}}))

	rec := get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TranscriptCount)
	assert.Equal(t, 1, resp.StatusBreakdown["completed"])
	assert.Equal(t, 1, resp.StatusBreakdown["new"])
	assert.Equal(t, "active", resp.TrackingStatus)
	assert.Contains(t, resp.Transcripts, "a_transkript.txt")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRateLimitReturns429(t *testing.T) {
	store := tracking.NewStore(filepath.Join(t.TempDir(), tracking.FileName))
	require.NoError(t, store.Load())
	srv := New(Config{ListenAddr: "127.0.0.1:0", RequestsPerMinute: 2}, store, health.NewManager("test"))

	h := srv.Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/healthz").Code)
}
