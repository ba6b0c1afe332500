package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"vigil/internal/lifecycle"
	"vigil/internal/recon"
	"vigil/internal/state"
	"vigil/internal/stops"
	"vigil/internal/venue/venuetest"
	"vigil/internal/watchdog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *watchdog.Watchdog, *venuetest.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := &venuetest.Fake{}
	mgr := state.NewManager(state.NewStore(dir, 0))
	sync := stops.NewSync(fake)
	engine := recon.New(fake, sync, filepath.Join(dir, "recon.json"))
	tracker := lifecycle.NewTracker(filepath.Join(dir, "lifecycle.json"), nil)
	reg := prometheus.NewRegistry()
	metrics := watchdog.NewMetrics(reg)
	dog := watchdog.New(watchdog.Config{}, mgr, fake, engine, sync, tracker, nil,
		metrics, filepath.Join(dir, "watchdog.json"))
	return New(":0", mgr, dog, engine, tracker, reg), dog, fake
}

func TestHealthz_ReportsHealthy(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HEALTHY")
}

func TestHealthz_CriticalReturns503(t *testing.T) {
	srv, dog, fake := newTestServer(t)
	fake.SetPosition("BTCUSDT", 0.5, 94000, 0) // orphan: state is flat
	for i := 0; i < 6; i++ {
		dog.RunOnce(context.Background())
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus_CombinesComponentViews(t *testing.T) {
	srv, dog, _ := newTestServer(t)
	dog.RunOnce(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, key := range []string{"state", "recovery", "watchdog", "reconciliation", "lifecycle"} {
		assert.Contains(t, body, key)
	}

	var st state.TradingState
	require.NoError(t, json.Unmarshal(body["state"], &st))
	assert.Equal(t, state.DefaultPeak, st.Peak)
	assert.False(t, st.InPosition())
}

func TestMetrics_Exposed(t *testing.T) {
	srv, dog, _ := newTestServer(t)
	dog.RunOnce(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "watchdog_ticks_total")
}
