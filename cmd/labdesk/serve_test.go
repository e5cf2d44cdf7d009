package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/config"
	"github.com/labdesk/labdesk/internal/platform/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Env:                "test",
		LogLevel:           "info",
		StoreDriver:        config.DriverSQLite,
		SQLitePath:         filepath.Join(dir, "lab.db"),
		DraftsPath:         filepath.Join(dir, "drafts.db"),
		DefaultTenant:      "default",
		LoadTimeout:        time.Second,
		SubmitTimeout:      5 * time.Second,
		SessionIdleTimeout: time.Minute,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := testConfig(t)
	log := zerolog.Nop()
	ctx := context.Background()

	be, err := openBackend(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(be.Close)
	require.NoError(t, seedCatalog(ctx, be, cfg.DefaultTenant, filepath.Join("..", "..", "configs", "catalog.yaml"), log))

	metrics := telemetry.New("labdesk_test")
	eng, err := newEngine(cfg, be.store, metrics, log)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	srv := httptest.NewServer(newServer(cfg, be, eng, metrics, log))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	code, body := call(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "pool")
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t)
	call(t, http.MethodGet, srv.URL+"/api/v1/test-types", "")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "labdesk_test_http_requests_total")
}

func TestServer_SeededCatalog(t *testing.T) {
	srv := newTestServer(t)

	code, body := call(t, http.MethodGet, srv.URL+"/api/v1/test-types?limit=3", "")
	require.Equal(t, http.StatusOK, code)
	data, ok := body["data"].([]interface{})
	require.True(t, ok, "expected a data array in %v", body)
	assert.Len(t, data, 3)
	assert.Equal(t, true, body["has_more"])
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	code, sess := call(t, http.MethodPost, srv.URL+"/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, code)
	id := sess["id"].(string)

	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/suspend", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = call(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/drafts/"+id+"/resume", "")
	assert.Equal(t, http.StatusCreated, code)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/version", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-1", resp.Header.Get("X-Request-ID"))
}
