package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/httpapi"
)

func newTestServer(ready httpapi.ReadinessChecker) *httpapi.Server {
	return httpapi.NewServer(":0", ready, zap.NewNop())
}

func get(t *testing.T, srv *httpapi.Server, path string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]string
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	rec, body := get(t, newTestServer(httpapi.ReadinessFunc(func(context.Context) error { return nil })), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyz_StorePing(t *testing.T) {
	store := database.NewMemoryStore()
	rec, body := get(t, newTestServer(httpapi.ReadinessFunc(store.Ping)), "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyz_NotReady(t *testing.T) {
	srv := newTestServer(httpapi.ReadinessFunc(func(context.Context) error {
		return errors.New("database unreachable")
	}))
	rec, body := get(t, srv, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "database unreachable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(httpapi.ReadinessFunc(func(context.Context) error { return nil }))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
