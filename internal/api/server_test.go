package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arqonbus/bus/internal/config"
)

func newTestServer(adminKey string) *Server {
	cfg := &config.Config{}
	cfg.Security.AdminAPIKey = adminKey
	return New(cfg, nil, nil)
}

func TestStatusEndpointReturnsServiceName(t *testing.T) {
	s := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "arqonbus", body["service"])
	require.Equal(t, "ok", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	s := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, Version, body["version"])
}

func TestAdminRouteRequiresAPIKey(t *testing.T) {
	s := newTestServer("topsecret")
	req := httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRouteWithoutControllerReturns503(t *testing.T) {
	s := newTestServer("topsecret")
	req := httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil)
	req.Header.Set("X-API-Key", "topsecret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
