package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	api := newTestAPI(t)
	api.srv.secret = "s3cret"

	req, err := http.NewRequest(http.MethodGet, api.ts.URL+"/api/v1/servers", nil)
	require.NoError(t, err)
	resp, err := api.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body errorResponse
	decodeInto(t, resp, &body)
	assert.Equal(t, "Not authenticated", body.Detail)

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = api.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = api.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthenticateDisabledWithoutSecret(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/api/v1/servers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRecoveryMiddleware(t *testing.T) {
	api := newTestAPI(t)

	panicky := api.srv.chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/servers", nil)
	panicky.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)
	ops := httptest.NewServer(api.srv.OpsHandler())
	defer ops.Close()

	resp, err := http.Get(ops.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out HealthResponse
	decodeInto(t, resp, &out)
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, "test", out.Version)
}

func TestReadyEndpoint(t *testing.T) {
	api := newTestAPI(t)
	ops := httptest.NewServer(api.srv.OpsHandler())
	defer ops.Close()

	resp, err := http.Get(ops.URL + "/ready")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ReadyResponse
	decodeInto(t, resp, &out)
	assert.Equal(t, "ready", out.Status)
	assert.Equal(t, "ok", out.Checks["storage"])
	assert.Equal(t, "ok", out.Checks["queue"])

	// Losing redis flips readiness.
	api.mr.Close()
	resp, err = http.Get(ops.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	ops := httptest.NewServer(api.srv.OpsHandler())
	defer ops.Close()

	// Drive one observed request so the counter has a sample.
	resp := api.do(t, http.MethodGet, "/api/v1/servers", nil)
	resp.Body.Close()

	resp, err := http.Get(ops.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
