package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/service"
)

// testRouter builds a router on a nil database: only routes that fail
// before touching storage can be exercised here. Everything else is
// covered by the integration tests.
func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Load()
	logger := zerolog.Nop()
	svc := service.New(nil, cfg, logger)
	return New(svc, nil, cfg, logger).Router()
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	router := testRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	rec = doRequest(t, router, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var version map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	assert.Contains(t, version, "version")
	assert.Contains(t, version, "environment")
}

func TestInvalidJSONBody(t *testing.T) {
	router := testRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/budget/top-up", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_REQUEST", string(body.ErrorCode))
}

func TestUnknownFieldsRejected(t *testing.T) {
	router := testRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/budget/top-up",
		`{"vlab_id": "7f8a1f82-1c7e-4a5a-9af0-000000000001", "amount": "1", "extra": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidPathIDs(t *testing.T) {
	router := testRouter(t)

	for _, path := range []string{
		"/balance/project/not-a-uuid",
		"/balance/virtual-lab/not-a-uuid",
		"/report/project/not-a-uuid",
		"/discount/virtual-lab/not-a-uuid",
	} {
		rec := doRequest(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	rec := doRequest(t, router, http.MethodDelete, "/reservation/oneshot/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/discount/abc", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidReportParams(t *testing.T) {
	router := testRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/report/system?page=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/report/system?started_after=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/balance/system", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownServiceTypeInPrice(t *testing.T) {
	router := testRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/price",
		`{"service_type": "quantum", "service_subtype": "ml-llm",
		"valid_from": "2025-01-01T00:00:00Z", "fixed_cost": "0", "multiplier": "1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
