package server

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/logflow/internal/engine"
	"github.com/coffersTech/logflow/internal/storage"
)

func newStorage(t *testing.T) (*engine.Store, http.Handler) {
	t.Helper()
	store, err := engine.Open(t.TempDir())
	require.NoError(t, err)
	return store, NewStorageServer(store).Handler()
}

const processedJSON = `{"timestamp":"2025-01-01T10:00:00.000001Z","level":"ERROR","message":"boom","service":"api","metadata":{},"processed_at":"2025-01-01T10:00:00.100000Z","processor_id":"processor-1","priority":"high"}`

func TestStorage_Create(t *testing.T) {
	store, h := newStorage(t)

	rec, out := doRequest(t, h, http.MethodPost, "/logs", processedJSON)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "Log stored successfully", out["message"])
	assert.Equal(t, "2025-01-01T10:00:00.000001Z", out["log_id"])

	assert.Equal(t, 1, store.Len())
	stored, err := storage.ReadFile(filepath.Join(store.Dir(), "2025-01-01T10-00-00.000001Z.json"))
	require.NoError(t, err)
	assert.Equal(t, "boom", stored.Message)
	assert.NotEmpty(t, stored.StoredAt)
}

func TestStorage_CreateErrors(t *testing.T) {
	_, h := newStorage(t)

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"empty", "", "No data provided"},
		{"empty object", "{}", "No data provided"},
		{"malformed", "{nope", "invalid character"},
		{"array", "[1]", "cannot unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := doRequest(t, h, http.MethodPost, "/logs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, out["error"], tt.msg)
		})
	}
}

func TestStorage_CreateDiskFailure(t *testing.T) {
	store, h := newStorage(t)
	require.NoError(t, os.RemoveAll(store.Dir()))
	require.NoError(t, os.WriteFile(store.Dir(), nil, 0644))

	rec, out := doRequest(t, h, http.MethodPost, "/logs", processedJSON)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, out["error"])
	assert.Equal(t, 0, store.Len())
}

func seed(t *testing.T, h http.Handler, levels ...string) {
	t.Helper()
	for i, level := range levels {
		body := strings.Replace(processedJSON, `"level":"ERROR"`, `"level":"`+level+`"`, 1)
		body = strings.Replace(body, "10:00:00.000001Z", "10:00:00.00000"+string(rune('1'+i))+"Z", 1)
		rec, _ := doRequest(t, h, http.MethodPost, "/logs", body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
}

func TestStorage_Query(t *testing.T) {
	_, h := newStorage(t)
	seed(t, h, "INFO", "ERROR", "error", "WARNING")

	rec, out := doRequest(t, h, http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, out["count"])

	rec, out = doRequest(t, h, http.MethodGet, "/logs?level=error&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1.0, out["count"])
	logs := out["logs"].([]any)
	assert.Equal(t, "error", logs[0].(map[string]any)["level"])

	rec, out = doRequest(t, h, http.MethodGet, "/logs?service=other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, out["count"])
	assert.Equal(t, []any{}, out["logs"])
}

func TestStorage_QueryBadLimit(t *testing.T) {
	_, h := newStorage(t)

	for _, limit := range []string{"abc", "0", "-5"} {
		rec, out := doRequest(t, h, http.MethodGet, "/logs?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
		assert.Equal(t, "limit must be a positive integer", out["error"])
	}
}

func TestStorage_QueryGzip(t *testing.T) {
	_, h := newStorage(t)
	seed(t, h, "INFO", "ERROR", "WARNING", "INFO", "DEBUG", "ERROR", "INFO", "INFO")

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 8.0, out["count"])
}

func TestStorage_StatsAndClear(t *testing.T) {
	store, h := newStorage(t)
	seed(t, h, "ERROR", "CRITICAL", "WARNING", "INFO", "DEBUG")

	rec, out := doRequest(t, h, http.MethodGet, "/logs/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, 5.0, out["total_logs"])
	assert.Equal(t, map[string]any{"ERROR": 1.0, "CRITICAL": 1.0, "WARNING": 1.0, "INFO": 1.0, "DEBUG": 1.0}, out["by_level"])
	assert.Equal(t, map[string]any{"api": 5.0}, out["by_service"])
	assert.Equal(t, map[string]any{"high": 5.0}, out["by_priority"])

	rec, out = doRequest(t, h, http.MethodDelete, "/logs/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "All logs cleared from memory", out["message"])

	_, out = doRequest(t, h, http.MethodGet, "/logs/stats", "")
	assert.Equal(t, 0.0, out["total_logs"])

	_, out = doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, 0.0, out["logs_count"])

	files, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestStorage_Methods(t *testing.T) {
	_, h := newStorage(t)

	tests := []struct{ method, path string }{
		{http.MethodPut, "/logs"},
		{http.MethodPost, "/logs/stats"},
		{http.MethodGet, "/logs/clear"},
		{http.MethodPost, "/health"},
	}
	for _, tt := range tests {
		rec, out := doRequest(t, h, tt.method, tt.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, tt.method+" "+tt.path)
		assert.Equal(t, "Method not allowed", out["error"])
	}
}
