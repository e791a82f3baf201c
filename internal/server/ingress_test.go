package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/logflow/internal/broker"
	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/ingress"
	"github.com/coffersTech/logflow/internal/metric"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

// brokenPublisher fails every publish after ok successes.
type brokenPublisher struct {
	ok    int
	count int
}

func (p *brokenPublisher) Enqueue(context.Context, string, []byte) error {
	if p.count >= p.ok {
		return errors.WrapTransient(errors.ErrBrokerUnavailable, "brokenPublisher", "Enqueue", "publish")
	}
	p.count++
	return nil
}

func TestIngress_Submit(t *testing.T) {
	b := broker.NewMemory()
	h := NewIngressServer(ingress.New(b)).Handler()

	rec, out := doRequest(t, h, http.MethodPost, "/logs", `{"level":"ERROR","message":"db down","service":"api"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "Log queued for processing", out["message"])
	assert.NotEmpty(t, out["log_id"])
	assert.Equal(t, 1, b.Len(broker.DefaultQueue))
}

func TestIngress_SubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		pub    broker.Publisher
		status int
		msg    string
	}{
		{"empty body", http.MethodPost, "", broker.NewMemory(), http.StatusBadRequest, "No data provided"},
		{"empty object", http.MethodPost, "{}", broker.NewMemory(), http.StatusBadRequest, "No data provided"},
		{"malformed", http.MethodPost, "{oops", broker.NewMemory(), http.StatusBadRequest, "Invalid JSON"},
		{"wrong type", http.MethodPost, `{"level":1}`, broker.NewMemory(), http.StatusBadRequest, "level must be a string"},
		{"broker down", http.MethodPost, `{"message":"x"}`, &brokenPublisher{}, http.StatusInternalServerError, "broker unavailable"},
		{"method", http.MethodGet, "", broker.NewMemory(), http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewIngressServer(ingress.New(tt.pub)).Handler()
			rec, out := doRequest(t, h, tt.method, "/logs", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, out["error"], tt.msg)
		})
	}
}

func TestIngress_Batch(t *testing.T) {
	b := broker.NewMemory()
	h := NewIngressServer(ingress.New(b)).Handler()

	rec, out := doRequest(t, h, http.MethodPost, "/logs/batch", `[{"level":"INFO"},{"level":"ERROR"},{}]`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "3 logs queued for processing", out["message"])
	assert.Equal(t, 3.0, out["queued_count"])
	assert.Equal(t, 3, b.Len(broker.DefaultQueue))

	rec, out = doRequest(t, h, http.MethodPost, "/logs/batch", `[]`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0.0, out["queued_count"])
}

func TestIngress_BatchErrors(t *testing.T) {
	b := broker.NewMemory()
	h := NewIngressServer(ingress.New(b)).Handler()

	rec, out := doRequest(t, h, http.MethodPost, "/logs/batch", `{"level":"INFO"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Expected array of logs", out["error"])

	// A bad element rejects the whole batch before anything is published.
	rec, _ = doRequest(t, h, http.MethodPost, "/logs/batch", `[{"level":"INFO"},"nope"]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, b.Len(broker.DefaultQueue))
}

func TestIngress_BatchPartialFailure(t *testing.T) {
	pub := &brokenPublisher{ok: 2}
	h := NewIngressServer(ingress.New(pub)).Handler()

	rec, out := doRequest(t, h, http.MethodPost, "/logs/batch", `[{},{},{},{}]`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, out["error"])
	assert.Equal(t, 2, pub.count)
}

func TestIngress_HealthAndMetrics(t *testing.T) {
	m := metric.New()
	h := NewIngressServer(ingress.New(broker.NewMemory(), ingress.WithMetrics(m)), WithMetrics(m)).Handler()

	rec, out := doRequest(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "healthy", "service": "ingress"}, out)

	doRequest(t, h, http.MethodPost, "/logs", `{"message":"x"}`)
	doRequest(t, h, http.MethodPost, "/logs", ``)

	rec, _ = doRequest(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `logflow_ingress_submissions_total{kind="single",outcome="queued"} 1`)
	assert.Contains(t, body, `logflow_ingress_submissions_total{kind="single",outcome="invalid"} 1`)
	assert.Contains(t, body, `logflow_http_requests_total{code="201",route="/logs"} 1`)
	assert.Contains(t, body, `logflow_http_requests_total{code="400",route="/logs"} 1`)
}
