package server

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coffersTech/logflow/internal/metric"
)

func TestProcessorServer(t *testing.T) {
	m := metric.New()
	m.Deliveries.WithLabelValues("acked").Inc()
	h := NewProcessorServer("processor-3", WithMetrics(m)).Handler()

	rec, body := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processor", body["service"])
	assert.Equal(t, "processor-3", body["processor_id"])

	rec, _ = doRequest(t, h, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = doRequest(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	out, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(out), `logflow_processor_deliveries_total{outcome="acked"} 1`)
	assert.Contains(t, string(out), `logflow_http_requests_total{code="405",route="/health"} 1`)
}
