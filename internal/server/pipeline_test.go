package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/logflow/internal/broker"
	"github.com/coffersTech/logflow/internal/engine"
	"github.com/coffersTech/logflow/internal/ingress"
	"github.com/coffersTech/logflow/internal/processor"
)

type pipeline struct {
	ingress http.Handler
	storage http.Handler
	store   *engine.Store
	broker  *broker.Memory
}

// startPipeline wires ingress, a memory broker, one processor and storage.
// failFirst makes the storage endpoint answer 503 to that many creates.
func startPipeline(t *testing.T, failFirst int32) *pipeline {
	t.Helper()

	b := broker.NewMemory()
	store, err := engine.Open(t.TempDir())
	require.NoError(t, err)

	storageHandler := NewStorageServer(store).Handler()
	var failures atomic.Int32
	storageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && failures.Add(1) <= failFirst {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		storageHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(storageSrv.Close)

	proc := processor.New(b, processor.NewStorageClient(storageSrv.URL, time.Second), processor.WithID("processor-e2e"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, proc.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &pipeline{
		ingress: NewIngressServer(ingress.New(b)).Handler(),
		storage: storageHandler,
		store:   store,
		broker:  b,
	}
}

func (p *pipeline) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.store.Len() == n }, 3*time.Second, 10*time.Millisecond)
}

func TestPipeline_CriticalIsHighPriority(t *testing.T) {
	p := startPipeline(t, 0)

	rec, out := doRequest(t, p.ingress, http.MethodPost, "/logs",
		`{"level":"CRITICAL","message":"breach","service":"security-service"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	logID := out["log_id"]

	p.waitFor(t, 1)

	_, out = doRequest(t, p.storage, http.MethodGet, "/logs?service=security-service", "")
	require.Equal(t, 1.0, out["count"])
	stored := out["logs"].([]any)[0].(map[string]any)
	assert.Equal(t, logID, stored["timestamp"])
	assert.Equal(t, "high", stored["priority"])
	assert.Equal(t, "processor-e2e", stored["processor_id"])
	assert.NotEmpty(t, stored["processed_at"])
	assert.NotEmpty(t, stored["stored_at"])
}

func TestPipeline_BatchStats(t *testing.T) {
	p := startPipeline(t, 0)

	rec, _ := doRequest(t, p.ingress, http.MethodPost, "/logs/batch", `[
		{"level":"INFO","message":"User logged in","service":"auth-service"},
		{"level":"ERROR","message":"Database connection failed","service":"db-service"},
		{"level":"WARNING","message":"High memory usage","service":"monitor-service"},
		{"level":"DEBUG","message":"Cache hit","service":"cache-service"},
		{"level":"CRITICAL","message":"Payment gateway down","service":"payment-service"}
	]`)
	require.Equal(t, http.StatusCreated, rec.Code)

	p.waitFor(t, 5)

	_, out := doRequest(t, p.storage, http.MethodGet, "/logs/stats", "")
	assert.Equal(t, 5.0, out["total_logs"])
	assert.Equal(t, map[string]any{"high": 2.0, "medium": 1.0, "low": 2.0}, out["by_priority"])
}

// Storage rejects the first attempts; the entry is redelivered and ends up
// stored exactly once.
func TestPipeline_RedeliveryAfterStorageFailure(t *testing.T) {
	p := startPipeline(t, 2)

	rec, _ := doRequest(t, p.ingress, http.MethodPost, "/logs", `{"level":"ERROR","message":"retry me"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	p.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, p.store.Len())
	assert.Equal(t, 0, p.broker.Len(broker.DefaultQueue))

	_, out := doRequest(t, p.storage, http.MethodGet, "/logs", "")
	stored := out["logs"].([]any)[0].(map[string]any)
	assert.Equal(t, "retry me", stored["message"])
	assert.Equal(t, "unknown", stored["service"])
}
