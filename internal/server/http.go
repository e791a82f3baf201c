// Package server exposes the ingress and storage services, and the status
// endpoint of a processor, over HTTP.
// Every failure is answered with a JSON envelope {"error": "..."}.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/metric"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// Option configures a server.
type Option func(*base)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = l }
}

// WithMetrics enables request counting and serves /metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// base holds what both services share: the listener lifecycle, logging
// and metrics.
type base struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

func (b *base) configure(opts []Option) {
	b.logger = slog.Default()
	for _, opt := range opts {
		opt(b)
	}
}

// serve runs handler on addr until Shutdown is called. Shutdown before
// serve makes serve return immediately.
func (b *base) serve(addr string, handler http.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := b.srv
	b.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (b *base) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	srv := b.srv
	b.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// handle registers h on mux, counting requests per route.
func (b *base) handle(mux *http.ServeMux, route string, h http.HandlerFunc) {
	if b.metrics == nil {
		mux.HandleFunc(route, h)
		return
	}
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		b.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (b *base) mountMetrics(mux *http.ServeMux) {
	if b.metrics != nil {
		mux.Handle("/metrics", b.metrics.Handler())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("JSON encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}

// writeFailure answers err with 400 for invalid input and 500 otherwise.
// Client errors carry their cause; server errors carry the full chain.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.IsInvalid(err) {
		writeError(w, logger, http.StatusBadRequest, errors.Cause(err).Error())
		return
	}
	logger.Error("Request failed", "error", err)
	writeError(w, logger, http.StatusInternalServerError, err.Error())
}

// allow rejects requests whose method is not method.
func allow(w http.ResponseWriter, r *http.Request, logger *slog.Logger, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, logger, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.WrapInvalid(err, "server", "readBody", "read request body")
	}
	return body, nil
}

// decodeObject decodes a non-empty JSON object into dst.
func decodeObject(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.WrapInvalid(errors.ErrNoData, "server", "decodeObject", "decode body")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return errors.WrapInvalid(err, "server", "decodeObject", "decode body")
	}
	if len(fields) == 0 {
		return errors.WrapInvalid(errors.ErrNoData, "server", "decodeObject", "decode body")
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return errors.WrapInvalid(err, "server", "decodeObject", "decode body")
	}
	return nil
}
