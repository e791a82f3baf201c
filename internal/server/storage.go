package server

import (
	"net/http"
	"strconv"

	"github.com/klauspost/compress/gzhttp"

	"github.com/coffersTech/logflow/internal/engine"
	"github.com/coffersTech/logflow/internal/model"
)

// StorageServer serves the storage engine.
type StorageServer struct {
	base
	store *engine.Store
}

// NewStorageServer wraps store.
func NewStorageServer(store *engine.Store, opts ...Option) *StorageServer {
	s := &StorageServer{store: store}
	s.configure(opts)
	return s
}

// Handler returns the routes of the storage service. Read responses are
// gzip-compressed for clients that accept it.
func (s *StorageServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "/health", s.handleHealth)
	s.handle(mux, "/logs", s.logsHandler(gzhttp.GzipHandler(http.HandlerFunc(s.handleQuery))))
	s.handle(mux, "/logs/stats", gzhttp.GzipHandler(http.HandlerFunc(s.handleStats)).ServeHTTP)
	s.handle(mux, "/logs/clear", s.handleClear)
	s.mountMetrics(mux)
	return mux
}

// Start runs the HTTP server.
func (s *StorageServer) Start(addr string) error {
	s.logger.Info("Storage listening", "addr", addr, "dir", s.store.Dir())
	return s.serve(addr, s.Handler())
}

func (s *StorageServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodGet) {
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    "storage",
		"logs_count": s.store.Len(),
	})
}

// logsHandler dispatches POST (create) and GET (query) on /logs.
func (s *StorageServer) logsHandler(query http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleCreate(w, r)
		case http.MethodGet:
			query.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeError(w, s.logger, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func (s *StorageServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	var entry model.ProcessedLog
	if err := decodeObject(body, &entry); err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	rec, err := s.store.CreateLog(entry)
	if err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": "Log stored successfully",
		"log_id":  rec.Timestamp,
	})
}

func (s *StorageServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := engine.Query{
		Level:   params.Get("level"),
		Service: params.Get("service"),
		Limit:   engine.DefaultQueryLimit,
	}

	if limitStr := params.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, s.logger, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	logs := s.store.QueryLogs(q)
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(logs),
		"logs":   logs,
	})
}

func (s *StorageServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodGet) {
		return
	}

	stats := s.store.GetStats()
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"status":      "success",
		"total_logs":  stats.Total,
		"by_level":    stats.ByLevel,
		"by_service":  stats.ByService,
		"by_priority": stats.ByPriority,
	})
}

func (s *StorageServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodDelete) {
		return
	}

	s.store.ClearLogs()
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "All logs cleared from memory",
	})
}
