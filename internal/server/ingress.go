package server

import (
	"fmt"
	"net/http"

	"github.com/coffersTech/logflow/internal/ingress"
)

// IngressServer serves the submission API.
type IngressServer struct {
	base
	svc    *ingress.Service
	parser ingress.Parser
}

// NewIngressServer wraps svc.
func NewIngressServer(svc *ingress.Service, opts ...Option) *IngressServer {
	s := &IngressServer{svc: svc}
	s.configure(opts)
	return s
}

// Handler returns the routes of the ingress service.
func (s *IngressServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "/health", s.handleHealth)
	s.handle(mux, "/logs", s.handleSubmit)
	s.handle(mux, "/logs/batch", s.handleSubmitBatch)
	s.mountMetrics(mux)
	return mux
}

// Start runs the HTTP server.
func (s *IngressServer) Start(addr string) error {
	s.logger.Info("Ingress listening", "addr", addr)
	return s.serve(addr, s.Handler())
}

func (s *IngressServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodGet) {
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy", "service": "ingress"})
}

// handleSubmit processes POST /logs with a single submission.
func (s *IngressServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodPost) {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	raw, err := s.parser.ParseSubmission(body)
	if err != nil {
		s.svc.RecordInvalid("single")
		writeFailure(w, s.logger, err)
		return
	}

	entry, err := s.svc.SubmitLog(r.Context(), raw)
	if err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": "Log queued for processing",
		"log_id":  entry.Timestamp,
	})
}

// handleSubmitBatch processes POST /logs/batch with an array of submissions.
func (s *IngressServer) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodPost) {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	raws, err := s.parser.ParseBatch(body)
	if err != nil {
		s.svc.RecordInvalid("batch")
		writeFailure(w, s.logger, err)
		return
	}

	n, err := s.svc.SubmitLogBatch(r.Context(), raws)
	if err != nil {
		writeFailure(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusCreated, map[string]any{
		"status":       "success",
		"message":      fmt.Sprintf("%d logs queued for processing", n),
		"queued_count": n,
	})
}
