package server

import (
	"net/http"
)

// ProcessorServer exposes health and metrics of a processor, which has no
// API of its own.
type ProcessorServer struct {
	base
	id string
}

// NewProcessorServer reports on the processor named id.
func NewProcessorServer(id string, opts ...Option) *ProcessorServer {
	s := &ProcessorServer{id: id}
	s.configure(opts)
	return s
}

// Handler returns the routes of the processor status endpoint.
func (s *ProcessorServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "/health", s.handleHealth)
	s.mountMetrics(mux)
	return mux
}

// Start runs the HTTP server.
func (s *ProcessorServer) Start(addr string) error {
	s.logger.Info("Processor status listening", "addr", addr)
	return s.serve(addr, s.Handler())
}

func (s *ProcessorServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, s.logger, http.MethodGet) {
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"status":       "healthy",
		"service":      "processor",
		"processor_id": s.id,
	})
}
