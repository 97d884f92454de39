package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const healthProbeTimeout = 5 * time.Second

// Server is the HTTP surface: POST /responses, GET /health, GET /metrics,
// and the data channel at GET /p2p when enabled.
type Server struct {
	handler    *Handler
	httpServer *http.Server
	logger     *slog.Logger
	dataCh     *DataChannel
	responses  bool
}

// ServerOptions configures the HTTP surface. Health and metrics are
// always mounted; the two request transports are opt-in.
type ServerOptions struct {
	Host string
	Port int

	// EnableResponses mounts POST /responses.
	EnableResponses bool
	// EnableDataChannel mounts the websocket endpoint at /p2p.
	EnableDataChannel bool
	PeerName          string

	Logger *slog.Logger
}

// NewServer wires the router over the dispatcher.
func NewServer(h *Handler, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{handler: h, logger: opts.Logger.With("component", "http"), responses: opts.EnableResponses}
	if opts.EnableDataChannel {
		s.dataCh = NewDataChannel(h, opts.PeerName, opts.Logger)
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: s.Router(),
	}
	return s
}

// Router builds the chi routing tree. Exposed so tests can drive the
// surface without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if s.responses {
		r.Post("/responses", s.handleResponses)
	}
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", MetricsHandler())
	if s.dataCh != nil {
		r.Get("/p2p", s.dataCh.ServeHTTP)
	}
	return r
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failed(fmt.Errorf("decode request: %w", err)))
		return
	}
	resp := s.handler.Dispatch(r.Context(), &req, r.Header.Get("X-Session-Id"))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	if err := s.handler.Healthy(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
