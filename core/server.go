package core

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server is the registry's HTTP front end. It owns the route table and
// the middleware stack; the domain logic lives in Registry, DefenseSystem
// and the background loops.
type Server struct {
	registry  *Registry
	defense   *DefenseSystem
	status    *SystemStatus
	allocator *PowerAllocator
	config    *Config
	logger    Logger
	telemetry Telemetry

	mux    *http.ServeMux
	server *http.Server
}

// NewServer assembles the HTTP surface over the given components.
// Nil logger and telemetry fall back to no-op implementations.
func NewServer(registry *Registry, defense *DefenseSystem, status *SystemStatus, allocator *PowerAllocator, config *Config, logger Logger, telemetry Telemetry) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &NoOpTelemetry{}
	}

	s := &Server{
		registry:  registry,
		defense:   defense,
		status:    status,
		allocator: allocator,
		config:    config,
		logger:    logger,
		telemetry: telemetry,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("POST /heartbeat/{service_type}/{instance_id}", s.handleHeartbeat)
	s.mux.HandleFunc("POST /status", s.handleStatusUpdate)
	s.mux.HandleFunc("GET /service/{service_type}", s.handleGetService)
	s.mux.HandleFunc("GET /status", s.handleSystemStatus)
	s.mux.HandleFunc("GET /servers/status", s.handleServersStatus)
	s.mux.HandleFunc("GET /history/{service_type}/{instance_id}", s.handleHistory)
	s.mux.HandleFunc("POST /cleanup", s.handleCleanup)
	s.mux.HandleFunc("POST /defense/activate/{protocol}", s.handleActivateProtocol)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the fully wrapped handler. Middleware order, outermost
// first: CORS -> tracing -> logging -> recovery.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux

	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	if s.config.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "registry")
	}
	if s.config.HTTP.CORS.Enabled {
		handler = CORSMiddleware(&s.config.HTTP.CORS)(handler)
	}
	return handler
}

// Start runs the HTTP server. It blocks until the listener fails or
// Shutdown is called; a graceful shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)

	s.server = &http.Server{
		Addr:           addr,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.HTTP.ReadTimeout,
		WriteTimeout:   s.config.HTTP.WriteTimeout,
		IdleTimeout:    s.config.HTTP.IdleTimeout,
		MaxHeaderBytes: s.config.HTTP.MaxHeaderBytes,
	}

	s.logger.Info("Starting registry HTTP server", map[string]interface{}{
		"address":      addr,
		"cors":         s.config.HTTP.CORS.Enabled,
		"telemetry":    s.config.Telemetry.Enabled,
		"read_timeout": s.config.HTTP.ReadTimeout.String(),
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("HTTP server failed", map[string]interface{}{
			"error":   err.Error(),
			"address": addr,
		})
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down registry HTTP server", nil)
	return s.server.Shutdown(ctx)
}
