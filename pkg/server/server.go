// Package server exposes the agent's HTTP surface: aggregated and
// per-sandbox metrics in cAdvisor text format, a sandbox inventory,
// a health endpoint keyed to the reconciler lifecycle, and a
// WebSocket stream of lifecycle events. The server binds loopback by
// default; it is meant to be scraped from inside the guest or
// through the VM's exposed port, not from an open network.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vigilbox/vigilbox/pkg/convert"
	"github.com/vigilbox/vigilbox/pkg/events"
	"github.com/vigilbox/vigilbox/pkg/metrics"
	"github.com/vigilbox/vigilbox/pkg/monitor"
	"github.com/vigilbox/vigilbox/pkg/monitoring"
	"github.com/vigilbox/vigilbox/pkg/sandbox"
)

// Config holds the HTTP server settings.
type Config struct {
	ListenAddress string        `json:"listen_address" yaml:"listen_address" mapstructure:"listen_address"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
}

// DefaultConfig returns the default server settings. The agent binds
// loopback only: the orchestrator reaches it through the sandbox's
// port forwarding, never across the host network.
func DefaultConfig() Config {
	return Config{
		ListenAddress: "127.0.0.1:8090",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// StateReporter reports the reconciler lifecycle state for the health
// endpoint.
type StateReporter interface {
	State() monitor.State
}

// Deps are the collaborators the server reads from. Registry, Store,
// and Converter are required; the rest may be nil, which disables the
// corresponding endpoint or middleware.
type Deps struct {
	Registry  *sandbox.Registry
	Store     *metrics.Store
	Converter *convert.Converter
	Health    StateReporter
	Bus       *events.Bus
	Self      *monitoring.Metrics
	Tracing   *monitoring.TracingManager
}

// Server serves the agent's HTTP endpoints.
type Server struct {
	config   Config
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
}

// NewServer builds the server and wires its routes and middleware.
func NewServer(config Config, deps Deps) *Server {
	defaults := DefaultConfig()
	if config.ListenAddress == "" {
		config.ListenAddress = defaults.ListenAddress
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-bound service; browser origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// GetRouter returns the configured router, mainly for tests.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	if s.deps.Tracing != nil {
		s.router.Use(s.deps.Tracing.HTTPMiddleware())
	}
	if s.deps.Self != nil {
		s.router.Use(s.deps.Self.HTTPMiddleware())
	}

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/sandboxes", s.handleSandboxes).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.deps.Bus != nil {
		s.router.HandleFunc("/events", s.handleEvents).Methods("GET")
	}
}

// Start begins serving in the background. Listen errors after startup
// are logged; the first Listen failure is returned synchronously so a
// bad address fails fast.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddress,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = ln

	log.Info().
		Str("address", ln.Addr().String()).
		Bool("events_enabled", s.deps.Bus != nil).
		Msg("Starting HTTP server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server serve error")
		}
	}()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddress
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, closing event streams first so their
// hijacked connections do not outlive the listener.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP server")
	close(s.shutdown)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriter captures the status code for access logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
