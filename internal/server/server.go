// Package server provides the importable HTTP decision service. Clients open
// a session per playback, report completed transfers and stalls, and ask for
// the format of each next chunk. This allows E2E tests to programmatically
// start/stop the service without running main().
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/thesyncim/abr/internal/logger"
	"github.com/thesyncim/abr/internal/metrics"
	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/ladder"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	// MaxSessions caps open sessions; 0 is unbounded.
	MaxSessions int

	// SessionTTL expires sessions idle for longer. 0 keeps them until deleted.
	SessionTTL time.Duration

	// Ladder is used by sessions that post no formats. Optional.
	Ladder *ladder.Ladder

	// Selector holds the defaults that session requests override.
	Selector abr.Config
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxSessions:  10000,
		Selector:     abr.DefaultConfig(),
	}
}

// Server is the decision service.
type Server struct {
	config     Config
	httpServer *http.Server
	registry   *Registry
	log        *slog.Logger
	listener   net.Listener
	addr       string
	mu         sync.Mutex
	running    bool
	stop       chan struct{}
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called. log and m may be nil.
func NewServer(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Selector.RateBased.BandwidthFraction <= 0 {
		return nil, fmt.Errorf("%w: bandwidth fraction %v", abr.ErrInvalidConfig, cfg.Selector.RateBased.BandwidthFraction)
	}

	registry := NewRegistry(cfg.MaxSessions, log)
	h := NewHandler(registry, cfg.Ladder, cfg.Selector, log, m)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	if m != nil {
		r.Use(metrics.RequestMiddleware(m))
		r.Method(http.MethodGet, "/metrics", m.Handler(func() {
			m.SetActiveSessions(registry.Len())
		}))
	}
	h.Routes(r)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		registry:   registry,
		log:        log,
	}, nil
}

// Handler returns the root HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	// Create listener to get actual port
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true
	s.stop = make(chan struct{})

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", slog.String("error", err.Error()))
		}
	}()
	if s.config.SessionTTL > 0 {
		go s.expireLoop(s.stop)
	}

	return s.addr, nil
}

// expireLoop drops idle sessions until stop is closed.
func (s *Server) expireLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.SessionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.registry.Expire(s.config.SessionTTL); n > 0 {
				s.log.Info("expired idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	close(s.stop)
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
