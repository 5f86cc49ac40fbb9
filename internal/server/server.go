// Package server exposes the conversation over HTTP and a websocket feed so
// a browser or any other presentation client can drive it.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/turn"
)

// Companion is the subset of the turn controller the server drives.
type Companion interface {
	Snapshot() turn.State
	Send(ctx context.Context, text string) error
	Listen(ctx context.Context) error
	StopListening(ctx context.Context) error
	Replay(ctx context.Context, index int) error
	StopSpeaking(ctx context.Context) error
}

// LogSource serves recent log lines.
type LogSource interface {
	History(limit int) []logging.Entry
}

// Config configures the HTTP listener.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	// AllowedOrigins lists browser origins, besides the server's own host,
	// that may open the feed or change state.
	AllowedOrigins []string
}

// DefaultConfig listens on loopback only.
func DefaultConfig() *Config {
	return &Config{
		Addr:            "127.0.0.1:8765",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server serves the REST API, the websocket feed and metrics.
type Server struct {
	cfg       *Config
	companion Companion
	bus       *bus.EventBus
	metrics   http.Handler
	logs      LogSource
	origins   *originPolicy
	hub       *Hub
	logger    zerolog.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Bus     *bus.EventBus
	Metrics http.Handler
	Logs    LogSource
}

// New creates a Server.
func New(logger zerolog.Logger, cfg *Config, companion Companion, opts Options) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger = logger.With().Str("component", "server").Logger()
	origins := newOriginPolicy(cfg.AllowedOrigins)
	return &Server{
		cfg:       cfg,
		companion: companion,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logs:      opts.Logs,
		origins:   origins,
		hub:       NewHub(logger, companion, origins.Allow),
		logger:    logger,
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("HTTP request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(api chi.Router) {
		s.registerRoutes(api)
		api.Get("/ws", s.hub.ServeWS)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.bus != nil {
		unsubscribe := s.bus.Subscribe(bus.EventTypeStateChanged, s.hub.OnEvent)
		defer unsubscribe()
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
