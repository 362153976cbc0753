// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware and
// routes, and owns the lifetime of the record store:
//
//	cmd/server/main.go
//	  config.LoadFromEnv → server.OpenStore → server.New → Server.Start
//
//	server.New wires:
//	  store ─┬─► OpenRecorder ──► PixelHandler
//	         ├─► TrackingService ► TrackingHandler
//	         └─► HealthHandler
//
// Each layer only receives what it needs: services get the repository
// interface, handlers get a service (or, for health, only the Ping method).
//
// METRICS:
// Every Server has its own Prometheus registry, exposed on /metrics. Two
// servers in one process (as in the tests) never collide on registration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/opentrack/internal/config"
	"github.com/sakif/opentrack/internal/handler"
	"github.com/sakif/opentrack/internal/metrics"
	"github.com/sakif/opentrack/internal/middleware"
	"github.com/sakif/opentrack/internal/repository"
	"github.com/sakif/opentrack/internal/service"
)

const defaultWriteTimeout = 15 * time.Second

// Config holds server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration // raised to RecordTimeout+config.WriteMargin if shorter
	RecordTimeout   time.Duration
	AllowedOrigins  []string
	StoreDriver     string // only logged
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server takes ownership of the store passed to New and closes it after
// the HTTP server has drained during shutdown.
type Server struct {
	router   *chi.Mux
	config   Config
	logger   *slog.Logger
	store    repository.TrackingRepository
	registry *prometheus.Registry
}

// New creates a Server around an open store and sets up all routes.
func New(cfg Config, store repository.TrackingRepository, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = service.DefaultRecordTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	// The pixel is written after the recorder returns, so the write deadline
	// has to outlast the recorder's own deadline.
	if minWrite := cfg.RecordTimeout + config.WriteMargin; cfg.WriteTimeout < minWrite {
		cfg.WriteTimeout = minWrite
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		store:    store,
		registry: reg,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /track/{emailId}       → tracking pixel (always 200 image/gif)
// GET    /track, /track/        → tracking pixel, nothing recorded
// POST   /api/register          → register an email before sending
// GET    /api/status/{emailId}  → opened? when? how often?
// GET    /api/opens/{emailId}   → every recorded open
// GET    /health                → store ping
// GET    /metrics               → Prometheus exposition
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns unique ID to each request (for tracing)
// 2. RealIP: rewrites RemoteAddr from X-Forwarded-For / X-Real-IP; the
//    pixel handler records this address
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
// CORS applies to /api only; the pixel is loaded by <img> tags, which CORS
// does not govern.
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	recorder := service.NewOpenRecorder(s.store, metrics.New(s.registry), s.logger,
		service.WithTimeout(s.config.RecordTimeout),
	)
	trackingService := service.NewTrackingService(s.store, s.logger)

	pixelHandler := handler.NewPixelHandler(recorder, s.logger)
	trackingHandler := handler.NewTrackingHandler(trackingService, s.logger)
	healthHandler := handler.NewHealthHandler(s.store, s.logger)

	s.router.Get("/track", pixelHandler.HandlePixel)
	s.router.Get("/track/", pixelHandler.HandlePixel)
	s.router.Get("/track/{emailId}", pixelHandler.HandlePixel)

	s.router.Get("/health", healthHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Post("/register", trackingHandler.HandleRegister)
		r.Get("/status/{emailId}", trackingHandler.HandleStatus)
		r.Get("/opens/{emailId}", trackingHandler.HandleOpens)
	})
}

// Start listens on the configured port and blocks until SIGINT or SIGTERM,
// then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		s.store.Close()
		return fmt.Errorf("listening on port %d: %w", s.config.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests (pixel writes included) to finish, up to
//    ShutdownTimeout
// 3. Close the store
//
// The store is closed on every return path.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("email tracking server running",
			slog.String("addr", ln.Addr().String()),
			slog.String("store", s.config.StoreDriver),
		)
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}
