// Package server is the custody store HTTP server: routes, middleware
// chain, optional TLS and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/handlers"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/config"
)

// Server is the custody store HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Handlers groups everything the router mounts.
type Handlers struct {
	API    *handlers.APIHandler
	Health *handlers.HealthHandler
	System *handlers.SystemHandler
	// Identity authenticates /api/v1 requests except /api/v1/info.
	Identity func(http.Handler) http.Handler
}

// New creates the server with routes and middleware in place.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter builds the route tree. Health, metrics and info are public;
// every evidence route needs an identity and a scope.
func NewRouter(logger *slog.Logger, h Handlers) http.Handler {
	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/api/v1/info", h.System.GetInfo)

	read := middleware.RequireScope(middleware.ScopeEvidenceRead)
	write := middleware.RequireScope(middleware.ScopeEvidenceWrite)
	audit := middleware.RequireScope(middleware.ScopeAuditRun)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(h.Identity)

		r.Route("/evidence", func(r chi.Router) {
			r.With(write).Post("/", h.API.IngestEvidence)
			r.With(read).Get("/", h.API.SearchEvidence)
			r.With(read).Get("/{cid}", h.API.GetEvidence)
			r.With(read).Get("/{cid}/content", h.API.GetEvidenceContent)
			r.With(write).Put("/{cid}/case", h.API.RebindCase)
			r.With(read).Get("/{cid}/custody", h.API.GetCustody)
			r.With(read).Get("/{cid}/verify", h.API.VerifyCustody)
		})
		r.With(audit).Post("/maintenance/audit", h.API.RunAudit)
	})

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// CS_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	useTLS := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server started",
			slog.String("addr", ln.Addr().String()),
			slog.Bool("tls", useTLS),
		)

		var err error
		if useTLS {
			err = s.httpServer.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
