// Package web provides the JSON and SSE HTTP surface of the price feed
// service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/service"
	"github.com/JonMunkholm/pricefeed/internal/web/middleware"
)

// Server is the HTTP server for the import and export API.
type Server struct {
	service *service.Service
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
	limiter *middleware.RateLimiter

	// closing ends open SSE streams on Shutdown.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a Server routing to svc.
func NewServer(svc *service.Service, cfg *config.Config) *Server {
	s := &Server{
		service: svc,
		cfg:     cfg,
		router:  chi.NewRouter(),
		closing: make(chan struct{}),
	}
	if cfg.Rate.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.Rate.SubmitPerMinute, cfg.Rate.Burst)
	}
	s.setupMiddleware()
	s.setupRoutes()

	sc := cfg.Server
	s.server = &http.Server{
		Addr:         sc.Addr(),
		Handler:      s.router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  sc.IdleTimeout,
	}
	s.server.RegisterOnShutdown(s.closeStreams)
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(middleware.SecurityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Job submission is rate limited per client IP.
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Limit)
			}
			r.Post("/imports", s.handleStartImport)
			r.Post("/exports", s.handleStartExport)
			r.Post("/detect", s.handleDetect)
		})

		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/stats", s.handleStats)
		r.Get("/operations/{id}", s.handleGetOperation)
		r.Get("/operations/{id}/progress", s.handleOperationProgress)
		r.Post("/operations/{id}/cancel", s.handleCancel)
		r.Get("/operations/{id}/artifact", s.handleArtifact)

		r.Get("/progress", s.handleProgressFeed)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handleSaveTemplate)
		r.Post("/templates/generate", s.handleGenerateTemplate)

		r.Get("/export-templates", s.handleListExportTemplates)
		r.Post("/export-templates", s.handleSaveExportTemplate)
		r.Delete("/export-templates/{id}", s.handleDeleteExportTemplate)
		r.Get("/export-fields", s.handleExportFields)

		r.Get("/workers", s.handleWorkers)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	slog.Info("starting server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends open event streams and waits for
// in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Workers())
}

// writeJSON encodes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
