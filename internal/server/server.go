// Package server exposes the HTTP/JSON surface of the accounting
// service.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/metrics"
	"github.com/openvlab/accounting/internal/queue"
	"github.com/openvlab/accounting/internal/service"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	svc    *service.Service
	queues *queue.Manager
	cfg    *config.Config
	logger zerolog.Logger
}

// New builds a Server.
func New(svc *service.Service, queues *queue.Manager, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		queues: queues,
		cfg:    cfg,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/account", func(r chi.Router) {
		r.Post("/system", s.handleCreateSystem)
		r.Post("/virtual-lab", s.handleCreateVlab)
		r.Post("/project", s.handleCreateProject)
	})
	r.Route("/budget", func(r chi.Router) {
		r.Post("/top-up", s.handleTopUp)
		r.Post("/assign", s.handleAssignBudget)
		r.Post("/reverse", s.handleReverseBudget)
		r.Post("/move", s.handleMoveBudget)
	})
	r.Route("/price", func(r chi.Router) {
		r.Post("/", s.handleAddPrice)
		r.Get("/", s.handleListPrices)
	})
	r.Route("/discount", func(r chi.Router) {
		r.Post("/", s.handleCreateDiscount)
		r.Put("/{discount_id}", s.handleUpdateDiscount)
		r.Get("/virtual-lab/{vlab_id}", s.handleListDiscounts)
		r.Get("/virtual-lab/{vlab_id}/current", s.handleCurrentDiscount)
	})
	r.Route("/reservation", func(r chi.Router) {
		r.Post("/oneshot", s.handleReserveOneshot)
		r.Post("/longrun", s.handleReserveLongrun)
		r.Delete("/oneshot/{job_id}", s.handleReleaseOneshot)
		r.Delete("/longrun/{job_id}", s.handleReleaseLongrun)
	})
	r.Route("/usage", func(r chi.Router) {
		r.Post("/oneshot", s.handlePublishOneshot)
		r.Post("/longrun", s.handlePublishLongrun)
		r.Post("/storage", s.handlePublishStorage)
	})
	r.Route("/balance", func(r chi.Router) {
		r.Get("/system", s.handleSystemBalance)
		r.Get("/virtual-lab/{vlab_id}", s.handleVlabBalance)
		r.Get("/project/{proj_id}", s.handleProjBalance)
	})
	r.Route("/report", func(r chi.Router) {
		r.Get("/system", s.handleSystemReport)
		r.Get("/virtual-lab/{vlab_id}", s.handleVlabReport)
		r.Get("/project/{proj_id}", s.handleProjReport)
	})
	return r
}

// HTTPServer builds the http.Server serving the router.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%s", s.cfg.HTTPPort),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	allowAll := false
	for _, origin := range s.cfg.CORSOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.HTTPRequests.WithLabelValues(
			r.Method, route, fmt.Sprintf("%d", ww.Status())).Inc()
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.cfg.AppName,
		"version": s.cfg.AppVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":     s.cfg.AppVersion,
		"environment": s.cfg.Environment,
	})
}
