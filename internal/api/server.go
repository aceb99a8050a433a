package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zoptal/mailflow/internal/config"
	"github.com/zoptal/mailflow/internal/metrics"
	"github.com/zoptal/mailflow/internal/service"
)

// Version is reported by the health endpoint
var Version = "dev"

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	svc        *service.EmailService
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(svc *service.EmailService, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleTemplateList)
			r.Post("/", s.handleTemplateCreate)
			r.Get("/{id}", s.handleTemplateGet)
			r.Put("/{id}", s.handleTemplateUpdate)
			r.Delete("/{id}", s.handleTemplateDelete)
			r.Post("/{id}/preview", s.handleTemplatePreview)
		})

		r.Route("/audiences", func(r chi.Router) {
			r.Get("/", s.handleAudienceList)
			r.Post("/", s.handleAudienceCreate)
			r.Get("/{id}", s.handleAudienceGet)
			r.Post("/{id}/refresh", s.handleAudienceRefresh)
			r.Delete("/{id}", s.handleAudienceDelete)
		})

		r.Post("/send", s.handleSend)
		r.Post("/send/bulk", s.handleSendBulk)
		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.handleMessageList)
			r.Get("/{id}", s.handleMessageGet)
			r.Post("/{id}/events", s.handleMessageEvent)
		})
		r.Get("/statistics", s.handleStatistics)

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", s.handleSuppressionList)
			r.Post("/", s.handleSuppressionAdd)
			r.Delete("/{email}", s.handleSuppressionRemove)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleCampaignList)
			r.Post("/", s.handleCampaignCreate)
			r.Get("/{id}", s.handleCampaignGet)
			r.Delete("/{id}", s.handleCampaignDelete)
			r.Post("/{id}/send", s.handleCampaignSend)
			r.Post("/{id}/schedule", s.handleCampaignSchedule)
			r.Post("/{id}/pause", s.handleCampaignPause)
			r.Post("/{id}/resume", s.handleCampaignResume)
			r.Post("/{id}/cancel", s.handleCampaignCancel)
			r.Post("/{id}/stats", s.handleCampaignRefreshStats)
		})

		r.Route("/automations", func(r chi.Router) {
			r.Get("/", s.handleAutomationList)
			r.Post("/", s.handleAutomationCreate)
			r.Get("/{id}", s.handleAutomationGet)
			r.Delete("/{id}", s.handleAutomationDelete)
			r.Post("/{id}/trigger", s.handleAutomationTrigger)
			r.Post("/{id}/activate", s.handleAutomationActivate)
			r.Post("/{id}/deactivate", s.handleAutomationDeactivate)
		})
		r.Post("/events/{type}", s.handleEventEmit)
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Templates int    `json:"templates"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if stats, err := s.svc.TemplateStats(r.Context()); err == nil {
		resp.Templates = int(stats.Total)
	}
	sendJSON(w, http.StatusOK, resp)
}
