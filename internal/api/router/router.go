package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxline-ai/callplane/internal/api/handlers"
	httpmiddleware "github.com/voxline-ai/callplane/internal/http/middleware"
	"github.com/voxline-ai/callplane/internal/webhooks"
	"github.com/voxline-ai/callplane/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger           *logging.Logger
	CallsHandler     *handlers.CallsHandler
	QueueHandler     *handlers.QueueHandler
	CampaignsHandler *handlers.CampaignsHandler
	WebhookHandler   *webhooks.Handler
	HealthHandler    *handlers.HealthHandler
	MetricsHandler   http.Handler
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		if cfg.HealthHandler != nil {
			public.Get("/health", cfg.HealthHandler.Check)
		}
		if cfg.WebhookHandler != nil {
			public.Post("/webhooks/voice", cfg.WebhookHandler.HandleVoice)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.CallsHandler != nil {
		r.Route("/calls", func(r chi.Router) {
			r.Post("/", cfg.CallsHandler.InitiateCall)
			r.Get("/{callID}", cfg.CallsHandler.GetCall)
		})
	}

	if cfg.QueueHandler != nil {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/{entryID}/position", cfg.QueueHandler.GetPosition)
			r.Delete("/{entryID}", cfg.QueueHandler.Cancel)
		})
	}

	if cfg.CampaignsHandler != nil {
		r.Post("/campaigns/{campaignID}/enqueue", cfg.CampaignsHandler.EnqueueContacts)
	}

	return r
}
