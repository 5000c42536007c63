package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/pkg/httputil"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, cfg config.ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "no route for "+r.URL.Path)
	})

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	if h.health != nil {
		r.Get("/health", h.health.HandleHealth)
		r.Get("/health/live", h.health.HandleLiveness)
		r.Get("/health/ready", h.health.HandleReadiness)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(newClientLimiter(cfg.RateLimit, cfg.RateBurst).middleware)
		}
		if cfg.APIToken != "" {
			r.Use(requireToken(cfg.APIToken))
		}

		r.Get("/known/domains", h.GetKnownDomains)
		r.Get("/known/emails", h.GetKnownEmails)

		r.Post("/candidates", h.PostCandidates)

		r.Route("/orgs", func(r chi.Router) {
			r.Get("/in-window", h.GetInWindow)
			r.Post("/{id}/transitions", h.PostTransition)
			r.Post("/{id}/score", h.PostScore)
			r.Post("/{id}/call-permission", h.PostCallPermission)
			r.Get("/{id}/history", h.GetHistory)
		})

		r.Post("/sequences", h.PostSequence)
		r.Route("/touches", func(r chi.Router) {
			r.Get("/due", h.GetDueTouches)
			r.Post("/{id}/sent", h.PostTouchSent)
			r.Post("/{id}/failed", h.PostTouchFailed)
		})
		r.Get("/nurture/due", h.GetDueNurture)

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", h.ListSuppressions)
			r.Post("/", h.PostSuppression)
			r.Get("/stats", h.GetSuppressionStats)
			r.Get("/{email}", h.GetSuppression)
		})

		r.Post("/replies", h.PostReply)
		r.Post("/calls", h.PostCall)
		r.Post("/meetings", h.PostMeeting)
		r.Post("/meetings/{id}/outcome", h.PostMeetingOutcome)

		r.Get("/ledger", h.GetLedger)
	})

	return r
}
