package campaign

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Campaigns
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.HandleGetCampaigns)
			r.Post("/", h.HandleCreateCampaign)
			r.Get("/{campaignId}", h.HandleGetCampaign)
			r.Post("/{campaignId}/send", h.HandleSendCampaign)
			r.Post("/{campaignId}/preview", h.HandlePreviewCampaign)
			r.Post("/{campaignId}/retry", h.HandleRetryCampaignJobs)
			r.Get("/{campaignId}/jobs", h.HandleGetCampaignJobs)
		})

		// Delivery jobs
		r.Post("/jobs/retry", h.HandleRetryJobs)

		// Queue control
		r.Route("/queue", func(r chi.Router) {
			r.Post("/pause", h.HandlePauseQueue)
			r.Post("/resume", h.HandleResumeQueue)
			r.Get("/settings", h.HandleGetQueueSettings)
			r.Put("/settings", h.HandleUpdateQueueSettings)
		})

		// Lists and memberships
		r.Route("/lists", func(r chi.Router) {
			r.Get("/", h.HandleGetLists)
			r.Post("/", h.HandleCreateList)
			r.Post("/recalculate", h.HandleRecalculateLists)
			r.Get("/{listId}", h.HandleGetList)
			r.Post("/{listId}/contacts/{contactId}", h.HandleAddListMember)
			r.Delete("/{listId}/contacts/{contactId}", h.HandleRemoveListMember)
		})

		// Contacts
		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", h.HandleCreateContact)
			r.Get("/{contactId}", h.HandleGetContact)
			r.Put("/{contactId}", h.HandleUpdateContact)
			r.Delete("/{contactId}", h.HandleDeleteContact)
		})

		// Templates
		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.HandleCreateTemplate)
			r.Get("/{templateId}", h.HandleGetTemplate)
		})
	})

	return r
}
