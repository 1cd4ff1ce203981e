package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// SetupRoutes configures all API routes
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Binary", "cmd/disparo")
			next.ServeHTTP(w, req)
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/tenants", func(r chi.Router) {
		r.Get("/", h.ListTenants)

		r.Route("/{tenant}", func(r chi.Router) {
			r.Use(h.tenantCtx)
			r.Get("/state", h.GetState)
			r.Get("/rules", h.GetRules)
			r.Get("/lists", h.ListLists)
			r.Get("/lists/{list}", h.GetList)
			r.Get("/history/{phone}", h.GetHistory)
			r.Get("/dispatch-log", h.GetDispatchLog)
			r.Get("/schedules", h.ListSchedules)
			r.Post("/schedules", h.CreateSchedule)
			r.Delete("/schedules/{id}", h.DeleteSchedule)
		})
	})

	return r
}
