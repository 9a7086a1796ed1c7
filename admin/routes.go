package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin listener: /admin/* behind the secret, plus
// /metrics when a metrics handler is given.
func NewRouter(handlers *AdminHandlers, secret string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, map[string]string{"status": "ok"}, false, "")
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/status", handlers.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(handlers.requireStore)
			r.Get("/parked", handlers.handleParked)
			r.Get("/hubs", handlers.handleHubs)
			r.Get("/links", handlers.handleLinks)
			r.Get("/satellites/{parentID}", handlers.handleSatellites)
			r.Get("/snapshots/{sourceID}", handlers.handleSnapshot)
		})
	})

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	log.Info().Bool("metrics", metrics != nil).Msg("Admin endpoints enabled at /admin/*")
	return r
}

// requireStore rejects vault queries on processes that do not open the vault.
func (h *AdminHandlers) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, "vault is not open in this process")
			return
		}
		next.ServeHTTP(w, r)
	})
}
