package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/shadow", s.handleListShadow)

		r.Route("/humidifiers", func(r chi.Router) {
			r.Get("/", s.handleListHumidifiers)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetHumidifier)
				r.Get("/shadow", s.handleGetShadow)
				r.Post("/update", s.handleUpdate)

				r.Group(func(r chi.Router) {
					r.Use(s.writeGuardMiddleware)
					r.Post("/turn_on", s.handleTurnOn)
					r.Post("/turn_off", s.handleTurnOff)
					r.Post("/set_humidity", s.handleSetHumidity)
					r.Post("/set_mode", s.handleSetMode)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint, see / for the list")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}
