/**
 * @description
 * This file sets up the HTTP router for the session-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the dashboard origin.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SessionRoutes creates the router for the session service. auth authenticates
// the caller and stores the identity ID in the request context.
func SessionRoutes(h *SessionHandlers, auth func(http.Handler) http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/session", func(r chi.Router) {
		r.Use(auth)

		r.Post("/tabs", h.OpenTabHandler)
		r.Route("/tabs/{tabID}", func(r chi.Router) {
			r.Delete("/", h.CloseTabHandler)
			r.Get("/status", h.StatusHandler)
			r.Post("/activity", h.ActivityHandler)
			r.Post("/visibility", h.VisibilityHandler)
			r.Post("/continue", h.ContinueHandler)
			r.Post("/logout", h.LogoutHandler)
			r.Post("/lock", h.LockHandler)

			r.Post("/pin", h.CreatePinHandler)
			r.Put("/pin", h.ChangePinHandler)
			r.Delete("/pin", h.DeletePinHandler)
			r.Post("/pin/verify", h.VerifyPinHandler)

			r.Put("/settings", h.UpdateSettingsHandler)
		})
	})

	return r
}
