/**
 * @description
 * This file sets up the HTTP router for the claims-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, CORS, authentication, and timeouts.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ClaimRoutes creates and returns a new router for the claims service.
func ClaimRoutes(h *ClaimHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Wallet-authenticated claim endpoints.
	r.Group(func(r chi.Router) {
		r.Use(WalletAuthMiddleware(jwksURL))

		r.Post("/claims", h.SubmitClaimHandler)
		r.Get("/claims", h.ListClaimsHandler)
		r.Get("/claims/{claimID}", h.GetClaimHandler)
	})

	// Service-to-service endpoints guarded by the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/internal/earnings", h.AccrueEarningsHandler)
	})

	return r
}
