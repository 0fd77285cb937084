package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows the form pages and the admin console to call the API from
// another origin. An empty origin list allows any origin without credentials.
func CORS(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-Id", "Accept-Language"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-Id", "Retry-After"},
		MaxAge:         300,
	}
	if len(origins) > 0 {
		opts.AllowedOrigins = origins
		opts.AllowCredentials = true
	}
	return cors.Handler(opts)
}
