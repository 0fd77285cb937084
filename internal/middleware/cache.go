package middleware

import "net/http"

// NoStore keeps personal questionnaire data out of shared and browser caches.
// Responses also vary by session and language.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store, private")
		h.Set("Pragma", "no-cache")
		h.Add("Vary", "Authorization")
		h.Add("Vary", "Accept-Language")
		next.ServeHTTP(w, r)
	})
}
