package middleware

import (
	"context"
	"net/http"

	"github.com/wlcxs123/prd-system-sub000/internal/utils"
)

type localeKey struct{}

// DefaultLocale is used when neither ?lang= nor Accept-Language match.
const DefaultLocale = "zh"

// SupportedLocales are the message catalogs in utils.
var SupportedLocales = []string{"zh", "en"}

// Locale resolves the response language once per request. An explicit ?lang=
// wins over Accept-Language.
func Locale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locale := utils.DetermineLocale(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), SupportedLocales, DefaultLocale)
		w.Header().Set("Content-Language", locale)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), localeKey{}, locale)))
	})
}

// LocaleFromContext returns the locale chosen by Locale, or DefaultLocale.
func LocaleFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(localeKey{}).(string); ok {
		return s
	}
	return DefaultLocale
}
