package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Submission("parent_interview", "accepted")
	m.Submission("parent_interview", "accepted")
	m.AuditEvent(models.OpLogin)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("parent_interview", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditEvents.WithLabelValues("LOGIN")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/7", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/items/{id}", "GET", "418")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}
