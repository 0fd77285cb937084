package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wlcxs123/prd-system-sub000/internal/metrics"
	"github.com/wlcxs123/prd-system-sub000/internal/middleware"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
	"github.com/wlcxs123/prd-system-sub000/internal/services"
)

const maxBodyBytes = 10 << 20

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Questionnaires *services.QuestionnaireService
	Audit          *services.AuditService
	Auth           *services.AuthService
	Signer         *middleware.Signer
	Metrics        *metrics.Metrics
	DB             Pinger
	Logger         *slog.Logger
	Production     bool
	AllowedOrigins []string
	Version        string
}

type Server struct {
	q          *services.QuestionnaireService
	audit      *services.AuditService
	auth       *services.AuthService
	signer     *middleware.Signer
	metrics    *metrics.Metrics
	db         Pinger
	log        *slog.Logger
	production bool
	origins    []string
	version    string
	now        func() time.Time
}

func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		q:          d.Questionnaires,
		audit:      d.Audit,
		auth:       d.Auth,
		signer:     d.Signer,
		metrics:    m,
		db:         d.DB,
		log:        log,
		production: d.Production,
		origins:    d.AllowedOrigins,
		version:    d.Version,
		now:        time.Now,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.CORS(s.origins))
	r.Use(middleware.SecureHeaders(s.production))
	r.Use(middleware.Locale)
	r.Use(s.signer.WithAuth)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, services.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, services.NewValidationError("method not allowed", r.Method+" "+r.URL.Path))
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoStore)
		r.Use(limitBody)

		r.Get("/questionnaire-types", s.handleTypes)
		r.Route("/questionnaires", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/export", s.handleExport)
			r.Post("/batch-delete", s.handleBatchDelete)
			r.Get("/{id}", s.handleGet)
			r.Put("/{id}", s.handleUpdate)
			r.Delete("/{id}", s.handleDelete)
		})
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/auto-logout", s.handleAutoLogout)
			r.Post("/extend", s.handleExtend)
			r.Post("/change-password", s.handleChangePassword)
		})
		r.Post("/users", s.handleCreateUser)
		r.Get("/audit-logs", s.handleAuditQuery)
		r.Get("/audit-logs/stats", s.handleAuditStats)
	})
	return r
}

// requestID reuses a sane inbound X-Request-Id or assigns a UUID, and stores
// it where chi's GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", clientIP(r),
		)
	})
}

// recoverer turns a panic into a SERVER_ERROR envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("panic", "request_id", chimw.GetReqID(r.Context()), "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
				s.fail(w, r, services.NewServerError(fmt.Errorf("panic: %v", v)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// auditContext carries the caller identity and request metadata into the
// service layer.
func auditContext(r *http.Request) models.AuditContext {
	actx := models.AuditContext{
		RequestID: chimw.GetReqID(r.Context()),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	}
	if c, ok := middleware.ClaimsFromContext(r.Context()); ok {
		uid := c.UID
		actx.UserID, actx.Username, actx.Role = &uid, c.Username, c.Role
	}
	return actx
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.fail(w, r, services.NewDatabaseError(err))
			return
		}
	}
	s.ok(w, r, http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": "connected",
		"message":  s.message(r, "health.ok"),
		"locale":   middleware.LocaleFromContext(r.Context()),
		"version":  s.version,
	})
}
