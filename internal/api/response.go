package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/wlcxs123/prd-system-sub000/internal/middleware"
	"github.com/wlcxs123/prd-system-sub000/internal/services"
	"github.com/wlcxs123/prd-system-sub000/internal/utils"
)

type errorBody struct {
	Code             services.ErrorCode `json:"code"`
	Message          string             `json:"message"`
	TechnicalMessage string             `json:"technical_message,omitempty"`
	Details          []string           `json:"details"`
	RequestID        string             `json:"request_id"`
}

var statusByCode = map[services.ErrorCode]int{
	services.ErrorValidation:       http.StatusBadRequest,
	services.ErrorAuthRequired:     http.StatusUnauthorized,
	services.ErrorAuth:             http.StatusUnauthorized,
	services.ErrorSessionExpired:   http.StatusUnauthorized,
	services.ErrorPermissionDenied: http.StatusForbidden,
	services.ErrorNotFound:         http.StatusNotFound,
	services.ErrorResourceExists:   http.StatusConflict,
	services.ErrorBusiness:         http.StatusConflict,
	services.ErrorOperationFailed:  http.StatusInternalServerError,
	services.ErrorServer:           http.StatusInternalServerError,
	services.ErrorDatabase:         http.StatusInternalServerError,
	services.ErrorNetwork:          http.StatusBadGateway,
}

func (s *Server) timestamp() string { return s.now().UTC().Format(time.RFC3339) }

// ok writes {success: true, <fields>, timestamp}.
func (s *Server) ok(w http.ResponseWriter, r *http.Request, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	body["timestamp"] = s.timestamp()
	render.Status(r, status)
	render.JSON(w, r, body)
}

func (s *Server) message(r *http.Request, key string) string {
	return utils.T(middleware.LocaleFromContext(r.Context()), key)
}

// fail writes the error envelope. Anything that is not a service error is
// reported as SERVER_ERROR.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		se, _ = services.AsServiceError(services.NewServerError(err))
	}
	code := se.Code
	if code == services.ErrorAuthRequired {
		if _, expired := middleware.ExpiredClaimsFromContext(r.Context()); expired {
			code = services.ErrorSessionExpired
		}
	}
	reqID := chimw.GetReqID(r.Context())

	details := se.Details
	if len(details) == 0 {
		details = []string{}
		switch code {
		case services.ErrorServer, services.ErrorDatabase, services.ErrorOperationFailed:
		default:
			if se.Message != "" {
				details = []string{se.Message}
			}
		}
	}
	eb := errorBody{
		Code:      code,
		Message:   s.message(r, "error."+string(code)),
		Details:   details,
		RequestID: reqID,
	}
	if !s.production {
		eb.TechnicalMessage = se.Technical
	}

	status, known := statusByCode[code]
	if !known {
		status = http.StatusInternalServerError
	}
	if se.RetryAfter > 0 {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"request_id", reqID, "code", code, "path", r.URL.Path, "err", err, "stack", string(debug.Stack()))
	}

	body := map[string]any{"success": false, "error": eb, "timestamp": s.timestamp()}
	if se.RetryAfter > 0 {
		body["retry_after"] = se.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(se.RetryAfter))
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
