package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/wlcxs123/prd-system-sub000/internal/middleware"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
	"github.com/wlcxs123/prd-system-sub000/internal/questionnaire"
	"github.com/wlcxs123/prd-system-sub000/internal/services"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(r *http.Request, dst any) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return services.NewValidationError("invalid request body", "body: 请求体不是有效的JSON")
	}
	if reflect.Indirect(reflect.ValueOf(dst)).Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fmt.Sprintf("%s: 不满足规则 %s", fe.Field(), fe.Tag()))
			}
			return services.NewValidationError("invalid request body", details...)
		}
		return services.NewValidationError("invalid request body", err.Error())
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, services.NewValidationError("invalid id", "id: 必须是正整数")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, details *[]string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*details = append(*details, key+": 必须是整数")
	}
	return n
}

func listFilter(r *http.Request) (models.ListFilter, error) {
	q := r.URL.Query()
	var details []string
	f := models.ListFilter{
		Search:    q.Get("search"),
		Type:      q.Get("type"),
		Grade:     q.Get("grade"),
		DateFrom:  q.Get("date_from"),
		DateTo:    q.Get("date_to"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		Page:      queryInt(r, "page", &details),
		PageSize:  queryInt(r, "page_size", &details),
	}
	if len(details) > 0 {
		return f, services.NewValidationError("invalid query", details...)
	}
	return f, nil
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	s.ok(w, r, http.StatusOK, map[string]any{"data": s.q.Types()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decode(r, &payload); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.q.Submit(r.Context(), payload, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusCreated, map[string]any{"id": id, "message": s.message(r, "msg.submitted")})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.q.List(r.Context(), f, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{
		"items": page.Items,
		"total": page.Total,
		"page":  page.Page,
		"pages": page.Pages,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.q.Get(r.Context(), id, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"data": rec})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var patch map[string]any
	if err := decode(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.q.Update(r.Context(), id, patch, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"data": rec, "message": s.message(r, "msg.updated")})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.q.Delete(r.Context(), id, auditContext(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"message": s.message(r, "msg.deleted")})
}

type batchDeleteRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1,dive,gt=0"`
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.q.DeleteBatch(r.Context(), req.IDs, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{
		"deleted_count": res.DeletedCount,
		"deleted_ids":   res.DeletedIDs,
		"missing_ids":   res.MissingIDs,
		"message":       s.message(r, "msg.batch_deleted"),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.q.Export(r.Context(), f, r.URL.Query().Get("format"), auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, res.Filename))
	w.Header().Set("X-Export-Count", strconv.Itoa(res.Count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=128"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.auth.Login(r.Context(), req.Username, req.Password, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
		"user":       sess.User,
		"message":    s.message(r, "msg.logged_in"),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), auditContext(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"message": s.message(r, "msg.logged_out")})
}

// handleAutoLogout accepts an expired token so the event names the user
// whose session timed out.
func (s *Server) handleAutoLogout(w http.ResponseWriter, r *http.Request) {
	actx := auditContext(r)
	if c, ok := middleware.ExpiredClaimsFromContext(r.Context()); ok {
		uid := c.UID
		actx.UserID, actx.Username, actx.Role = &uid, c.Username, c.Role
	}
	if err := s.auth.AutoLogout(r.Context(), actx); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"message": s.message(r, "msg.logged_out")})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	sess, err := s.auth.ExtendSession(r.Context(), auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
		"message":    s.message(r, "msg.session_extended"),
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=128"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), auditContext(r), req.OldPassword, req.NewPassword); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"message": s.message(r, "msg.password_changed")})
}

type createUserRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,max=128"`
	Role     string `json:"role" validate:"omitempty,oneof=admin user"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.auth.CreateUser(r.Context(), auditContext(r), req.Username, req.Password, models.Role(req.Role))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusCreated, map[string]any{"data": u, "message": s.message(r, "msg.user_created")})
}

// parseTime accepts RFC 3339 or a calendar date. A bare date used as an
// upper bound covers the whole day.
func parseTime(raw string, endOfDay bool) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	t, ok := questionnaire.ParseDate(raw)
	if !ok {
		return nil, false
	}
	if endOfDay && len(raw) == len("2006-01-02") {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	t = t.UTC()
	return &t, true
}

func auditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	var details []string
	f := models.AuditFilter{
		Operation: models.Operation(strings.ToUpper(strings.TrimSpace(q.Get("operation")))),
		Page:      queryInt(r, "page", &details),
		PageSize:  queryInt(r, "page_size", &details),
	}
	if raw := strings.TrimSpace(q.Get("user_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			details = append(details, "user_id: 必须是整数")
		}
		f.UserID = &id
	}
	var ok bool
	if f.From, ok = parseTime(q.Get("from"), false); !ok {
		details = append(details, "from: 时间格式不正确")
	}
	if f.To, ok = parseTime(q.Get("to"), true); !ok {
		details = append(details, "to: 时间格式不正确")
	}
	if len(details) > 0 {
		return f, services.NewValidationError("invalid query", details...)
	}
	return f, nil
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.audit.Query(r.Context(), f, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{
		"items": page.Items,
		"total": page.Total,
		"page":  page.Page,
		"pages": page.Pages,
	})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.audit.Stats(r.Context(), f, auditContext(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, map[string]any{"data": stats})
}
