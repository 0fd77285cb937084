package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

// TxRunner opens the store's single-writer transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx db.Tx) error) error
}

type AuditStore interface {
	TxRunner
	ListAudit(ctx context.Context, f models.AuditFilter) (*models.Page[*models.AuditEvent], error)
	AuditCounts(ctx context.Context, f models.AuditFilter) ([]models.AuditCount, []time.Time, error)
}

// Recorder receives counters for the metrics endpoint.
type Recorder interface {
	Submission(questionnaireType, outcome string)
	AuditEvent(op models.Operation)
}

type nopRecorder struct{}

func (nopRecorder) Submission(string, string)   {}
func (nopRecorder) AuditEvent(models.Operation) {}

type AuditService struct {
	store    AuditStore
	now      func() time.Time
	log      *slog.Logger
	recorder Recorder
}

func NewAuditService(store AuditStore, log *slog.Logger) *AuditService {
	if log == nil {
		log = slog.Default()
	}
	return &AuditService{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
		recorder: nopRecorder{},
	}
}

func (s *AuditService) SetRecorder(r Recorder) {
	if r != nil {
		s.recorder = r
	}
}

// WriteEvent appends one event inside the caller's transaction. The request
// metadata from actx is merged under extra; extra keys win.
func (s *AuditService) WriteEvent(ctx context.Context, tx db.Tx, actx models.AuditContext, op models.Operation, target *int64, extra map[string]any) error {
	if !op.Valid() {
		return NewServerError(fmt.Errorf("unknown audit operation %q", op))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	details := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			details[k] = v
		}
	}
	put("ip", actx.IP)
	put("user_agent", actx.UserAgent)
	put("path", actx.Path)
	put("request_id", actx.RequestID)
	put("username", actx.Username)
	if op.Sensitive() {
		details["sensitive"] = true
	}
	for k, v := range extra {
		details[k] = v
	}
	ev := &models.AuditEvent{
		UserID:    actx.UserID,
		Operation: op,
		TargetID:  target,
		Details:   details,
		CreatedAt: s.now(),
	}
	if _, err := tx.InsertAudit(ev); err != nil {
		return err
	}
	s.recorder.AuditEvent(op)
	return nil
}

// Authorize checks the caller holds a session and, when adminOnly is set, the
// admin role. A role denial is itself audited.
func (s *AuditService) Authorize(ctx context.Context, actx models.AuditContext, adminOnly bool, action string) error {
	if !actx.Authenticated() {
		return NewAuthRequiredError("login required")
	}
	if !adminOnly || actx.IsAdmin() {
		return nil
	}
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		return s.WriteEvent(ctx, tx, actx, models.OpAccessDenied, nil, map[string]any{
			"action":        action,
			"role":          string(actx.Role),
			"required_role": string(models.RoleAdmin),
		})
	})
	if err != nil {
		s.log.Warn("access denied event not recorded", "request_id", actx.RequestID, "action", action, "err", err)
	}
	return NewPermissionDeniedError("admin role required")
}

func (s *AuditService) Query(ctx context.Context, f models.AuditFilter, actx models.AuditContext) (*models.Page[*models.AuditEvent], error) {
	if err := s.Authorize(ctx, actx, true, "audit.query"); err != nil {
		return nil, err
	}
	if f.Operation != "" && !f.Operation.Valid() {
		return nil, NewValidationError("invalid filter", fmt.Sprintf("operation: 未知的操作类型 %s", f.Operation))
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, NewValidationError("invalid filter", "to: 结束时间不能早于开始时间")
	}
	page, err := s.store.ListAudit(ctx, f)
	if err != nil {
		return nil, storeError(err, "audit log")
	}
	return page, nil
}

func (s *AuditService) Stats(ctx context.Context, f models.AuditFilter, actx models.AuditContext) (*models.AuditStats, error) {
	if err := s.Authorize(ctx, actx, true, "audit.stats"); err != nil {
		return nil, err
	}
	counts, times, err := s.store.AuditCounts(ctx, f)
	if err != nil {
		return nil, storeError(err, "audit log")
	}
	stats := &models.AuditStats{ByOperation: counts}
	for _, c := range counts {
		stats.Total += c.Count
	}
	days := map[string]int64{}
	for _, at := range times {
		days[at.UTC().Format("2006-01-02")]++
	}
	stats.ByDay = buildDaySeries(days)
	return stats, nil
}

func buildDaySeries(counts map[string]int64) []models.AuditCount {
	days := make([]string, 0, len(counts))
	for d := range counts {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]models.AuditCount, 0, len(days))
	for _, d := range days {
		out = append(out, models.AuditCount{Key: d, Count: counts[d]})
	}
	return out
}
