package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
	"github.com/wlcxs123/prd-system-sub000/internal/questionnaire"
)

const maxBatchDelete = 1000

type QuestionnaireStore interface {
	TxRunner
	GetQuestionnaire(ctx context.Context, id int64) (*models.Record, error)
	ListQuestionnaires(ctx context.Context, f models.ListFilter) (*models.Page[*models.Record], error)
	EachQuestionnaire(ctx context.Context, f models.ListFilter, fn func(*models.Record) error) error
}

type QuestionnaireService struct {
	store    QuestionnaireStore
	audit    *AuditService
	registry *questionnaire.Registry
	leases   *leases
	now      func() time.Time
	log      *slog.Logger
	recorder Recorder
}

func NewQuestionnaireService(store QuestionnaireStore, audit *AuditService, registry *questionnaire.Registry, log *slog.Logger) *QuestionnaireService {
	if registry == nil {
		registry = questionnaire.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &QuestionnaireService{
		store:    store,
		audit:    audit,
		registry: registry,
		leases:   newLeases(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
		recorder: nopRecorder{},
	}
}

func (s *QuestionnaireService) SetRecorder(r Recorder) {
	if r != nil {
		s.recorder = r
	}
}

// Types lists the registered questionnaire types with their descriptors.
func (s *QuestionnaireService) Types() []*questionnaire.TypeDescriptor {
	return s.registry.Descriptors()
}

// metricType keeps the metric label set closed.
func (s *QuestionnaireService) metricType(payload map[string]any) string {
	typ, _ := payload["type"].(string)
	if d, err := s.registry.Describe(strings.ToLower(strings.TrimSpace(typ))); err == nil {
		return d.Name
	}
	return "unknown"
}

func (s *QuestionnaireService) prepare(raw map[string]any, now time.Time) (*models.Record, error) {
	rec, ds, err := s.registry.Prepare(raw, now)
	if err != nil {
		return nil, NewServerError(err)
	}
	if len(ds) > 0 {
		return nil, NewValidationError("问卷数据验证失败", ds.Strings()...)
	}
	return rec, nil
}

// Submit normalizes, validates, processes and stores one payload and audits
// the creation, all in one transaction.
func (s *QuestionnaireService) Submit(ctx context.Context, payload map[string]any, actx models.AuditContext) (int64, error) {
	if payload == nil {
		return 0, NewValidationError("问卷数据验证失败", "payload: 请求体必须是JSON对象")
	}
	now := s.now()
	var id int64
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		rec, err := s.prepare(payload, now)
		if err != nil {
			return err
		}
		rec.CreatedAt, rec.UpdatedAt = now, now
		if id, err = tx.InsertQuestionnaire(rec); err != nil {
			return err
		}
		return s.audit.WriteEvent(ctx, tx, actx, models.OpCreateQuestionnaire, &id, map[string]any{
			"type": rec.Type,
			"name": rec.BasicInfo.Name,
		})
	})
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
		if se, ok := AsServiceError(err); !ok || se.Code != ErrorValidation {
			outcome = "failed"
		}
	}
	s.recorder.Submission(s.metricType(payload), outcome)
	if err != nil {
		return 0, storeError(err, "questionnaire")
	}
	return id, nil
}

func (s *QuestionnaireService) Get(ctx context.Context, id int64, actx models.AuditContext) (*models.Record, error) {
	if err := s.audit.Authorize(ctx, actx, false, "questionnaire.get"); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, NewValidationError("invalid id", "id: 必须是正整数")
	}
	rec, err := s.store.GetQuestionnaire(ctx, id)
	if err != nil {
		return nil, storeError(err, "questionnaire")
	}
	return rec, nil
}

func (s *QuestionnaireService) List(ctx context.Context, f models.ListFilter, actx models.AuditContext) (*models.Page[*models.Record], error) {
	if err := s.audit.Authorize(ctx, actx, false, "questionnaire.list"); err != nil {
		return nil, err
	}
	f, err := canonicalFilter(f)
	if err != nil {
		return nil, err
	}
	page, err := s.store.ListQuestionnaires(ctx, f)
	if err != nil {
		return nil, storeError(err, "questionnaire")
	}
	return page, nil
}

func canonicalFilter(f models.ListFilter) (models.ListFilter, error) {
	var details []string
	for _, d := range []struct {
		key string
		val *string
	}{{"date_from", &f.DateFrom}, {"date_to", &f.DateTo}} {
		*d.val = strings.TrimSpace(*d.val)
		if *d.val == "" {
			continue
		}
		t, ok := questionnaire.ParseDate(*d.val)
		if !ok {
			details = append(details, d.key+": 日期格式不正确")
			continue
		}
		*d.val = t.Format("2006-01-02")
	}
	if f.DateFrom != "" && f.DateTo != "" && f.DateTo < f.DateFrom {
		details = append(details, "date_to: 结束日期不能早于开始日期")
	}
	switch strings.ToLower(f.SortOrder) {
	case "", "asc", "desc":
	default:
		details = append(details, "sort_order: 只能是 asc 或 desc")
	}
	if f.Page < 0 || f.PageSize < 0 {
		details = append(details, "page: 分页参数不能为负数")
	}
	if len(details) > 0 {
		return f, NewValidationError("invalid filter", details...)
	}
	f.Search = strings.TrimSpace(f.Search)
	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	f.Grade = strings.TrimSpace(f.Grade)
	return f, nil
}

// Update merges patch over the stored payload and re-runs the full pipeline.
// created_at is preserved and updated_at strictly increases.
func (s *QuestionnaireService) Update(ctx context.Context, id int64, patch map[string]any, actx models.AuditContext) (*models.Record, error) {
	if err := s.audit.Authorize(ctx, actx, false, "questionnaire.update"); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, NewValidationError("invalid id", "id: 必须是正整数")
	}
	if patch == nil {
		return nil, NewValidationError("问卷数据验证失败", "payload: 请求体必须是JSON对象")
	}
	release := s.leases.acquire(id)
	defer release()

	var updated *models.Record
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		stored, err := tx.GetQuestionnaire(id)
		if err != nil {
			return err
		}
		base, err := stored.PayloadMap()
		if err != nil {
			return NewServerError(fmt.Errorf("decode stored questionnaire %d: %w", id, err))
		}
		now := s.now()
		if !now.After(stored.UpdatedAt) {
			now = stored.UpdatedAt.Add(time.Microsecond)
		}
		s.registry.ResetDerived(base, stored)
		rec, err := s.prepare(questionnaire.MergePatch(base, patch), now)
		if err != nil {
			return err
		}
		rec.ID = id
		rec.CreatedAt = stored.CreatedAt
		rec.UpdatedAt = now
		if err := tx.UpdateQuestionnaire(rec); err != nil {
			return err
		}
		before, after := basicInfoDiff(stored.BasicInfo, rec.BasicInfo)
		extra := map[string]any{"type": rec.Type, "before": before, "after": after}
		if stored.Type != rec.Type {
			before["type"], after["type"] = stored.Type, rec.Type
		}
		if err := s.audit.WriteEvent(ctx, tx, actx, models.OpUpdateQuestionnaire, &id, extra); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, storeError(err, "questionnaire")
	}
	return updated, nil
}

// basicInfoDiff returns the basic-info fields that changed, keyed by their
// json names.
func basicInfoDiff(a, b models.BasicInfo) (map[string]any, map[string]any) {
	before, after := map[string]any{}, map[string]any{}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		x, y := va.Field(i).Interface(), vb.Field(i).Interface()
		if reflect.DeepEqual(x, y) {
			continue
		}
		before[name], after[name] = derefAge(x), derefAge(y)
	}
	return before, after
}

func derefAge(v any) any {
	if p, ok := v.(*int); ok {
		if p == nil {
			return nil
		}
		return *p
	}
	return v
}

func (s *QuestionnaireService) Delete(ctx context.Context, id int64, actx models.AuditContext) error {
	if err := s.audit.Authorize(ctx, actx, true, "questionnaire.delete"); err != nil {
		return err
	}
	if id <= 0 {
		return NewValidationError("invalid id", "id: 必须是正整数")
	}
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		if busy := s.leases.busy([]int64{id}); len(busy) > 0 {
			return inUseError(busy)
		}
		stored, err := tx.GetQuestionnaire(id)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteQuestionnaires([]int64{id}); err != nil {
			return err
		}
		return s.audit.WriteEvent(ctx, tx, actx, models.OpDeleteQuestionnaire, &id, map[string]any{
			"type": stored.Type,
			"name": stored.BasicInfo.Name,
		})
	})
	return storeError(err, "questionnaire")
}

type BatchDeleteResult struct {
	DeletedCount int     `json:"deleted_count"`
	DeletedIDs   []int64 `json:"deleted_ids"`
	MissingIDs   []int64 `json:"missing_ids"`
}

// DeleteBatch deletes whichever of ids exist. Missing ids are reported, not
// fatal; a batch that removes nothing writes no audit event.
func (s *QuestionnaireService) DeleteBatch(ctx context.Context, ids []int64, actx models.AuditContext) (*BatchDeleteResult, error) {
	if err := s.audit.Authorize(ctx, actx, true, "questionnaire.batch_delete"); err != nil {
		return nil, err
	}
	ids, err := uniqueIDs(ids)
	if err != nil {
		return nil, err
	}
	res := &BatchDeleteResult{}
	err = s.store.InTx(ctx, func(tx db.Tx) error {
		if busy := s.leases.busy(ids); len(busy) > 0 {
			return inUseError(busy)
		}
		deleted, err := tx.DeleteQuestionnaires(ids)
		if err != nil {
			return err
		}
		res.DeletedIDs = deleted
		res.DeletedCount = len(deleted)
		res.MissingIDs = missingIDs(ids, deleted)
		if len(deleted) == 0 {
			return nil
		}
		return s.audit.WriteEvent(ctx, tx, actx, models.OpBatchDelete, nil, map[string]any{
			"requested_ids": ids,
			"deleted_ids":   deleted,
			"missing_ids":   res.MissingIDs,
			"deleted_count": len(deleted),
		})
	})
	if err != nil {
		return nil, storeError(err, "questionnaire")
	}
	return res, nil
}

func uniqueIDs(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, NewValidationError("invalid ids", "ids: 请选择要删除的记录")
	}
	if len(ids) > maxBatchDelete {
		return nil, NewValidationError("invalid ids", fmt.Sprintf("ids: 一次最多删除%d条记录", maxBatchDelete))
	}
	seen := map[int64]struct{}{}
	out := make([]int64, 0, len(ids))
	for i, id := range ids {
		if id <= 0 {
			return nil, NewValidationError("invalid ids", fmt.Sprintf("ids.%d: 必须是正整数", i))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func missingIDs(requested, deleted []int64) []int64 {
	found := make(map[int64]struct{}, len(deleted))
	for _, id := range deleted {
		found[id] = struct{}{}
	}
	out := []int64{}
	for _, id := range requested {
		if _, ok := found[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func inUseError(ids []int64) error {
	details := make([]string, 0, len(ids))
	for _, id := range ids {
		details = append(details, fmt.Sprintf("ids: 记录 %d 正在被其他操作使用", id))
	}
	se := NewBusinessError("record in use", details...).(*ServiceError)
	se.Err = ErrInUse
	return se
}

// Export renders every record matching f. The exported ids stay leased until
// the EXPORT_DATA event is committed.
func (s *QuestionnaireService) Export(ctx context.Context, f models.ListFilter, format string, actx models.AuditContext) (*ExportResult, error) {
	if err := s.audit.Authorize(ctx, actx, true, "questionnaire.export"); err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, NewValidationError("invalid format", "format: 只支持 json 或 csv")
	}
	f, err := canonicalFilter(f)
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = s.store.EachQuestionnaire(ctx, f, func(r *models.Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	if err != nil {
		return nil, storeError(err, "questionnaire")
	}
	release := s.leases.acquire(ids...)
	defer release()

	stamp := s.now().Format("20060102_150405")
	var res *ExportResult
	// Rows are re-read under the writer lock so a delete that committed
	// before the leases were taken is not exported.
	err = s.store.InTx(ctx, func(tx db.Tx) error {
		recs := make([]*models.Record, 0, len(ids))
		for _, id := range ids {
			r, err := tx.GetQuestionnaire(id)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			recs = append(recs, r)
		}
		out, err := renderExport(s.registry, format, recs, stamp)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return NewOperationFailedError("export cancelled", err)
		}
		if err := s.audit.WriteEvent(ctx, tx, actx, models.OpExportData, nil, map[string]any{
			"format": format,
			"count":  out.Count,
			"filter": filterDetails(f),
		}); err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return nil, storeError(err, "questionnaire")
	}
	return res, nil
}

func renderExport(reg *questionnaire.Registry, format string, recs []*models.Record, stamp string) (*ExportResult, error) {
	res := &ExportResult{Count: len(recs)}
	var err error
	switch format {
	case "csv":
		res.Data, err = ExportRecordsCSV(reg, recs)
		res.Filename = "questionnaires_" + stamp + ".csv"
		res.ContentType = "text/csv; charset=utf-8"
	default:
		res.Data, err = ExportRecordsJSON(recs)
		res.Filename = "questionnaires_" + stamp + ".json"
		res.ContentType = "application/json; charset=utf-8"
	}
	if err != nil {
		return nil, NewServerError(fmt.Errorf("render export: %w", err))
	}
	return res, nil
}

func filterDetails(f models.ListFilter) map[string]any {
	out := map[string]any{}
	for k, v := range map[string]string{
		"search": f.Search, "type": f.Type, "grade": f.Grade,
		"date_from": f.DateFrom, "date_to": f.DateTo,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// IsInUse reports whether err is a lease conflict.
func IsInUse(err error) bool { return errors.Is(err, ErrInUse) }
