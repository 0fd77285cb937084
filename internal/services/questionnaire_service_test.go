package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
	"github.com/wlcxs123/prd-system-sub000/internal/questionnaire"
)

func TestSubmitGetRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e, minimalText)
	assert.GreaterOrEqual(t, id, int64(1))

	got, err := e.q.Get(ctx, id, e.user)
	require.NoError(t, err)

	want, ds, err := questionnaire.Default().Prepare(payload(t, minimalText), testNow)
	require.NoError(t, err)
	require.Empty(t, ds)
	wantJSON, err := want.PayloadJSON()
	require.NoError(t, err)
	gotJSON, err := got.PayloadJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))

	assert.Equal(t, testNow, got.CreatedAt)
	v, _ := got.Statistics.Float("total_questions")
	assert.Equal(t, float64(len(got.Questions)), v)
	assert.EqualValues(t, 1, auditCount(t, e, models.OpCreateQuestionnaire))
}

func TestSubmitRejectsWithEveryDiagnostic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.q.Submit(ctx, payload(t, `{
  "type": "parent_interview",
  "basic_info": {"name": "张三123", "submission_date": "2024-01-15"},
  "questions": [{"id": 1, "type": "text_input", "question": "测试", "answer": "", "is_required": true}]
}`), models.AuditContext{})
	se := requireCode(t, err, ErrorValidation)
	assert.GreaterOrEqual(t, len(se.Details), 3, "%v", se.Details)

	_, err = e.q.Submit(ctx, payload(t, `{"type": "nope", "basic_info": {}, "questions": []}`), models.AuditContext{})
	requireCode(t, err, ErrorValidation)

	page, err := e.q.List(ctx, models.ListFilter{}, e.user)
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total)
	assert.EqualValues(t, 0, auditCount(t, e, ""))
}

func TestAuditFailureRollsBackSubmit(t *testing.T) {
	store := openStore(t)
	failing := failingAuditStore{store}
	_, q, _ := newServices(store, failing, failing)

	_, err := q.Submit(context.Background(), payload(t, minimalText), models.AuditContext{})
	requireCode(t, err, ErrorDatabase)

	page, err := store.ListQuestionnaires(context.Background(), models.ListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total, "the record must not survive a failed audit write")
}

func TestSubmitCancelledContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.q.Submit(ctx, payload(t, minimalText), models.AuditContext{})
	requireCode(t, err, ErrorOperationFailed)
}

func TestUpdateKeepsNullFields(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e, minimalText)

	rec, err := e.q.Update(ctx, id, payload(t, `{"basic_info": {"name": null, "grade": "2"}}`), e.user)
	require.NoError(t, err)
	assert.Equal(t, "张三", rec.BasicInfo.Name)
	assert.Equal(t, "2", rec.BasicInfo.Grade)
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	got, err := e.q.Get(ctx, id, e.user)
	require.NoError(t, err)
	assert.Equal(t, "张三", got.BasicInfo.Name)
	assert.Equal(t, "2", got.BasicInfo.Grade)
	assert.Equal(t, testNow, got.CreatedAt)
	assert.Equal(t, testNow.Add(time.Microsecond), got.UpdatedAt)

	events, err := e.store.ListAudit(ctx, models.AuditFilter{Operation: models.OpUpdateQuestionnaire})
	require.NoError(t, err)
	require.Len(t, events.Items, 1)
	ev := events.Items[0]
	assert.Equal(t, id, *ev.TargetID)
	assert.Equal(t, *e.user.UserID, *ev.UserID)
	assert.Equal(t, map[string]any{"grade": "1"}, ev.Details["before"])
	assert.Equal(t, map[string]any{"grade": "2"}, ev.Details["after"])
	assert.Equal(t, "req-counselor", ev.Details["request_id"])
}

// frankfurtPayload answers seven DS items with ds and leaves the SS sections
// empty.
func frankfurtPayload(ds []int, age int, stats string) string {
	var qs []string
	option := func(id int, section, selected string, max int) string {
		var opts []string
		for v := 0; v <= max; v++ {
			opts = append(opts, fmt.Sprintf(`{"value": %d, "text": "档位%d"}`, v, v))
		}
		return fmt.Sprintf(`{"id": %d, "type": "single_choice", "question": "题目%d", "section": %q, "options": [%s], "selected": %s}`,
			id, id, section, strings.Join(opts, ","), selected)
	}
	for i, v := range ds {
		qs = append(qs, option(i+1, "DS", fmt.Sprintf("[%d]", v), 1))
	}
	for i, sec := range []string{"SS_school", "SS_public", "SS_home"} {
		qs = append(qs, option(len(ds)+i+1, sec, "[]", 4))
	}
	body := fmt.Sprintf(`{"type": "frankfurt_scale_selective_mutism",
  "basic_info": {"name": "李四", "grade": "一年级", "submission_date": "2024-05-20", "age": %d},
  "questions": [%s]`, age, strings.Join(qs, ","))
	if stats != "" {
		body += `, "statistics": ` + stats
	}
	return body + "}"
}

func TestUpdateRederivesAgeGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e, frankfurtPayload([]int{1, 1, 1, 1, 1, 0, 0}, 5, ""))
	got, err := e.q.Get(ctx, id, e.user)
	require.NoError(t, err)
	assert.Equal(t, "3_7", got.Statistics.String("age_group"))
	assert.Equal(t, "high", got.Statistics.String("risk_level"))

	rec, err := e.q.Update(ctx, id, payload(t, `{"basic_info": {"age": 15}}`), e.user)
	require.NoError(t, err)
	assert.Equal(t, 15, *rec.BasicInfo.Age)
	assert.Equal(t, "12_18", rec.Statistics.String("age_group"))
	assert.Equal(t, "mid", rec.Statistics.String("risk_level"))

	got, err = e.q.Get(ctx, id, e.user)
	require.NoError(t, err)
	assert.Equal(t, "12_18", got.Statistics.String("age_group"))
	assert.Equal(t, "mid", got.Statistics.String("risk_level"))

	rec, err = e.q.Update(ctx, id, payload(t, `{"questions": [{"selected": [0]}, {"selected": [0]}]}`), e.user)
	require.NoError(t, err)
	assert.Equal(t, "low", rec.Statistics.String("risk_level"))
	ds, _ := rec.Statistics.Float("ds_total")
	assert.EqualValues(t, 3, ds)
}

func TestUpdateKeepsClientAgeGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e, frankfurtPayload([]int{1, 1, 1, 1, 1, 0, 0}, 5, `{"age_group": "6_11"}`))

	rec, err := e.q.Update(ctx, id, payload(t, `{"basic_info": {"age": 15}}`), e.user)
	require.NoError(t, err)
	assert.Equal(t, "6_11", rec.Statistics.String("age_group"))
	assert.Equal(t, "mid", rec.Statistics.String("risk_level"))
}

func TestUpdateRevalidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e, minimalText)

	_, err := e.q.Update(ctx, id, payload(t, `{"basic_info": {"submission_date": "2030-01-01"}}`), e.user)
	requireCode(t, err, ErrorValidation)
	_, err = e.q.Update(ctx, id+50, payload(t, `{"basic_info": {"grade": "2"}}`), e.user)
	requireCode(t, err, ErrorNotFound)
	_, err = e.q.Update(ctx, id, payload(t, `{}`), models.AuditContext{})
	requireCode(t, err, ErrorAuthRequired)

	got, err := e.q.Get(ctx, id, e.user)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", got.BasicInfo.SubmissionDate)
	assert.EqualValues(t, 0, auditCount(t, e, models.OpUpdateQuestionnaire))
}

func TestDeletePermissionsAndNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e, minimalText)

	requireCode(t, e.q.Delete(ctx, id, models.AuditContext{}), ErrorAuthRequired)
	requireCode(t, e.q.Delete(ctx, id, e.user), ErrorPermissionDenied)
	assert.EqualValues(t, 1, auditCount(t, e, models.OpAccessDenied))

	requireCode(t, e.q.Delete(ctx, id+10, e.admin), ErrorNotFound)
	assert.EqualValues(t, 0, auditCount(t, e, models.OpDeleteQuestionnaire))

	require.NoError(t, e.q.Delete(ctx, id, e.admin))
	assert.EqualValues(t, 1, auditCount(t, e, models.OpDeleteQuestionnaire))
	_, err := e.q.Get(ctx, id, e.admin)
	requireCode(t, err, ErrorNotFound)

	events, err := e.store.ListAudit(ctx, models.AuditFilter{Operation: models.OpDeleteQuestionnaire})
	require.NoError(t, err)
	assert.Equal(t, true, events.Items[0].Details["sensitive"])
}

func TestDeleteBatchBestEffort(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := submit(t, e, minimalText)
	b := submit(t, e, minimalText)

	res, err := e.q.DeleteBatch(ctx, []int64{b, a, 999, a}, e.admin)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedCount)
	assert.Equal(t, []int64{a, b}, res.DeletedIDs)
	assert.Equal(t, []int64{999}, res.MissingIDs)
	assert.EqualValues(t, 1, auditCount(t, e, models.OpBatchDelete))

	events, err := e.store.ListAudit(ctx, models.AuditFilter{Operation: models.OpBatchDelete})
	require.NoError(t, err)
	assert.Equal(t, []any{999.0}, events.Items[0].Details["missing_ids"])
	assert.Nil(t, events.Items[0].TargetID)

	res, err = e.q.DeleteBatch(ctx, []int64{a, b}, e.admin)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DeletedCount)
	assert.EqualValues(t, 1, auditCount(t, e, models.OpBatchDelete), "an empty batch writes no event")

	_, err = e.q.DeleteBatch(ctx, nil, e.admin)
	requireCode(t, err, ErrorValidation)
	_, err = e.q.DeleteBatch(ctx, []int64{-1}, e.admin)
	requireCode(t, err, ErrorValidation)
}

func TestDeleteRefusesLeasedRecords(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := submit(t, e, minimalText)
	b := submit(t, e, minimalText)

	release := e.q.leases.acquire(a)
	se := requireCode(t, e.q.Delete(ctx, a, e.admin), ErrorBusiness)
	assert.True(t, IsInUse(se))
	_, err := e.q.DeleteBatch(ctx, []int64{a, b}, e.admin)
	requireCode(t, err, ErrorBusiness)

	_, err = e.q.Get(ctx, b, e.admin)
	require.NoError(t, err, "the whole batch rolls back")

	release()
	release()
	require.NoError(t, e.q.Delete(ctx, a, e.admin))
}

func TestListFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	submit(t, e, minimalText)
	submit(t, e, strings.Replace(minimalText, "2024-01-15", "2024-03-01", 1))

	page, err := e.q.List(ctx, models.ListFilter{DateFrom: "2024/02/01"}, e.user)
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)

	page, err = e.q.List(ctx, models.ListFilter{Type: " PARENT_INTERVIEW "}, e.user)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	_, err = e.q.List(ctx, models.ListFilter{DateFrom: "yesterday"}, e.user)
	requireCode(t, err, ErrorValidation)
	_, err = e.q.List(ctx, models.ListFilter{SortOrder: "sideways"}, e.user)
	requireCode(t, err, ErrorValidation)
	_, err = e.q.List(ctx, models.ListFilter{}, models.AuditContext{})
	requireCode(t, err, ErrorAuthRequired)
}

func TestExport(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	submit(t, e, minimalText)
	submit(t, e, strings.Replace(minimalText, "张三", "李四", 1))

	_, err := e.q.Export(ctx, models.ListFilter{}, "csv", e.user)
	requireCode(t, err, ErrorPermissionDenied)
	_, err = e.q.Export(ctx, models.ListFilter{}, "pdf", e.admin)
	requireCode(t, err, ErrorValidation)

	res, err := e.q.Export(ctx, models.ListFilter{SortBy: "id", SortOrder: "asc"}, "csv", e.admin)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "questionnaires_20240601_100000.csv", res.Filename)
	require.True(t, bytes.HasPrefix(res.Data, []byte(utf8BOM)))
	rows, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(res.Data), utf8BOM))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	header := rows[0]
	assert.Equal(t, "id", header[0])
	assert.Equal(t, "q1", header[len(header)-1])
	assert.Contains(t, header, "statistics.total_score")
	assert.Equal(t, "张三", rows[1][2])
	assert.Equal(t, "答案", rows[1][len(header)-1])

	res, err = e.q.Export(ctx, models.ListFilter{Search: "李四"}, "json", e.admin)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "李四", out[0]["basic_info"].(map[string]any)["name"])

	assert.EqualValues(t, 2, auditCount(t, e, models.OpExportData))
	assert.Empty(t, e.q.leases.busy([]int64{1, 2}), "export leases are released")
}

// deletingStore removes victim right after the export has read its rows,
// the way a concurrent delete that commits first would.
type deletingStore struct {
	*db.SQLiteStore
	victim int64
}

func (s deletingStore) EachQuestionnaire(ctx context.Context, f models.ListFilter, fn func(*models.Record) error) error {
	if err := s.SQLiteStore.EachQuestionnaire(ctx, f, fn); err != nil {
		return err
	}
	return s.SQLiteStore.InTx(ctx, func(tx db.Tx) error {
		_, err := tx.DeleteQuestionnaires([]int64{s.victim})
		return err
	})
}

func TestExportSkipsRowsDeletedWhileReading(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := submit(t, e, minimalText)
	second := submit(t, e, strings.Replace(minimalText, "张三", "李四", 1))

	_, q, _ := newServices(e.store, e.store, deletingStore{SQLiteStore: e.store, victim: first})
	res, err := q.Export(ctx, models.ListFilter{}, "json", e.admin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &out))
	require.Len(t, out, 1)
	assert.EqualValues(t, second, out[0]["id"])

	events, err := e.store.ListAudit(ctx, models.AuditFilter{Operation: models.OpExportData})
	require.NoError(t, err)
	require.Len(t, events.Items, 1)
	assert.EqualValues(t, 1, events.Items[0].Details["count"])
}

func TestTypesListsRegistry(t *testing.T) {
	e := newEnv(t)
	names := map[string]bool{}
	for _, d := range e.q.Types() {
		names[d.Name] = true
	}
	assert.True(t, names["frankfurt_scale_selective_mutism"])
	assert.True(t, names["student_report"])
	assert.Len(t, names, 8)
}
