package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	sqlDB, err := Open(filepath.Join(t.TempDir(), "data", "questionnaires.db"))
	require.NoError(t, err)
	require.NoError(t, RunMigrations(sqlDB, ""))
	store, err := NewSQLiteStore(sqlDB, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(name, typ, grade, date string, at time.Time) *models.Record {
	return &models.Record{
		Type: typ,
		BasicInfo: models.BasicInfo{
			Name: name, Grade: grade, SubmissionDate: date,
			ParentPhone: "13812345678", Address: "北京市",
		},
		Questions: []models.Question{{
			ID: 1, Type: "text", Question: "Q", IsRequired: true,
			Body: &models.TextBody{Answer: "答案", InputType: "text", MaxLength: 200},
		}},
		Statistics: models.Statistics{"total_score": 1.0},
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func insert(t *testing.T, s *SQLiteStore, rec *models.Record) int64 {
	t.Helper()
	var id int64
	err := s.InTx(context.Background(), func(tx Tx) error {
		var err error
		id, err = tx.InsertQuestionnaire(rec)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestMigrationsAreRepeatable(t *testing.T) {
	s := newTestStore(t)
	v, err := SchemaVersion(s.sqlDB)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, RunMigrations(s.sqlDB, ""))

	// Forget 002 so the ALTER statements run against existing columns.
	_, err = s.sqlDB.Exec(`DELETE FROM schema_version WHERE version = 2`)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(s.sqlDB, ""))
	v, err = SchemaVersion(s.sqlDB)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMigrationsRefuseNewerSchema(t *testing.T) {
	s := newTestStore(t)
	_, err := s.sqlDB.Exec(`INSERT INTO schema_version (version, name, applied_at) VALUES (99, '099_future.sql', ?)`, t0)
	require.NoError(t, err)
	err = RunMigrations(s.sqlDB, "")
	assert.True(t, errors.Is(err, ErrSchemaTooNew), "got %v", err)
}

func TestInsertGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("张三", "parent_interview", "1", "2024-01-15", t0)
	id := insert(t, s, rec)
	assert.GreaterOrEqual(t, id, int64(1))

	got, err := s.GetQuestionnaire(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "张三", got.BasicInfo.Name)
	assert.Equal(t, t0, got.CreatedAt)
	require.Len(t, got.Questions, 1)
	assert.Equal(t, "答案", got.Questions[0].Text().Answer)

	got.BasicInfo.Name = "张三二"
	got.BasicInfo.ParentPhone = "010-12345678"
	got.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.UpdateQuestionnaire(got) }))

	again, err := s.GetQuestionnaire(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "张三二", again.BasicInfo.Name)
	assert.Equal(t, t0, again.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), again.UpdatedAt)

	var name, phone string
	require.NoError(t, s.sqlDB.QueryRow(`SELECT name, parent_phone FROM questionnaires WHERE id = ?`, id).Scan(&name, &phone))
	assert.Equal(t, "张三二", name)
	assert.Equal(t, "010-12345678", phone)

	_, err = s.GetQuestionnaire(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)

	missing := sampleRecord("王五", "parent_interview", "1", "2024-01-15", t0)
	missing.ID = id + 100
	err = s.InTx(ctx, func(tx Tx) error { return tx.UpdateQuestionnaire(missing) })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.InsertQuestionnaire(sampleRecord("张三", "parent_interview", "1", "2024-01-15", t0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	page, err := s.ListQuestionnaires(ctx, models.ListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.InTx(cancelled, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListQuestionnaires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert(t, s, sampleRecord("张三", "parent_interview", "1", "2024-01-15", t0))
	insert(t, s, sampleRecord("李四", "speech_habit", "2", "2024-02-10", t0.Add(time.Minute)))
	insert(t, s, sampleRecord("王五", "speech_habit", "1", "2024-03-05", t0.Add(2*time.Minute)))
	insert(t, s, sampleRecord("100%_x", "student_report", "3", "2024-03-06", t0.Add(3*time.Minute)))

	page, err := s.ListQuestionnaires(ctx, models.ListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, page.Total)
	assert.Equal(t, "100%_x", page.Items[0].BasicInfo.Name, "default order is newest first")

	page, err = s.ListQuestionnaires(ctx, models.ListFilter{Type: "Speech_Habit", SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "李四", page.Items[0].BasicInfo.Name)

	page, err = s.ListQuestionnaires(ctx, models.ListFilter{Grade: "1", DateFrom: "2024-02-01", DateTo: "2024-12-31"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "王五", page.Items[0].BasicInfo.Name)

	page, err = s.ListQuestionnaires(ctx, models.ListFilter{Search: "%"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "LIKE wildcards are escaped")

	page, err = s.ListQuestionnaires(ctx, models.ListFilter{Search: "speech"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	page, err = s.ListQuestionnaires(ctx, models.ListFilter{Page: 2, PageSize: 3, SortBy: "drop table", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Pages)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "100%_x", page.Items[0].BasicInfo.Name)

	page, err = s.ListQuestionnaires(ctx, models.ListFilter{PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pages)

	var names []string
	require.NoError(t, s.EachQuestionnaire(ctx, models.ListFilter{SortBy: "id", SortOrder: "asc"}, func(r *models.Record) error {
		names = append(names, r.BasicInfo.Name)
		return nil
	}))
	assert.Equal(t, []string{"张三", "李四", "王五", "100%_x"}, names)
}

func TestDeleteQuestionnairesReportsFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insert(t, s, sampleRecord("张三", "parent_interview", "1", "2024-01-15", t0))
	b := insert(t, s, sampleRecord("李四", "parent_interview", "1", "2024-01-15", t0))
	var deleted []int64
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		var err error
		deleted, err = tx.DeleteQuestionnaires([]int64{b, a, 999})
		return err
	}))
	assert.Equal(t, []int64{a, b}, deleted)
	_, err := s.GetQuestionnaire(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsersAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	admin := &models.User{Username: "admin", PasswordHash: "hash", Role: models.RoleAdmin, CreatedAt: t0}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertUser(admin)
		return err
	}))
	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertUser(&models.User{Username: "admin", PasswordHash: "x", Role: models.RoleUser, CreatedAt: t0})
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.TouchLastLogin(admin.ID, t0.Add(time.Hour)); err != nil {
			return err
		}
		return tx.UpdatePassword(admin.ID, "new-hash")
	}))
	u, err := s.FindUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", u.PasswordHash)
	require.NotNil(t, u.LastLogin)
	assert.Equal(t, t0.Add(time.Hour), *u.LastLogin)
	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	target := int64(7)
	events := []*models.AuditEvent{
		{UserID: &admin.ID, Operation: models.OpLogin, CreatedAt: t0, Details: map[string]any{"ip": "127.0.0.1"}},
		{UserID: &admin.ID, Operation: models.OpDeleteQuestionnaire, TargetID: &target, CreatedAt: t0.Add(time.Hour), Details: map[string]any{"sensitive": true}},
		{Operation: models.OpLoginFailed, CreatedAt: t0.Add(25 * time.Hour)},
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, ev := range events {
			if _, err := tx.InsertAudit(ev); err != nil {
				return err
			}
		}
		return nil
	}))

	page, err := s.ListAudit(ctx, models.AuditFilter{UserID: &admin.ID})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, models.OpDeleteQuestionnaire, page.Items[0].Operation)
	assert.Equal(t, true, page.Items[0].Details["sensitive"])
	assert.Equal(t, target, *page.Items[0].TargetID)

	from := t0.Add(30 * time.Minute)
	counts, times, err := s.AuditCounts(ctx, models.AuditFilter{From: &from})
	require.NoError(t, err)
	assert.Equal(t, []models.AuditCount{{Key: "DELETE_QUESTIONNAIRE", Count: 1}, {Key: "LOGIN_FAILED", Count: 1}}, counts)
	assert.Len(t, times, 2)

	total, err := s.CountAudit(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}
