package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

const testPassword = "password123"

type testEnv struct {
	store *db.SQLiteStore
	audit *AuditService
	q     *QuestionnaireService
	auth  *AuthService
	admin models.AuditContext
	user  models.AuditContext
}

func openStore(t *testing.T) *db.SQLiteStore {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "questionnaires.db"))
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(sqlDB, ""))
	store, err := db.NewSQLiteStore(sqlDB, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fixedNow() time.Time { return testNow }

func testSigner(uid int64, username string, role models.Role, ttl time.Duration) (string, error) {
	return "token:" + username + ":" + string(role), nil
}

func newServices(store *db.SQLiteStore, auditStore AuditStore, qStore QuestionnaireStore) (*AuditService, *QuestionnaireService, *AuthService) {
	audit := NewAuditService(auditStore, nil)
	audit.now = fixedNow
	q := NewQuestionnaireService(qStore, audit, nil, nil)
	q.now = fixedNow
	auth := NewAuthService(store, audit, testSigner, time.Hour)
	auth.now = fixedNow
	auth.cost = bcrypt.MinCost
	return audit, q, auth
}

func addUser(t *testing.T, store *db.SQLiteStore, username string, role models.Role) models.AuditContext {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{Username: username, PasswordHash: string(hash), Role: role, CreatedAt: testNow}
	require.NoError(t, store.InTx(context.Background(), func(tx db.Tx) error {
		_, err := tx.InsertUser(u)
		return err
	}))
	return models.AuditContext{
		RequestID: "req-" + username,
		UserID:    &u.ID,
		Username:  username,
		Role:      role,
		IP:        "127.0.0.1",
		UserAgent: "go-test",
		Path:      "/api/test",
	}
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := openStore(t)
	audit, q, auth := newServices(store, store, store)
	return &testEnv{
		store: store,
		audit: audit,
		q:     q,
		auth:  auth,
		admin: addUser(t, store, "admin", models.RoleAdmin),
		user:  addUser(t, store, "counselor", models.RoleUser),
	}
}

func payload(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

const minimalText = `{
  "type": "parent_interview",
  "basic_info": {"name": "张三", "grade": "1", "submission_date": "2024-01-15"},
  "questions": [{"id": 1, "type": "text_input", "question": "测试", "answer": "答案", "is_required": true}]
}`

func submit(t *testing.T, e *testEnv, body string) int64 {
	t.Helper()
	id, err := e.q.Submit(context.Background(), payload(t, body), models.AuditContext{IP: "10.0.0.1"})
	require.NoError(t, err)
	return id
}

func auditCount(t *testing.T, e *testEnv, op models.Operation) int64 {
	t.Helper()
	n, err := e.store.CountAudit(context.Background(), op)
	require.NoError(t, err)
	return n
}

func requireCode(t *testing.T, err error, code ErrorCode) *ServiceError {
	t.Helper()
	require.Error(t, err)
	se, ok := AsServiceError(err)
	require.True(t, ok, "not a service error: %v", err)
	require.Equal(t, code, se.Code, "error: %v", err)
	return se
}

// failingAuditStore makes every audit insert fail.
type failingAuditStore struct{ *db.SQLiteStore }

func (s failingAuditStore) InTx(ctx context.Context, fn func(tx db.Tx) error) error {
	return s.SQLiteStore.InTx(ctx, func(tx db.Tx) error { return fn(failingTx{tx}) })
}

type failingTx struct{ db.Tx }

func (failingTx) InsertAudit(*models.AuditEvent) (int64, error) {
	return 0, errors.New("disk full")
}
