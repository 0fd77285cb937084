package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Sortable denormalized columns.
var sortColumns = map[string]string{
	"id":              "id",
	"type":            "type",
	"name":            "name",
	"grade":           "grade",
	"submission_date": "submission_date",
	"created_at":      "created_at",
	"updated_at":      "updated_at",
}

type questionnaireRow struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	Type           string         `gorm:"column:type"`
	Name           string         `gorm:"column:name"`
	Grade          string         `gorm:"column:grade"`
	SubmissionDate string         `gorm:"column:submission_date"`
	Age            *int           `gorm:"column:age"`
	Gender         string         `gorm:"column:gender"`
	ParentPhone    string         `gorm:"column:parent_phone"`
	ParentWechat   string         `gorm:"column:parent_wechat"`
	ParentEmail    string         `gorm:"column:parent_email"`
	SchoolName     string         `gorm:"column:school_name"`
	AdmissionDate  string         `gorm:"column:admission_date"`
	Address        string         `gorm:"column:address"`
	FillerName     string         `gorm:"column:filler_name"`
	FillDate       string         `gorm:"column:fill_date"`
	PayloadJSON    datatypes.JSON `gorm:"column:payload_json"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (questionnaireRow) TableName() string { return "questionnaires" }

type userRow struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	Username     string     `gorm:"column:username"`
	PasswordHash string     `gorm:"column:password_hash"`
	Role         string     `gorm:"column:role"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	LastLogin    *time.Time `gorm:"column:last_login"`
}

func (userRow) TableName() string { return "users" }

type auditRow struct {
	ID          int64          `gorm:"primaryKey;autoIncrement"`
	UserID      *int64         `gorm:"column:user_id"`
	Operation   string         `gorm:"column:operation"`
	TargetID    *int64         `gorm:"column:target_id"`
	DetailsJSON datatypes.JSON `gorm:"column:details_json"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime:false"`
}

func (auditRow) TableName() string { return "operation_logs" }

// SQLiteStore persists questionnaires, users and the audit log. Writes go
// through InTx, which admits one writer at a time.
type SQLiteStore struct {
	sqlDB   *sql.DB
	db      *gorm.DB
	writeMu sync.Mutex
}

// Open opens (and creates) the SQLite file at path.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(path))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return sqlDB, nil
}

func NewSQLiteStore(sqlDB *sql.DB, log *slog.Logger) (*SQLiteStore, error) {
	if sqlDB == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := sqlDB.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	gl := gormlogger.Default.LogMode(gormlogger.Silent)
	if log != nil {
		gl = gormlogger.New(slogWriter{log}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}
	gdb, err := gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, db: gdb}, nil
}

type slogWriter struct{ log *slog.Logger }

func (w slogWriter) Printf(format string, args ...any) {
	w.log.Warn(fmt.Sprintf(format, args...), "component", "gorm")
}

func (s *SQLiteStore) Close() error { return s.sqlDB.Close() }

// Ping checks the connection for health probes.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

// Tx is the set of writes available inside InTx. Everything done through
// one Tx commits or rolls back together.
type Tx interface {
	InsertQuestionnaire(rec *models.Record) (int64, error)
	UpdateQuestionnaire(rec *models.Record) error
	GetQuestionnaire(id int64) (*models.Record, error)
	DeleteQuestionnaires(ids []int64) ([]int64, error)
	InsertAudit(ev *models.AuditEvent) (int64, error)
	InsertUser(u *models.User) (int64, error)
	UpdatePassword(userID int64, hash string) error
	TouchLastLogin(userID int64, at time.Time) error
}

// InTx runs fn in a single-writer transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&sqliteTx{db: g})
	})
}

type sqliteTx struct{ db *gorm.DB }

func rowFromRecord(rec *models.Record) (*questionnaireRow, error) {
	payload, err := rec.PayloadJSON()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	bi := rec.BasicInfo
	return &questionnaireRow{
		ID:             rec.ID,
		Type:           rec.Type,
		Name:           bi.Name,
		Grade:          bi.Grade,
		SubmissionDate: bi.SubmissionDate,
		Age:            bi.Age,
		Gender:         bi.Gender,
		ParentPhone:    bi.ParentPhone,
		ParentWechat:   bi.ParentWechat,
		ParentEmail:    bi.ParentEmail,
		SchoolName:     bi.SchoolName,
		AdmissionDate:  bi.AdmissionDate,
		Address:        bi.Address,
		FillerName:     bi.FillerName,
		FillDate:       bi.FillDate,
		PayloadJSON:    datatypes.JSON(payload),
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}, nil
}

func (r *questionnaireRow) record() (*models.Record, error) {
	rec, err := models.DecodePayload(r.PayloadJSON)
	if err != nil {
		return nil, fmt.Errorf("decode questionnaire %d: %w", r.ID, err)
	}
	rec.ID = r.ID
	rec.CreatedAt = r.CreatedAt.UTC()
	rec.UpdatedAt = r.UpdatedAt.UTC()
	return rec, nil
}

func (t *sqliteTx) InsertQuestionnaire(rec *models.Record) (int64, error) {
	row, err := rowFromRecord(rec)
	if err != nil {
		return 0, err
	}
	row.ID = 0
	if err := t.db.Create(row).Error; err != nil {
		return 0, fmt.Errorf("insert questionnaire: %w", err)
	}
	rec.ID = row.ID
	return row.ID, nil
}

func (t *sqliteTx) UpdateQuestionnaire(rec *models.Record) error {
	row, err := rowFromRecord(rec)
	if err != nil {
		return err
	}
	res := t.db.Model(&questionnaireRow{}).Where("id = ?", rec.ID).Select("*").Omit("id", "created_at").Updates(row)
	if res.Error != nil {
		return fmt.Errorf("update questionnaire %d: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) GetQuestionnaire(id int64) (*models.Record, error) {
	return getQuestionnaire(t.db, id)
}

func getQuestionnaire(db *gorm.DB, id int64) (*models.Record, error) {
	var row questionnaireRow
	err := db.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get questionnaire %d: %w", id, err)
	}
	return row.record()
}

func (t *sqliteTx) DeleteQuestionnaires(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	var found []int64
	if err := t.db.Model(&questionnaireRow{}).Where("id IN ?", ids).Order("id").Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("find questionnaires: %w", err)
	}
	if len(found) == 0 {
		return []int64{}, nil
	}
	if err := t.db.Where("id IN ?", found).Delete(&questionnaireRow{}).Error; err != nil {
		return nil, fmt.Errorf("delete questionnaires: %w", err)
	}
	return found, nil
}

func (t *sqliteTx) InsertAudit(ev *models.AuditEvent) (int64, error) {
	details, err := marshalDetails(ev.Details)
	if err != nil {
		return 0, err
	}
	row := &auditRow{
		UserID:      ev.UserID,
		Operation:   string(ev.Operation),
		TargetID:    ev.TargetID,
		DetailsJSON: details,
		CreatedAt:   ev.CreatedAt.UTC(),
	}
	if err := t.db.Create(row).Error; err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	ev.ID = row.ID
	return row.ID, nil
}

func (t *sqliteTx) InsertUser(u *models.User) (int64, error) {
	row := &userRow{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt.UTC(),
	}
	if err := t.db.Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	u.ID = row.ID
	return row.ID, nil
}

func (t *sqliteTx) UpdatePassword(userID int64, hash string) error {
	res := t.db.Model(&userRow{}).Where("id = ?", userID).Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) TouchLastLogin(userID int64, at time.Time) error {
	if err := t.db.Model(&userRow{}).Where("id = ?", userID).Update("last_login", at.UTC()).Error; err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// GetQuestionnaire reads one record outside any transaction.
func (s *SQLiteStore) GetQuestionnaire(ctx context.Context, id int64) (*models.Record, error) {
	return getQuestionnaire(s.db.WithContext(ctx), id)
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func pageBounds(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func (s *SQLiteStore) filtered(ctx context.Context, f models.ListFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&questionnaireRow{})
	if term := strings.TrimSpace(f.Search); term != "" {
		p := likePattern(term)
		q = q.Where(`name LIKE ? ESCAPE '\' OR type LIKE ? ESCAPE '\' OR grade LIKE ? ESCAPE '\'`, p, p, p)
	}
	if f.Type != "" {
		q = q.Where("type = ?", strings.ToLower(strings.TrimSpace(f.Type)))
	}
	if f.Grade != "" {
		q = q.Where("grade = ?", f.Grade)
	}
	if f.DateFrom != "" {
		q = q.Where("submission_date >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		q = q.Where("submission_date <= ?", f.DateTo)
	}
	return q
}

func orderClause(f models.ListFilter) string {
	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "ASC"
	}
	return col + " " + dir + ", id " + dir
}

// ListQuestionnaires filters on the denormalized columns and decodes the
// payload of the returned page only.
func (s *SQLiteStore) ListQuestionnaires(ctx context.Context, f models.ListFilter) (*models.Page[*models.Record], error) {
	page, size := pageBounds(f.Page, f.PageSize)
	var total int64
	if err := s.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count questionnaires: %w", err)
	}
	var rows []questionnaireRow
	err := s.filtered(ctx, f).Order(orderClause(f)).Offset((page - 1) * size).Limit(size).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list questionnaires: %w", err)
	}
	items := make([]*models.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return models.NewPage(items, total, page, size), nil
}

// EachQuestionnaire streams every record matching f, ignoring pagination.
func (s *SQLiteStore) EachQuestionnaire(ctx context.Context, f models.ListFilter, fn func(*models.Record) error) error {
	rows, err := s.filtered(ctx, f).Order(orderClause(f)).Rows()
	if err != nil {
		return fmt.Errorf("export questionnaires: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row questionnaireRow
		if err := s.db.ScanRows(rows, &row); err != nil {
			return fmt.Errorf("scan questionnaire: %w", err)
		}
		rec, err := row.record()
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *userRow) user() *models.User {
	u := &models.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         models.Role(r.Role),
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.LastLogin != nil {
		t := r.LastLogin.UTC()
		u.LastLogin = &t
	}
	return u
}

func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return row.user(), nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.user(), nil
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&userRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) auditFiltered(ctx context.Context, f models.AuditFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&auditRow{})
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", string(f.Operation))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	return q
}

func (r *auditRow) event() (*models.AuditEvent, error) {
	details, err := unmarshalDetails(r.DetailsJSON)
	if err != nil {
		return nil, fmt.Errorf("decode audit event %d: %w", r.ID, err)
	}
	return &models.AuditEvent{
		ID:        r.ID,
		UserID:    r.UserID,
		Operation: models.Operation(r.Operation),
		TargetID:  r.TargetID,
		Details:   details,
		CreatedAt: r.CreatedAt.UTC(),
	}, nil
}

// ListAudit returns audit events newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, f models.AuditFilter) (*models.Page[*models.AuditEvent], error) {
	page, size := pageBounds(f.Page, f.PageSize)
	var total int64
	if err := s.auditFiltered(ctx, f).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}
	var rows []auditRow
	err := s.auditFiltered(ctx, f).Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	items := make([]*models.AuditEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].event()
		if err != nil {
			return nil, err
		}
		items = append(items, ev)
	}
	return models.NewPage(items, total, page, size), nil
}

// AuditCounts returns the number of matching events per operation (sorted by
// operation) and their creation times for bucketing by the caller.
func (s *SQLiteStore) AuditCounts(ctx context.Context, f models.AuditFilter) ([]models.AuditCount, []time.Time, error) {
	var grouped []struct {
		Operation string
		N         int64
	}
	err := s.auditFiltered(ctx, f).Select("operation, COUNT(*) AS n").Group("operation").Scan(&grouped).Error
	if err != nil {
		return nil, nil, fmt.Errorf("count audit operations: %w", err)
	}
	counts := make([]models.AuditCount, 0, len(grouped))
	for _, g := range grouped {
		counts = append(counts, models.AuditCount{Key: g.Operation, Count: g.N})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Key < counts[j].Key })

	var times []time.Time
	if err := s.auditFiltered(ctx, f).Pluck("created_at", &times).Error; err != nil {
		return nil, nil, fmt.Errorf("read audit times: %w", err)
	}
	return counts, times, nil
}

// CountAudit counts events for one operation, all operations when op is empty.
func (s *SQLiteStore) CountAudit(ctx context.Context, op models.Operation) (int64, error) {
	var n int64
	if err := s.auditFiltered(ctx, models.AuditFilter{Operation: op}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsBusy reports whether err is SQLite lock contention worth retrying.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func marshalDetails(details map[string]any) (datatypes.JSON, error) {
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode audit details: %w", err)
	}
	return datatypes.JSON(b), nil
}

func unmarshalDetails(raw datatypes.JSON) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
