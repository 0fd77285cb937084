package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,50}$`)

type AuthStore interface {
	TxRunner
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

type TokenSigner func(uid int64, username string, role models.Role, ttl time.Duration) (string, error)

type AuthService struct {
	store     AuthStore
	audit     *AuditService
	now       func() time.Time
	signToken TokenSigner
	tokenTTL  time.Duration
	cost      int
}

type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

func NewAuthService(store AuthStore, audit *AuditService, signer TokenSigner, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &AuthService{
		store:     store,
		audit:     audit,
		now:       func() time.Time { return time.Now().UTC() },
		signToken: signer,
		tokenTTL:  ttl,
		cost:      bcrypt.DefaultCost,
	}
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}

func (s *AuthService) session(u *models.User) (*Session, error) {
	if s.signToken == nil {
		return nil, NewServerError(errors.New("token signer not configured"))
	}
	token, err := s.signToken(u.ID, u.Username, u.Role, s.tokenTTL)
	if err != nil {
		return nil, NewServerError(err)
	}
	return &Session{Token: token, ExpiresAt: s.now().Add(s.tokenTTL), User: u}, nil
}

// Login checks the credentials and opens a session. Failures are audited
// with the attempted username and answer the same error whether or not the
// user exists.
func (s *AuthService) Login(ctx context.Context, username, password string, actx models.AuditContext) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, NewValidationError("username/password required", "username: 用户名和密码不能为空")
	}
	u, err := s.store.FindUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, storeError(err, "user")
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		werr := s.store.InTx(ctx, func(tx db.Tx) error {
			return s.audit.WriteEvent(ctx, tx, actx, models.OpLoginFailed, nil, map[string]any{"username": username})
		})
		if werr != nil {
			return nil, storeError(werr, "audit log")
		}
		return nil, NewAuthError("用户名或密码错误")
	}

	now := s.now()
	actx.UserID, actx.Username, actx.Role = &u.ID, u.Username, u.Role
	err = s.store.InTx(ctx, func(tx db.Tx) error {
		if err := tx.TouchLastLogin(u.ID, now); err != nil {
			return err
		}
		return s.audit.WriteEvent(ctx, tx, actx, models.OpLogin, &u.ID, nil)
	})
	if err != nil {
		return nil, storeError(err, "user")
	}
	u.LastLogin = &now
	return s.session(u)
}

func (s *AuthService) Logout(ctx context.Context, actx models.AuditContext) error {
	if !actx.Authenticated() {
		return NewAuthRequiredError("login required")
	}
	return s.writeSessionEvent(ctx, actx, models.OpLogout)
}

// AutoLogout records a session the client closed for inactivity. The
// transport fills actx from a validly signed token even when it has expired;
// a caller without one is refused.
func (s *AuthService) AutoLogout(ctx context.Context, actx models.AuditContext) error {
	if !actx.Authenticated() {
		return NewAuthRequiredError("session token required")
	}
	return s.writeSessionEvent(ctx, actx, models.OpAutoLogout)
}

func (s *AuthService) writeSessionEvent(ctx context.Context, actx models.AuditContext, op models.Operation) error {
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		return s.audit.WriteEvent(ctx, tx, actx, op, actx.UserID, nil)
	})
	return storeError(err, "audit log")
}

// ExtendSession issues a fresh token for a live session.
func (s *AuthService) ExtendSession(ctx context.Context, actx models.AuditContext) (*Session, error) {
	if !actx.Authenticated() {
		return nil, NewAuthRequiredError("login required")
	}
	u, err := s.store.GetUser(ctx, *actx.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, NewSessionExpiredError("user no longer exists")
		}
		return nil, storeError(err, "user")
	}
	return s.session(u)
}

func (s *AuthService) ChangePassword(ctx context.Context, actx models.AuditContext, oldPassword, newPassword string) error {
	if !actx.Authenticated() {
		return NewAuthRequiredError("login required")
	}
	if details := passwordProblems(newPassword); len(details) > 0 {
		return NewValidationError("invalid password", details...)
	}
	if oldPassword == newPassword {
		return NewValidationError("invalid password", "new_password: 新密码不能与旧密码相同")
	}
	u, err := s.store.GetUser(ctx, *actx.UserID)
	if err != nil {
		return storeError(err, "user")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)) != nil {
		return NewAuthError("原密码错误")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return NewServerError(err)
	}
	err = s.store.InTx(ctx, func(tx db.Tx) error {
		if err := tx.UpdatePassword(u.ID, string(hash)); err != nil {
			return err
		}
		return s.audit.WriteEvent(ctx, tx, actx, models.OpChangePassword, &u.ID, nil)
	})
	return storeError(err, "user")
}

// CreateUser adds an account. Admins may create users at any time; while the
// users table is empty anyone may, which is how the first admin is created.
func (s *AuthService) CreateUser(ctx context.Context, actx models.AuditContext, username, password string, role models.Role) (*models.User, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, storeError(err, "user")
	}
	if n > 0 {
		if err := s.audit.Authorize(ctx, actx, true, "user.create"); err != nil {
			return nil, err
		}
	}
	username = strings.TrimSpace(username)
	if role == "" {
		role = models.RoleUser
	}
	var details []string
	if !usernamePattern.MatchString(username) {
		details = append(details, "username: 用户名须为3到50位字母、数字、下划线、点或连字符")
	}
	details = append(details, passwordProblems(password)...)
	if !role.Valid() {
		details = append(details, "role: 角色只能是 admin 或 user")
	}
	if len(details) > 0 {
		return nil, NewValidationError("invalid user", details...)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, NewServerError(err)
	}
	u := &models.User{Username: username, PasswordHash: string(hash), Role: role, CreatedAt: s.now()}
	err = s.store.InTx(ctx, func(tx db.Tx) error {
		if _, err := tx.InsertUser(u); err != nil {
			return err
		}
		return s.audit.WriteEvent(ctx, tx, actx, models.OpCreateUser, &u.ID, map[string]any{
			"new_username": u.Username,
			"role":         string(u.Role),
		})
	})
	if err != nil {
		return nil, storeError(err, "user")
	}
	return u, nil
}

func passwordProblems(p string) []string {
	if utf8.RuneCountInString(p) < minPasswordLength {
		return []string{"password: 密码长度不能少于8位"}
	}
	if strings.TrimSpace(p) == "" {
		return []string{"password: 密码不能为空白"}
	}
	return nil
}
