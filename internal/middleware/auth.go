package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

type authCtxKey int

const authKey authCtxKey = 7

// ErrSessionExpired means the bearer token was well formed but expired.
var ErrSessionExpired = errors.New("session expired")

type Claims struct {
	UID      int64       `json:"uid"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 session tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) SignToken(uid int64, username string, role models.Role, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{UID: uid, Username: username, Role: role, RegisteredClaims: jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Signer) keyFunc(t *jwt.Token) (interface{}, error) { return s.secret, nil }

// Parse validates tok. An expired token yields ErrSessionExpired together
// with its claims, which AutoLogout uses to attribute the event.
func (s *Signer) Parse(tok string) (*Claims, error) {
	c := &Claims{}
	t, err := jwt.ParseWithClaims(tok, c, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return c, ErrSessionExpired
		}
		return nil, err
	}
	if !t.Valid || c.UID <= 0 {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

type authState struct {
	claims  *Claims
	expired bool
}

// WithAuth attaches the bearer token's claims to the request context when
// present. It never rejects; operations decide what a missing session means.
func (s *Signer) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			c, err := s.Parse(tok)
			switch {
			case err == nil:
				r = r.WithContext(context.WithValue(r.Context(), authKey, authState{claims: c}))
			case errors.Is(err, ErrSessionExpired):
				r = r.WithContext(context.WithValue(r.Context(), authKey, authState{claims: c, expired: true}))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ClaimsFromContext returns the live session's claims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	st, ok := ctx.Value(authKey).(authState)
	if !ok || st.expired {
		return nil, false
	}
	return st.claims, true
}

// ExpiredClaimsFromContext returns the claims of an expired bearer token.
func ExpiredClaimsFromContext(ctx context.Context) (*Claims, bool) {
	st, ok := ctx.Value(authKey).(authState)
	if !ok || !st.expired {
		return nil, false
	}
	return st.claims, true
}
