package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/permissions"
)

// DefaultTokenTTL is the default access-token lifetime.
const DefaultTokenTTL = 60 * time.Minute

// AuthType distinguishes how a caller authenticated, carried in both
// the JWT payload and TokenData for audit attribution.
type AuthType string

const (
	AuthTypeJWT      AuthType = "jwt"
	AuthTypePassword AuthType = "password"
	AuthTypeAPIKey   AuthType = "api_key"
)

// TokenData is what a verified credential resolves to.
type TokenData struct {
	Username string
	Scopes   []permissions.Scope
	AuthType AuthType
}

// claims is the JWT payload shape: sub, scopes, auth_type, exp.
type claims struct {
	Scopes   []permissions.Scope `json:"scopes"`
	AuthType AuthType            `json:"auth_type"`
	jwt.RegisteredClaims
}

// JWTService mints and verifies HS256 tokens against a process-wide
// secret.
type JWTService struct {
	secret []byte
}

// NewJWTService wraps an explicit, operator-provided secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// NewJWTServiceWithGeneratedSecret mints a fresh high-entropy secret
// via crypto/rand when none is configured. Tokens minted this way do
// not survive a process restart; that is the deliberate trade for
// zero-config startup.
func NewJWTServiceWithGeneratedSecret() (*JWTService, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "generate jwt secret", err)
	}
	return &JWTService{secret: []byte(base64.RawURLEncoding.EncodeToString(buf))}, nil
}

// Mint produces a signed HS256 token for subject with the given scopes
// and auth type, expiring after ttl (DefaultTokenTTL if ttl <= 0).
func (s *JWTService) Mint(subject string, scopes []permissions.Scope, authType AuthType, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	c := claims{
		Scopes:   scopes,
		AuthType: authType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindInternal, "sign token", err)
	}
	return signed, nil
}

// Verify decodes and validates signature + expiry, returning TokenData
// on success or KindAuthInvalidToken on any failure.
func (s *JWTService) Verify(token string) (TokenData, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return TokenData{}, apierrors.Wrap(apierrors.KindAuthInvalidToken, "invalid or expired token", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return TokenData{}, apierrors.New(apierrors.KindAuthInvalidToken, "invalid token claims")
	}

	return TokenData{
		Username: c.Subject,
		Scopes:   c.Scopes,
		AuthType: c.AuthType,
	}, nil
}
