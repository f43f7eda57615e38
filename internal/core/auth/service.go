package auth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/permissions"
)

// Service ties the credential store and the JWT signer together behind
// the operations middleware and handlers need: password login, request
// authentication, and token introspection.
type Service struct {
	store  *Store
	jwt    *JWTService
	logger *slog.Logger
}

// NewService wires a Service. logger may be nil.
func NewService(store *Store, jwtSvc *JWTService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, jwt: jwtSvc, logger: logger.With("component", "auth")}
}

// Store exposes the underlying credential store for key CRUD handlers.
func (s *Service) Store() *Store { return s.store }

// Login verifies username/password and mints an access token carrying
// the user's scopes.
func (s *Service) Login(username, password string, ttl time.Duration) (string, *User, error) {
	user := s.store.GetUserByUsername(username)
	if user == nil || !VerifyPassword(user.PasswordHash, password) {
		return "", nil, apierrors.New(apierrors.KindAuthInvalidToken, "invalid username or password")
	}
	if user.Disabled {
		return "", nil, apierrors.New(apierrors.KindAuthDisabledUser, "user is disabled")
	}

	token, err := s.jwt.Mint(user.Username, user.Scopes, AuthTypePassword, ttl)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Identity is what a successfully authenticated request resolves to.
type Identity struct {
	TokenData
	// User is set when the credential maps to a stored user (always for
	// API keys; for JWTs when the subject is still known).
	User *User
	// KeyID is the public prefix of the API key used, if any.
	KeyID string
	// Policy is the effective permission overlay: the key's policy when
	// present, otherwise the user's.
	Policy *permissions.Policy
}

// Checker returns a permissions.Checker over the identity's scopes.
func (id Identity) Checker() *permissions.Checker {
	return permissions.NewChecker(id.Scopes)
}

// Authenticate resolves a request credential to an Identity. Bearer
// tokens win over API keys when both are present. A missing credential
// yields KindAuthMissing; everything else that fails yields
// KindAuthInvalidToken or KindAuthDisabledUser.
func (s *Service) Authenticate(cred Credential) (Identity, error) {
	value, isBearer, ok := cred.Preferred()
	if !ok {
		return Identity{}, apierrors.New(apierrors.KindAuthMissing, "authentication required")
	}

	if isBearer {
		data, err := s.jwt.Verify(value)
		if err != nil {
			return Identity{}, err
		}
		id := Identity{TokenData: data}
		if user := s.store.GetUserByUsername(data.Username); user != nil {
			if user.Disabled {
				return Identity{}, apierrors.New(apierrors.KindAuthDisabledUser, "user is disabled")
			}
			id.User = user
			id.Policy = user.Policy
		}
		return id, nil
	}

	user, key, err := s.store.ValidateAPIKey(value)
	if err != nil {
		if errors.Is(err, ErrUserDisabled) {
			return Identity{}, apierrors.New(apierrors.KindAuthDisabledUser, "user is disabled")
		}
		return Identity{}, apierrors.Wrap(apierrors.KindAuthInvalidToken, "invalid api key", err)
	}

	policy := key.Policy
	if policy == nil {
		policy = user.Policy
	}
	return Identity{
		TokenData: TokenData{
			Username: user.Username,
			Scopes:   key.Scopes,
			AuthType: AuthTypeAPIKey,
		},
		User:   user,
		KeyID:  key.KeyID,
		Policy: policy,
	}, nil
}

// Introspect verifies a raw bearer token and returns its claims, for
// the token-introspection endpoint.
func (s *Service) Introspect(token string) (TokenData, error) {
	return s.jwt.Verify(token)
}
