package auth

import (
	"testing"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/permissions"
)

func newTestService(t *testing.T) (*Service, *Store) {
	t.Helper()
	jwtSvc, err := NewJWTServiceWithGeneratedSecret()
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore()
	return NewService(store, jwtSvc, nil), store
}

func TestAuthenticateMissingCredential(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Authenticate(Credential{})
	ce, ok := apierrors.AsCoreError(err)
	if !ok || ce.Kind != apierrors.KindAuthMissing {
		t.Fatalf("want auth_missing, got %v", err)
	}
}

func TestAuthenticateBearerWinsOverAPIKey(t *testing.T) {
	svc, store := newTestService(t)
	store.SeedStaticAPIKeys([]StaticAPIKeyConfig{{
		Key: "static-key-0123456789abcdef0123456789", UserID: "u1", Username: "keyuser",
		Scopes: []permissions.Scope{permissions.ScopeRead},
	}})

	token, err := svc.jwt.Mint("tokenuser", []permissions.Scope{permissions.ScopeChat}, AuthTypeJWT, 0)
	if err != nil {
		t.Fatal(err)
	}

	id, err := svc.Authenticate(Credential{BearerToken: token, APIKey: "static-key-0123456789abcdef0123456789"})
	if err != nil {
		t.Fatal(err)
	}
	if id.Username != "tokenuser" {
		t.Fatalf("bearer must win; resolved to %q", id.Username)
	}
}

func TestAuthenticateAPIKeyResolvesScopes(t *testing.T) {
	svc, store := newTestService(t)
	store.SeedStaticAPIKeys([]StaticAPIKeyConfig{{
		Key: "static-key-0123456789abcdef0123456789", UserID: "u1", Username: "keyuser",
		Scopes: []permissions.Scope{permissions.ScopeRead, permissions.ScopeChat},
	}})

	id, err := svc.Authenticate(Credential{APIKey: "static-key-0123456789abcdef0123456789"})
	if err != nil {
		t.Fatal(err)
	}
	if id.AuthType != AuthTypeAPIKey || id.KeyID == "" {
		t.Fatalf("identity %+v", id)
	}
	if !id.Checker().HasScope(permissions.ScopeChat) {
		t.Fatal("key scopes missing from identity")
	}
}

func TestAuthenticateDisabledUser(t *testing.T) {
	svc, store := newTestService(t)
	store.SeedStaticAPIKeys([]StaticAPIKeyConfig{{
		Key: "static-key-0123456789abcdef0123456789", UserID: "u1", Username: "keyuser",
		Scopes: []permissions.Scope{permissions.ScopeRead},
	}})
	store.GetUser("u1").Disabled = true

	_, err := svc.Authenticate(Credential{APIKey: "static-key-0123456789abcdef0123456789"})
	ce, ok := apierrors.AsCoreError(err)
	if !ok || ce.Kind != apierrors.KindAuthDisabledUser {
		t.Fatalf("want auth_disabled_user, got %v", err)
	}
}

func TestLoginMintsUsableToken(t *testing.T) {
	svc, store := newTestService(t)
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	store.CreateUser(&User{
		UserID: "u2", Username: "bob", PasswordHash: hash,
		Scopes: []permissions.Scope{permissions.ScopeChat},
	})

	token, user, err := svc.Login("bob", "hunter2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if user.Username != "bob" {
		t.Fatalf("user %+v", user)
	}

	data, err := svc.Introspect(token)
	if err != nil {
		t.Fatal(err)
	}
	if data.Username != "bob" || data.AuthType != AuthTypePassword {
		t.Fatalf("introspected %+v", data)
	}

	if _, _, err := svc.Login("bob", "wrong", 0); err == nil {
		t.Fatal("wrong password must fail")
	}
}
