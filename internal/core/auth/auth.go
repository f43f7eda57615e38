// Package auth implements users, API keys, JWT minting and
// verification, and the bearer-vs-API-key authentication precedence
// rule.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/permissions"
)

// User is an account the core can authenticate.
type User struct {
	UserID       string
	Username     string
	PasswordHash string
	Scopes       []permissions.Scope
	Disabled     bool
	// Policy optionally narrows which skills this user may use,
	// independent of scopes.
	Policy *permissions.Policy
}

// APIKey is the persisted metadata for an issued key. Only the hash of
// the secret is stored; the raw key never appears here.
type APIKey struct {
	KeyID       string // public prefix, safe to display
	KeyHash     string // hex-encoded SHA-256 of the raw key
	OwnerUserID string
	Scopes      []permissions.Scope
	Name        string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	// Policy optionally narrows which skills calls with this key may
	// use; it takes precedence over the owner's policy.
	Policy *permissions.Policy
}

func (k *APIKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// keyIDPrefixLen is how much of the raw key is retained unhashed,
// purely for display in CRUD listings. Validation never uses the
// prefix.
const keyIDPrefixLen = 8

// apiKeyEntropyBytes is the randomness behind each issued key.
const apiKeyEntropyBytes = 32

// ErrUserDisabled is returned by ValidateAPIKey when the owning user
// has been disabled after the key was issued.
var ErrUserDisabled = errors.New("user disabled")

// ErrKeyExpired indicates a presented API key has passed its expiry.
var ErrKeyExpired = errors.New("api key expired")

// ErrKeyNotFound indicates no stored key hashes to the presented secret.
var ErrKeyNotFound = errors.New("api key not found")

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindInternal, "hash password", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
// bcrypt.CompareHashAndPassword is constant-time by construction.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateAPIKeySecret returns a URL-safe, 32-byte-entropy random
// string suitable for presentation as a raw API key.
func GenerateAPIKeySecret() (string, error) {
	buf := make([]byte, apiKeyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apierrors.Wrap(apierrors.KindInternal, "generate api key entropy", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashAPIKey computes the SHA-256 hex digest persisted for a raw key.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Store is the in-memory credential store: users keyed by id, API keys
// keyed by hash for O(1) validation lookups. Reads are hot (every
// request); writes (key issuance/revocation, user mutation) are rare,
// so a single RWMutex is sufficient.
type Store struct {
	mu     sync.RWMutex
	users  map[string]*User   // by UserID
	byName map[string]*User   // by Username, same pointers as users
	keys   map[string]*APIKey // by KeyHash
}

// NewStore returns an empty in-memory AuthStorage.
func NewStore() *Store {
	return &Store{
		users:  make(map[string]*User),
		byName: make(map[string]*User),
		keys:   make(map[string]*APIKey),
	}
}

// CreateUser inserts u, indexing by both id and username.
func (s *Store) CreateUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
	s.byName[u.Username] = u
}

// GetUser returns the user with the given id, or nil.
func (s *Store) GetUser(userID string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// GetUserByUsername returns the user with the given username, or nil.
func (s *Store) GetUserByUsername(username string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byName[username]
}

// IssueAPIKey generates a new secret for owner, persists its hash and
// metadata, and returns (rawKey, record). The raw key exists only here
// and in the caller's hands.
func (s *Store) IssueAPIKey(owner *User, scopes []permissions.Scope, name string, ttl time.Duration) (string, *APIKey, error) {
	raw, err := GenerateAPIKeySecret()
	if err != nil {
		return "", nil, err
	}

	rec := &APIKey{
		KeyID:       raw[:minInt(keyIDPrefixLen, len(raw))],
		KeyHash:     hashAPIKey(raw),
		OwnerUserID: owner.UserID,
		Scopes:      scopes,
		Name:        name,
		CreatedAt:   time.Now().UTC(),
	}
	if ttl > 0 {
		expires := rec.CreatedAt.Add(ttl)
		rec.ExpiresAt = &expires
	}

	s.mu.Lock()
	s.keys[rec.KeyHash] = rec
	s.mu.Unlock()

	return raw, rec, nil
}

// RevokeAPIKey deletes the stored key matching keyHash. Returns false if
// no such key existed.
func (s *Store) RevokeAPIKey(keyHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyHash]; !ok {
		return false
	}
	delete(s.keys, keyHash)
	return true
}

// ListAPIKeys returns all keys owned by userID, for CRUD listing
// endpoints.
func (s *Store) ListAPIKeys(userID string) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.keys {
		if k.OwnerUserID == userID {
			out = append(out, k)
		}
	}
	return out
}

// FindAPIKeyByID scans for a key by its public prefix, for CRUD
// lookups only; validation always goes by hash.
func (s *Store) FindAPIKeyByID(keyID string) *APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyID == keyID {
			return k
		}
	}
	return nil
}

// ValidateAPIKey hashes raw, looks it up by hash (never by prefix),
// checks expiry and the owning user's disabled flag, stamps
// LastUsedAt, and returns the owning user plus the key record.
func (s *Store) ValidateAPIKey(raw string) (*User, *APIKey, error) {
	hash := hashAPIKey(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[hash]
	if !ok {
		return nil, nil, ErrKeyNotFound
	}
	if rec.expired(time.Now()) {
		return nil, nil, ErrKeyExpired
	}

	owner := s.users[rec.OwnerUserID]
	if owner == nil {
		return nil, nil, ErrKeyNotFound
	}
	if owner.Disabled {
		return nil, rec, ErrUserDisabled
	}

	now := time.Now().UTC()
	rec.LastUsedAt = &now

	return owner, rec, nil
}

// ConstantTimeEqual is exposed for callers that need to compare
// caller-supplied secrets against a known value (e.g. bootstrap static
// keys) without a timing side channel.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// StaticAPIKeyConfig seeds a fixed key from process configuration at
// startup, for zero-config bring-up before any user has logged in.
type StaticAPIKeyConfig struct {
	Key      string
	UserID   string
	Username string
	Scopes   []permissions.Scope
}

// SeedStaticAPIKeys registers bootstrap users/keys directly, bypassing
// IssueAPIKey's random generation since the secret is operator-supplied.
func (s *Store) SeedStaticAPIKeys(configs []StaticAPIKeyConfig) {
	for _, c := range configs {
		key := strings.TrimSpace(c.Key)
		if key == "" {
			continue
		}
		user := &User{UserID: c.UserID, Username: c.Username, Scopes: c.Scopes}
		s.CreateUser(user)

		rec := &APIKey{
			KeyID:       key[:minInt(keyIDPrefixLen, len(key))],
			KeyHash:     hashAPIKey(key),
			OwnerUserID: c.UserID,
			Scopes:      c.Scopes,
			Name:        "bootstrap",
			CreatedAt:   time.Now().UTC(),
		}
		s.mu.Lock()
		s.keys[rec.KeyHash] = rec
		s.mu.Unlock()
	}
}
