package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/alecgard/tollbooth/internal/config"
)

// ErrUnknownKey is returned when no caller holds the presented key.
var ErrUnknownKey = errors.New("unknown api key")

// Caller is an authenticated API key holder. Its scopes become the
// permissions of every invocation it makes.
type Caller struct {
	ID       string
	Name     string
	TenantID string
	UserID   string
	Scopes   []string
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 10 characters of the plaintext key
}

// CallerLookup resolves key hashes to callers.
type CallerLookup interface {
	LookupCaller(ctx context.Context, hash string) (*Caller, error)
}

// Metrics receives authentication outcomes.
type Metrics interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// CallerStore is a fixed set of callers loaded from configuration.
type CallerStore struct {
	byHash map[string]*Caller
}

// NewCallerStore indexes the configured callers by key hash.
func NewCallerStore(callers []config.CallerConfig) *CallerStore {
	s := &CallerStore{byHash: make(map[string]*Caller, len(callers))}
	for _, c := range callers {
		s.byHash[strings.ToLower(c.KeyHash)] = &Caller{
			ID:       c.Name,
			Name:     c.Name,
			TenantID: c.TenantID,
			UserID:   c.UserID,
			Scopes:   append([]string(nil), c.Scopes...),
		}
	}
	return s
}

// LookupCaller implements CallerLookup.
func (s *CallerStore) LookupCaller(_ context.Context, hash string) (*Caller, error) {
	c, ok := s.byHash[hash]
	if !ok {
		return nil, ErrUnknownKey
	}
	return c, nil
}

// Len returns the number of configured callers.
func (s *CallerStore) Len() int {
	return len(s.byHash)
}

// Service provides authentication for callers and the admin account.
type Service struct {
	callers   CallerLookup
	adminUser string
	adminHash string
	metrics   Metrics
}

// NewService creates a new authentication service.
func NewService(callers CallerLookup) *Service {
	return &Service{callers: callers}
}

// SetAdmin enables admin basic auth with a bcrypt password hash.
func (s *Service) SetAdmin(username, passwordHash string) {
	s.adminUser = username
	s.adminHash = passwordHash
}

// SetMetrics sets the optional metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// AdminEnabled reports whether an admin password hash is configured.
func (s *Service) AdminEnabled() bool {
	return s.adminHash != ""
}

// Authenticate resolves a plaintext API key to its caller.
func (s *Service) Authenticate(ctx context.Context, key string) (*Caller, error) {
	caller, err := s.callers.LookupCaller(ctx, HashKey(key))
	if err != nil || caller == nil {
		s.observe("caller", false)
		return nil, ErrUnknownKey
	}
	s.observe("caller", true)
	return caller, nil
}

// CheckAdmin verifies admin credentials against the configured bcrypt hash.
func (s *Service) CheckAdmin(username, password string) bool {
	ok := s.adminHash != "" && username == s.adminUser &&
		bcrypt.CompareHashAndPassword([]byte(s.adminHash), []byte(password)) == nil
	s.observe("admin", ok)
	return ok
}

func (s *Service) observe(authType string, ok bool) {
	if s.metrics == nil {
		return
	}
	if ok {
		s.metrics.IncAuthSuccess(authType)
	} else {
		s.metrics.IncAuthFailure(authType)
	}
}

// GenerateAPIKey creates a new API key with the "tb_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "tb_" + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:10],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashPassword returns a bcrypt hash suitable for admin.password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
