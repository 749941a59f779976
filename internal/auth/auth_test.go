package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/alecgard/tollbooth/internal/config"
)

type fakeMetrics struct {
	failures  map[string]int
	successes map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{failures: map[string]int{}, successes: map[string]int{}}
}

func (f *fakeMetrics) IncAuthFailure(authType string) { f.failures[authType]++ }
func (f *fakeMetrics) IncAuthSuccess(authType string) { f.successes[authType]++ }

// --- GenerateAPIKey tests ---

func TestGenerateAPIKey_PrefixAndLength(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	if !strings.HasPrefix(plaintext, "tb_") {
		t.Errorf("plaintext key should start with 'tb_', got %q", plaintext)
	}

	// "tb_" (3) + 32 random chars = 35
	if len(plaintext) != 35 {
		t.Errorf("expected plaintext length 35, got %d", len(plaintext))
	}

	if key.Prefix != plaintext[:10] {
		t.Errorf("expected prefix %q, got %q", plaintext[:10], key.Prefix)
	}

	if key.Hash != HashKey(plaintext) {
		t.Error("expected hash of the plaintext key")
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, plaintext, err := GenerateAPIKey()
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate key generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

// --- HashKey tests ---

func TestHashKey_Deterministic(t *testing.T) {
	key := "tb_testkey1234567890abcdefghij"
	if HashKey(key) != HashKey(key) {
		t.Error("HashKey should be deterministic")
	}
	if HashKey("tb_key_aaa") == HashKey("tb_key_bbb") {
		t.Error("different keys should produce different hashes")
	}
	if len(HashKey("anything")) != 64 {
		t.Errorf("expected hash length 64, got %d", len(HashKey("anything")))
	}
}

// --- CallerStore tests ---

func TestCallerStore(t *testing.T) {
	plaintext := "tb_validkey1234567890abcdefgh"
	store := NewCallerStore([]config.CallerConfig{{
		Name:     "ci",
		KeyHash:  strings.ToUpper(HashKey(plaintext)),
		TenantID: "acme",
		UserID:   "u-1",
		Scopes:   []string{"web:read"},
	}})

	if store.Len() != 1 {
		t.Fatalf("expected 1 caller, got %d", store.Len())
	}

	c, err := store.LookupCaller(context.Background(), HashKey(plaintext))
	if err != nil {
		t.Fatalf("LookupCaller: %v", err)
	}
	if c.ID != "ci" || c.TenantID != "acme" || c.UserID != "u-1" || len(c.Scopes) != 1 {
		t.Errorf("unexpected caller %+v", c)
	}

	if _, err := store.LookupCaller(context.Background(), HashKey("other")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

// --- Context helpers tests ---

func TestCallerContext_RoundTrip(t *testing.T) {
	caller := &Caller{ID: "c1", Name: "ci", TenantID: "acme"}
	got := CallerFromContext(ContextWithCaller(context.Background(), caller))
	if got == nil || got.ID != "c1" {
		t.Fatalf("expected caller from context, got %+v", got)
	}
	if CallerFromContext(context.Background()) != nil {
		t.Error("expected nil from empty context")
	}
}

// --- CallerAuthMiddleware tests ---

func TestCallerAuthMiddleware(t *testing.T) {
	plaintext := "tb_validkey1234567890abcdefgh"
	store := NewCallerStore([]config.CallerConfig{
		{Name: "ci", KeyHash: HashKey(plaintext), TenantID: "acme", Scopes: []string{"web:read"}},
	})
	m := newFakeMetrics()
	svc := NewService(store)
	svc.SetMetrics(m)

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if caller == nil || caller.TenantID != "acme" {
			t.Errorf("expected caller in context inside handler, got %+v", caller)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid key", "Bearer " + plaintext, http.StatusOK},
		{"lowercase scheme", "bearer " + plaintext, http.StatusOK},
		{"invalid key", "Bearer tb_wrongkey000000000000000000", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header no bearer", "Token " + plaintext, http.StatusUnauthorized},
		{"bearer only no token", "Bearer", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			CallerAuthMiddleware(svc)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr, "unauthorized")
			}
		})
	}

	if m.successes["caller"] != 2 {
		t.Errorf("expected 2 caller successes, got %d", m.successes["caller"])
	}
	// Only the invalid key reaches the lookup.
	if m.failures["caller"] != 1 {
		t.Errorf("expected 1 caller failure, got %d", m.failures["caller"])
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(NewCallerStore(nil))
	svc.SetAdmin("admin", string(hash))

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		user, pass string
		basic      bool
		wantStatus int
	}{
		{"valid credentials", "admin", "s3cret", true, http.StatusOK},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "s3cret", true, http.StatusUnauthorized},
		{"missing credentials", "", "", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.basic {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rr := httptest.NewRecorder()

			AdminAuthMiddleware(svc)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if rr.Header().Get("WWW-Authenticate") == "" {
					t.Error("expected WWW-Authenticate challenge")
				}
				assertJSONError(t, rr, "unauthorized")
			}
		})
	}
}

func TestAdminAuthMiddleware_Disabled(t *testing.T) {
	svc := NewService(NewCallerStore(nil))
	handler := AdminAuthMiddleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.SetBasicAuth("admin", "")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	assertJSONError(t, rr, "forbidden")
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	svc := NewService(NewCallerStore(nil))
	svc.SetAdmin("admin", hash)
	if !svc.CheckAdmin("admin", "pw") {
		t.Error("expected generated hash to verify")
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder, code string) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
