package httpapi

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/service"
)

type credentialsStub struct {
	mu    sync.Mutex
	key   string
	users map[string]domain.User
}

func (s *credentialsStub) Authenticate(userID string, pin string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok || user.PIN != pin {
		return domain.User{}, service.ErrInvalidCredentials
	}
	return user, nil
}

func (s *credentialsStub) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *credentialsStub) rotate(key string) {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
}

func newCredentialsStub() *credentialsStub {
	return &credentialsStub{
		key: "shared-secret",
		users: map[string]domain.User{
			"u1": {ID: "u1", Name: "Owner", PIN: "1234", Role: domain.RoleAdmin, Active: true},
		},
	}
}

func TestLoginTokenCarriesIdentity(t *testing.T) {
	auth := NewAuthManager(newCredentialsStub(), time.Hour)

	resp, err := auth.Login(domain.LoginRequest{UserID: " u1 ", PIN: "1234"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != domain.RoleAdmin || resp.Name != "Owner" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.UserID != "u1" || actor.Role != domain.RoleAdmin || actor.Name != "Owner" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestTokenExpires(t *testing.T) {
	auth := NewAuthManager(newCredentialsStub(), time.Hour)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return now }

	resp, err := auth.Login(domain.LoginRequest{UserID: "u1", PIN: "1234"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestRotatingSecretEndsSessions(t *testing.T) {
	creds := newCredentialsStub()
	auth := NewAuthManager(creds, time.Hour)

	resp, err := auth.Login(domain.LoginRequest{UserID: "u1", PIN: "1234"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	creds.rotate("next-secret")

	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with the old secret to be rejected")
	}
}

func TestParseTokenRejectsOtherSigningMethods(t *testing.T) {
	auth := NewAuthManager(newCredentialsStub(), time.Hour)

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.RegisteredClaims{Subject: "u1", Issuer: "kasirinaja"})
	raw, err := token.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(raw); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}

func TestAuthorizeSharedSecret(t *testing.T) {
	auth := NewAuthManager(newCredentialsStub(), time.Hour)

	cases := []struct {
		name    string
		headers map[string]string
		ok      bool
	}{
		{"api key", map[string]string{"X-API-KEY": "shared-secret"}, true},
		{"bearer", map[string]string{"Authorization": "Bearer shared-secret"}, true},
		{"lowercase scheme", map[string]string{"Authorization": "bearer shared-secret"}, true},
		{"wrong key", map[string]string{"X-API-KEY": "shared-secreT"}, false},
		{"garbage bearer", map[string]string{"Authorization": "Bearer abc.def.ghi"}, false},
		{"nothing", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/sync", nil)
			req.Header.Set("X-DEVICE-NAME", "Tablet")
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			actor, err := auth.Authorize(req)
			if tc.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if actor.Role != domain.RoleDevice || actor.Name != "Tablet" {
					t.Fatalf("unexpected actor %+v", actor)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestEmptySecretNeverMatches(t *testing.T) {
	creds := newCredentialsStub()
	creds.rotate("")
	auth := NewAuthManager(creds, time.Hour)

	req := httptest.NewRequest("GET", "/api/sync", nil)
	req.Header.Set("X-API-KEY", "")
	req.Header.Set("Authorization", "Bearer ")
	if _, err := auth.Authorize(req); err == nil {
		t.Fatalf("expected an unset secret to reject every caller")
	}
}
