package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kasirinaja/ledger/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestAPI(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestRequestIDIsEchoedOrMinted(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "till-42"})
	if got := rec.Header().Get("X-Request-ID"); got != "till-42" {
		t.Fatalf("expected caller request id to be echoed, got %q", got)
	}

	rec = env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a minted request id")
	}
}

func TestPreflightAllowsDeviceHeaders(t *testing.T) {
	env := newTestAPI(t, func(o *Options) { o.AllowedOrigin = "http://tablet.local" })
	rec := env.do(t, http.MethodOptions, "/api/sync", nil, nil)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://tablet.local" {
		t.Fatalf("unexpected allowed origin %q", got)
	}
	allowed := rec.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Authorization", "X-API-KEY", "X-DEVICE-NAME"} {
		if !strings.Contains(allowed, h) {
			t.Fatalf("expected %s in %q", h, allowed)
		}
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	env := newTestAPI(t)
	body := domain.LoginRequest{UserID: "u1", PIN: "0000"}

	for i := 0; i < 6; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/login", body, nil)
		if i < 5 && rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, rec.Code)
		}
		if i == 5 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", rec.Code)
		}
	}
}

func TestRateLimitIsPerClient(t *testing.T) {
	limiter := newAttemptLimiter(1, 0)
	if !limiter.Allow("10.0.0.1") || limiter.Allow("10.0.0.1") {
		t.Fatalf("expected one attempt for the first client")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatalf("expected a separate budget for another client")
	}
}

func TestClientKeyStripsPortAndMappedPrefix(t *testing.T) {
	cases := map[string]string{
		"192.168.1.5:5000":         "192.168.1.5",
		"[::ffff:192.168.1.5]:443": "192.168.1.5",
		"[fe80::1]:80":             "fe80::1",
		"":                         "unknown",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := clientKey(req); got != want {
			t.Fatalf("clientKey(%q) = %q, want %q", remote, got, want)
		}
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusInternalServerError, errors.New("open /data/transactions.json: permission denied"))

	if strings.Contains(rec.Body.String(), "permission denied") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("expected generic message, got %s", rec.Body.String())
	}
}

func TestSessionTokenIsNotASharedSecret(t *testing.T) {
	env := newTestAPI(t)
	cashier := env.login(t, "u2", "5678")

	// A cashier session may read but not pull the sync trigger.
	if rec := env.do(t, http.MethodGet, "/api/sync", nil, cashier); rec.Code != http.StatusOK {
		t.Fatalf("expected cashier to read the snapshot, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/sync/trigger", nil, cashier); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
