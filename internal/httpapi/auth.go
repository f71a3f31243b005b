package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/ledger/internal/domain"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	errInvalidToken = errors.New("invalid or expired token")
)

// Credentials is the part of the ledger the auth layer reads: cashier PIN
// checks and the installation's shared secret.
type Credentials interface {
	Authenticate(userID string, pin string) (domain.User, error)
	APIKey() string
}

type AuthManager struct {
	creds    Credentials
	tokenTTL time.Duration
	now      func() time.Time
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name"`
}

func NewAuthManager(creds Credentials, tokenTTL time.Duration) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &AuthManager{creds: creds, tokenTTL: tokenTTL, now: time.Now}
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	user, err := a.creds.Authenticate(strings.TrimSpace(req.UserID), req.PIN)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		Name:        user.Name,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret(), nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer("kasirinaja"),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{UserID: sub, Name: claims.Name, Role: claims.Role}, nil
}

// Authorize accepts the shared secret as X-API-KEY or a bearer token, or a
// session token issued by Login.
func (a *AuthManager) Authorize(r *http.Request) (domain.Actor, error) {
	apiKey := strings.TrimSpace(r.Header.Get("X-API-KEY"))
	bearer := bearerToken(r)

	if a.sharedSecret(apiKey) || a.sharedSecret(bearer) {
		return domain.Actor{Name: deviceName(r), Role: domain.RoleDevice}, nil
	}
	if bearer == "" {
		return domain.Actor{}, ErrUnauthorized
	}
	return a.ParseToken(bearer)
}

func (a *AuthManager) sharedSecret(candidate string) bool {
	secret := a.creds.APIKey()
	if candidate == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1
}

// The shared secret doubles as the signing key, so rotating it ends every session.
func (a *AuthManager) secret() []byte {
	return []byte(a.creds.APIKey())
}

func (a *AuthManager) sign(user domain.User, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirinaja",
		},
		Role: user.Role,
		Name: user.Name,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret())
}

func bearerToken(r *http.Request) string {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authorization[len("Bearer "):])
}

func deviceName(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-DEVICE-NAME")); name != "" {
		return name
	}
	if agent := strings.TrimSpace(r.UserAgent()); agent != "" {
		return agent
	}
	return "Unknown Device"
}
