package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ===== JWT primitives =====

type AuthConfig struct {
	HMACSecret []byte
	TTL        time.Duration
}

type AuthManager struct{ cfg AuthConfig }

func NewAuthManager(secret string, ttl time.Duration) *AuthManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthManager{cfg: AuthConfig{
		HMACSecret: []byte(secret),
		TTL:        ttl,
	}}
}

// Enabled reports whether a secret is configured.
func (a *AuthManager) Enabled() bool { return len(a.cfg.HMACSecret) > 0 }

type BatchClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Mint signs a bearer token for subject.
func (a *AuthManager) Mint(subject string) (string, error) {
	if !a.Enabled() {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := BatchClaims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TTL)),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.cfg.HMACSecret)
}

func (a *AuthManager) ParseFromRequest(r *http.Request) (*BatchClaims, error) {
	// Authorization: Bearer <jwt>
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			return a.parse(strings.TrimSpace(hdr[7:]))
		}
	}
	// EventSource cannot set headers
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return a.parse(tok)
	}
	return nil, errors.New("missing token")
}

func (a *AuthManager) parse(tok string) (*BatchClaims, error) {
	claims := &BatchClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.cfg.HMACSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tkn.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type claimsKey struct{}

// Middleware rejects requests without a valid token and stores the claims
// on the request context.
func (a *AuthManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeJSONError(w, http.StatusForbidden, "forbidden", "api auth is not configured")
			return
		}
		claims, err := a.ParseFromRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject returns the token subject of an authenticated request.
func Subject(ctx context.Context) string {
	if c, ok := ctx.Value(claimsKey{}).(*BatchClaims); ok {
		return c.Subject
	}
	return ""
}
