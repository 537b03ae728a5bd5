// Package token issues and verifies the short-lived signed tokens that gate
// access to the real-time tunnel. Tokens are HMAC-SHA256 JWTs carrying the
// user identity and a purpose tag; they are never persisted — verification
// is a pure recomputation against the shared signing secret.
package token

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Purpose is the claim value that marks a token as tunnel-auth. Tokens
	// carrying any other purpose are rejected even when the signature checks.
	Purpose = "tunnel-auth"

	// TokenTTL is the validity window for issued tunnel tokens.
	TokenTTL = 24 * time.Hour

	// SecretEnv is the primary environment variable holding the signing
	// secret. LegacySecretEnv is the older name still honored so that
	// deployments configured before the rename keep working.
	SecretEnv       = "AUTH_SECRET"
	LegacySecretEnv = "SESSION_SECRET"
)

// ErrNoSecret indicates that no signing secret is configured. This is a
// boot-time configuration error: callers should fail fast at startup rather
// than surface it per-request.
var ErrNoSecret = errors.New("token: no signing secret configured (set " + SecretEnv + ")")

// Identity is the verified subject of a tunnel token.
type Identity struct {
	UserID string
	Email  string
}

// claims extends the registered JWT claims with the tunnel-specific fields.
type claims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Purpose string `json:"purpose"`
}

// Service signs and verifies tunnel tokens. It is stateless and safe for
// concurrent use.
type Service struct {
	secret []byte
}

// NewService creates a Service with the given signing secret.
func NewService(secret []byte) (*Service, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Service{secret: secret}, nil
}

// NewServiceFromEnv creates a Service using the AUTH_SECRET environment
// variable, falling back to the legacy SESSION_SECRET name.
func NewServiceFromEnv() (*Service, error) {
	secret := os.Getenv(SecretEnv)
	if secret == "" {
		secret = os.Getenv(LegacySecretEnv)
	}
	return NewService([]byte(secret))
}

// Issue signs a tunnel token for the given user. The email claim is omitted
// when empty. The token expires TokenTTL after issuance.
func (s *Service) Issue(userID, email string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
		Email:   email,
		Purpose: Purpose,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks a tunnel token and returns the identity it binds, or nil on
// any failure — expired, malformed, wrong signature, wrong algorithm, or
// wrong purpose. It deliberately never returns an error so that callers
// cannot forget to treat a bad token as unauthenticated.
//
// Only HMAC-SHA256 is accepted; the algorithm is pinned to prevent
// substitution attacks.
func (s *Service) Verify(tokenString string) *Identity {
	c := &claims{}
	tok, err := jwt.ParseWithClaims(tokenString, c, s.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return nil
	}
	if c.Purpose != Purpose || c.Subject == "" {
		return nil
	}
	return &Identity{UserID: c.Subject, Email: c.Email}
}

// ExpiresAt returns the expiry time embedded in a token without requiring the
// token to still be valid otherwise. Returns the zero time if the token is
// not signature-valid or carries no expiry. Used by the connection manager to
// decide whether a cached token is worth reusing on reconnect.
func (s *Service) ExpiresAt(tokenString string) time.Time {
	c := &claims{}
	_, err := jwt.ParseWithClaims(tokenString, c, s.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func (s *Service) keyfunc(t *jwt.Token) (interface{}, error) {
	return s.secret, nil
}
