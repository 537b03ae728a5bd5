// Package auth resolves an HTTP request to a verified identity for tunnel
// access. Real-time transports cannot always carry the primary session
// cookie, so the authenticator accepts a tunnel token via the Authorization
// header or a query parameter first, and only then falls back to the
// session cookie.
package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridian/realtime/internal/token"
)

// sessionCookieNames are the cookie names recognized for the session
// fallback, newest first. The list covers both the secure-prefixed and the
// plain variants used by the primary session system over time.
var sessionCookieNames = []string{
	"__Secure-session-token",
	"session-token",
	"auth.session-token",
}

// Authenticator extracts a credential from a request and resolves it to a
// verified identity. It never returns an error: a nil identity means
// unauthenticated, and callers respond with a generic 401 so that the
// attempted resolution path is not disclosed.
type Authenticator struct {
	tokens *token.Service
	secret []byte
}

// New creates an Authenticator backed by the given token service. The secret
// is also used directly for the session-cookie fallback, which decodes
// JWT-format session cookies signed with the same key.
func New(tokens *token.Service, secret []byte) *Authenticator {
	return &Authenticator{tokens: tokens, secret: secret}
}

// Authenticate resolves the request to an identity, first match wins:
//
//  1. Authorization: Bearer <token> header
//  2. "token" query parameter
//  3. session cookie (JWT-format only; encrypted session cookies are not
//     decrypted by this layer and resolve to nil with a logged warning)
//
// Returns nil if no path succeeds.
func (a *Authenticator) Authenticate(r *http.Request) *token.Identity {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			if id := a.tokens.Verify(strings.TrimSpace(raw)); id != nil {
				return id
			}
		}
	}

	if raw := r.URL.Query().Get("token"); raw != "" {
		if id := a.tokens.Verify(raw); id != nil {
			return id
		}
	}

	for _, name := range sessionCookieNames {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			continue
		}
		if id := a.verifySessionCookie(c.Value); id != nil {
			return id
		}
		log.Printf("auth: session cookie %q is not a decodable JWT, ignoring", name)
	}

	return nil
}

// sessionClaims is the subset of the primary session token this layer reads.
type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// verifySessionCookie attempts to decode a session cookie as an HMAC-signed
// JWT sharing the tunnel signing secret. Cookies in an encrypted session
// format fail the parse and resolve to nil; the Bearer-token path is the
// primary mechanism and this fallback only serves JWT-format sessions.
func (a *Authenticator) verifySessionCookie(value string) *token.Identity {
	c := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(value, c, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid || c.Subject == "" {
		return nil
	}
	return &token.Identity{UserID: c.Subject, Email: c.Email}
}
