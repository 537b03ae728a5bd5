// Package tunnel exposes the HTTP surface for tunnel token issuance and
// verification. These endpoints are mounted next to the realtime upgrade
// path and let an already-authenticated caller mint the short-lived token
// its transport will present on connect and every reconnect.
package tunnel

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/meridian/realtime/internal/auth"
	"github.com/meridian/realtime/internal/metrics"
	"github.com/meridian/realtime/internal/ratelimit"
	"github.com/meridian/realtime/internal/revoke"
	"github.com/meridian/realtime/internal/token"
)

// Handler serves POST /tunnel/token (issuance) and GET /tunnel/token
// (verification).
type Handler struct {
	auth        *auth.Authenticator
	tokens      *token.Service
	limiter     *ratelimit.Limiter // optional; nil disables throttling
	revocations *revoke.Store      // optional; nil disables the deny list
}

// NewHandler creates a Handler. The limiter may be nil.
func NewHandler(a *auth.Authenticator, tokens *token.Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{auth: a, tokens: tokens, limiter: limiter}
}

// SetRevocations enables the user deny list: revoked users cannot mint new
// tunnel tokens.
func (h *Handler) SetRevocations(r *revoke.Store) {
	h.revocations = r
}

// ServeHTTP dispatches on method: POST issues a token for the authenticated
// caller, GET verifies a presented token.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.issue(w, r)
	case http.MethodGet:
		h.verify(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	}
}

// issue resolves the caller's identity and mints a tunnel token. The 401
// response is deliberately generic: it never discloses which resolution path
// was attempted or why it failed.
func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	id := h.auth.Authenticate(r)
	if id == nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tunnel"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	// Revoked users get the same generic 401 as unauthenticated callers.
	// Redis errors fail open so an outage cannot lock everyone out.
	if h.revocations != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		revoked, _, reason, err := h.revocations.IsRevoked(ctx, id.UserID)
		cancel()
		if err == nil && revoked {
			log.Printf("tunnel: refused token for revoked user=%s reason=%s", id.UserID, reason)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tunnel"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
	}

	if h.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		allowed, _ := h.limiter.Allow(ctx, id.UserID, ratelimit.RuleIssue)
		cancel()
		if !allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
			return
		}
	}

	tok, err := h.tokens.Issue(id.UserID, id.Email)
	if err != nil {
		log.Printf("tunnel: token issue failed for user=%s: %v", id.UserID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Token signing failed"})
		return
	}

	metrics.TokensTotal.WithLabelValues("issued").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     tok,
		"userId":    id.UserID,
		"email":     id.Email,
		"expiresIn": int(token.TokenTTL.Seconds()),
	})
}

// verify checks a token presented via the query parameter or the
// Authorization header. Invalid and expired tokens get the same response so
// the endpoint cannot be used as a validity oracle beyond the boolean.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if ah := r.Header.Get("Authorization"); len(ah) > 7 && ah[:7] == "Bearer " {
			raw = ah[7:]
		}
	}
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Token required"})
		return
	}

	id := h.tokens.Verify(raw)
	if id == nil {
		metrics.TokensTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"valid": false})
		return
	}

	metrics.TokensTotal.WithLabelValues("verified").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"userId": id.UserID,
		"email":  id.Email,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("tunnel: response encode failed: %v", err)
	}
}
