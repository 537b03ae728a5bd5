package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian/realtime/internal/auth"
	"github.com/meridian/realtime/internal/revoke"
	"github.com/meridian/realtime/internal/token"
)

const testSecret = "tunnel-handler-test-secret"

func newTestHandler(t *testing.T) (*Handler, *token.Service) {
	t.Helper()
	svc, err := token.NewService([]byte(testSecret))
	if err != nil {
		t.Fatalf("token.NewService() error: %v", err)
	}
	return NewHandler(auth.New(svc, []byte(testSecret)), svc, nil), svc
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestIssueUnauthorized(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodPost, "/tunnel/token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="tunnel"` {
		t.Errorf("expected WWW-Authenticate challenge, got %q", got)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Unauthorized" {
		t.Errorf(`expected {"error":"Unauthorized"}, got %v`, body)
	}
}

func TestIssueWithBearer(t *testing.T) {
	h, svc := newTestHandler(t)

	cred, err := svc.Issue("u1", "alice@example.com")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/tunnel/token", nil)
	r.Header.Set("Authorization", "Bearer "+cred)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["userId"] != "u1" || body["email"] != "alice@example.com" {
		t.Errorf("unexpected identity in response: %v", body)
	}
	if body["expiresIn"] != float64(86400) {
		t.Errorf("expected expiresIn=86400, got %v", body["expiresIn"])
	}

	// The minted token must verify.
	minted, _ := body["token"].(string)
	if minted == "" {
		t.Fatal("expected a token in the response")
	}
	if id := svc.Verify(minted); id == nil || id.UserID != "u1" {
		t.Errorf("minted token did not verify: %v", id)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/tunnel/token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Token required" {
		t.Errorf(`expected {"error":"Token required"}, got %v`, body)
	}
}

func TestVerifyInvalidToken(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/tunnel/token?token=garbage", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["valid"] != false {
		t.Errorf("expected valid=false, got %v", body)
	}
}

func TestVerifyValidToken(t *testing.T) {
	h, svc := newTestHandler(t)

	tok, err := svc.Issue("u2", "bob@example.com")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/tunnel/token?token="+tok, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["valid"] != true || body["userId"] != "u2" || body["email"] != "bob@example.com" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestVerifyBearerHeader(t *testing.T) {
	h, svc := newTestHandler(t)

	tok, _ := svc.Issue("u3", "")

	r := httptest.NewRequest(http.MethodGet, "/tunnel/token", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["userId"] != "u3" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodDelete, "/tunnel/token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIssueRevokedUser(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, revoke.RevokedPrefix+"u_revoked")
		client.Close()
	})

	h, svc := newTestHandler(t)
	revocations := revoke.NewStore(client)
	h.SetRevocations(revocations)

	if err := revocations.Revoke(ctx, "u_revoked", time.Minute, "abuse"); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	cred, err := svc.Issue("u_revoked", "")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/tunnel/token", nil)
	r.Header.Set("Authorization", "Bearer "+cred)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	// Revoked users are indistinguishable from unauthenticated callers.
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked user, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Unauthorized" {
		t.Errorf(`expected {"error":"Unauthorized"}, got %v`, body)
	}
}
