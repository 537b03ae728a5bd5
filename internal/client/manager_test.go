package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/meridian/realtime/internal/protocol"
)

// wsURL rewrites an httptest server URL to the ws scheme.
func wsURL(t *testing.T, s *httptest.Server) string {
	t.Helper()
	return "ws://" + strings.TrimPrefix(s.URL, "http://")
}

// waitEvent reads one event from the manager or fails the test.
func waitEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		if !ok {
			t.Fatalf("events channel closed while waiting for event")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoffDoublesAndCaps(t *testing.T) {
	m := NewManager(Config{BackoffBase: time.Second, BackoffCap: 8 * time.Second}, nil)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for attempt, expected := range want {
		if got := m.backoff(attempt); got != expected {
			t.Errorf("backoff(%d) = %s, want %s", attempt, got, expected)
		}
	}
}

// ---------------------------------------------------------------------------
// Token caching
// ---------------------------------------------------------------------------

type countingTokenSource struct {
	calls int32
	value string
	ttl   time.Duration
	err   error
}

func (c *countingTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return "", time.Time{}, c.err
	}
	return c.value, time.Now().Add(c.ttl), nil
}

func TestEnsureTokenCachesUntilMargin(t *testing.T) {
	src := &countingTokenSource{value: "tok-1", ttl: time.Hour}
	m := NewManager(Config{RefreshMargin: 5 * time.Minute}, src)

	for i := 0; i < 3; i++ {
		tok, err := m.ensureToken(context.Background())
		if err != nil {
			t.Fatalf("ensureToken: %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("ensureToken = %q, want tok-1", tok)
		}
	}
	if src.calls != 1 {
		t.Errorf("token source called %d times, want 1 (cached)", src.calls)
	}
}

func TestEnsureTokenRefreshesNearExpiry(t *testing.T) {
	// TTL below the refresh margin: every call must hit the source.
	src := &countingTokenSource{value: "tok-short", ttl: time.Minute}
	m := NewManager(Config{RefreshMargin: 5 * time.Minute}, src)

	for i := 0; i < 2; i++ {
		if _, err := m.ensureToken(context.Background()); err != nil {
			t.Fatalf("ensureToken: %v", err)
		}
	}
	if src.calls != 2 {
		t.Errorf("token source called %d times, want 2 (refresh under margin)", src.calls)
	}
}

// ---------------------------------------------------------------------------
// HTTPTokenSource
// ---------------------------------------------------------------------------

func TestHTTPTokenSourceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token request method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer cred-123" {
			t.Errorf("Authorization = %q, want bearer credential", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":     "tunnel-token",
			"expiresIn": 86400,
		})
	}))
	defer srv.Close()

	src := &HTTPTokenSource{Endpoint: srv.URL, Credential: "cred-123"}
	tok, expiry, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tunnel-token" {
		t.Errorf("token = %q, want tunnel-token", tok)
	}
	if remaining := time.Until(expiry); remaining < 23*time.Hour {
		t.Errorf("expiry only %s away, want ~24h", remaining)
	}
}

func TestHTTPTokenSourceUnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &HTTPTokenSource{Endpoint: srv.URL, Credential: "bad"}
	_, _, err := src.Token(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Token error = %v, want ErrUnauthorized", err)
	}
}

func TestHTTPTokenSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := &HTTPTokenSource{Endpoint: srv.URL, Credential: "cred"}
	_, _, err := src.Token(context.Background())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("500 must not be classified as fatal auth failure")
	}
}

// ---------------------------------------------------------------------------
// Supervisor lifecycle
// ---------------------------------------------------------------------------

func TestRejectedHandshakeIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tunnel"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(Config{
		URL:         wsURL(t, srv),
		DialTimeout: 2 * time.Second,
	}, StaticTokenSource{Value: "stale", ExpiresAt: time.Now().Add(time.Hour)})

	m.Connect(context.Background())

	ev := waitEvent(t, m)
	if ev.Kind != EventConnectionError {
		t.Fatalf("event kind = %s, want %s", ev.Kind, EventConnectionError)
	}
	if !errors.Is(ev.Err, ErrUnauthorized) {
		t.Errorf("event error = %v, want ErrUnauthorized", ev.Err)
	}

	// A fatal error ends the supervisor: the channel closes and the manager
	// settles in Disconnected without retrying.
	select {
	case _, ok := <-m.Events():
		if ok {
			t.Error("unexpected extra event after fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel not closed after fatal error")
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}

func TestConnectAndReceiveTypingUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("upgrade Authorization = %q, want bearer token", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		connected, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
			SessionID: "sess-1",
			UserID:    "user-1",
		})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, connected); err != nil {
			t.Errorf("write connected: %v", err)
			return
		}

		users, _ := protocol.NewServerMessage(protocol.TypeTypingUsers, protocol.TypingUsersMsg{
			ConversationID: "conv-1",
			Users: []protocol.TypingUser{
				{UserID: "user-2", UserName: "Dana", Ts: time.Now().UnixMilli()},
			},
		})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, users); err != nil {
			t.Errorf("write typing_users: %v", err)
		}

		// Hold the connection open until the client disconnects.
		_, _ = wsutil.ReadClientText(conn)
	}))
	defer srv.Close()

	m := NewManager(Config{
		URL:         wsURL(t, srv),
		DialTimeout: 2 * time.Second,
	}, StaticTokenSource{Value: "test-token", ExpiresAt: time.Now().Add(time.Hour)})
	defer m.Disconnect()

	m.Connect(context.Background())

	ev := waitEvent(t, m)
	if ev.Kind != EventConnected {
		t.Fatalf("first event = %s, want %s", ev.Kind, EventConnected)
	}
	if ev.SessionID != "sess-1" {
		t.Errorf("session ID = %q, want sess-1", ev.SessionID)
	}

	ev = waitEvent(t, m)
	if ev.Kind != EventTypingUsers {
		t.Fatalf("second event = %s, want %s", ev.Kind, EventTypingUsers)
	}
	if ev.ConversationID != "conv-1" {
		t.Errorf("conversation = %q, want conv-1", ev.ConversationID)
	}
	if len(ev.Users) != 1 || ev.Users[0].UserID != "user-2" {
		t.Errorf("users = %+v, want single entry for user-2", ev.Users)
	}

	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected", m.State())
	}
	if m.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q, want sess-1", m.SessionID())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := NewManager(DefaultConfig(), StaticTokenSource{Value: "t"})
	if err := m.StartTyping("conv-1", "Ada"); err == nil {
		t.Fatal("expected error sending while disconnected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig(), StaticTokenSource{Value: "t"})
	m.Disconnect()
	m.Disconnect() // must not panic
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}

func TestConnectOnlyOnce(t *testing.T) {
	m := NewManager(DefaultConfig(), StaticTokenSource{Value: "t", ExpiresAt: time.Now().Add(time.Hour)})
	defer m.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // supervisor exits immediately; only the guard is under test

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := m.Connect(ctx); err == nil {
		t.Fatal("expected error from second Connect")
	}

	// The first supervisor must shut down cleanly despite the rejected call.
	select {
	case _, ok := <-m.Events():
		if ok {
			t.Error("unexpected event from cancelled supervisor")
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel not closed after context cancellation")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var connCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connCount, 1)

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		connected, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
			SessionID: fmt.Sprintf("sess-%d", n),
			UserID:    "user-1",
		})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, connected); err != nil {
			t.Errorf("write connected: %v", err)
			conn.Close()
			return
		}

		if n == 1 {
			// Drop the first connection right after the handshake.
			conn.Close()
			return
		}

		// Hold subsequent connections open until the client disconnects.
		defer conn.Close()
		_, _ = wsutil.ReadClientText(conn)
	}))
	defer srv.Close()

	// TTL below the refresh margin: every redial must fetch a fresh token.
	src := &countingTokenSource{value: "tok", ttl: time.Minute}
	m := NewManager(Config{
		URL:           wsURL(t, srv),
		DialTimeout:   2 * time.Second,
		BackoffBase:   10 * time.Millisecond,
		BackoffCap:    50 * time.Millisecond,
		RefreshMargin: 5 * time.Minute,
	}, src)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := waitEvent(t, m)
	if ev.Kind != EventConnected || ev.SessionID != "sess-1" {
		t.Fatalf("first event = %s/%s, want connected/sess-1", ev.Kind, ev.SessionID)
	}

	// The drop produces exactly one disconnected event before the next
	// connected: any duplicate would show up here instead.
	ev = waitEvent(t, m)
	if ev.Kind != EventDisconnected {
		t.Fatalf("second event = %s, want %s", ev.Kind, EventDisconnected)
	}

	ev = waitEvent(t, m)
	if ev.Kind != EventConnected || ev.SessionID != "sess-2" {
		t.Fatalf("third event = %s/%s, want connected/sess-2", ev.Kind, ev.SessionID)
	}

	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected", m.State())
	}
	if n := atomic.LoadInt32(&src.calls); n < 2 {
		t.Errorf("token source called %d times, want a fresh fetch before the redial", n)
	}
}
