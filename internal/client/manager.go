// Package client provides a reconnecting tunnel client. It obtains a tunnel
// token from the token endpoint, connects using gobwas/ws (the same library
// the server uses), and supervises the connection: transient failures are
// retried with capped exponential backoff, while authentication failures are
// surfaced as fatal and never retried.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/meridian/realtime/internal/protocol"
)

// ErrUnauthorized is returned when the token endpoint or the tunnel rejects
// the client's credential. It is fatal: retrying with the same credential
// cannot succeed.
var ErrUnauthorized = errors.New("client: unauthorized")

// State describes where the connection is in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase name of the state for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventKind identifies the type of a lifecycle or data event emitted by the
// Manager on its Events channel.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventConnectionError EventKind = "connection_error"
	EventTypingUsers     EventKind = "typing_users"
)

// Event is delivered on the Manager's Events channel. The populated fields
// depend on Kind: Connected carries SessionID, TypingUsers carries
// ConversationID and Users, ConnectionError carries Err.
type Event struct {
	Kind           EventKind
	SessionID      string
	ConversationID string
	Users          []protocol.TypingUser
	Err            error
}

// TokenSource supplies tunnel tokens. Implementations return the token
// string and its expiry time so the Manager can refresh before the token
// runs out. A source that cannot authenticate must return ErrUnauthorized
// (wrapped or bare) so the Manager knows retrying is pointless.
type TokenSource interface {
	Token(ctx context.Context) (string, time.Time, error)
}

// StaticTokenSource returns a fixed token with the given expiry. Useful for
// tests and for callers that manage token lifetime themselves.
type StaticTokenSource struct {
	Value     string
	ExpiresAt time.Time
}

func (s StaticTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	return s.Value, s.ExpiresAt, nil
}

// HTTPTokenSource obtains tunnel tokens by POSTing to the token endpoint with
// an existing session credential as the bearer.
type HTTPTokenSource struct {
	Endpoint   string // e.g. "https://host/tunnel/token"
	Credential string // session token presented as Authorization: Bearer
	HTTPClient *http.Client
}

// Token requests a fresh tunnel token. A 401 from the endpoint means the
// credential itself is bad and is reported as ErrUnauthorized.
func (s *HTTPTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("client: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Credential)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("client: token request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", time.Time{}, fmt.Errorf("%w: token endpoint rejected credential", ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return "", time.Time{}, fmt.Errorf("client: token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("client: decode token response: %w", err)
	}
	if body.Token == "" {
		return "", time.Time{}, fmt.Errorf("client: token endpoint returned empty token")
	}

	return body.Token, time.Now().Add(time.Duration(body.ExpiresIn) * time.Second), nil
}

// Config holds tunable parameters for the Manager.
type Config struct {
	URL           string        // WebSocket endpoint, e.g. "ws://host/ws"
	DialTimeout   time.Duration // timeout for the WebSocket handshake
	BackoffBase   time.Duration // first retry delay
	BackoffCap    time.Duration // maximum retry delay
	RefreshMargin time.Duration // refresh the token when less than this remains
	EventBuffer   int           // capacity of the Events channel
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "ws://localhost:8080/ws",
		DialTimeout:   10 * time.Second,
		BackoffBase:   time.Second,
		BackoffCap:    30 * time.Second,
		RefreshMargin: 5 * time.Minute,
		EventBuffer:   64,
	}
}

// Manager supervises a single tunnel connection. Connect starts a background
// goroutine that keeps the connection alive until Disconnect is called or a
// fatal authentication error occurs. Lifecycle transitions and server pushes
// are delivered on the Events channel.
type Manager struct {
	config Config
	tokens TokenSource

	started int32 // atomic; guards the single Connect
	state   int32 // atomic State
	events  chan Event

	mu          sync.Mutex
	conn        net.Conn
	sessionID   string
	cachedToken string
	tokenExpiry time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager in the Disconnected state. It does not
// connect; call Connect to start the supervisor.
func NewManager(config Config, tokens TokenSource) *Manager {
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = 30 * time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	return &Manager{
		config: config,
		tokens: tokens,
		events: make(chan Event, config.EventBuffer),
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

// Events returns the channel on which lifecycle and typing events are
// delivered. The channel is closed after Disconnect or a fatal error.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SessionID returns the session ID assigned by the server for the current
// connection, or an empty string if not connected.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connect starts the connection supervisor in a background goroutine and
// returns immediately. The supervisor dials, reads until the connection
// drops, and reconnects with capped exponential backoff. It stops only on
// Disconnect, context cancellation, or a fatal authentication error.
//
// Connect is valid only once, from the initial Disconnected state; a
// Manager whose supervisor has stopped is terminal and a new one must be
// created to connect again.
func (m *Manager) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return fmt.Errorf("client: connect called in %s state, supervisor already started", m.State())
	}
	m.setState(StateConnecting)
	go m.run(ctx)
	return nil
}

// Disconnect tears the connection down and stops the supervisor. Any pending
// reconnect is cancelled. A disconnected Manager is terminal: create a new
// one to connect again.
func (m *Manager) Disconnect() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()
	})
}

// StartTyping announces that the local user began typing in the given
// conversation.
func (m *Manager) StartTyping(conversationID, userName string) error {
	return m.send(protocol.StartTypingMsg{
		Type:           protocol.TypeStartTyping,
		ConversationID: conversationID,
		UserName:       userName,
	})
}

// StopTyping announces that the local user stopped typing in the given
// conversation.
func (m *Manager) StopTyping(conversationID string) error {
	return m.send(protocol.StopTypingMsg{
		Type:           protocol.TypeStopTyping,
		ConversationID: conversationID,
	})
}

// Watch subscribes to typing updates for a conversation. The server pushes a
// snapshot immediately and on every subsequent change; snapshots arrive as
// EventTypingUsers events.
func (m *Manager) Watch(conversationID string) error {
	return m.send(protocol.WatchMsg{
		Type:           protocol.TypeWatch,
		ConversationID: conversationID,
	})
}

// Unwatch cancels a Watch subscription.
func (m *Manager) Unwatch(conversationID string) error {
	return m.send(protocol.UnwatchMsg{
		Type:           protocol.TypeUnwatch,
		ConversationID: conversationID,
	})
}

// send marshals and writes a client message on the current connection.
func (m *Manager) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return wsutil.WriteClientMessage(m.conn, ws.OpText, data)
}

// run is the supervisor loop: obtain a token, dial, read until the
// connection drops, back off, repeat. Fatal auth errors end the loop.
func (m *Manager) run(ctx context.Context) {
	defer close(m.events)
	defer m.setState(StateDisconnected)

	attempt := 0
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, rw, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				// Retrying with the same credential cannot succeed.
				log.Printf("client: fatal auth error: %v", err)
				m.emit(Event{Kind: EventConnectionError, Err: err})
				return
			}
			if ctx.Err() != nil {
				return
			}

			delay := m.backoff(attempt)
			attempt++
			log.Printf("client: dial failed (attempt %d, retrying in %s): %v", attempt, delay, err)
			m.setState(StateReconnecting)

			select {
			case <-m.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected)

		readErr := m.readLoop(rw)

		m.mu.Lock()
		m.conn = nil
		m.sessionID = ""
		m.mu.Unlock()
		_ = conn.Close()

		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		log.Printf("client: connection lost, reconnecting: %v", readErr)
		m.setState(StateReconnecting)
		m.emit(Event{Kind: EventDisconnected, Err: readErr})
	}
}

// handshakeConn joins any bytes the dialer buffered while reading the
// handshake response with the underlying connection, so frames the server
// pushed immediately after the upgrade are not lost.
type handshakeConn struct {
	io.Reader
	io.Writer
}

// dial performs the WebSocket handshake, refreshing the cached token first
// when it is close to expiry. A 401 or 403 handshake rejection is fatal.
// The returned io.ReadWriter must be used for all frame reads: it drains
// the dialer's handshake buffer before the raw connection.
func (m *Manager) dial(ctx context.Context) (net.Conn, io.ReadWriter, error) {
	tok, err := m.ensureToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	dialCtx := ctx
	if m.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.config.DialTimeout)
		defer cancel()
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + tok},
		}),
	}

	conn, br, _, err := dialer.Dial(dialCtx, m.config.URL)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) &&
			(int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			// The token was refused outright. Drop the cache in case it was
			// stale, but report fatal: a freshly issued token being refused
			// means the credential chain is broken.
			m.mu.Lock()
			m.cachedToken = ""
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: tunnel rejected token (HTTP %d)", ErrUnauthorized, int(status))
		}
		return nil, nil, fmt.Errorf("client: dial %s: %w", m.config.URL, err)
	}

	// A non-nil br holds frames that arrived buffered behind the handshake
	// response (the server sends connected right away); they must be read
	// before anything from the raw connection.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = handshakeConn{Reader: io.MultiReader(br, conn), Writer: conn}
	}

	return conn, rw, nil
}

// ensureToken returns the cached tunnel token, fetching a new one when the
// cache is empty or the remaining lifetime is below the refresh margin.
func (m *Manager) ensureToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	cached := m.cachedToken
	remaining := time.Until(m.tokenExpiry)
	m.mu.Unlock()

	if cached != "" && remaining > m.config.RefreshMargin {
		return cached, nil
	}

	tok, expiry, err := m.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cachedToken = tok
	m.tokenExpiry = expiry
	m.mu.Unlock()
	return tok, nil
}

// readLoop reads server frames until the connection fails, dispatching
// connected and typing_users messages as events. It returns the read error
// that ended the loop.
func (m *Manager) readLoop(rw io.ReadWriter) error {
	for {
		select {
		case <-m.done:
			return nil
		default:
		}

		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			return err
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case protocol.TypeConnected:
			var msg protocol.ConnectedMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			m.mu.Lock()
			m.sessionID = msg.SessionID
			m.mu.Unlock()
			m.emit(Event{Kind: EventConnected, SessionID: msg.SessionID})

		case protocol.TypeTypingUsers:
			var msg protocol.TypingUsersMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			m.emit(Event{
				Kind:           EventTypingUsers,
				ConversationID: msg.ConversationID,
				Users:          msg.Users,
			})

		case protocol.TypeError:
			var msg protocol.ErrorMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			log.Printf("client: server error code=%s: %s", msg.Code, msg.Message)
		}
	}
}

// backoff returns the retry delay for the given attempt number, doubling
// from BackoffBase up to BackoffCap.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.config.BackoffBase
	for i := 0; i < attempt && delay < m.config.BackoffCap; i++ {
		delay *= 2
	}
	if delay > m.config.BackoffCap {
		delay = m.config.BackoffCap
	}
	return delay
}

// emit delivers an event without blocking the supervisor. A full buffer
// drops the event with a log line rather than stalling the read loop.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("client: event buffer full, dropping %s event", ev.Kind)
	}
}
