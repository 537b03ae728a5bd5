// Package session is the Redis-backed registry of live tunnel connections.
// Each connected tunnel gets a hash keyed by its session ID with the verified
// identity and liveness metadata; the TTL acts as a safety net so entries for
// connections that died without a clean disconnect eventually vanish.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all tunnel session hashes.
	SessionPrefix = "tunnel:session:"

	// SessionTTL is the time-to-live for session keys in Redis. The
	// heartbeat refreshes it, so only abandoned entries expire.
	SessionTTL = 1 * time.Hour
)

// Session represents one live tunnel connection's state stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Email       string `redis:"email"`
	Server      string `redis:"server"`       // which tunnel server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages tunnel session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this tunnel server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new tunnel session in Redis with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID, userID, email string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":           sessionID,
		"user_id":      userID,
		"email":        email,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a tunnel session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Touch records activity on the session and refreshes the TTL. Called from
// the heartbeat path.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a tunnel session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
