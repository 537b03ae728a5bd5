// Package revoke provides a user-level credential revocation list backed by
// Redis. Revocations are stored as simple key-value pairs with TTL-based
// expiry:
//
//	Key:   revoked:<user_id>
//	Value: <reason>
//	TTL:   revocation duration
//
// A revoked user cannot obtain new tunnel tokens and cannot open new tunnel
// connections; tokens already in flight stay usable until they expire, which
// is why revocation TTLs are normally at least as long as the token TTL.
package revoke

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RevokedPrefix is the Redis key prefix for revocation records.
	RevokedPrefix = "revoked:"

	// DefaultDuration covers the full lifetime of any token issued before
	// the revocation, plus a day of margin.
	DefaultDuration = 48 * time.Hour
)

// Store manages revocation records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a revocation store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsRevoked checks whether a user's tunnel access is currently revoked.
// Returns (revoked, remainingSeconds, reason, error). Redis errors are
// returned so callers can decide how to handle them (the recommended policy
// is fail-open: an unreachable Redis must not lock everyone out).
func (s *Store) IsRevoked(ctx context.Context, userID string) (bool, int, string, error) {
	key := RevokedPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The revocation exists but the TTL read failed. Report revoked
		// with 0 remaining rather than swallowing the revocation.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Revoke withdraws a user's tunnel access for the given duration. The
// revocation expires automatically. A non-positive duration applies
// DefaultDuration.
func (s *Store) Revoke(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = DefaultDuration
	}
	key := RevokedPrefix + userID
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Restore lifts a revocation immediately.
func (s *Store) Restore(ctx context.Context, userID string) error {
	key := RevokedPrefix + userID
	return s.client.Del(ctx, key).Err()
}
