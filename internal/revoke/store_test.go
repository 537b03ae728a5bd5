package revoke

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// all test revocation keys before returning. Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	flush := func() {
		iter := client.Scan(ctx, 0, RevokedPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	flush()
	t.Cleanup(func() {
		flush()
		client.Close()
	})
	return NewStore(client)
}

func TestIsRevoked_NotRevoked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	revoked, remaining, reason, err := store.IsRevoked(ctx, "test_clean_user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revoked {
		t.Errorf("expected not revoked, got revoked (remaining=%d reason=%q)", remaining, reason)
	}
}

func TestRevokeAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_revoke_check"

	if err := store.Revoke(ctx, user, 30*time.Second, "compromised"); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	revoked, remaining, reason, err := store.IsRevoked(ctx, user)
	if err != nil {
		t.Fatalf("IsRevoked() error: %v", err)
	}
	if !revoked {
		t.Fatal("expected revoked=true")
	}
	if reason != "compromised" {
		t.Errorf("expected reason=%q, got %q", "compromised", reason)
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("expected remaining in (0,30], got %d", remaining)
	}
}

func TestRevokeDefaultDuration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_revoke_default"

	// Zero duration falls back to DefaultDuration, which must outlive any
	// token issued before the revocation.
	if err := store.Revoke(ctx, user, 0, "abuse"); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	_, remaining, _, err := store.IsRevoked(ctx, user)
	if err != nil {
		t.Fatalf("IsRevoked() error: %v", err)
	}
	want := int(DefaultDuration.Seconds())
	if remaining < want-10 || remaining > want {
		t.Errorf("expected remaining ~%ds, got %d", want, remaining)
	}
}

func TestRestore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_restore"

	if err := store.Revoke(ctx, user, time.Minute, "test"); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	// Verify revoked.
	revoked, _, _, _ := store.IsRevoked(ctx, user)
	if !revoked {
		t.Fatal("expected revoked=true after Revoke()")
	}

	// Restore and verify.
	if err := store.Restore(ctx, user); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	revoked, _, _, err := store.IsRevoked(ctx, user)
	if err != nil {
		t.Fatalf("IsRevoked() error: %v", err)
	}
	if revoked {
		t.Error("expected not revoked after Restore()")
	}
}
