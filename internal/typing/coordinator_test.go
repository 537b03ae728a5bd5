package typing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridian/realtime/internal/messaging"
	"github.com/meridian/realtime/internal/presence"
)

const testTimeout = 60 * time.Millisecond

// fakeBridge records published events and lets tests inject remote ones.
type fakeBridge struct {
	mu         sync.Mutex
	published  []messaging.TypingEvent
	handlers   map[string]func(messaging.TypingEvent)
	subCount   int
	unsubCount int
	failWith   error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{handlers: make(map[string]func(messaging.TypingEvent))}
}

func (b *fakeBridge) PublishTyping(ev messaging.TypingEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBridge) SubscribeTyping(conv string, handler func(messaging.TypingEvent)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[conv] = handler
	b.subCount++
	return nil
}

func (b *fakeBridge) UnsubscribeTyping(conv string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, conv)
	b.unsubCount++
	return nil
}

func (b *fakeBridge) deliver(ev messaging.TypingEvent) {
	b.mu.Lock()
	handler := b.handlers[ev.ConversationID]
	b.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBridge) {
	t.Helper()
	bridge := newFakeBridge()
	c := NewCoordinator(presence.NewStore(testTimeout), bridge, "instance-1")
	return c, bridge
}

func TestStartTypingAndGet(t *testing.T) {
	c, bridge := newTestCoordinator(t)

	if err := c.StartTyping("conv1", "u1", "Alice"); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}

	got := c.GetTypingUsers("conv1")
	if len(got) != 1 {
		t.Fatalf("expected 1 typing user, got %d", len(got))
	}
	if got[0].ConversationID != "conv1" || got[0].UserID != "u1" || got[0].UserName != "Alice" {
		t.Errorf("unexpected record: %+v", got[0])
	}

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.published) != 1 || bridge.published[0].Kind != messaging.EventStart {
		t.Errorf("expected one start event published, got %v", bridge.published)
	}
}

func TestGetTypingUsersEmpty(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if got := c.GetTypingUsers("never-seen"); len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}

func TestStopTypingIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_ = c.StartTyping("conv1", "u1", "Alice")
	if err := c.StopTyping("conv1", "u1"); err != nil {
		t.Fatalf("StopTyping() error: %v", err)
	}
	// Double stop and stop-without-start are both no-ops.
	if err := c.StopTyping("conv1", "u1"); err != nil {
		t.Fatalf("second StopTyping() error: %v", err)
	}
	if err := c.StopTyping("conv1", "never-started"); err != nil {
		t.Fatalf("StopTyping() for unknown user error: %v", err)
	}

	if got := c.GetTypingUsers("conv1"); len(got) != 0 {
		t.Errorf("expected no typing users, got %v", got)
	}
}

func TestTransportErrorSurfaced(t *testing.T) {
	c, bridge := newTestCoordinator(t)
	bridge.failWith = errors.New("nats down")

	err := c.StartTyping("conv1", "u1", "Alice")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	// The local register still applied the mutation: degrade, don't fail.
	if got := c.GetTypingUsers("conv1"); len(got) != 1 {
		t.Errorf("expected local record despite transport failure, got %v", got)
	}
}

func TestCleanupTypingIndicators(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_ = c.StartTyping("conv1", "u1", "Alice")
	_ = c.StartTyping("conv1", "u2", "Bob")

	c.CleanupTypingIndicators("conv1")

	if got := c.GetTypingUsers("conv1"); len(got) != 0 {
		t.Errorf("expected cleared conversation, got %v", got)
	}
}

func TestSubscribeArmsBridgeOnce(t *testing.T) {
	c, bridge := newTestCoordinator(t)

	unsub1 := c.Subscribe("conv1", func([]presence.Record) {})
	unsub2 := c.Subscribe("conv1", func([]presence.Record) {})

	bridge.mu.Lock()
	if bridge.subCount != 1 {
		t.Errorf("expected 1 bridge subscription for 2 local watchers, got %d", bridge.subCount)
	}
	bridge.mu.Unlock()

	unsub1()
	bridge.mu.Lock()
	if bridge.unsubCount != 0 {
		t.Errorf("bridge released while a watcher remains (unsubCount=%d)", bridge.unsubCount)
	}
	bridge.mu.Unlock()

	unsub2()
	unsub2() // idempotent
	bridge.mu.Lock()
	if bridge.unsubCount != 1 {
		t.Errorf("expected 1 bridge unsubscribe after last watcher left, got %d", bridge.unsubCount)
	}
	bridge.mu.Unlock()
}

func TestRemoteEventsApplied(t *testing.T) {
	c, bridge := newTestCoordinator(t)

	var mu sync.Mutex
	var last []presence.Record
	unsub := c.Subscribe("conv1", func(recs []presence.Record) {
		mu.Lock()
		last = recs
		mu.Unlock()
	})
	defer unsub()

	bridge.deliver(messaging.TypingEvent{
		Kind:           messaging.EventStart,
		Instance:       "instance-2",
		ConversationID: "conv1",
		UserID:         "remote-user",
		UserName:       "Remy",
		Ts:             time.Now().UnixMilli(),
	})

	mu.Lock()
	if len(last) != 1 || last[0].UserID != "remote-user" {
		t.Errorf("expected remote record fanned out, got %v", last)
	}
	mu.Unlock()

	bridge.deliver(messaging.TypingEvent{
		Kind:           messaging.EventStop,
		Instance:       "instance-2",
		ConversationID: "conv1",
		UserID:         "remote-user",
	})

	mu.Lock()
	if len(last) != 0 {
		t.Errorf("expected remote stop applied, got %v", last)
	}
	mu.Unlock()
}

func TestOwnEventsSkipped(t *testing.T) {
	c, bridge := newTestCoordinator(t)

	unsub := c.Subscribe("conv1", func([]presence.Record) {})
	defer unsub()

	// An echo of our own published event must not be re-applied.
	bridge.deliver(messaging.TypingEvent{
		Kind:           messaging.EventStart,
		Instance:       "instance-1",
		ConversationID: "conv1",
		UserID:         "u1",
		Ts:             time.Now().UnixMilli(),
	})

	if got := c.GetTypingUsers("conv1"); len(got) != 0 {
		t.Errorf("expected own event skipped, got %v", got)
	}
}

func TestReleaseConnection(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_ = c.StartTyping("conv1", "u1", "Alice")
	_ = c.StartTyping("conv2", "u1", "Alice")
	c.BindConnection("conn-1", "conv1", "u1")
	c.BindConnection("conn-1", "conv2", "u1")

	c.ReleaseConnection("conn-1")

	if got := c.GetTypingUsers("conv1"); len(got) != 0 {
		t.Errorf("conv1: expected disconnect cleanup, got %v", got)
	}
	if got := c.GetTypingUsers("conv2"); len(got) != 0 {
		t.Errorf("conv2: expected disconnect cleanup, got %v", got)
	}

	// Releasing an unknown connection is a no-op.
	c.ReleaseConnection("conn-never-seen")
}

func TestUnbindConnection(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_ = c.StartTyping("conv1", "u1", "Alice")
	c.BindConnection("conn-1", "conv1", "u1")
	c.UnbindConnection("conn-1", "conv1", "u1")

	// Ownership was dropped, so release must not remove the record.
	c.ReleaseConnection("conn-1")
	if got := c.GetTypingUsers("conv1"); len(got) != 1 {
		t.Errorf("expected record to survive release after unbind, got %v", got)
	}
}
