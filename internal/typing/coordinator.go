// Package typing is the domain logic above the presence register: start/stop
// typing operations, listener registration with fan-out, disconnect-triggered
// cleanup, and the periodic sweep of stale records. It is the sole authorized
// mutator of the presence store.
package typing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meridian/realtime/internal/messaging"
	"github.com/meridian/realtime/internal/metrics"
	"github.com/meridian/realtime/internal/presence"
)

// SweepInterval is how often the housekeeping loop sweeps all conversations.
const SweepInterval = 5 * time.Second

// ErrTransport indicates the realtime backing transport (cross-instance
// fan-out) is unavailable. Typing state is advisory, so callers log this and
// degrade to showing no indicator instead of failing the enclosing request.
var ErrTransport = errors.New("typing: realtime transport unavailable")

// Bridge is the cross-instance fan-out contract, satisfied by
// *messaging.Client. A nil bridge means single-instance operation.
type Bridge interface {
	PublishTyping(messaging.TypingEvent) error
	SubscribeTyping(conversationID string, handler func(messaging.TypingEvent)) error
	UnsubscribeTyping(conversationID string) error
}

// pair identifies one typing record owned by a connection.
type pair struct {
	conversationID string
	userID         string
}

// Coordinator exposes the user-facing typing operations and keeps the local
// presence store in sync with the rest of the fleet through the bridge.
type Coordinator struct {
	store      *presence.Store
	bridge     Bridge
	instanceID string

	mu    sync.Mutex
	owned map[string]map[pair]struct{} // connection ID -> records it owns
	watch map[string]int               // conversation ID -> local watcher count
}

// NewCoordinator creates a Coordinator over the given store. The bridge may
// be nil for single-instance deployments; instanceID tags published events so
// this instance can skip its own.
func NewCoordinator(store *presence.Store, bridge Bridge, instanceID string) *Coordinator {
	return &Coordinator{
		store:      store,
		bridge:     bridge,
		instanceID: instanceID,
		owned:      make(map[string]map[pair]struct{}),
		watch:      make(map[string]int),
	}
}

// StartTyping records that a user began (or continues) composing a message.
// The local register is always updated; a bridge publish failure is surfaced
// as ErrTransport so the caller can log and degrade.
func (c *Coordinator) StartTyping(conversationID, userID, userName string) error {
	rec := presence.Record{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		Timestamp:      time.Now(),
	}
	c.store.Set(conversationID, userID, rec)
	metrics.TypingEventsTotal.WithLabelValues("start").Inc()
	// Set notifies subscribers synchronously, so this covers the local
	// fan-out path end to end.
	metrics.FanoutLatency.Observe(time.Since(rec.Timestamp).Seconds())

	if c.bridge == nil {
		return nil
	}
	err := c.bridge.PublishTyping(messaging.TypingEvent{
		Kind:           messaging.EventStart,
		Instance:       c.instanceID,
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		Ts:             rec.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: publish start: %v", ErrTransport, err)
	}
	return nil
}

// StopTyping removes the user's typing record. Stopping a user who never
// started is a no-op.
func (c *Coordinator) StopTyping(conversationID, userID string) error {
	c.store.Remove(conversationID, userID)
	metrics.TypingEventsTotal.WithLabelValues("stop").Inc()

	if c.bridge == nil {
		return nil
	}
	err := c.bridge.PublishTyping(messaging.TypingEvent{
		Kind:           messaging.EventStop,
		Instance:       c.instanceID,
		ConversationID: conversationID,
		UserID:         userID,
	})
	if err != nil {
		return fmt.Errorf("%w: publish stop: %v", ErrTransport, err)
	}
	return nil
}

// GetTypingUsers returns the non-expired typing records for a conversation.
// A conversation with no active typists yields an empty slice, never an
// error.
func (c *Coordinator) GetTypingUsers(conversationID string) []presence.Record {
	return c.store.GetAll(conversationID)
}

// CleanupTypingIndicators force-clears any lingering records for a
// conversation, e.g. on conversation archival. Bridge failures during this
// best-effort cleanup are logged and ignored.
func (c *Coordinator) CleanupTypingIndicators(conversationID string) {
	for _, rec := range c.store.GetAll(conversationID) {
		if err := c.StopTyping(conversationID, rec.UserID); err != nil {
			log.Printf("[typing] cleanup conv=%s user=%s: %v", conversationID, rec.UserID, err)
		}
	}
	c.store.SweepExpired(conversationID)
}

// Subscribe registers a listener for a conversation's typing set. The first
// local watcher also arms the bridge subscription so remote mutations reach
// this instance; the last unsubscribe releases it. The returned function is
// idempotent.
func (c *Coordinator) Subscribe(conversationID string, fn func([]presence.Record)) func() {
	unsub := c.store.Subscribe(conversationID, fn)

	c.mu.Lock()
	c.watch[conversationID]++
	first := c.watch[conversationID] == 1
	c.mu.Unlock()

	if first && c.bridge != nil {
		if err := c.bridge.SubscribeTyping(conversationID, c.applyRemote); err != nil {
			// Degrade to local-only fan-out for this conversation.
			log.Printf("[typing] bridge subscribe conv=%s: %v", conversationID, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()

			c.mu.Lock()
			c.watch[conversationID]--
			last := c.watch[conversationID] <= 0
			if last {
				delete(c.watch, conversationID)
			}
			c.mu.Unlock()

			if last && c.bridge != nil {
				if err := c.bridge.UnsubscribeTyping(conversationID); err != nil {
					log.Printf("[typing] bridge unsubscribe conv=%s: %v", conversationID, err)
				}
			}
		})
	}
}

// BindConnection arms disconnect-triggered cleanup: the (conversation, user)
// record will be removed when ReleaseConnection is called for connID.
func (c *Coordinator) BindConnection(connID, conversationID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pairs, ok := c.owned[connID]
	if !ok {
		pairs = make(map[pair]struct{})
		c.owned[connID] = pairs
	}
	pairs[pair{conversationID, userID}] = struct{}{}
}

// UnbindConnection drops ownership of a single record without removing it,
// used when the user stops typing explicitly before disconnecting.
func (c *Coordinator) UnbindConnection(connID, conversationID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pairs, ok := c.owned[connID]; ok {
		delete(pairs, pair{conversationID, userID})
		if len(pairs) == 0 {
			delete(c.owned, connID)
		}
	}
}

// ReleaseConnection removes every typing record owned by a dropped
// connection. It is wired to the transport's disconnect callback and is
// best-effort: failures are logged, never propagated.
func (c *Coordinator) ReleaseConnection(connID string) {
	c.mu.Lock()
	pairs := c.owned[connID]
	delete(c.owned, connID)
	c.mu.Unlock()

	for p := range pairs {
		if err := c.StopTyping(p.conversationID, p.userID); err != nil {
			log.Printf("[typing] disconnect cleanup conn=%s conv=%s user=%s: %v",
				connID, p.conversationID, p.userID, err)
		}
	}
}

// applyRemote mirrors a typing event from another instance into the local
// store. Events published by this instance are skipped.
func (c *Coordinator) applyRemote(ev messaging.TypingEvent) {
	if ev.Instance == c.instanceID {
		return
	}

	switch ev.Kind {
	case messaging.EventStart:
		c.store.Set(ev.ConversationID, ev.UserID, presence.Record{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			UserName:       ev.UserName,
			Timestamp:      time.UnixMilli(ev.Ts),
		})
	case messaging.EventStop:
		c.store.Remove(ev.ConversationID, ev.UserID)
	default:
		log.Printf("[typing] unknown remote event kind=%q conv=%s", ev.Kind, ev.ConversationID)
	}
}

// StartSweep runs the periodic housekeeping loop until ctx is cancelled. The
// sweep is independent of the per-record timers and also refreshes the
// typing-records gauge.
func (c *Coordinator) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[typing] sweep loop stopped")
			return
		case <-ticker.C:
			for _, conv := range c.store.Conversations() {
				c.store.SweepExpired(conv)
			}
			metrics.TypingRecords.Set(float64(c.store.Count()))
		}
	}
}
