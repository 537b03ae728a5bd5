// Package presence implements the keyed ephemeral register behind typing
// indicators: conversation -> user -> typing record, with per-record expiry,
// lazy cleanup on reads, and per-conversation change subscriptions. Records
// are advisory and never persisted; the register is the only shared mutable
// state in the real-time subsystem.
package presence

import (
	"sync"
	"time"
)

// TypingTimeout is how long a typing record stays live without a refresh.
const TypingTimeout = 5 * time.Second

// Record marks that a user is actively composing a message in a
// conversation. At most one record exists per (conversation, user) pair;
// a repeated start overwrites the prior record (last-write-wins).
type Record struct {
	ConversationID string
	UserID         string
	UserName       string
	Timestamp      time.Time
}

// entry pairs a record with its deferred expiry timer.
type entry struct {
	rec   Record
	timer *time.Timer
}

// conversation holds one conversation's records and change subscribers.
// Its mutex serializes mutations for that conversation only, so unrelated
// conversations never block each other.
type conversation struct {
	mu      sync.Mutex
	records map[string]*entry
	subs    map[uint64]func([]Record)
}

// Store is the in-process presence register. All methods are safe for
// concurrent use; mutations for a single (conversation, user) key apply in
// arrival order at the store boundary.
type Store struct {
	timeout time.Duration

	mu    sync.RWMutex
	convs map[string]*conversation

	subMu  sync.Mutex
	subSeq uint64
}

// NewStore creates a Store with the given record timeout. A non-positive
// timeout selects TypingTimeout.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &Store{
		timeout: timeout,
		convs:   make(map[string]*conversation),
	}
}

// Timeout returns the configured record timeout.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// conv returns the conversation bucket, creating it when create is set.
func (s *Store) conv(conversationID string, create bool) *conversation {
	s.mu.RLock()
	c := s.convs[conversationID]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.convs[conversationID]; c == nil {
		c = &conversation{
			records: make(map[string]*entry),
			subs:    make(map[uint64]func([]Record)),
		}
		s.convs[conversationID] = c
	}
	return c
}

// Set upserts the record for (conversationID, userID) and arms a deferred
// expiry timer. The timer removes the record only if its timestamp is still
// the one set here, so a refresh from continued typing supersedes it instead
// of being clobbered. Subscribers are notified with the filtered record set.
func (s *Store) Set(conversationID, userID string, rec Record) {
	c := s.conv(conversationID, true)

	c.mu.Lock()
	if old, ok := c.records[userID]; ok {
		old.timer.Stop()
	}
	ts := rec.Timestamp
	e := &entry{rec: rec}
	e.timer = time.AfterFunc(s.timeout, func() {
		s.expire(conversationID, userID, ts)
	})
	c.records[userID] = e
	snap := c.filteredLocked(time.Now(), s.timeout)
	subs := c.subsLocked()
	c.mu.Unlock()

	notify(subs, snap)
}

// Remove deletes the record for (conversationID, userID). Removing a record
// that does not exist is a no-op; subscribers are only notified when a record
// was actually deleted.
func (s *Store) Remove(conversationID, userID string) {
	c := s.conv(conversationID, false)
	if c == nil {
		return
	}

	c.mu.Lock()
	e, ok := c.records[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(c.records, userID)
	snap := c.filteredLocked(time.Now(), s.timeout)
	subs := c.subsLocked()
	c.mu.Unlock()

	notify(subs, snap)
}

// GetAll returns the non-expired records for a conversation. Records found
// stale during the read are deleted as a side effect (lazy cleanup), so a
// caller can never observe a record older than the timeout regardless of
// whether the sweep or the per-record timer has run yet.
func (s *Store) GetAll(conversationID string) []Record {
	c := s.conv(conversationID, false)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	snap := c.filteredLocked(time.Now(), s.timeout)
	c.mu.Unlock()
	return snap
}

// SweepExpired removes every stale record for a conversation and notifies
// subscribers if anything was removed. It backs the periodic housekeeping
// loop and is independent of the per-record timers.
func (s *Store) SweepExpired(conversationID string) {
	c := s.conv(conversationID, false)
	if c == nil {
		return
	}

	now := time.Now()
	c.mu.Lock()
	removed := 0
	for userID, e := range c.records {
		if now.Sub(e.rec.Timestamp) > s.timeout {
			e.timer.Stop()
			delete(c.records, userID)
			removed++
		}
	}
	var (
		snap []Record
		subs []func([]Record)
	)
	if removed > 0 {
		snap = c.filteredLocked(now, s.timeout)
		subs = c.subsLocked()
	}
	c.mu.Unlock()

	if removed > 0 {
		notify(subs, snap)
	}
}

// Subscribe registers a change listener for a conversation. The callback is
// invoked with the current filtered record set on every mutation to that
// conversation's keyspace. The returned function unregisters the listener;
// calling it more than once is a no-op.
func (s *Store) Subscribe(conversationID string, fn func([]Record)) func() {
	c := s.conv(conversationID, true)

	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subMu.Unlock()

	c.mu.Lock()
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Conversations returns a snapshot of all conversation IDs currently known
// to the store, for use by the periodic sweep.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	return ids
}

// Count returns the number of live (non-expired) records across all
// conversations. Used for gauge metrics.
func (s *Store) Count() int {
	now := time.Now()
	total := 0
	for _, id := range s.Conversations() {
		c := s.conv(id, false)
		if c == nil {
			continue
		}
		c.mu.Lock()
		for _, e := range c.records {
			if now.Sub(e.rec.Timestamp) <= s.timeout {
				total++
			}
		}
		c.mu.Unlock()
	}
	return total
}

// expire is the deferred timer callback. It removes the record only when the
// stored timestamp still matches the one the timer was armed with; a record
// refreshed by continued typing carries a newer timestamp and is left alone.
func (s *Store) expire(conversationID, userID string, ts time.Time) {
	c := s.conv(conversationID, false)
	if c == nil {
		return
	}

	c.mu.Lock()
	e, ok := c.records[userID]
	if !ok || !e.rec.Timestamp.Equal(ts) {
		c.mu.Unlock()
		return
	}
	delete(c.records, userID)
	snap := c.filteredLocked(time.Now(), s.timeout)
	subs := c.subsLocked()
	c.mu.Unlock()

	notify(subs, snap)
}

// filteredLocked returns the non-expired records and deletes stale ones.
// Caller must hold c.mu.
func (c *conversation) filteredLocked(now time.Time, timeout time.Duration) []Record {
	out := make([]Record, 0, len(c.records))
	for userID, e := range c.records {
		if now.Sub(e.rec.Timestamp) > timeout {
			e.timer.Stop()
			delete(c.records, userID)
			continue
		}
		out = append(out, e.rec)
	}
	return out
}

// subsLocked snapshots the subscriber callbacks. Caller must hold c.mu.
func (c *conversation) subsLocked() []func([]Record) {
	if len(c.subs) == 0 {
		return nil
	}
	out := make([]func([]Record), 0, len(c.subs))
	for _, fn := range c.subs {
		out = append(out, fn)
	}
	return out
}

// notify invokes the callbacks outside the conversation lock so that a slow
// listener cannot block mutations.
func notify(subs []func([]Record), snap []Record) {
	for _, fn := range subs {
		fn(snap)
	}
}
