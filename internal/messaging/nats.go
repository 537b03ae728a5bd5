// Package messaging provides a NATS client wrapper for cross-instance
// typing-event fan-out. Every server instance publishes its local typing
// mutations to a per-conversation subject and mirrors remote mutations into
// its own presence register, so the fleet behaves as one logical store.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectTyping is the subject prefix for typing events; the conversation ID
// is appended as the final token: typing.event.<conversation_id>.
const SubjectTyping = "typing.event"

// Typing event kinds carried in TypingEvent.Kind.
const (
	EventStart = "start"
	EventStop  = "stop"
)

// TypingEvent is the payload published to typing.event.<conversation_id>.
// Instance is the publishing server's ID so subscribers can skip events that
// originated locally.
type TypingEvent struct {
	Kind           string `json:"kind"` // "start" or "stop"
	Instance       string `json:"instance"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	Ts             int64  `json:"ts,omitempty"` // unix milliseconds
}

// Client wraps the NATS connection with helpers for the typing subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishTyping publishes a typing event to the conversation's subject.
func (c *Client) PublishTyping(ev TypingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal typing event: %w", err)
	}
	return c.conn.Publish(SubjectTyping+"."+ev.ConversationID, data)
}

// SubscribeTyping subscribes to typing events for a conversation. Malformed
// payloads are logged and dropped rather than surfaced to the handler.
func (c *Client) SubscribeTyping(conversationID string, handler func(TypingEvent)) error {
	subject := SubjectTyping + "." + conversationID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev TypingEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad typing event on %s: %v", subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeTyping removes the typing subscription for a conversation.
func (c *Client) UnsubscribeTyping(conversationID string) error {
	return c.unsubscribe(SubjectTyping + "." + conversationID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
