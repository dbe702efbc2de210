// Package realtime provides the NATS-backed pub/sub fabric that fans out
// conversation events between chat server instances: message inserts, read
// state updates, and ephemeral typing broadcasts, each on a subject scoped
// to a single conversation. Subscriptions are returned as handles owned by
// the conversation session, which closes them on teardown so no callback
// ever fires into a disposed session.
package realtime

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns. Message, read, and typing subjects are suffixed with
// the conversation (order) identifier; incidents use one global subject
// consumed by the auditor service.
const (
	SubjectMessages  = "chat.msg"      // + .<conversation_id>
	SubjectReads     = "chat.read"     // + .<conversation_id>
	SubjectTyping    = "chat.typing"   // + .<conversation_id>
	SubjectIncidents = "chat.incident" // global, audit fan-in
)

// Subscription is a single logical stream bound to one conversation. Close
// is idempotent and releases the underlying NATS subscription.
type Subscription interface {
	Close() error
}

type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
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
		Name:          "jobi-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with conversation-scoped helpers.
type Client struct {
	conn *nats.Conn

	mu       sync.Mutex
	onChange []func(connected bool)
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	c := &Client{}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[realtime] disconnected: %v", err)
			} else {
				log.Printf("[realtime] disconnected")
			}
			c.notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[realtime] reconnected to %s", nc.ConnectedUrl())
			c.notify(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[realtime] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}

	log.Printf("[realtime] connected to %s", nc.ConnectedUrl())
	c.conn = nc
	return c, nil
}

// OnConnectionChange registers a callback invoked when the broker link is
// lost or re-established. Used to surface connection state to clients.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

func (c *Client) notify(connected bool) {
	c.mu.Lock()
	handlers := make([]func(bool), len(c.onChange))
	copy(handlers, c.onChange)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(connected)
	}
}

// Connected reports whether the broker link is currently up.
func (c *Client) Connected() bool {
	return c.conn.Status() == nats.CONNECTED
}

func (c *Client) subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// SubscribeMessages delivers message-insert events for one conversation.
func (c *Client) SubscribeMessages(conversationID string, handler func(data []byte)) (Subscription, error) {
	return c.subscribe(SubjectMessages+"."+conversationID, handler)
}

// SubscribeReads delivers read-state update events for one conversation.
func (c *Client) SubscribeReads(conversationID string, handler func(data []byte)) (Subscription, error) {
	return c.subscribe(SubjectReads+"."+conversationID, handler)
}

// SubscribeTyping delivers typing-presence broadcasts for one conversation.
// Typing events are broadcast-only: no persistence, no history.
func (c *Client) SubscribeTyping(conversationID string, handler func(data []byte)) (Subscription, error) {
	return c.subscribe(SubjectTyping+"."+conversationID, handler)
}

// SubscribeIncidents delivers security-incident reports to the auditor.
func (c *Client) SubscribeIncidents(handler func(data []byte)) (Subscription, error) {
	return c.subscribe(SubjectIncidents, handler)
}

// PublishMessage publishes a message-insert event for a conversation.
func (c *Client) PublishMessage(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectMessages+"."+conversationID, data)
}

// PublishRead publishes a read-state update event for a conversation.
func (c *Client) PublishRead(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectReads+"."+conversationID, data)
}

// PublishTyping publishes a typing-presence broadcast for a conversation.
// Delivery is best effort.
func (c *Client) PublishTyping(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectTyping+"."+conversationID, data)
}

// PublishIncident publishes a security-incident report.
func (c *Client) PublishIncident(data []byte) error {
	return c.conn.Publish(SubjectIncidents, data)
}

// Close drains the connection, letting in-flight messages flush before the
// link is torn down.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[realtime] connection drain: %v", err)
	}
	log.Printf("[realtime] client closed")
}

// TypingEvent is the payload carried on chat.typing.<conversation_id>.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}
