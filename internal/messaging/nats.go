// Package messaging provides a NATS client wrapper for the book-exchange
// services. The REST API publishes exchange lifecycle events here as
// fire-and-forget background work; the WebSocket server subscribes and
// feeds them into the notification dispatcher. An HTTP response never
// waits on delivery.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used between the API server and the WebSocket server.
const (
	SubjectExchangeCreated = "exchange.created"
	SubjectExchangeStatus  = "exchange.status.updated"
)

// ExchangeCreatedEvent announces a freshly inserted pending exchange.
type ExchangeCreatedEvent struct {
	ExchangeID int64 `json:"exchange_id"`
}

// ExchangeStatusEvent announces a status transition on an exchange.
type ExchangeStatusEvent struct {
	ExchangeID int64  `json:"exchange_id"`
	Status     string `json:"status"`
}

// Client wraps the NATS connection with helper methods for the exchange
// event subjects.
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
		Name:          "bookswap",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
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

// PublishExchangeCreated publishes an exchange.created event.
func (c *Client) PublishExchangeCreated(exchangeID int64) error {
	data, err := json.Marshal(ExchangeCreatedEvent{ExchangeID: exchangeID})
	if err != nil {
		return fmt.Errorf("nats marshal exchange created: %w", err)
	}
	return c.publish(SubjectExchangeCreated, data)
}

// PublishExchangeStatus publishes an exchange.status.updated event.
func (c *Client) PublishExchangeStatus(exchangeID int64, status string) error {
	data, err := json.Marshal(ExchangeStatusEvent{ExchangeID: exchangeID, Status: status})
	if err != nil {
		return fmt.Errorf("nats marshal exchange status: %w", err)
	}
	return c.publish(SubjectExchangeStatus, data)
}

// SubscribeExchangeCreated registers a handler for exchange.created events.
// Malformed payloads are logged and skipped.
func (c *Client) SubscribeExchangeCreated(handler func(ExchangeCreatedEvent)) error {
	return c.subscribe(SubjectExchangeCreated, func(msg *nats.Msg) {
		var event ExchangeCreatedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad exchange.created payload: %v", err)
			return
		}
		handler(event)
	})
}

// SubscribeExchangeStatus registers a handler for exchange.status.updated
// events. Malformed payloads are logged and skipped.
func (c *Client) SubscribeExchangeStatus(handler func(ExchangeStatusEvent)) error {
	return c.subscribe(SubjectExchangeStatus, func(msg *nats.Msg) {
		var event ExchangeStatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad exchange.status payload: %v", err)
			return
		}
		handler(event)
	})
}

func (c *Client) publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
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
