// Package client provides a reusable WebSocket load test client for the
// BookSwap notification server. It connects using gobwas/ws (the same library
// the server uses), supports both authentication paths (token in the query
// string or an authenticate message after connect), and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate = "authenticate"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeAuthSuccess          = "auth_success"
	TypeAuthError            = "auth_error"
	TypeUserOffline          = "user_offline"
	TypeNewExchanges         = "new_exchanges"
	TypeExchangeStatusUpdate = "exchange_status_update"
	TypeError                = "error"
	TypePong                 = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the BookSwap
// notification server. It manages the WebSocket lifecycle and dispatches
// incoming messages to registered handlers.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once

	authMu    sync.Mutex
	authStart time.Time
	userID    int64
	authErr   string
	authDone  bool
}

// New creates a new load test client connected to the given WebSocket URL.
// Pass the token in the URL's query string (?token=...) to exercise the
// handshake authentication path, or connect bare and call Authenticate.
// A background goroutine begins reading messages immediately.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
		authStart: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Authenticate sends an authenticate message carrying the token. This is the
// message-path handshake; the query-string path happens at Dial time instead.
func (c *Client) Authenticate(token string) error {
	c.authMu.Lock()
	c.authStart = time.Now()
	c.authMu.Unlock()
	return c.Send(map[string]string{
		"type":  TypeAuthenticate,
		"token": token,
	})
}

// Ping sends a heartbeat ping.
func (c *Client) Ping() error {
	return c.Send(map[string]string{"type": TypePing})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForAuth blocks until the server has confirmed or rejected
// authentication, or the context is cancelled. On success the verified user
// ID is returned; on rejection the server's reason becomes the error.
func (c *Client) WaitForAuth(ctx context.Context) (int64, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.done:
			return 0, fmt.Errorf("connection closed before auth completed")
		case <-ticker.C:
			c.authMu.Lock()
			done, userID, authErr := c.authDone, c.userID, c.authErr
			c.authMu.Unlock()
			if !done {
				continue
			}
			if authErr != "" {
				return 0, fmt.Errorf("auth_error: %s", authErr)
			}
			return userID, nil
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user ID confirmed by auth_success, or 0.
func (c *Client) UserID() int64 {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Auth outcomes are tracked internally so WaitForAuth works even
		// without a registered handler.
		switch envelope.Type {
		case TypeAuthSuccess:
			var msg struct {
				UserID int64 `json:"user_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil {
				c.authMu.Lock()
				c.userID = msg.UserID
				c.metrics.AuthLatency = time.Since(c.authStart)
				c.authDone = true
				c.authMu.Unlock()
			}
		case TypeAuthError:
			var msg struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(data, &msg)
			c.authMu.Lock()
			c.authErr = msg.Error
			if c.authErr == "" {
				c.authErr = "authentication rejected"
			}
			c.authDone = true
			c.authMu.Unlock()
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
