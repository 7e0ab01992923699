// Package protocol defines the WebSocket message types and structures used
// between book-exchange clients and the notification server. All messages
// are serialized as JSON and follow a consistent envelope format with a
// type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bookswap/exchange-app/internal/exchange"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed
// envelope whose type is not a client message. Callers can distinguish it
// from malformed JSON via errors.Is.
var ErrUnknownType = errors.New("unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
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
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg is sent by a client that connected anonymously and wants
// to authenticate the open session after the fact. The user_id field is
// advisory only: the server always derives the user from the verified
// token, and a mismatch fails authentication.
type AuthenticateMsg struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthSuccessMsg acknowledges a successful authentication handshake.
type AuthSuccessMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// AuthErrorMsg reports an authentication failure with its reason.
type AuthErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// UserOfflineMsg is broadcast when a user's last session disconnects.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// NewExchangesMsg carries the full list of pending exchange proposals owed
// to the receiving user. Sent on connect (catch-up) and when a new
// exchange is proposed on one of the user's books.
type NewExchangesMsg struct {
	Type      string                  `json:"type"`
	Exchanges []exchange.Notification `json:"exchanges"`
}

// ExchangeStatusUpdateMsg tells a requester that the owner accepted or
// rejected their exchange proposal.
type ExchangeStatusUpdateMsg struct {
	Type       string `json:"type"`
	ExchangeID int64  `json:"exchange_id"`
	BookTitle  string `json:"book_title"`
	Status     string `json:"status"`
}

// ErrorMsg is sent by the server to communicate a protocol-level error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: %w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the *Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
