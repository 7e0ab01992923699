package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/bookswap/exchange-app/internal/exchange"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid authenticate message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Authenticate(t *testing.T) {
	input := []byte(`{"type":"authenticate","token":"abc.def.ghi","user_id":42}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuthenticate {
		t.Fatalf("expected type %q, got %q", TypeAuthenticate, msgType)
	}

	am, ok := msg.(AuthenticateMsg)
	if !ok {
		t.Fatalf("expected AuthenticateMsg, got %T", msg)
	}
	if am.Token != "abc.def.ghi" {
		t.Errorf("expected token %q, got %q", "abc.def.ghi", am.Token)
	}
	if am.UserID != 42 {
		t.Errorf("expected user_id 42, got %d", am.UserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a ping message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed messages are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_Unknown(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"find_match"}`))
	if err == nil {
		t.Error("expected error for unknown message type")
	}
	// Unknown types carry the sentinel and the parsed type so callers can
	// tell "not a client message" apart from malformed JSON.
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "find_match" {
		t.Errorf("expected parsed type to be returned, got %q", msgType)
	}

	if _, _, err := ParseClientMessage([]byte(`{"no_type":true}`)); err == nil {
		t.Error("expected error for missing type field")
	}
	if _, _, err := ParseClientMessage([]byte(`not json`)); err != nil {
		if errors.Is(err, ErrUnknownType) {
			t.Error("malformed JSON must not classify as unknown type")
		}
	} else {
		t.Error("expected error for malformed JSON")
	}
	// Server-only types must not parse as client messages.
	if _, _, err := ParseClientMessage([]byte(`{"type":"auth_success"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType for server-only message type, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_exchanges server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewExchanges(t *testing.T) {
	payload := NewExchangesMsg{
		Exchanges: []exchange.Notification{{
			ID:                7,
			BookID:            10,
			BookTitle:         "Dune",
			RequesterID:       2,
			RequesterUsername: "carol",
			CreatedAt:         "2026-01-15T10:00:00Z",
		}},
	}

	data, err := NewServerMessage(TypeNewExchanges, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeNewExchanges {
		t.Errorf("expected type %q, got %v", TypeNewExchanges, decoded["type"])
	}
	exchanges, ok := decoded["exchanges"].([]interface{})
	if !ok || len(exchanges) != 1 {
		t.Fatalf("expected 1 exchange entry, got %v", decoded["exchanges"])
	}
	entry := exchanges[0].(map[string]interface{})
	if entry["book_title"] != "Dune" {
		t.Errorf("expected book_title Dune, got %v", entry["book_title"])
	}
	if entry["requester_username"] != "carol" {
		t.Errorf("expected requester_username carol, got %v", entry["requester_username"])
	}
}

// ---------------------------------------------------------------------------
// Test: the type field overrides any type set in the payload struct
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeInjection(t *testing.T) {
	data, err := NewServerMessage(TypeExchangeStatusUpdate, ExchangeStatusUpdateMsg{
		Type:       "bogus",
		ExchangeID: 7,
		BookTitle:  "Dune",
		Status:     "accepted",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeExchangeStatusUpdate {
		t.Errorf("expected injected type %q, got %v", TypeExchangeStatusUpdate, decoded["type"])
	}
	if decoded["status"] != "accepted" {
		t.Errorf("expected status accepted, got %v", decoded["status"])
	}
}
