package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bookswap/exchange-app/internal/metrics"
	"github.com/bookswap/exchange-app/internal/protocol"
)

// MessageDispatcher routes incoming WebSocket messages. The protocol on
// this server is small: clients may send an authenticate message (for
// sessions that connected without a token) and keepalive pings. Everything
// else is server-to-client.
type MessageDispatcher struct {
	server *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{server: server}
}

// Dispatch parses the raw bytes into a typed message and routes it. Parse
// errors and unsupported types result in an error message sent back to the
// client; the connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
			d.sendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	switch msgType {
	case protocol.TypePing:
		d.sendPong(conn)
	case protocol.TypeAuthenticate:
		authMsg, ok := msg.(protocol.AuthenticateMsg)
		if !ok {
			return
		}
		d.handleAuthenticate(conn, authMsg)
	}
}

// handleAuthenticate runs the message-path auth handshake for sessions
// that connected anonymously. Unlike the query-string path, failure here
// leaves the connection open and unauthenticated: the client may retry.
//
// The token is always verified; the message's advisory user_id, when set,
// must match the verified claim. The original frontend contract sent both
// fields, but a claimed identity is never trusted without the token
// agreeing.
func (d *MessageDispatcher) handleAuthenticate(conn *Connection, msg protocol.AuthenticateMsg) {
	userID, err := d.server.verifier.Verify(msg.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("message").Inc()
		d.server.sendAuthError(conn, err.Error())
		log.Printf("ws: authenticate failed session=%s: %v", conn.ID, err)
		return
	}
	if msg.UserID != 0 && msg.UserID != userID {
		metrics.AuthFailures.WithLabelValues("message").Inc()
		d.server.sendAuthError(conn, "user_id does not match token")
		log.Printf("ws: authenticate user mismatch session=%s claimed=%d token=%d", conn.ID, msg.UserID, userID)
		return
	}

	d.server.completeAuth(conn, userID)
}

// sendError sends a structured error message back to the client. Errors
// during message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message session=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping, updates the connection's LastPing
// timestamp, and refreshes the Redis session TTL.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	if d.server.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.server.sessionStore.Touch(ctx, conn.ID); err != nil {
			log.Printf("ws: failed to touch redis session %s: %v", conn.ID, err)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message session=%s: %v", conn.ID, err)
	}
}
