// Package ws implements the persistent-connection endpoint of the
// book-exchange backend. It upgrades HTTP requests at /ws to WebSocket,
// runs the authentication handshake (token query parameter or a follow-up
// authenticate message), maintains the presence registry, and pushes
// notification events to live sessions.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/bookswap/exchange-app/internal/auth"
	"github.com/bookswap/exchange-app/internal/metrics"
	"github.com/bookswap/exchange-app/internal/presence"
	"github.com/bookswap/exchange-app/internal/protocol"
	"github.com/bookswap/exchange-app/internal/ratelimit"
	"github.com/bookswap/exchange-app/internal/session"
)

// Pusher delivers the pending-exchange catch-up for a user, optionally
// scoped to a single session. Implemented by the notification dispatcher.
type Pusher interface {
	SendPending(ctx context.Context, userID int64, sessionID string) error
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket notification server built on gobwas/ws and Linux
// epoll. It upgrades connections at /ws, authenticates them against the
// shared token secret, tracks presence, and fans out exchange notifications.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	registry     *presence.Registry
	verifier     *auth.Verifier
	sessionStore *session.Store     // Redis-backed session records, may be nil
	limiter      *ratelimit.Limiter // per-IP connection limiter, may be nil
	pusher       Pusher             // catch-up delivery, set via SetPusher
	dispatcher   *MessageDispatcher
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and
// collaborators. The session store and limiter may be nil; presence and
// verifier are required.
func NewServer(config ServerConfig, registry *presence.Registry, verifier *auth.Verifier, sessionStore *session.Store) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		registry:     registry,
		verifier:     verifier,
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		done:         make(chan struct{}),
	}
	s.dispatcher = NewMessageDispatcher(s)
	return s
}

// SetPusher wires the notification dispatcher in for connect-time catch-up.
// Must be called before Start.
func (s *Server) SetPusher(p Pusher) {
	s.pusher = p
}

// SetLimiter enables per-IP connection rate limiting.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the event loop and heartbeat
// in background goroutines and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and runs
// the connection-path auth handshake. A token query parameter, when
// present, is verified immediately: success registers the session and
// triggers catch-up, failure emits auth_error and closes the connection.
// Without a token the connection stays open anonymous, waiting for an
// authenticate message.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !allowed {
			http.Error(w, "connection rate limited", http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sessionID := uuid.New().String()
	c := &Connection{
		ID:        sessionID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	// The poller is nil until Start; handlers invoked directly fall back
	// to the connection manager alone.
	if s.poller != nil {
		if err := s.poller.Add(conn); err != nil {
			log.Printf("ws: poller add failed for session %s: %v", sessionID, err)
			s.conns.Remove(sessionID)
			return
		}
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, sessionID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", sessionID, err)
		}
	}

	log.Printf("ws: new connection session=%s (total=%d)", sessionID, s.conns.Count())

	// Query-string auth path: failure is fatal for the connection.
	if token != "" {
		userID, err := s.verifier.Verify(token)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("query").Inc()
			s.sendAuthError(c, err.Error())
			s.RemoveConnection(c)
			log.Printf("ws: connection auth rejected session=%s: %v", sessionID, err)
			return
		}
		s.completeAuth(c, userID)
		return
	}

	log.Printf("ws: session=%s connected anonymous, awaiting authenticate", sessionID)
}

// completeAuth finishes the handshake for a verified user: it binds the
// session, registers presence, acknowledges with auth_success, and kicks
// off the pending-exchange catch-up scoped to this session. Both auth
// entry paths (query string and authenticate message) converge here.
func (s *Server) completeAuth(c *Connection, userID int64) {
	// Re-authentication as a different user drops the old binding first.
	if prev := c.UserID(); prev > 0 && prev != userID {
		if _, offline, _ := s.registry.Remove(c.ID); offline {
			s.broadcastUserOffline(prev)
		}
	}

	c.BindUser(userID)
	s.registry.Add(userID, c.ID)

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.BindUser(ctx, c.ID, userID); err != nil {
			log.Printf("ws: failed to bind redis session %s to user %d: %v", c.ID, userID, err)
		}
	}

	ack, err := protocol.NewServerMessage(protocol.TypeAuthSuccess, protocol.AuthSuccessMsg{UserID: userID})
	if err != nil {
		log.Printf("ws: failed to build auth_success for session %s: %v", c.ID, err)
	} else if err := c.WriteMessage(ack); err != nil {
		log.Printf("ws: failed to send auth_success for session %s: %v", c.ID, err)
	}

	log.Printf("ws: session=%s authenticated user=%d (online_users=%d)", c.ID, userID, s.registry.OnlineUsers())

	// Catch-up runs off the handshake path; its errors are logged only.
	if s.pusher != nil {
		go func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.pusher.SendPending(ctx, userID, sessionID); err != nil {
				log.Printf("ws: catch-up for user %d session %s failed: %v", userID, sessionID, err)
			}
		}(c.ID)
	}
}

// sendAuthError emits an auth_error event on the connection. Send failures
// are logged only.
func (s *Server) sendAuthError(c *Connection, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeAuthError, protocol.AuthErrorMsg{Error: reason})
	if err != nil {
		log.Printf("ws: failed to build auth_error for session %s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send auth_error for session %s: %v", c.ID, err)
	}
}

// broadcastUserOffline tells every remaining session that a user lost
// their last live session. Best-effort presence gossip, addressed to no
// one in particular.
func (s *Server) broadcastUserOffline(userID int64) {
	data, err := protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{UserID: userID})
	if err != nil {
		log.Printf("ws: failed to build user_offline for user %d: %v", userID, err)
		return
	}
	s.conns.Broadcast(data)
	metrics.NotificationsTotal.WithLabelValues(protocol.TypeUserOffline).Inc()
	log.Printf("ws: user %d fully offline, broadcast sent", userID)
}

// handleHealth responds with the server's health status as JSON, including
// the number of online users (the presence registry's key-set size), the
// connection count, and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		OnlineUsers int    `json:"online_users"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		OnlineUsers: s.registry.OnlineUsers(),
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. Read failures remove the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch). The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection removes a connection from the poller and the connection
// manager, releases its presence entry, and closes the underlying network
// connection. When the removal took the user's last session, user_offline
// is broadcast. Exported so the heartbeat monitor can evict dead
// connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if userID, offline, ok := s.registry.Remove(c.ID); ok && offline {
		s.broadcastUserOffline(userID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Send writes a WebSocket text frame to the connection identified by
// sessionID. It satisfies the notification dispatcher's Sender interface;
// sending to an unknown (disconnected) session returns an error the
// dispatcher treats as a silent drop.
func (s *Server) Send(sessionID string, data []byte) error {
	c := s.conns.Get(sessionID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", sessionID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Registry returns the presence registry.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener,
// signals the event loop to exit, closes all active connections, and
// cleans up the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		if s.poller != nil {
			_ = s.poller.Remove(c.Conn)
		}
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
