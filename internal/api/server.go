// Package api implements the exchange lifecycle REST endpoints. These are
// the two collaborator call sites of the notification subsystem: creating
// an exchange and transitioning its status both publish a fire-and-forget
// event for the WebSocket server after the database commit. Publish
// failures are logged and never affect the HTTP response.
//
// User and book CRUD, uploads, and token issuance live in other services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bookswap/exchange-app/internal/auth"
	"github.com/bookswap/exchange-app/internal/exchange"
)

// Publisher is the slice of the messaging client the API needs.
// Implemented by messaging.Client.
type Publisher interface {
	PublishExchangeCreated(exchangeID int64) error
	PublishExchangeStatus(exchangeID int64, status string) error
}

// ExchangeStore is the database surface the handlers depend on.
// Implemented by exchange.Store.
type ExchangeStore interface {
	GetByID(ctx context.Context, id int64) (*exchange.Exchange, error)
	Create(ctx context.Context, bookID, requesterID, ownerID int64) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	Delete(ctx context.Context, id int64) error
	ActiveExists(ctx context.Context, bookID int64) (bool, error)
	BookOwner(ctx context.Context, bookID int64) (int64, error)
	MarkBookExchanged(ctx context.Context, bookID int64) error
	ListByRequester(ctx context.Context, requesterID int64) ([]exchange.Exchange, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]exchange.Exchange, error)
}

// ServerConfig holds tunable parameters for the API server.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8000",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the exchange REST API server.
type Server struct {
	config     ServerConfig
	store      ExchangeStore
	verifier   *auth.Verifier
	publisher  Publisher
	httpServer *http.Server
}

// NewServer creates an API server. The publisher may be nil, in which case
// notification events are skipped (useful in tests).
func NewServer(config ServerConfig, store ExchangeStore, verifier *auth.Verifier, publisher Publisher) *Server {
	return &Server{
		config:    config,
		store:     store,
		verifier:  verifier,
		publisher: publisher,
	}
}

// Handler builds the route table. Exposed separately from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exchanges", s.requireAuth(s.handleCreate))
	mux.HandleFunc("GET /exchanges/my-requests", s.requireAuth(s.handleMyRequests))
	mux.HandleFunc("GET /exchanges/my-offers", s.requireAuth(s.handleMyOffers))
	mux.HandleFunc("PUT /exchanges/{id}/accept", s.requireAuth(s.handleAccept))
	mux.HandleFunc("PUT /exchanges/{id}/reject", s.requireAuth(s.handleReject))
	mux.HandleFunc("DELETE /exchanges/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start runs the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	log.Printf("api: server listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type contextKey string

const userIDKey contextKey = "user_id"

// requireAuth wraps a handler with bearer-token authentication. The
// verified user ID lands in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := s.verifier.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// currentUser returns the authenticated user ID from the request context.
func currentUser(r *http.Request) int64 {
	userID, _ := r.Context().Value(userIDKey).(int64)
	return userID
}

type createExchangeRequest struct {
	BookID int64 `json:"book_id"`
}

// handleCreate inserts a pending exchange proposal and schedules the
// new-exchange notification for the book's owner.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)

	var req createExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BookID <= 0 {
		writeError(w, http.StatusBadRequest, "book_id is required")
		return
	}

	ownerID, err := s.store.BookOwner(r.Context(), req.BookID)
	if errors.Is(err, exchange.ErrNotFound) {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	if err != nil {
		log.Printf("api: book owner lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ownerID == userID {
		writeError(w, http.StatusBadRequest, "you cannot exchange your own book")
		return
	}

	// One active exchange per book. The notifier's catch-up query relies
	// on this invariant.
	active, err := s.store.ActiveExists(r.Context(), req.BookID)
	if err != nil {
		log.Printf("api: active exchange check failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if active {
		writeError(w, http.StatusBadRequest, "there is already an active exchange proposal for this book")
		return
	}

	id, err := s.store.Create(r.Context(), req.BookID, userID, ownerID)
	if err != nil {
		log.Printf("api: create exchange failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.publishCreated(id)

	e, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("api: read back exchange %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleAccept transitions a pending exchange to accepted. Only the book's
// owner may accept; the requester gets notified about the new status.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, exchange.StatusAccepted)
}

// handleReject transitions a pending exchange to rejected.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, exchange.StatusRejected)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, status string) {
	userID := currentUser(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid exchange id")
		return
	}

	e, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, exchange.ErrNotFound) {
		writeError(w, http.StatusNotFound, "exchange not found")
		return
	}
	if err != nil {
		log.Printf("api: load exchange %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if e.OwnerID != userID {
		writeError(w, http.StatusForbidden, "not authorized to update this exchange")
		return
	}
	if e.Status != exchange.StatusPending {
		writeError(w, http.StatusBadRequest, "this exchange has already been processed")
		return
	}

	if err := s.store.UpdateStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			// Lost the race against a concurrent transition.
			writeError(w, http.StatusBadRequest, "this exchange has already been processed")
			return
		}
		log.Printf("api: update exchange %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if status == exchange.StatusAccepted {
		if err := s.store.MarkBookExchanged(r.Context(), e.BookID); err != nil {
			log.Printf("api: mark book %d exchanged failed: %v", e.BookID, err)
		}
	}

	s.publishStatus(id, status)

	e.Status = status
	writeJSON(w, http.StatusOK, e)
}

// handleCancel deletes a pending exchange. Only the requester may cancel,
// and no notification is sent — the owner discovers the row is gone on
// their next catch-up.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid exchange id")
		return
	}

	e, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, exchange.ErrNotFound) {
		writeError(w, http.StatusNotFound, "exchange not found")
		return
	}
	if err != nil {
		log.Printf("api: load exchange %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if e.RequesterID != userID {
		writeError(w, http.StatusForbidden, "not authorized to cancel this exchange")
		return
	}
	if e.Status != exchange.StatusPending {
		writeError(w, http.StatusBadRequest, "this exchange has already been processed")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		log.Printf("api: delete exchange %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "exchange cancelled successfully"})
}

// handleMyRequests lists exchanges the caller has requested.
func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	exchanges, err := s.store.ListByRequester(r.Context(), currentUser(r))
	if err != nil {
		log.Printf("api: list requests failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if exchanges == nil {
		exchanges = []exchange.Exchange{}
	}
	writeJSON(w, http.StatusOK, exchanges)
}

// handleMyOffers lists exchanges on books the caller owns.
func (s *Server) handleMyOffers(w http.ResponseWriter, r *http.Request) {
	exchanges, err := s.store.ListByOwner(r.Context(), currentUser(r))
	if err != nil {
		log.Printf("api: list offers failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if exchanges == nil {
		exchanges = []exchange.Exchange{}
	}
	writeJSON(w, http.StatusOK, exchanges)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// publishCreated publishes the exchange.created event. Failures are
// logged only; the HTTP response never waits on or reflects delivery.
func (s *Server) publishCreated(exchangeID int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishExchangeCreated(exchangeID); err != nil {
		log.Printf("api: publish exchange.created %d failed: %v", exchangeID, err)
	}
}

// publishStatus publishes the exchange.status.updated event, same
// fire-and-forget contract as publishCreated.
func (s *Server) publishStatus(exchangeID int64, status string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishExchangeStatus(exchangeID, status); err != nil {
		log.Printf("api: publish exchange.status %d failed: %v", exchangeID, err)
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
