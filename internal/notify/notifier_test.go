package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bookswap/exchange-app/internal/exchange"
)

// ---------------------------------------------------------------------------
// Test fakes
// ---------------------------------------------------------------------------

type fakeLoader struct {
	mu        sync.Mutex
	exchanges map[int64]*exchange.Exchange
	pending   map[int64][]exchange.Notification
	titles    map[int64]string
	loadErr   error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		exchanges: make(map[int64]*exchange.Exchange),
		pending:   make(map[int64][]exchange.Notification),
		titles:    make(map[int64]string),
	}
}

func (f *fakeLoader) GetByID(_ context.Context, id int64) (*exchange.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	e, ok := f.exchanges[id]
	if !ok {
		return nil, exchange.ErrNotFound
	}
	return e, nil
}

func (f *fakeLoader) PendingForOwner(_ context.Context, ownerID int64) ([]exchange.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.pending[ownerID], nil
}

func (f *fakeLoader) BookTitle(_ context.Context, bookID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if title, ok := f.titles[bookID]; ok {
		return title
	}
	return exchange.UnknownBookTitle
}

type fakePresence struct {
	mu       sync.Mutex
	sessions map[int64][]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{sessions: make(map[int64][]string)}
}

func (f *fakePresence) SessionsFor(userID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions[userID]...)
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fail map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent: make(map[string][][]byte),
		fail: make(map[string]bool),
	}
}

func (r *recordingSender) Send(sessionID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[sessionID] {
		return fmt.Errorf("session %s gone", sessionID)
	}
	r.sent[sessionID] = append(r.sent[sessionID], data)
	return nil
}

func (r *recordingSender) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[sessionID])
}

func (r *recordingSender) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msgs := range r.sent {
		n += len(msgs)
	}
	return n
}

func (r *recordingSender) lastDecoded(t *testing.T, sessionID string) map[string]interface{} {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.sent[sessionID]
	if len(msgs) == 0 {
		t.Fatalf("no messages sent to session %s", sessionID)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msgs[len(msgs)-1], &decoded); err != nil {
		t.Fatalf("message to %s is not valid JSON: %v", sessionID, err)
	}
	return decoded
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ---------------------------------------------------------------------------
// Test: new exchange fans out the pending list to every owner session
// ---------------------------------------------------------------------------

func TestNotifyNewExchange_FanOutToOwner(t *testing.T) {
	loader := newFakeLoader()
	loader.exchanges[7] = &exchange.Exchange{ID: 7, BookID: 10, RequesterID: 2, OwnerID: 1, Status: exchange.StatusPending}
	loader.pending[1] = []exchange.Notification{{
		ID: 7, BookID: 10, BookTitle: "Dune", RequesterID: 2, RequesterUsername: "carol",
	}}

	presence := newFakePresence()
	presence.sessions[1] = []string{"s1", "s2"}

	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), loader, presence, sender)
	defer n.Close()

	n.NotifyNewExchange(7)

	waitFor(t, func() bool { return sender.count("s1") == 1 && sender.count("s2") == 1 })

	decoded := sender.lastDecoded(t, "s1")
	if decoded["type"] != "new_exchanges" {
		t.Errorf("expected new_exchanges event, got %v", decoded["type"])
	}
	exchanges := decoded["exchanges"].([]interface{})
	if len(exchanges) != 1 {
		t.Fatalf("expected 1 pending exchange, got %d", len(exchanges))
	}
	entry := exchanges[0].(map[string]interface{})
	if entry["book_title"] != "Dune" || entry["requester_username"] != "carol" {
		t.Errorf("unexpected payload: %v", entry)
	}
}

// ---------------------------------------------------------------------------
// Test: offline owner gets nothing now, catch-up delivers on connect
// ---------------------------------------------------------------------------

func TestNotifyNewExchange_OfflineOwnerThenCatchUp(t *testing.T) {
	loader := newFakeLoader()
	loader.exchanges[7] = &exchange.Exchange{ID: 7, BookID: 10, RequesterID: 2, OwnerID: 1, Status: exchange.StatusPending}
	loader.pending[1] = []exchange.Notification{{
		ID: 7, BookID: 10, BookTitle: "Dune", RequesterID: 2, RequesterUsername: "carol",
	}}

	presence := newFakePresence() // owner offline
	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), loader, presence, sender)
	defer n.Close()

	n.NotifyNewExchange(7)

	// Give the worker time to run the job; no delivery must happen.
	time.Sleep(50 * time.Millisecond)
	if sender.total() != 0 {
		t.Fatalf("expected no delivery while owner is offline, got %d", sender.total())
	}

	// Owner connects later: connect-time catch-up scoped to the new session.
	if err := n.SendPending(context.Background(), 1, "s-new"); err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if sender.count("s-new") != 1 {
		t.Fatalf("expected 1 catch-up message, got %d", sender.count("s-new"))
	}

	decoded := sender.lastDecoded(t, "s-new")
	entry := decoded["exchanges"].([]interface{})[0].(map[string]interface{})
	if entry["book_id"] != float64(10) || entry["book_title"] != "Dune" {
		t.Errorf("unexpected book fields: %v", entry)
	}
	if entry["requester_id"] != float64(2) || entry["requester_username"] != "carol" {
		t.Errorf("unexpected requester fields: %v", entry)
	}
}

// ---------------------------------------------------------------------------
// Test: status update reaches all requester sessions and no other session
// ---------------------------------------------------------------------------

func TestNotifyStatusUpdate_RequesterSessionsOnly(t *testing.T) {
	loader := newFakeLoader()
	loader.exchanges[7] = &exchange.Exchange{ID: 7, BookID: 10, RequesterID: 2, OwnerID: 1, Status: exchange.StatusAccepted}
	loader.titles[10] = "Dune"

	presence := newFakePresence()
	presence.sessions[2] = []string{"s1", "s2"}
	presence.sessions[3] = []string{"s-other"}

	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), loader, presence, sender)
	defer n.Close()

	n.NotifyStatusUpdate(7, "accepted")

	waitFor(t, func() bool { return sender.count("s1") == 1 && sender.count("s2") == 1 })

	if sender.count("s-other") != 0 {
		t.Error("uninvolved session must not receive the event")
	}

	decoded := sender.lastDecoded(t, "s2")
	if decoded["type"] != "exchange_status_update" {
		t.Errorf("expected exchange_status_update, got %v", decoded["type"])
	}
	if decoded["exchange_id"] != float64(7) || decoded["status"] != "accepted" {
		t.Errorf("unexpected payload: %v", decoded)
	}
	if decoded["book_title"] != "Dune" {
		t.Errorf("expected book_title Dune, got %v", decoded["book_title"])
	}
}

// ---------------------------------------------------------------------------
// Test: offline requester means the update is simply not delivered
// ---------------------------------------------------------------------------

func TestNotifyStatusUpdate_OfflineRequesterNoOp(t *testing.T) {
	loader := newFakeLoader()
	loader.exchanges[7] = &exchange.Exchange{ID: 7, BookID: 10, RequesterID: 2, OwnerID: 1}

	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), loader, newFakePresence(), sender)
	defer n.Close()

	n.NotifyStatusUpdate(7, "rejected")

	time.Sleep(50 * time.Millisecond)
	if sender.total() != 0 {
		t.Errorf("expected no delivery, got %d", sender.total())
	}
}

// ---------------------------------------------------------------------------
// Test: a vanished exchange completes the job with no event and no panic
// ---------------------------------------------------------------------------

func TestNotify_VanishedExchange(t *testing.T) {
	sender := newRecordingSender()
	presence := newFakePresence()
	presence.sessions[1] = []string{"s1"}

	n := NewNotifier(DefaultConfig(), newFakeLoader(), presence, sender)
	defer n.Close()

	n.NotifyNewExchange(404)
	n.NotifyStatusUpdate(404, "accepted")

	time.Sleep(50 * time.Millisecond)
	if sender.total() != 0 {
		t.Errorf("expected no delivery for missing exchange, got %d", sender.total())
	}
}

// ---------------------------------------------------------------------------
// Test: store errors are swallowed, never propagated to the trigger
// ---------------------------------------------------------------------------

func TestNotify_StoreErrorSwallowed(t *testing.T) {
	loader := newFakeLoader()
	loader.loadErr = errors.New("connection refused")

	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), loader, newFakePresence(), sender)
	defer n.Close()

	// Must not panic or block.
	n.NotifyNewExchange(1)
	n.NotifyStatusUpdate(2, "accepted")

	time.Sleep(50 * time.Millisecond)
	if sender.total() != 0 {
		t.Errorf("expected no delivery on store error, got %d", sender.total())
	}
}

// ---------------------------------------------------------------------------
// Test: one dead session does not stop fan-out to the rest
// ---------------------------------------------------------------------------

func TestSendPending_DeadSessionSkipped(t *testing.T) {
	loader := newFakeLoader()
	loader.pending[1] = []exchange.Notification{{ID: 7, BookID: 10, BookTitle: "Dune"}}

	presence := newFakePresence()
	presence.sessions[1] = []string{"dead", "alive"}

	sender := newRecordingSender()
	sender.fail["dead"] = true

	n := NewNotifier(DefaultConfig(), loader, presence, sender)
	defer n.Close()

	if err := n.SendPending(context.Background(), 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count("alive") != 1 {
		t.Errorf("live session should still receive the event, got %d", sender.count("alive"))
	}
}

// ---------------------------------------------------------------------------
// Test: empty pending set emits nothing
// ---------------------------------------------------------------------------

func TestSendPending_EmptyResultNoEvent(t *testing.T) {
	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), newFakeLoader(), newFakePresence(), sender)
	defer n.Close()

	if err := n.SendPending(context.Background(), 1, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.total() != 0 {
		t.Errorf("expected no event for empty pending set, got %d", sender.total())
	}
}

// ---------------------------------------------------------------------------
// Test: Close drains jobs already queued
// ---------------------------------------------------------------------------

func TestNotifier_CloseDrainsQueue(t *testing.T) {
	loader := newFakeLoader()
	loader.exchanges[7] = &exchange.Exchange{ID: 7, BookID: 10, RequesterID: 2, OwnerID: 1}
	loader.pending[1] = []exchange.Notification{{ID: 7, BookID: 10, BookTitle: "Dune"}}

	presence := newFakePresence()
	presence.sessions[1] = []string{"s1"}

	sender := newRecordingSender()
	n := NewNotifier(DefaultConfig(), loader, presence, sender)

	n.NotifyNewExchange(7)
	n.Close()

	if sender.count("s1") != 1 {
		t.Errorf("expected queued job to run before shutdown, got %d sends", sender.count("s1"))
	}
}
