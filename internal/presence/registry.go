// Package presence tracks which users currently hold live WebSocket
// sessions. It is the single in-process source of truth for deciding
// where notifications get delivered: a user may be connected from several
// devices at once, so each user maps to a set of session IDs.
//
// The registry is purely in-memory. It resets on process restart, which is
// fine — reconnecting clients trigger the pending-exchange catch-up and
// recover anything they missed.
package presence

import (
	"sync"

	"github.com/bookswap/exchange-app/internal/metrics"
)

// Registry maps user IDs to the set of their active session IDs. All
// operations take the mutex for their full duration, so every
// check-then-act sequence (in particular delete-entry-when-set-empties)
// is a single critical section.
type Registry struct {
	mu        sync.RWMutex
	users     map[int64]map[string]struct{} // user_id -> set of session IDs
	bySession map[string]int64              // session_id -> user_id reverse index
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		users:     make(map[int64]map[string]struct{}),
		bySession: make(map[string]int64),
	}
}

// Add registers a session under the given user. The call is idempotent:
// adding the same (user, session) pair twice is a no-op. The user's session
// set is created on first add.
func (r *Registry) Add(userID int64, sessionID string) {
	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[sessionID] = struct{}{}
	r.bySession[sessionID] = userID
	online := len(r.users)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
}

// Remove deletes a session from whichever user holds it. When the removed
// session was the user's last one, the user's entry is deleted entirely so
// the registry never leaks empty sets.
//
// It returns the affected user ID, whether that user went fully offline,
// and whether the session was present at all. Removing an unknown session
// is not an error.
func (r *Registry) Remove(sessionID string) (userID int64, offline bool, ok bool) {
	r.mu.Lock()
	userID, ok = r.bySession[sessionID]
	if ok {
		delete(r.bySession, sessionID)
		set := r.users[userID]
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.users, userID)
			offline = true
		}
	}
	online := len(r.users)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	return userID, offline, ok
}

// SessionsFor returns a snapshot of the user's live session IDs. A user
// with no live sessions yields an empty slice, never an error.
func (r *Registry) SessionsFor(userID int64) []string {
	r.mu.RLock()
	set := r.users[userID]
	sessions := make([]string, 0, len(set))
	for sid := range set {
		sessions = append(sessions, sid)
	}
	r.mu.RUnlock()
	return sessions
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	return ok
}

// OnlineUsers returns the number of distinct users with at least one live
// session. This is the value surfaced by the health endpoint.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	n := len(r.users)
	r.mu.RUnlock()
	return n
}

// SessionCount returns the total number of live sessions across all users.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	n := len(r.bySession)
	r.mu.RUnlock()
	return n
}
