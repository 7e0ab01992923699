// Package exchange provides PostgreSQL-backed access to book exchange
// proposals. The notification subsystem only reads from it; the REST layer
// owns the writes and the invariant that at most one active (pending or
// accepted) exchange exists per book at a time.
package exchange

// Exchange status values. Only "pending" is non-terminal.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// Placeholder strings used when a joined row has been deleted out from
// under a notification.
const (
	UnknownBookTitle = "Unknown book"
	UnknownUsername  = "Unknown user"
)

// Exchange is one exchange proposal row.
type Exchange struct {
	ID          int64  `json:"id"`
	BookID      int64  `json:"book_id"`
	RequesterID int64  `json:"requester_id"`
	OwnerID     int64  `json:"owner_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"` // ISO-8601, empty if absent
}

// Notification is the transient payload pushed to clients for a pending
// exchange. It is built on demand from exchange/book/user joins and never
// persisted. Missing joins degrade to placeholder strings.
type Notification struct {
	ID                int64  `json:"id"`
	BookID            int64  `json:"book_id"`
	BookTitle         string `json:"book_title"`
	RequesterID       int64  `json:"requester_id"`
	RequesterUsername string `json:"requester_username"`
	CreatedAt         string `json:"created_at"`
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusAccepted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}
