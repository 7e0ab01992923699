package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced exchange row no longer exists.
var ErrNotFound = errors.New("exchange: not found")

// Store manages exchange rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetByID loads a single exchange. Returns ErrNotFound if the row is gone
// (e.g. cancelled and deleted concurrently with a notification job).
func (s *Store) GetByID(ctx context.Context, id int64) (*Exchange, error) {
	const query = `
		SELECT id, book_id, requester_id, owner_id, status,
		       COALESCE(to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), '')
		FROM exchanges
		WHERE id = $1`

	var e Exchange
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.BookID, &e.RequesterID, &e.OwnerID, &e.Status, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("exchange: get %d: %w", id, err)
	}
	return &e, nil
}

// PendingForOwner returns one Notification per pending exchange owned by
// the given user, joined with the book title and the requester's username.
// Deleted books or users degrade to placeholder strings rather than
// dropping the row or failing the query.
func (s *Store) PendingForOwner(ctx context.Context, ownerID int64) ([]Notification, error) {
	const query = `
		SELECT e.id, e.book_id,
		       COALESCE(b.title, $2),
		       e.requester_id,
		       COALESCE(u.username, $3),
		       COALESCE(to_char(e.created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), '')
		FROM exchanges e
		LEFT JOIN books b ON b.id = e.book_id
		LEFT JOIN users u ON u.id = e.requester_id
		WHERE e.owner_id = $1 AND e.status = 'pending'
		ORDER BY e.created_at`

	rows, err := s.db.QueryContext(ctx, query, ownerID, UnknownBookTitle, UnknownUsername)
	if err != nil {
		return nil, fmt.Errorf("exchange: pending for owner %d: %w", ownerID, err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.BookID, &n.BookTitle, &n.RequesterID, &n.RequesterUsername, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("exchange: scan pending row: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate pending rows: %w", err)
	}
	return notifications, nil
}

// BookTitle returns the title of the given book, or the placeholder if the
// book no longer exists. Used by status-update notifications.
func (s *Store) BookTitle(ctx context.Context, bookID int64) string {
	const query = `SELECT title FROM books WHERE id = $1`

	var title string
	err := s.db.QueryRowContext(ctx, query, bookID).Scan(&title)
	if err != nil {
		return UnknownBookTitle
	}
	return title
}

// ---------------------------------------------------------------------------
// Write side — used by the REST layer only.
// ---------------------------------------------------------------------------

// Create inserts a pending exchange row and returns its ID.
func (s *Store) Create(ctx context.Context, bookID, requesterID, ownerID int64) (int64, error) {
	const query = `
		INSERT INTO exchanges (book_id, requester_id, owner_id, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query, bookID, requesterID, ownerID, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("exchange: create: %w", err)
	}
	return id, nil
}

// UpdateStatus transitions a pending exchange to the given status. It only
// matches rows still in pending state, so concurrent accept/reject races
// resolve to exactly one winner. Returns ErrNotFound if no pending row
// matched.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string) error {
	const query = `UPDATE exchanges SET status = $2 WHERE id = $1 AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("exchange: update status %d -> %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("exchange: update status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an exchange row (requester cancellation path).
func (s *Store) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM exchanges WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("exchange: delete %d: %w", id, err)
	}
	return nil
}

// ActiveExists reports whether the book already has a pending or accepted
// exchange. The REST layer uses this to enforce the one-active-exchange-
// per-book invariant the notifier relies on.
func (s *Store) ActiveExists(ctx context.Context, bookID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM exchanges
			WHERE book_id = $1 AND status IN ('pending', 'accepted')
		)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, bookID).Scan(&exists); err != nil {
		return false, fmt.Errorf("exchange: active exists for book %d: %w", bookID, err)
	}
	return exists, nil
}

// BookOwner returns the owner of the given book. Returns ErrNotFound if
// the book does not exist.
func (s *Store) BookOwner(ctx context.Context, bookID int64) (int64, error) {
	const query = `SELECT owner_id FROM books WHERE id = $1`

	var ownerID int64
	err := s.db.QueryRowContext(ctx, query, bookID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("exchange: book owner %d: %w", bookID, err)
	}
	return ownerID, nil
}

// MarkBookExchanged flips a book's status to exchanged after its exchange
// is accepted.
func (s *Store) MarkBookExchanged(ctx context.Context, bookID int64) error {
	const query = `UPDATE books SET status = 'exchanged', updated_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, bookID); err != nil {
		return fmt.Errorf("exchange: mark book %d exchanged: %w", bookID, err)
	}
	return nil
}

// ListByRequester returns all exchanges requested by the given user.
func (s *Store) ListByRequester(ctx context.Context, requesterID int64) ([]Exchange, error) {
	return s.list(ctx, "requester_id", requesterID)
}

// ListByOwner returns all exchanges on books owned by the given user.
func (s *Store) ListByOwner(ctx context.Context, ownerID int64) ([]Exchange, error) {
	return s.list(ctx, "owner_id", ownerID)
}

func (s *Store) list(ctx context.Context, column string, userID int64) ([]Exchange, error) {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		SELECT id, book_id, requester_id, owner_id, status,
		       COALESCE(to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), '')
		FROM exchanges
		WHERE %s = $1
		ORDER BY created_at DESC`, column)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("exchange: list by %s %d: %w", column, userID, err)
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		var e Exchange
		if err := rows.Scan(&e.ID, &e.BookID, &e.RequesterID, &e.OwnerID, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("exchange: scan list row: %w", err)
		}
		exchanges = append(exchanges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate list rows: %w", err)
	}
	return exchanges, nil
}
