package exchange

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

func TestIsTerminal(t *testing.T) {
	if IsTerminal(StatusPending) {
		t.Error("pending must be non-terminal")
	}
	for _, status := range []string{StatusAccepted, StatusRejected, StatusCancelled} {
		if !IsTerminal(status) {
			t.Errorf("%s must be terminal", status)
		}
	}
}

// ---------------------------------------------------------------------------
// Integration tests. These require a running PostgreSQL pointed to by
// TEST_DATABASE_URL and are skipped otherwise.
// ---------------------------------------------------------------------------

// newTestStore connects to the test database, resets the fixture tables,
// and returns a ready Store.
func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}

	ctx := context.Background()
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			full_name TEXT,
			city TEXT,
			about TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS books (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			description TEXT,
			genre TEXT,
			condition TEXT,
			cover TEXT,
			owner_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'available',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS exchanges (
			id BIGSERIAL PRIMARY KEY,
			book_id BIGINT NOT NULL,
			requester_id BIGINT NOT NULL,
			owner_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`TRUNCATE exchanges, books, users RESTART IDENTITY`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("schema setup failed: %v", err)
		}
	}

	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE exchanges, books, users RESTART IDENTITY`)
		db.Close()
	})
	return NewStore(db), db
}

func seedUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		`INSERT INTO users (email, username) VALUES ($1, $2) RETURNING id`,
		username+"@example.com", username,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func seedBook(t *testing.T, db *sql.DB, title string, ownerID int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		`INSERT INTO books (title, owner_id) VALUES ($1, $2) RETURNING id`,
		title, ownerID,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed book: %v", err)
	}
	return id
}

func TestStore_CreateAndGet(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	requester := seedUser(t, db, "carol")
	book := seedBook(t, db, "Dune", owner)

	id, err := store.Create(ctx, book, requester, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("expected pending, got %s", e.Status)
	}
	if e.OwnerID != owner || e.RequesterID != requester || e.BookID != book {
		t.Errorf("unexpected row: %+v", e)
	}
	if e.CreatedAt == "" {
		t.Error("created_at should not be empty")
	}
}

func TestStore_GetByID_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetByID(context.Background(), 999999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PendingForOwner_Joins(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	requester := seedUser(t, db, "carol")
	book := seedBook(t, db, "Dune", owner)

	if _, err := store.Create(ctx, book, requester, owner); err != nil {
		t.Fatalf("create: %v", err)
	}

	notifications, err := store.PendingForOwner(ctx, owner)
	if err != nil {
		t.Fatalf("pending for owner: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifications))
	}
	n := notifications[0]
	if n.BookTitle != "Dune" {
		t.Errorf("expected book title Dune, got %q", n.BookTitle)
	}
	if n.RequesterUsername != "carol" {
		t.Errorf("expected requester carol, got %q", n.RequesterUsername)
	}
	if n.RequesterID != requester || n.BookID != book {
		t.Errorf("unexpected payload: %+v", n)
	}
}

func TestStore_PendingForOwner_MissingJoinsDegrade(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	// Exchange referencing a book and requester that were never created.
	if _, err := db.Exec(
		`INSERT INTO exchanges (book_id, requester_id, owner_id, status) VALUES (555, 666, $1, 'pending')`,
		owner,
	); err != nil {
		t.Fatalf("seed orphan exchange: %v", err)
	}

	notifications, err := store.PendingForOwner(ctx, owner)
	if err != nil {
		t.Fatalf("pending for owner: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifications))
	}
	if notifications[0].BookTitle != UnknownBookTitle {
		t.Errorf("expected placeholder title, got %q", notifications[0].BookTitle)
	}
	if notifications[0].RequesterUsername != UnknownUsername {
		t.Errorf("expected placeholder username, got %q", notifications[0].RequesterUsername)
	}
}

func TestStore_UpdateStatus_OnlyPendingTransitions(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	requester := seedUser(t, db, "carol")
	book := seedBook(t, db, "Dune", owner)
	id, err := store.Create(ctx, book, requester, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.UpdateStatus(ctx, id, StatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// A second transition must not match the already-terminal row.
	if err := store.UpdateStatus(ctx, id, StatusRejected); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double transition, got %v", err)
	}

	e, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", e.Status)
	}
}

func TestStore_ActiveExists(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	requester := seedUser(t, db, "carol")
	book := seedBook(t, db, "Dune", owner)

	exists, err := store.ActiveExists(ctx, book)
	if err != nil {
		t.Fatalf("active exists: %v", err)
	}
	if exists {
		t.Error("no exchange yet, expected false")
	}

	id, err := store.Create(ctx, book, requester, owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if exists, _ = store.ActiveExists(ctx, book); !exists {
		t.Error("pending exchange should count as active")
	}

	if err := store.UpdateStatus(ctx, id, StatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if exists, _ = store.ActiveExists(ctx, book); exists {
		t.Error("rejected exchange should not count as active")
	}
}
