package session

import (
	"context"
	"testing"
)

// newTestStore connects to a local Redis instance, skipping the test when
// one is not available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("localhost:6379", "ws-test")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// ---------------------------------------------------------------------------
// Test: create, bind and read back a session record
// ---------------------------------------------------------------------------

func TestStore_CreateBindGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const sid = "test_session_lifecycle"
	t.Cleanup(func() { _ = store.Delete(ctx, sid) })

	if err := store.Create(ctx, sid); err != nil {
		t.Fatalf("create: %v", err)
	}

	session, err := store.Get(ctx, sid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session == nil {
		t.Fatal("expected session record, got nil")
	}
	if session.Authenticated() {
		t.Error("fresh session must not be authenticated")
	}
	if session.Server != "ws-test" {
		t.Errorf("expected server ws-test, got %q", session.Server)
	}

	if err := store.BindUser(ctx, sid, 42); err != nil {
		t.Fatalf("bind user: %v", err)
	}
	session, err = store.Get(ctx, sid)
	if err != nil {
		t.Fatalf("get after bind: %v", err)
	}
	if !session.Authenticated() || session.UserID != 42 {
		t.Errorf("expected user 42 bound, got %+v", session)
	}
}

// ---------------------------------------------------------------------------
// Test: missing session yields nil, delete removes the record
// ---------------------------------------------------------------------------

func TestStore_GetMissingAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.Get(ctx, "test_session_never_created")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session != nil {
		t.Errorf("expected nil for missing session, got %+v", session)
	}

	const sid = "test_session_delete"
	if err := store.Create(ctx, sid); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, sid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	session, err = store.Get(ctx, sid)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if session != nil {
		t.Errorf("expected nil after delete, got %+v", session)
	}
}
