package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_QueueSwapAndClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, e := range []string{`{"n":1}`, `{"n":2}`} {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
	if err := store.SwapBuffers(ctx); err != nil {
		t.Fatalf("SwapBuffers() error = %v", err)
	}
	if err := store.AppendEvent(ctx, `{"n":3}`); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	active, drain, err := store.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(drain) != 2 || drain[0] != `{"n":1}` || drain[1] != `{"n":2}` {
		t.Errorf("drain = %v", drain)
	}
	if len(active) != 1 || active[0] != `{"n":3}` {
		t.Errorf("active = %v", active)
	}

	// A second swap without a clear appends behind the existing drain.
	if err := store.SwapBuffers(ctx); err != nil {
		t.Fatalf("SwapBuffers() error = %v", err)
	}
	_, drain, _ = store.LoadQueue(ctx)
	if len(drain) != 3 || drain[2] != `{"n":3}` {
		t.Errorf("drain after second swap = %v", drain)
	}

	if err := store.ClearDrain(ctx); err != nil {
		t.Fatalf("ClearDrain() error = %v", err)
	}
	active, drain, _ = store.LoadQueue(ctx)
	if len(active) != 0 || len(drain) != 0 {
		t.Errorf("after clear: active=%v drain=%v", active, drain)
	}
}

func TestSQLiteStore_Engagements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutEngagement(ctx, "gameStarted", `{"a":1}`); err != nil {
		t.Fatalf("PutEngagement() error = %v", err)
	}
	if err := store.PutEngagement(ctx, "gameStarted", `{"a":2}`); err != nil {
		t.Fatalf("PutEngagement() overwrite error = %v", err)
	}
	if err := store.PutEngagement(ctx, "shop", `{}`); err != nil {
		t.Fatalf("PutEngagement() error = %v", err)
	}

	got, err := store.LoadEngagements(ctx)
	if err != nil {
		t.Fatalf("LoadEngagements() error = %v", err)
	}
	if len(got) != 2 || got["gameStarted"] != `{"a":2}` {
		t.Errorf("LoadEngagements() = %v", got)
	}

	if err := store.ResetEngagements(ctx); err != nil {
		t.Fatalf("ResetEngagements() error = %v", err)
	}
	got, _ = store.LoadEngagements(ctx)
	if len(got) != 0 {
		t.Errorf("after reset: %v", got)
	}
}

func TestSQLiteStore_UserID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.GetUserID(ctx)
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "" {
		t.Errorf("GetUserID() = %q, want empty", id)
	}

	if err := store.SetUserID(ctx, "user-42"); err != nil {
		t.Fatalf("SetUserID() error = %v", err)
	}
	if id, _ = store.GetUserID(ctx); id != "user-42" {
		t.Errorf("GetUserID() = %q, want user-42", id)
	}

	if err := store.ResetUserID(ctx); err != nil {
		t.Fatalf("ResetUserID() error = %v", err)
	}
	if id, _ = store.GetUserID(ctx); id != "" {
		t.Errorf("GetUserID() after reset = %q", id)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !store.Durable() {
		t.Error("file-backed store should be durable")
	}
	if err := store.AppendEvent(ctx, `{"n":1}`); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := store.SwapBuffers(ctx); err != nil {
		t.Fatalf("SwapBuffers() error = %v", err)
	}
	if err := store.AppendEvent(ctx, `{"n":2}`); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	active, drain, err := reopened.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(drain) != 1 || len(active) != 1 {
		t.Errorf("after reopen: active=%v drain=%v", active, drain)
	}
}
