package memory

import (
	"context"
	"testing"
)

func TestMemoryStore_Queue(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.AppendEvent(ctx, "e1")
	store.AppendEvent(ctx, "e2")
	store.SwapBuffers(ctx)
	store.AppendEvent(ctx, "e3")

	active, drain, err := store.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue() error = %v", err)
	}
	if len(drain) != 2 || drain[0] != "e1" || drain[1] != "e2" {
		t.Errorf("drain = %v", drain)
	}
	if len(active) != 1 || active[0] != "e3" {
		t.Errorf("active = %v", active)
	}

	// Returned slices are copies.
	drain[0] = "mutated"
	_, drain, _ = store.LoadQueue(ctx)
	if drain[0] != "e1" {
		t.Error("LoadQueue() leaked internal slice")
	}

	store.ClearDrain(ctx)
	_, drain, _ = store.LoadQueue(ctx)
	if len(drain) != 0 {
		t.Errorf("drain after clear = %v", drain)
	}
}

func TestMemoryStore_EngagementsAndIdentity(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.PutEngagement(ctx, "dp", "r1")
	store.PutEngagement(ctx, "dp", "r2")
	got, _ := store.LoadEngagements(ctx)
	if got["dp"] != "r2" {
		t.Errorf("engagement = %q, want r2", got["dp"])
	}

	store.SetUserID(ctx, "u1")
	if id, _ := store.GetUserID(ctx); id != "u1" {
		t.Errorf("GetUserID() = %q", id)
	}
	store.ResetUserID(ctx)
	if id, _ := store.GetUserID(ctx); id != "" {
		t.Errorf("GetUserID() after reset = %q", id)
	}

	if store.Durable() {
		t.Error("memory store must not report durable")
	}
}
