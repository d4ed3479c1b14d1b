package limiter

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRecordIfAllowed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	for i := 0; i < 3; i++ {
		recorded, count, err := store.RecordIfAllowed(ctx, "k", now.Add(time.Duration(i)*time.Second), window, 3)
		if err != nil {
			t.Fatalf("unexpected error at attempt %d: %v", i+1, err)
		}
		if !recorded {
			t.Fatalf("expected attempt %d to be recorded", i+1)
		}
		if count != i+1 {
			t.Fatalf("expected count %d, got %d", i+1, count)
		}
	}

	recorded, count, err := store.RecordIfAllowed(ctx, "k", now.Add(3*time.Second), window, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorded {
		t.Fatal("expected fourth attempt to be rejected")
	}
	if count != 3 {
		t.Fatalf("rejected attempt must not bump the count, got %d", count)
	}
}

func TestMemoryStoreWindowExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	for i := 0; i < 2; i++ {
		if _, _, err := store.RecordIfAllowed(ctx, "k", now, window, 2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Inside the window the key is saturated.
	recorded, _, _ := store.RecordIfAllowed(ctx, "k", now.Add(30*time.Second), window, 2)
	if recorded {
		t.Fatal("expected saturation inside the window")
	}

	// After the window slides past the old entries, capacity frees up.
	recorded, count, _ := store.RecordIfAllowed(ctx, "k", now.Add(window+time.Second), window, 2)
	if !recorded {
		t.Fatal("expected attempt after window expiry to be recorded")
	}
	if count != 1 {
		t.Fatalf("expected fresh window count 1, got %d", count)
	}
}

func TestMemoryStoreCountAndLastAttempt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, ok, err := store.LastAttempt(ctx, "k"); err != nil || ok {
		t.Fatalf("expected no last attempt on empty key, got ok=%v err=%v", ok, err)
	}

	times := []time.Time{now, now.Add(10 * time.Second), now.Add(20 * time.Second)}
	for _, at := range times {
		if err := store.Record(ctx, "k", at, time.Hour); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	count, err := store.Count(ctx, "k", now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 entries at or after window start, got %d", count)
	}

	last, ok, err := store.LastAttempt(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected last attempt, got ok=%v err=%v", ok, err)
	}
	if !last.Equal(times[2]) {
		t.Fatalf("expected last attempt %v, got %v", times[2], last)
	}
}

func TestMemoryStoreReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Record(ctx, "a", now, time.Hour)
	_ = store.Record(ctx, "b", now, time.Hour)

	if err := store.Reset(ctx, "a", "b"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	for _, key := range []string{"a", "b"} {
		count, _ := store.Count(ctx, key, now.Add(-time.Hour))
		if count != 0 {
			t.Fatalf("expected key %q to be empty after reset, got %d", key, count)
		}
	}
}
