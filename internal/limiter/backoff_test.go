package limiter

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/models"
)

func loginLimit() config.ActionLimit {
	return config.ActionLimit{
		Window:        15 * time.Minute,
		MaxRequests:   5,
		BlockDuration: 30 * time.Minute,
		BackoffBase:   2,
		MaxBackoff:    2 * time.Hour,
	}
}

func newTestTracker(store CounterStore, blocks BlockManager, at time.Time) *LoginTracker {
	tr := NewLoginTracker(store, blocks, loginLimit(), zap.NewNop())
	tr.nowFn = func() time.Time { return at }
	return tr
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tc := range cases {
		if got := BackoffDuration(2, tc.attempts, 2*time.Hour); got != tc.want {
			t.Errorf("attempts=%d: expected %v, got %v", tc.attempts, tc.want, got)
		}
	}
}

func TestBackoffDurationCapped(t *testing.T) {
	max := 10 * time.Minute
	if got := BackoffDuration(2, 30, max); got != max {
		t.Fatalf("expected cap at %v, got %v", max, got)
	}
	// Absurd attempt counts overflow the float math; the cap must hold.
	if got := BackoffDuration(2, 10000, max); got != max {
		t.Fatalf("expected cap at %v for overflow, got %v", max, got)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 1; attempts <= 12; attempts++ {
		cur := BackoffDuration(2, attempts, 2*time.Hour)
		if cur < prev {
			t.Fatalf("backoff decreased at attempts=%d: %v < %v", attempts, cur, prev)
		}
		prev = cur
	}
}

func TestLoginTrackerGatesAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	blocks := newFakeBlocks(func() time.Time { return now })
	id := models.Identity{Raw: "user@example.com", Hash: "lh1"}
	ctx := context.Background()

	tracker := newTestTracker(store, blocks, now)

	// No failures yet: allowed with no delay.
	decision, err := tracker.Allow(ctx, id)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected clean identifier to be allowed, got %+v err=%v", decision, err)
	}

	// Three failures => backoff of 4s from the last failure.
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		tracker.nowFn = func() time.Time { return at }
		if _, err := tracker.RecordFailure(ctx, id); err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}

	lastFailure := now.Add(2 * time.Second)

	// One second after the last failure the gate is still closed.
	tracker.nowFn = func() time.Time { return lastFailure.Add(time.Second) }
	decision, err = tracker.Allow(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected attempt inside backoff to be gated")
	}
	if decision.Failures != 3 {
		t.Fatalf("expected 3 failures, got %d", decision.Failures)
	}
	if want := 3 * time.Second; decision.RetryAfter != want {
		t.Fatalf("expected retry after %v, got %v", want, decision.RetryAfter)
	}

	// Past the 4s backoff the attempt may proceed.
	tracker.nowFn = func() time.Time { return lastFailure.Add(5 * time.Second) }
	decision, err = tracker.Allow(ctx, id)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected attempt past backoff to be allowed, got %+v err=%v", decision, err)
	}
}

func TestLoginTrackerBlocksAtMaxFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	blocks := newFakeBlocks(func() time.Time { return now })
	id := models.Identity{Raw: "user2@example.com", Hash: "lh2"}
	ctx := context.Background()

	tracker := newTestTracker(store, blocks, now)

	var decision LoginDecision
	var err error
	for i := 0; i < 5; i++ {
		decision, err = tracker.RecordFailure(ctx, id)
		if err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}

	if !decision.IsBlocked {
		t.Fatal("expected fifth failure to block the identifier")
	}
	if decision.RetryAfter != 30*time.Minute {
		t.Fatalf("expected 30m retry hint, got %v", decision.RetryAfter)
	}
	if blocks.records[id.Hash] == nil {
		t.Fatal("expected persisted block record")
	}

	// Subsequent attempts are short-circuited by the block.
	decision, err = tracker.Allow(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || !decision.IsBlocked {
		t.Fatalf("expected blocked denial, got %+v", decision)
	}
}

func TestLoginTrackerResetClearsFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	blocks := newFakeBlocks(func() time.Time { return now })
	id := models.Identity{Raw: "user3@example.com", Hash: "lh3"}
	ctx := context.Background()

	tracker := newTestTracker(store, blocks, now)

	for i := 0; i < 3; i++ {
		if _, err := tracker.RecordFailure(ctx, id); err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}

	if err := tracker.Reset(ctx, id); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	decision, err := tracker.Allow(ctx, id)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected allow after reset, got %+v err=%v", decision, err)
	}
	if decision.Failures != 0 {
		t.Fatalf("expected zero failures after reset, got %d", decision.Failures)
	}
}

func TestLoginTrackerFeedsLongWindowSignal(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	store := NewMemoryStore()
	blocks := newFakeBlocks(func() time.Time { return now })
	id := models.Identity{Raw: "user5@example.com", Hash: "lh5"}
	ctx := context.Background()

	tracker := NewLoginTracker(store, blocks, loginLimit(), zap.NewNop())
	tracker.nowFn = func() time.Time { return now }

	// One failure every 20 minutes: the 15m login window forgets each one
	// before the next lands, the suspicion signal must not.
	for i := 0; i < 3; i++ {
		now = start.Add(time.Duration(i) * 20 * time.Minute)
		if _, err := tracker.RecordFailure(ctx, id); err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}

	signalCount, err := store.Count(ctx, SignalKey(config.ActionLoginAttempts, id.Hash), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("signal count: %v", err)
	}
	if signalCount != 3 {
		t.Fatalf("expected all 3 failures in the hour-wide signal, got %d", signalCount)
	}

	// The reset after a successful login clears the backoff window only;
	// the suspicion signal keeps its history.
	if err := tracker.Reset(ctx, id); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	signalCount, err = store.Count(ctx, SignalKey(config.ActionLoginAttempts, id.Hash), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("signal count after reset: %v", err)
	}
	if signalCount != 3 {
		t.Fatalf("expected signals to survive reset, got %d", signalCount)
	}
}

func TestLoginTrackerFailsOpenOnStoreError(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	tracker := newTestTracker(errorStore{}, blocks, now)

	decision, err := tracker.Allow(context.Background(), models.Identity{Hash: "lh4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected fail-open allow when store is down")
	}
}
