package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/models"
)

type fakeBlocks struct {
	records   map[string]*models.BlockRecord
	blockErr  error
	lookupErr error
	nowFn     func() time.Time
}

func newFakeBlocks(nowFn func() time.Time) *fakeBlocks {
	return &fakeBlocks{
		records: make(map[string]*models.BlockRecord),
		nowFn:   nowFn,
	}
}

func (f *fakeBlocks) IsBlocked(_ context.Context, hash string) (*models.BlockRecord, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	record, ok := f.records[hash]
	if !ok || record.Expired(f.nowFn()) {
		return nil, nil
	}
	return record, nil
}

func (f *fakeBlocks) Block(_ context.Context, id models.Identity, reason string, duration time.Duration) (*models.BlockRecord, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	now := f.nowFn()
	if existing, ok := f.records[id.Hash]; ok && !existing.Expired(now) {
		existing.Attempts++
		existing.ExpiresAt = now.Add(duration)
		return existing, nil
	}
	record := &models.BlockRecord{
		IdentifierHash: id.Hash,
		Reason:         reason,
		Attempts:       1,
		IsActive:       true,
		CreatedAt:      now,
		ExpiresAt:      now.Add(duration),
	}
	f.records[id.Hash] = record
	return record, nil
}

type errorStore struct{}

func (errorStore) RecordIfAllowed(context.Context, string, time.Time, time.Duration, int) (bool, int, error) {
	return false, 0, ErrStoreUnavailable
}
func (errorStore) Record(context.Context, string, time.Time, time.Duration) error {
	return ErrStoreUnavailable
}
func (errorStore) Count(context.Context, string, time.Time) (int, error) {
	return 0, ErrStoreUnavailable
}
func (errorStore) LastAttempt(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, ErrStoreUnavailable
}
func (errorStore) Reset(context.Context, ...string) error { return ErrStoreUnavailable }

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{Actions: map[string]config.ActionLimit{
		config.ActionOTPGeneration: {
			Window:        5 * time.Minute,
			MaxRequests:   3,
			BlockDuration: 15 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    10 * time.Minute,
		},
	}}
}

func newTestLimiter(store CounterStore, blocks BlockManager, at time.Time) *Limiter {
	l := NewLimiter(store, blocks, testLimits(), zap.NewNop())
	l.nowFn = func() time.Time { return at }
	return l
}

func TestLimiterAllowsWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	l := newTestLimiter(NewMemoryStore(), blocks, now)
	id := models.Identity{Raw: "+15551230001", Hash: "h1"}

	for i := 0; i < 3; i++ {
		decision, err := l.Check(context.Background(), id, config.ActionOTPGeneration)
		if err != nil {
			t.Fatalf("unexpected error at attempt %d: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
		if decision.Remaining != 3-(i+1) {
			t.Fatalf("attempt %d: expected remaining %d, got %d", i+1, 3-(i+1), decision.Remaining)
		}
	}
}

func TestLimiterDeniesAndBlocksOnThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	l := newTestLimiter(NewMemoryStore(), blocks, now)
	id := models.Identity{Raw: "+15551230002", Hash: "h2"}

	for i := 0; i < 3; i++ {
		if _, err := l.Check(context.Background(), id, config.ActionOTPGeneration); err != nil {
			t.Fatalf("warmup attempt %d failed: %v", i+1, err)
		}
	}

	decision, err := l.Check(context.Background(), id, config.ActionOTPGeneration)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected fourth attempt to be denied")
	}
	if !decision.IsBlocked {
		t.Fatal("expected denial to escalate into a block")
	}
	if got := decision.RetryAfter; got != 15*time.Minute {
		t.Fatalf("expected retry after 15m, got %v", got)
	}
	if blocks.records[id.Hash] == nil {
		t.Fatal("expected block record to be persisted")
	}

	// The denied attempt is not recorded into the window counter.
	count, err := l.Count(context.Background(), id, config.ActionOTPGeneration)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected window count 3 after denial, got %d", count)
	}
}

func TestLimiterShortCircuitsActiveBlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	l := newTestLimiter(NewMemoryStore(), blocks, now)
	id := models.Identity{Raw: "+15551230003", Hash: "h3"}

	blocks.records[id.Hash] = &models.BlockRecord{
		IdentifierHash: id.Hash,
		IsActive:       true,
		ExpiresAt:      now.Add(10 * time.Minute),
	}

	decision, err := l.Check(context.Background(), id, config.ActionOTPGeneration)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || !decision.IsBlocked {
		t.Fatalf("expected blocked denial, got %+v", decision)
	}
	if decision.RetryAfter != 10*time.Minute {
		t.Fatalf("expected retry after 10m, got %v", decision.RetryAfter)
	}
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	l := newTestLimiter(errorStore{}, blocks, now)
	id := models.Identity{Raw: "+15551230004", Hash: "h4"}

	decision, err := l.Check(context.Background(), id, config.ActionOTPGeneration)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected fail-open allow on store error")
	}
	if !decision.FailedOpen {
		t.Fatal("expected decision to be marked as failed open")
	}
}

func TestLimiterFailsOpenOnUnknownAction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	l := newTestLimiter(NewMemoryStore(), blocks, now)

	decision, err := l.Check(context.Background(), models.Identity{Hash: "h5"}, "NOT_CONFIGURED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed || !decision.FailedOpen {
		t.Fatalf("expected fail-open allow for unconfigured action, got %+v", decision)
	}
}

func TestLimiterDeniesWhenBlockPersistenceFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := newFakeBlocks(func() time.Time { return now })
	blocks.blockErr = errors.New("scylla down")
	l := newTestLimiter(NewMemoryStore(), blocks, now)
	id := models.Identity{Raw: "+15551230006", Hash: "h6"}

	for i := 0; i < 3; i++ {
		if _, err := l.Check(context.Background(), id, config.ActionOTPGeneration); err != nil {
			t.Fatalf("warmup attempt %d failed: %v", i+1, err)
		}
	}

	decision, err := l.Check(context.Background(), id, config.ActionOTPGeneration)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial even when block persistence fails")
	}
	if decision.RetryAfter != 15*time.Minute {
		t.Fatalf("expected block duration as retry hint, got %v", decision.RetryAfter)
	}
}

func TestLimiterFeedsLongWindowSignals(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	store := NewMemoryStore()
	blocks := newFakeBlocks(func() time.Time { return now })
	id := models.Identity{Raw: "+15551230007", Hash: "h7"}
	ctx := context.Background()

	l := NewLimiter(store, blocks, testLimits(), zap.NewNop())
	l.nowFn = func() time.Time { return now }

	// Three bursts 20 minutes apart: each empties the 5m action window
	// before the next, but every attempt must stay visible to the
	// hour-wide suspicion signal.
	for burst := 0; burst < 3; burst++ {
		now = start.Add(time.Duration(burst) * 20 * time.Minute)
		for i := 0; i < 2; i++ {
			decision, err := l.Check(ctx, id, config.ActionOTPGeneration)
			if err != nil {
				t.Fatalf("burst %d attempt %d: %v", burst+1, i+1, err)
			}
			if !decision.Allowed {
				t.Fatalf("burst %d attempt %d should be allowed", burst+1, i+1)
			}
		}
	}

	windowCount, err := store.Count(ctx, WindowKey(config.ActionOTPGeneration, id.Hash), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("window count: %v", err)
	}
	if windowCount != 2 {
		t.Fatalf("expected only the last burst in the action window, got %d", windowCount)
	}

	signalCount, err := store.Count(ctx, SignalKey(config.ActionOTPGeneration, id.Hash), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("signal count: %v", err)
	}
	if signalCount != 6 {
		t.Fatalf("expected all 6 attempts in the hour-wide signal, got %d", signalCount)
	}
}

func TestDecisionMarshalsRetryAfterMillis(t *testing.T) {
	body, err := json.Marshal(Decision{
		Allowed:    false,
		IsBlocked:  true,
		RetryAfter: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got := wire["retry_after_ms"]; got != float64(900000) {
		t.Fatalf("expected retry_after_ms=900000, got %v", got)
	}
}
