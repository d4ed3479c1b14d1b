package limiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrStoreUnavailable marks counter-store failures. Callers fail open on it:
// an unreachable store must never turn a valid request into a denial.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// CounterStore tracks attempt timestamps per key inside a sliding window.
// Implementations must be atomic per key: concurrent requests for the same
// identifier must not lose updates.
type CounterStore interface {
	// RecordIfAllowed atomically prunes expired entries, counts the rest,
	// and appends a new entry only when the count is below limit. It
	// returns whether the entry was recorded and the resulting count.
	// The request that crosses the threshold is therefore never recorded.
	RecordIfAllowed(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error)

	// Record unconditionally appends an entry, pruning expired ones.
	Record(ctx context.Context, key string, now time.Time, window time.Duration) error

	// Count returns the number of entries at or after windowStart.
	Count(ctx context.Context, key string, windowStart time.Time) (int, error)

	// LastAttempt returns the newest entry timestamp, or ok=false when the
	// key has no live entries.
	LastAttempt(ctx context.Context, key string) (time.Time, bool, error)

	// Reset drops all entries for the given keys.
	Reset(ctx context.Context, keys ...string) error
}

// WindowKey builds the counter-store key for one (identifier, action) pair.
func WindowKey(action, identifierHash string) string {
	return fmt.Sprintf("%s:%s", action, identifierHash)
}

// HitKey tracks denials per identifier; the suspicious-activity aggregator
// reads it as one of its signals.
func HitKey(identifierHash string) string {
	return "hits:" + identifierHash
}

// SignalKey tracks per-action activity for the suspicious-activity
// aggregator. Action window keys prune minutes after the last attempt, so
// signals get their own keys retained for signalRetention.
func SignalKey(action, identifierHash string) string {
	return fmt.Sprintf("signal:%s:%s", action, identifierHash)
}

// signalRetention bounds how long suspicion signals (denial hits and
// per-action activity) stay countable.
const signalRetention = 24 * time.Hour

// MemoryStore is the in-process fallback counter store. It is only safe for
// a single service instance: there is no cross-instance atomicity, so it must
// not be the source of truth in a multi-instance deployment. The factory
// warns loudly when it is selected in a production environment.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]time.Time)}
}

func (m *MemoryStore) RecordIfAllowed(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pruneLocked(key, now.Add(-window))
	if len(live) >= limit {
		return false, len(live), nil
	}

	m.entries[key] = append(live, now)
	return true, len(live) + 1, nil
}

func (m *MemoryStore) Record(_ context.Context, key string, now time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pruneLocked(key, now.Add(-window))
	m.entries[key] = append(live, now)
	return nil
}

func (m *MemoryStore) Count(_ context.Context, key string, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, at := range m.entries[key] {
		if !at.Before(windowStart) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) LastAttempt(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.entries[key]
	if len(live) == 0 {
		return time.Time{}, false, nil
	}

	last := live[0]
	for _, at := range live[1:] {
		if at.After(last) {
			last = at
		}
	}
	return last, true, nil
}

func (m *MemoryStore) Reset(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// pruneLocked removes entries older than windowStart. Lazy expiry: pruning
// happens on access, not on a background sweep.
func (m *MemoryStore) pruneLocked(key string, windowStart time.Time) []time.Time {
	live := m.entries[key][:0]
	for _, at := range m.entries[key] {
		if !at.Before(windowStart) {
			live = append(live, at)
		}
	}
	if len(live) == 0 {
		delete(m.entries, key)
		return nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })
	m.entries[key] = live
	return live
}
