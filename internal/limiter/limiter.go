package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/models"
	"abuse-shield/internal/util"
)

var (
	ErrConfigMissing    = errors.New("no limit configured for action")
	ErrBlockPersistence = errors.New("failed to persist block record")
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed      bool          `json:"allowed"`
	Remaining    int           `json:"remaining"`
	CurrentCount int           `json:"current_count"`
	IsBlocked    bool          `json:"is_blocked"`
	RetryAfter   time.Duration `json:"-"`
	ResetTime    time.Time     `json:"reset_time,omitempty"`
	FailedOpen   bool          `json:"-"`
}

// MarshalJSON emits RetryAfter as integer milliseconds; a raw time.Duration
// would serialize as nanoseconds under a _ms field name.
func (d Decision) MarshalJSON() ([]byte, error) {
	type plain Decision
	return json.Marshal(struct {
		plain
		RetryAfterMS int64 `json:"retry_after_ms"`
	}{plain(d), d.RetryAfter.Milliseconds()})
}

// BlockManager is the deny-list consulted before any window counting and
// escalated to when a window is exhausted. Implemented by blocklist.Manager.
type BlockManager interface {
	IsBlocked(ctx context.Context, identifierHash string) (*models.BlockRecord, error)
	Block(ctx context.Context, id models.Identity, reason string, duration time.Duration) (*models.BlockRecord, error)
}

// Limiter decides allow/deny for one attempt of a given action type.
type Limiter struct {
	store  CounterStore
	blocks BlockManager
	limits config.LimitsConfig
	logger *zap.Logger
	nowFn  func() time.Time
}

func NewLimiter(store CounterStore, blocks BlockManager, limits config.LimitsConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		blocks: blocks,
		limits: limits,
		logger: logger,
		nowFn:  time.Now,
	}
}

// Check runs the decision sequence: block check, window count, then either
// record-and-allow or deny-and-block. The attempt that crosses the threshold
// is itself denied, triggers the block, and is not recorded into the counter.
//
// Store failures never deny a request: the limiter fails open and logs.
func (l *Limiter) Check(ctx context.Context, id models.Identity, action string) (Decision, error) {
	now := l.nowFn()

	limit, ok := l.limits.ForAction(action)
	if !ok {
		// Fail open: a misconfigured action must not break the request path.
		l.logger.Warn("no rate limit configured for action, allowing request",
			util.String("action", action))
		return Decision{Allowed: true, FailedOpen: true}, nil
	}

	if record, err := l.blocks.IsBlocked(ctx, id.Hash); err != nil {
		l.logger.Error("block lookup failed, failing open",
			util.String("action", action),
			util.ErrorField(err))
	} else if record != nil {
		return Decision{
			Allowed:    false,
			IsBlocked:  true,
			RetryAfter: record.ExpiresAt.Sub(now),
		}, nil
	}

	key := WindowKey(action, id.Hash)
	recorded, count, err := l.store.RecordIfAllowed(ctx, key, now, limit.Window, limit.MaxRequests)
	if err != nil {
		l.logger.Error("counter store unavailable, failing open",
			util.String("action", action),
			util.ErrorField(err))
		return Decision{Allowed: true, FailedOpen: true}, nil
	}

	if recorded {
		// Long-horizon copy of the attempt for the suspicion score; the
		// action window above prunes too aggressively to feed it.
		if err := l.store.Record(ctx, SignalKey(action, id.Hash), now, signalRetention); err != nil {
			l.logger.Debug("failed to record activity signal", util.ErrorField(err))
		}

		return Decision{
			Allowed:      true,
			Remaining:    limit.MaxRequests - count,
			CurrentCount: count,
			ResetTime:    now.Add(limit.Window),
		}, nil
	}

	return l.deny(ctx, id, action, limit, count, now)
}

// deny escalates an exhausted window into a block. If persisting the block
// fails the attempt is still denied for this call; the gap is surfaced in
// logs rather than retried.
func (l *Limiter) deny(ctx context.Context, id models.Identity, action string, limit config.ActionLimit, count int, now time.Time) (Decision, error) {
	decision := Decision{
		Allowed:      false,
		IsBlocked:    true,
		Remaining:    0,
		CurrentCount: count,
		RetryAfter:   limit.BlockDuration,
	}

	if record, err := l.blocks.Block(ctx, id, "rate limit exceeded for "+action, limit.BlockDuration); err != nil {
		l.logger.Error("failed to persist block record, denying in-memory only",
			util.String("action", action),
			util.ErrorField(err))
	} else {
		decision.RetryAfter = record.ExpiresAt.Sub(now)
	}

	// Denials feed the suspicious-activity score; best effort only.
	if err := l.store.Record(ctx, HitKey(id.Hash), now, signalRetention); err != nil {
		l.logger.Debug("failed to record denial hit", util.ErrorField(err))
	}

	return decision, nil
}

// Count exposes the current window count for an action without recording.
func (l *Limiter) Count(ctx context.Context, id models.Identity, action string) (int, error) {
	limit, ok := l.limits.ForAction(action)
	if !ok {
		return 0, ErrConfigMissing
	}
	return l.store.Count(ctx, WindowKey(action, id.Hash), l.nowFn().Add(-limit.Window))
}

// ResetAction clears the window counter for one (identifier, action) pair.
func (l *Limiter) ResetAction(ctx context.Context, id models.Identity, action string) error {
	return l.store.Reset(ctx, WindowKey(action, id.Hash))
}
