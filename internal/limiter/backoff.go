package limiter

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/models"
	"abuse-shield/internal/util"
)

// LoginTracker gates login attempts behind an exponentially growing delay
// after repeated failures. The window counter is the single source of the
// failure count; the backoff delay is derived from that count plus the last
// failure timestamp, not from a second independent tracker. Once failures
// reach the configured maximum, the Block Manager takes over.
type LoginTracker struct {
	store  CounterStore
	blocks BlockManager
	limit  config.ActionLimit
	logger *zap.Logger
	nowFn  func() time.Time
}

// LoginDecision carries the backoff verdict for one login attempt.
type LoginDecision struct {
	Allowed       bool          `json:"allowed"`
	Failures      int           `json:"failures"`
	IsBlocked     bool          `json:"is_blocked"`
	RetryAfter    time.Duration `json:"-"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
}

// MarshalJSON emits RetryAfter as integer milliseconds on the wire.
func (d LoginDecision) MarshalJSON() ([]byte, error) {
	type plain LoginDecision
	return json.Marshal(struct {
		plain
		RetryAfterMS int64 `json:"retry_after_ms"`
	}{plain(d), d.RetryAfter.Milliseconds()})
}

func NewLoginTracker(store CounterStore, blocks BlockManager, limit config.ActionLimit, logger *zap.Logger) *LoginTracker {
	return &LoginTracker{
		store:  store,
		blocks: blocks,
		limit:  limit,
		logger: logger,
		nowFn:  time.Now,
	}
}

// BackoffDuration computes min(base^(attempts-1) * 1s, max). Zero attempts
// means no delay.
func BackoffDuration(base float64, attempts int, max time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	backoff := time.Duration(math.Pow(base, float64(attempts-1)) * float64(time.Second))
	if backoff > max || backoff < 0 {
		// Negative guards against float overflow at absurd attempt counts.
		return max
	}
	return backoff
}

// Allow reports whether a login attempt may proceed right now. It does not
// record anything; failures are recorded separately via RecordFailure so a
// successful login never counts against the identifier.
func (t *LoginTracker) Allow(ctx context.Context, id models.Identity) (LoginDecision, error) {
	now := t.nowFn()

	if record, err := t.blocks.IsBlocked(ctx, id.Hash); err != nil {
		t.logger.Error("block lookup failed during login check, failing open", util.ErrorField(err))
	} else if record != nil {
		return LoginDecision{
			Allowed:    false,
			IsBlocked:  true,
			Failures:   record.Attempts,
			RetryAfter: record.ExpiresAt.Sub(now),
		}, nil
	}

	key := WindowKey(config.ActionLoginAttempts, id.Hash)
	windowStart := now.Add(-t.limit.Window)

	failures, err := t.store.Count(ctx, key, windowStart)
	if err != nil {
		t.logger.Error("counter store unavailable during login check, failing open", util.ErrorField(err))
		return LoginDecision{Allowed: true}, nil
	}

	if failures == 0 {
		return LoginDecision{Allowed: true}, nil
	}

	if failures >= t.limit.MaxRequests {
		return LoginDecision{
			Allowed:    false,
			Failures:   failures,
			IsBlocked:  true,
			RetryAfter: t.limit.BlockDuration,
		}, nil
	}

	lastFailure, ok, err := t.store.LastAttempt(ctx, key)
	if err != nil {
		t.logger.Error("last attempt lookup failed, failing open", util.ErrorField(err))
		return LoginDecision{Allowed: true, Failures: failures}, nil
	}
	if !ok {
		return LoginDecision{Allowed: true}, nil
	}

	backoff := BackoffDuration(t.limit.BackoffBase, failures, t.limit.MaxBackoff)
	nextAttemptAt := lastFailure.Add(backoff)
	if now.Before(nextAttemptAt) {
		return LoginDecision{
			Allowed:       false,
			Failures:      failures,
			RetryAfter:    nextAttemptAt.Sub(now),
			NextAttemptAt: nextAttemptAt,
		}, nil
	}

	return LoginDecision{Allowed: true, Failures: failures, NextAttemptAt: nextAttemptAt}, nil
}

// RecordFailure registers a failed login. When failures reach the configured
// maximum the identifier is handed to the Block Manager.
func (t *LoginTracker) RecordFailure(ctx context.Context, id models.Identity) (LoginDecision, error) {
	now := t.nowFn()
	key := WindowKey(config.ActionLoginAttempts, id.Hash)

	if err := t.store.Record(ctx, key, now, t.limit.Window); err != nil {
		t.logger.Error("failed to record login failure, failing open", util.ErrorField(err))
		return LoginDecision{Allowed: true}, nil
	}

	// Long-horizon copy for the suspicion score: the login window prunes
	// entries minutes after they land. Best effort.
	if err := t.store.Record(ctx, SignalKey(config.ActionLoginAttempts, id.Hash), now, signalRetention); err != nil {
		t.logger.Debug("failed to record login-failure signal", util.ErrorField(err))
	}

	failures, err := t.store.Count(ctx, key, now.Add(-t.limit.Window))
	if err != nil {
		t.logger.Error("failure count unavailable after record", util.ErrorField(err))
		return LoginDecision{Allowed: true}, nil
	}

	decision := LoginDecision{
		Failures:      failures,
		NextAttemptAt: now.Add(BackoffDuration(t.limit.BackoffBase, failures, t.limit.MaxBackoff)),
	}

	if failures >= t.limit.MaxRequests {
		decision.IsBlocked = true
		decision.RetryAfter = t.limit.BlockDuration
		if record, err := t.blocks.Block(ctx, id, "too many login failures", t.limit.BlockDuration); err != nil {
			t.logger.Error("failed to persist login-failure block", util.ErrorField(err))
		} else {
			decision.RetryAfter = record.ExpiresAt.Sub(now)
		}
	}

	return decision, nil
}

// Reset clears login failures after a successful authentication.
func (t *LoginTracker) Reset(ctx context.Context, id models.Identity) error {
	return t.store.Reset(ctx, WindowKey(config.ActionLoginAttempts, id.Hash))
}
