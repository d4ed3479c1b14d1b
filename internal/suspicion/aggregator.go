package suspicion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/limiter"
	"abuse-shield/internal/models"
)

// Result is the aggregated verdict for one identifier.
type Result struct {
	Suspicious bool           `json:"suspicious"`
	Blocked    bool           `json:"blocked"`
	Score      int            `json:"score"`
	Threshold  int            `json:"threshold"`
	RetryAfter time.Duration  `json:"-"`
	Signals    map[string]int `json:"signals"`
}

// MarshalJSON emits RetryAfter as integer milliseconds on the wire.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	}{plain(r), r.RetryAfter.Milliseconds()})
}

// Aggregator scores an identifier's recent behavior across independent
// signals. No single action window may be breached, yet the combination
// (OTP churn plus login failures plus scattered denials) can still mark the
// identifier abusive and earn a long block.
type Aggregator struct {
	store   limiter.CounterStore
	blocks  limiter.BlockManager
	limit   config.ActionLimit
	weights config.SuspicionWeights
	logger  *zap.Logger
	nowFn   func() time.Time
}

func NewAggregator(store limiter.CounterStore, blocks limiter.BlockManager, limit config.ActionLimit, weights config.SuspicionWeights, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		blocks:  blocks,
		limit:   limit,
		weights: weights,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Check scores the identifier and blocks it when the score crosses the
// threshold. Signals that cannot be read count as zero: the aggregator is a
// safety net, so store trouble degrades it rather than denying traffic.
func (a *Aggregator) Check(ctx context.Context, id models.Identity) (*Result, error) {
	now := a.nowFn()
	windowStart := now.Add(-a.limit.Window)

	// An already-blocked identifier short-circuits scoring.
	if record, err := a.blocks.IsBlocked(ctx, id.Hash); err != nil {
		a.logger.Warn("Block lookup failed during suspicion check, continuing unblocked",
			zap.String("identifier_hash", id.Hash),
			zap.Error(err))
	} else if record != nil {
		return &Result{
			Suspicious: true,
			Blocked:    true,
			Threshold:  a.limit.MaxRequests,
			RetryAfter: record.ExpiresAt.Sub(now),
		}, nil
	}

	// Signals live in dedicated long-retention keys: the per-action window
	// keys the limiter counts against are pruned on every write, so they
	// never span this aggregation window.
	signals := map[string]int{
		"otp_requests":   a.countSignal(ctx, limiter.SignalKey(config.ActionOTPGeneration, id.Hash), windowStart),
		"login_failures": a.countSignal(ctx, limiter.SignalKey(config.ActionLoginAttempts, id.Hash), windowStart),
		"denials":        a.countSignal(ctx, limiter.HitKey(id.Hash), windowStart),
	}

	score := signals["otp_requests"]*a.weights.OTPRequests +
		signals["login_failures"]*a.weights.LoginFailures +
		signals["denials"]*a.weights.Denials

	result := &Result{
		Score:     score,
		Threshold: a.limit.MaxRequests,
		Signals:   signals,
	}

	if score < a.limit.MaxRequests {
		return result, nil
	}

	result.Suspicious = true

	reason := fmt.Sprintf("suspicious activity score %d (threshold %d)", score, a.limit.MaxRequests)
	record, err := a.blocks.Block(ctx, id, reason, a.limit.BlockDuration)
	if err != nil {
		// Persistence failed; deny this call but the identifier stays
		// unblocked for the next one.
		a.logger.Error("Failed to persist suspicion block",
			zap.String("identifier_hash", id.Hash),
			zap.Int("score", score),
			zap.Error(err))
		result.Blocked = true
		result.RetryAfter = a.limit.BlockDuration
		return result, nil
	}

	a.logger.Warn("Identifier blocked for suspicious activity",
		zap.String("identifier_hash", id.Hash),
		zap.Int("score", score),
		zap.Any("signals", signals),
		zap.Duration("block_duration", a.limit.BlockDuration))

	result.Blocked = true
	result.RetryAfter = record.ExpiresAt.Sub(now)
	return result, nil
}

func (a *Aggregator) countSignal(ctx context.Context, key string, windowStart time.Time) int {
	count, err := a.store.Count(ctx, key, windowStart)
	if err != nil {
		a.logger.Warn("Suspicion signal unavailable, counting as zero",
			zap.String("key", key),
			zap.Error(err))
		return 0
	}
	return count
}
