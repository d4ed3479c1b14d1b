package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/audit"
	"abuse-shield/internal/blocklist"
	"abuse-shield/internal/client"
	"abuse-shield/internal/config"
	"abuse-shield/internal/crypto"
	"abuse-shield/internal/limiter"
	"abuse-shield/internal/models"
	"abuse-shield/internal/suspicion"
	"abuse-shield/internal/util"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnknownAction     = errors.New("unknown action")
)

// GuardService is the application layer: it normalizes and hashes raw
// identifiers, routes each check to the right engine, and emits audit events
// for every decision that matters.
type GuardService struct {
	limiter    *limiter.Limiter
	logins     *limiter.LoginTracker
	suspicion  *suspicion.Aggregator
	blocks     *blocklist.Manager
	hasher     *crypto.Hasher
	store      limiter.CounterStore
	auditLog   *audit.Logger
	esClient   *client.ESClient
	chClient   *client.ClickHouseClient
	config     *config.Config
}

func NewGuardService(
	lim *limiter.Limiter,
	logins *limiter.LoginTracker,
	susp *suspicion.Aggregator,
	blocks *blocklist.Manager,
	hasher *crypto.Hasher,
	store limiter.CounterStore,
	auditLog *audit.Logger,
	esClient *client.ESClient,
	chClient *client.ClickHouseClient,
	cfg *config.Config,
) *GuardService {
	return &GuardService{
		limiter:   lim,
		logins:    logins,
		suspicion: susp,
		blocks:    blocks,
		hasher:    hasher,
		store:     store,
		auditLog:  auditLog,
		esClient:  esClient,
		chClient:  chClient,
		config:    cfg,
	}
}

// resolveIdentity validates and normalizes a raw identifier and derives the
// peppered hash used as the store key.
func (s *GuardService) resolveIdentity(identifier string) (models.Identity, error) {
	normalized := util.NormalizeIdentifier(identifier)
	if !util.IsValidIdentifier(normalized) {
		return models.Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return models.Identity{
		Raw:  normalized,
		Hash: s.hasher.HashIdentifier(normalized),
	}, nil
}

// CheckAction runs the sliding-window check for any configured action.
func (s *GuardService) CheckAction(ctx context.Context, identifier, action string) (limiter.Decision, error) {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return limiter.Decision{}, err
	}

	if _, ok := s.config.Limits.ForAction(action); !ok {
		return limiter.Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	decision, err := s.limiter.Check(ctx, id, action)
	if err != nil {
		return decision, err
	}

	if !decision.Allowed {
		s.emitDecisionEvent(id.Hash, action, decision)
	}

	return decision, nil
}

// CheckOTPRateLimit gates OTP generation.
func (s *GuardService) CheckOTPRateLimit(ctx context.Context, identifier string) (limiter.Decision, error) {
	return s.CheckAction(ctx, identifier, config.ActionOTPGeneration)
}

// CheckPasswordReset gates password-reset requests.
func (s *GuardService) CheckPasswordReset(ctx context.Context, identifier string) (limiter.Decision, error) {
	return s.CheckAction(ctx, identifier, config.ActionPasswordReset)
}

// CheckEmailVerification gates verification-mail sends.
func (s *GuardService) CheckEmailVerification(ctx context.Context, identifier string) (limiter.Decision, error) {
	return s.CheckAction(ctx, identifier, config.ActionEmailVerification)
}

// CheckLoginAttempt asks whether a login may proceed right now, applying the
// exponential backoff gate derived from recent failures.
func (s *GuardService) CheckLoginAttempt(ctx context.Context, identifier string) (limiter.LoginDecision, error) {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return limiter.LoginDecision{}, err
	}

	decision, err := s.logins.Allow(ctx, id)
	if err != nil {
		return decision, err
	}

	if !decision.Allowed {
		event := audit.NewEvent(id.Hash, config.ActionLoginAttempts, loginOutcome(decision))
		event.Count = int32(decision.Failures)
		event.Limit = int32(s.loginLimit().MaxRequests)
		event.Reason = "login attempt gated"
		s.auditLog.Emit(event)
	}

	return decision, nil
}

// RecordLoginFailure records one failed credential check and reports the new
// failure state, blocking the identifier once failures reach the limit.
func (s *GuardService) RecordLoginFailure(ctx context.Context, identifier string) (limiter.LoginDecision, error) {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return limiter.LoginDecision{}, err
	}

	decision, err := s.logins.RecordFailure(ctx, id)
	if err != nil {
		return decision, err
	}

	if decision.IsBlocked {
		event := audit.NewEvent(id.Hash, config.ActionLoginAttempts, audit.OutcomeBlocked)
		event.Count = int32(decision.Failures)
		event.Limit = int32(s.loginLimit().MaxRequests)
		event.Reason = "too many login failures"
		s.auditLog.Emit(event)
	}

	return decision, nil
}

// ResetLoginFailures clears the failure window after a successful login.
func (s *GuardService) ResetLoginFailures(ctx context.Context, identifier string) error {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return err
	}
	return s.logins.Reset(ctx, id)
}

// CheckSuspiciousActivity scores the identifier across signals and blocks it
// when the combined score crosses the threshold.
func (s *GuardService) CheckSuspiciousActivity(ctx context.Context, identifier string) (*suspicion.Result, error) {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return nil, err
	}

	result, err := s.suspicion.Check(ctx, id)
	if err != nil {
		return nil, err
	}

	if result.Suspicious {
		outcome := audit.OutcomeFlagged
		if result.Blocked {
			outcome = audit.OutcomeBlocked
		}
		event := audit.NewEvent(id.Hash, config.ActionSuspiciousActivity, outcome)
		event.Count = int32(result.Score)
		event.Limit = int32(result.Threshold)
		event.Reason = "aggregate suspicion score crossed threshold"
		s.auditLog.Emit(event)
	}

	return result, nil
}

// UnblockIdentifier lifts an active block and clears the identifier's
// counters so it starts over with a fresh window. Returns false when there
// was no active block to lift.
func (s *GuardService) UnblockIdentifier(ctx context.Context, identifier, adminID string) (bool, error) {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return false, err
	}

	lifted, err := s.blocks.Unblock(ctx, id.Hash, adminID)
	if err != nil {
		return false, fmt.Errorf("unblock identifier: %w", err)
	}
	if !lifted {
		return false, nil
	}

	// A lifted block means a fresh start: stale counters would re-block
	// the identifier on its first request.
	keys := []string{limiter.HitKey(id.Hash)}
	for action := range s.config.Limits.Actions {
		keys = append(keys, limiter.WindowKey(action, id.Hash), limiter.SignalKey(action, id.Hash))
	}
	if err := s.store.Reset(ctx, keys...); err != nil {
		util.Warn("Failed to reset counters after unblock",
			zap.String("identifier_hash", id.Hash),
			zap.Error(err))
	}

	event := audit.NewEvent(id.Hash, config.ActionSuspiciousActivity, audit.OutcomeUnblocked)
	event.ActorID = adminID
	event.Reason = "block lifted by admin"
	s.auditLog.Emit(event)

	return true, nil
}

// BlockedIdentifier is the admin view of one active block.
type BlockedIdentifier struct {
	Identifier string    `json:"identifier,omitempty"`
	Hash       string    `json:"identifier_hash"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// GetBlockStatus returns the active block for one identifier, or nil when it
// is not blocked.
func (s *GuardService) GetBlockStatus(ctx context.Context, identifier string) (*BlockedIdentifier, error) {
	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return nil, err
	}

	record, err := s.blocks.IsBlocked(ctx, id.Hash)
	if err != nil {
		return nil, fmt.Errorf("block status lookup: %w", err)
	}
	if record == nil {
		return nil, nil
	}

	entry := &BlockedIdentifier{
		Hash:      record.IdentifierHash,
		Reason:    record.Reason,
		Attempts:  record.Attempts,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}
	if raw, err := s.blocks.DecryptIdentifier(ctx, record); err != nil {
		util.Warn("Failed to decrypt identifier for block status",
			zap.String("identifier_hash", record.IdentifierHash),
			zap.Error(err))
	} else {
		entry.Identifier = raw
	}

	return entry, nil
}

// ListBlockedIdentifiers pages through one bucket's active blocks. Raw
// identifiers are decrypted for the admin response; a record whose
// decryption fails is returned hash-only rather than omitted.
func (s *GuardService) ListBlockedIdentifiers(ctx context.Context, bucket, pageSize int, pageState []byte) ([]BlockedIdentifier, []byte, error) {
	records, nextPage, err := s.blocks.ListActive(ctx, bucket, pageSize, pageState)
	if err != nil {
		return nil, nil, err
	}

	out := make([]BlockedIdentifier, 0, len(records))
	for _, record := range records {
		entry := BlockedIdentifier{
			Hash:      record.IdentifierHash,
			Reason:    record.Reason,
			Attempts:  record.Attempts,
			CreatedAt: record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		}
		if raw, err := s.blocks.DecryptIdentifier(ctx, record); err != nil {
			util.Warn("Failed to decrypt identifier for admin listing",
				zap.String("identifier_hash", record.IdentifierHash),
				zap.Error(err))
		} else {
			entry.Identifier = raw
		}
		out = append(out, entry)
	}

	return out, nextPage, nil
}

func (s *GuardService) emitDecisionEvent(identifierHash, action string, decision limiter.Decision) {
	outcome := audit.OutcomeDenied
	if decision.IsBlocked {
		outcome = audit.OutcomeBlocked
	}

	limit, _ := s.config.Limits.ForAction(action)

	event := audit.NewEvent(identifierHash, action, outcome)
	event.Count = int32(decision.CurrentCount)
	event.Limit = int32(limit.MaxRequests)
	event.Reason = "rate limit exceeded"
	s.auditLog.Emit(event)
}

func (s *GuardService) loginLimit() config.ActionLimit {
	limit, _ := s.config.Limits.ForAction(config.ActionLoginAttempts)
	return limit
}

func loginOutcome(decision limiter.LoginDecision) string {
	if decision.IsBlocked {
		return audit.OutcomeBlocked
	}
	return audit.OutcomeDenied
}
