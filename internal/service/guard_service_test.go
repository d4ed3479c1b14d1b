package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/audit"
	"abuse-shield/internal/blocklist"
	"abuse-shield/internal/bucketing"
	"abuse-shield/internal/config"
	"abuse-shield/internal/crypto"
	"abuse-shield/internal/limiter"
	"abuse-shield/internal/models"
	"abuse-shield/internal/repository/scylla"
	"abuse-shield/internal/suspicion"
)

type memBlockRepo struct {
	mu      sync.Mutex
	records map[string]*models.BlockRecord
}

func newMemBlockRepo() *memBlockRepo {
	return &memBlockRepo{records: make(map[string]*models.BlockRecord)}
}

func repoKey(bucket int, hash string) string {
	return fmt.Sprintf("%d:%s", bucket, hash)
}

func (r *memBlockRepo) CreateBlock(_ context.Context, record *models.BlockRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *record
	r.records[repoKey(record.Bucket, record.IdentifierHash)] = &clone
	return nil
}

func (r *memBlockRepo) GetBlock(_ context.Context, bucket int, hash string) (*models.BlockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[repoKey(bucket, hash)]
	if !ok {
		return nil, scylla.ErrBlockNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *memBlockRepo) ExtendBlock(_ context.Context, bucket int, hash string, attempts int, expiresAt time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[repoKey(bucket, hash)]
	if !ok {
		return errors.New("block not found")
	}
	record.Attempts = attempts
	record.ExpiresAt = expiresAt
	record.Reason = reason
	record.IsActive = true
	return nil
}

func (r *memBlockRepo) DeactivateBlock(_ context.Context, bucket int, hash, unblockedBy string, unblockedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[repoKey(bucket, hash)]
	if !ok {
		return errors.New("block not found")
	}
	record.IsActive = false
	record.UnblockedBy = unblockedBy
	at := unblockedAt
	record.UnblockedAt = &at
	return nil
}

func (r *memBlockRepo) ListBlocks(_ context.Context, bucket, _ int, _ []byte) ([]*models.BlockRecord, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BlockRecord
	for _, record := range r.records {
		if record.Bucket == bucket {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil, nil
}

type memBlockCache struct {
	mu      sync.Mutex
	records map[string]*models.BlockRecord
}

func newMemBlockCache() *memBlockCache {
	return &memBlockCache{records: make(map[string]*models.BlockRecord)}
}

func (c *memBlockCache) Get(_ context.Context, hash string) (*models.BlockRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[hash], nil
}

func (c *memBlockCache) Set(_ context.Context, record *models.BlockRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.IdentifierHash] = record
	return nil
}

func (c *memBlockCache) Del(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, hash)
	return nil
}

type plainEncryptor struct{}

func (plainEncryptor) EncryptIdentifier(_ context.Context, identifier string) (*crypto.EncryptedIdentifier, error) {
	return &crypto.EncryptedIdentifier{
		EncryptedValue: "enc:" + identifier,
		EncryptedDEK:   "dek",
		KeyID:          "test-key",
	}, nil
}

func (plainEncryptor) DecryptIdentifier(_ context.Context, enc *crypto.EncryptedIdentifier) (string, error) {
	return strings.TrimPrefix(enc.EncryptedValue, "enc:"), nil
}

type captureSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, batch []*audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) outcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Outcome)
	}
	return out
}

type guardFixture struct {
	service *GuardService
	store   *limiter.MemoryStore
	blocks  *blocklist.Manager
	sink    *captureSink
	audit   *audit.Logger
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()

	cfg := &config.Config{
		Environment: "test",
		Bucketing:   config.BucketingConfig{BlockBuckets: 4, EventBuckets: 8},
		Limits: config.LimitsConfig{
			Actions: testActions(),
			Weights: config.SuspicionWeights{OTPRequests: 1, LoginFailures: 2, Denials: 3},
		},
	}

	store := limiter.NewMemoryStore()
	buckets := bucketing.NewBucketingManager(cfg)
	blocks := blocklist.NewManager(newMemBlockRepo(), newMemBlockCache(), plainEncryptor{}, buckets)

	logger := zap.NewNop()
	lim := limiter.NewLimiter(store, blocks, cfg.Limits, logger)

	loginLimit, _ := cfg.Limits.ForAction(config.ActionLoginAttempts)
	logins := limiter.NewLoginTracker(store, blocks, loginLimit, logger)

	suspLimit, _ := cfg.Limits.ForAction(config.ActionSuspiciousActivity)
	agg := suspicion.NewAggregator(store, blocks, suspLimit, cfg.Limits.Weights, logger)

	sink := &captureSink{}
	auditLog := audit.NewLogger(sink)
	t.Cleanup(auditLog.Close)

	hasher := crypto.NewHasher("test-pepper")
	svc := NewGuardService(lim, logins, agg, blocks, hasher, store, auditLog, nil, nil, cfg)

	return &guardFixture{service: svc, store: store, blocks: blocks, sink: sink, audit: auditLog}
}

func testActions() map[string]config.ActionLimit {
	return map[string]config.ActionLimit{
		config.ActionOTPGeneration: {
			Window:        5 * time.Minute,
			MaxRequests:   3,
			BlockDuration: 15 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    10 * time.Minute,
		},
		config.ActionLoginAttempts: {
			Window:        15 * time.Minute,
			MaxRequests:   5,
			BlockDuration: 30 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    2 * time.Hour,
		},
		config.ActionPasswordReset: {
			Window:        time.Hour,
			MaxRequests:   3,
			BlockDuration: time.Hour,
			BackoffBase:   2,
			MaxBackoff:    time.Hour,
		},
		config.ActionEmailVerification: {
			Window:        time.Hour,
			MaxRequests:   5,
			BlockDuration: 30 * time.Minute,
			BackoffBase:   2,
			MaxBackoff:    time.Hour,
		},
		config.ActionSuspiciousActivity: {
			Window:        time.Hour,
			MaxRequests:   10,
			BlockDuration: 24 * time.Hour,
			BackoffBase:   3,
			MaxBackoff:    24 * time.Hour,
		},
	}
}

func TestGuardServiceRejectsInvalidIdentifier(t *testing.T) {
	fx := newGuardFixture(t)

	_, err := fx.service.CheckOTPRateLimit(context.Background(), "not an identifier")
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestGuardServiceRejectsUnknownAction(t *testing.T) {
	fx := newGuardFixture(t)

	_, err := fx.service.CheckAction(context.Background(), "+15551230001", "CARD_SWIPE")
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestGuardServiceOTPWindow(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()
	identifier := "+15551230002"

	for i := 0; i < 3; i++ {
		decision, err := fx.service.CheckOTPRateLimit(ctx, identifier)
		if err != nil {
			t.Fatalf("check %d failed: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("check %d should be allowed: %+v", i+1, decision)
		}
	}

	decision, err := fx.service.CheckOTPRateLimit(ctx, identifier)
	if err != nil {
		t.Fatalf("fourth check failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("fourth OTP request should be denied")
	}
	if !decision.IsBlocked {
		t.Fatal("exhausting the window should block the identifier")
	}
	if decision.RetryAfter < 15*time.Minute-time.Second || decision.RetryAfter > 15*time.Minute+time.Second {
		t.Fatalf("expected ~15m retry hint, got %v", decision.RetryAfter)
	}
}

func TestGuardServiceNormalizesEquivalentIdentifiers(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()

	// The formatted and bare renderings are the same phone number and must
	// share one window.
	if _, err := fx.service.CheckOTPRateLimit(ctx, "+1 (555) 123-0003"); err != nil {
		t.Fatalf("formatted check failed: %v", err)
	}
	decision, err := fx.service.CheckOTPRateLimit(ctx, "+15551230003")
	if err != nil {
		t.Fatalf("bare check failed: %v", err)
	}
	if decision.CurrentCount != 2 {
		t.Fatalf("expected shared window count 2, got %d", decision.CurrentCount)
	}
}

func TestGuardServiceUnblockRestoresAccess(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()
	identifier := "+15551230004"

	// Exhaust the OTP window and confirm the identifier is blocked.
	for i := 0; i < 4; i++ {
		if _, err := fx.service.CheckOTPRateLimit(ctx, identifier); err != nil {
			t.Fatalf("setup check failed: %v", err)
		}
	}
	decision, err := fx.service.CheckOTPRateLimit(ctx, identifier)
	if err != nil {
		t.Fatalf("blocked check failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("identifier should still be blocked")
	}

	lifted, err := fx.service.UnblockIdentifier(ctx, identifier, "admin-1")
	if err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if !lifted {
		t.Fatal("expected an active block to be lifted")
	}

	// Counters were reset along with the block, so the next request starts
	// a fresh window.
	decision, err = fx.service.CheckOTPRateLimit(ctx, identifier)
	if err != nil {
		t.Fatalf("post-unblock check failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected fresh window after unblock, got %+v", decision)
	}
	if decision.CurrentCount != 1 {
		t.Fatalf("expected count 1 after reset, got %d", decision.CurrentCount)
	}
}

func TestGuardServiceUnblockWithoutActiveBlock(t *testing.T) {
	fx := newGuardFixture(t)

	lifted, err := fx.service.UnblockIdentifier(context.Background(), "+15551230005", "admin-1")
	if err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if lifted {
		t.Fatal("nothing to lift for a clean identifier")
	}
}

func TestGuardServiceLoginFailureEscalation(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()
	identifier := "student@school.edu"

	var last limiter.LoginDecision
	var err error
	for i := 0; i < 5; i++ {
		last, err = fx.service.RecordLoginFailure(ctx, identifier)
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	if !last.IsBlocked {
		t.Fatalf("fifth failure should block: %+v", last)
	}
	if last.RetryAfter < 30*time.Minute-time.Second || last.RetryAfter > 30*time.Minute+time.Second {
		t.Fatalf("expected ~30m block, got %v", last.RetryAfter)
	}

	decision, err := fx.service.CheckLoginAttempt(ctx, identifier)
	if err != nil {
		t.Fatalf("check login failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("blocked identifier must not be allowed to log in")
	}
}

func TestGuardServiceLoginResetClearsBackoff(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()
	identifier := "teacher@school.edu"

	for i := 0; i < 3; i++ {
		if _, err := fx.service.RecordLoginFailure(ctx, identifier); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	if err := fx.service.ResetLoginFailures(ctx, identifier); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	decision, err := fx.service.CheckLoginAttempt(ctx, identifier)
	if err != nil {
		t.Fatalf("check login failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected clean slate after reset, got %+v", decision)
	}
	if decision.Failures != 0 {
		t.Fatalf("expected zero failures after reset, got %d", decision.Failures)
	}
}

func TestGuardServiceSuspicionAcrossSignals(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()
	identifier := "+15551230007"

	// No single window is breached: 4 of 5 login failures and 2 of 3 OTP
	// requests. The weighted combination still crosses the threshold
	// (4*2 + 2*1 = 10).
	for i := 0; i < 4; i++ {
		if _, err := fx.service.RecordLoginFailure(ctx, identifier); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	for i := 0; i < 2; i++ {
		decision, err := fx.service.CheckOTPRateLimit(ctx, identifier)
		if err != nil {
			t.Fatalf("otp check %d: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("otp check %d should be allowed", i+1)
		}
	}

	result, err := fx.service.CheckSuspiciousActivity(ctx, identifier)
	if err != nil {
		t.Fatalf("suspicion check failed: %v", err)
	}
	if !result.Blocked {
		t.Fatalf("expected combined signals to block, got %+v", result)
	}
	if result.Score != 10 {
		t.Fatalf("expected score 10, got %d", result.Score)
	}

	// The block is now visible to every other check path.
	decision, err := fx.service.CheckOTPRateLimit(ctx, identifier)
	if err != nil {
		t.Fatalf("post-block otp check failed: %v", err)
	}
	if decision.Allowed || !decision.IsBlocked {
		t.Fatalf("expected blocked identifier, got %+v", decision)
	}
}

func TestGuardServiceEmitsDenialEvents(t *testing.T) {
	fx := newGuardFixture(t)
	ctx := context.Background()
	identifier := "+15551230006"

	for i := 0; i < 4; i++ {
		if _, err := fx.service.CheckOTPRateLimit(ctx, identifier); err != nil {
			t.Fatalf("check %d failed: %v", i+1, err)
		}
	}

	fx.audit.Close()

	outcomes := fx.sink.outcomes()
	if len(outcomes) != 1 {
		t.Fatalf("expected exactly one audit event, got %d (%v)", len(outcomes), outcomes)
	}
	if outcomes[0] != audit.OutcomeBlocked {
		t.Fatalf("expected BLOCKED outcome, got %s", outcomes[0])
	}
}
