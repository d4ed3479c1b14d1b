package blocklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/bucketing"
	"abuse-shield/internal/crypto"
	"abuse-shield/internal/models"
	"abuse-shield/internal/repository/scylla"
	"abuse-shield/internal/util"
)

// BlockRepository is what the manager needs from the persistence layer.
type BlockRepository interface {
	CreateBlock(ctx context.Context, record *models.BlockRecord) error
	GetBlock(ctx context.Context, bucket int, identifierHash string) (*models.BlockRecord, error)
	ExtendBlock(ctx context.Context, bucket int, identifierHash string, attempts int, expiresAt time.Time, reason string) error
	DeactivateBlock(ctx context.Context, bucket int, identifierHash, unblockedBy string, unblockedAt time.Time) error
	ListBlocks(ctx context.Context, bucket int, pageSize int, pageState []byte) ([]*models.BlockRecord, []byte, error)
}

// BlockCache caches active blocks in front of the repository.
type BlockCache interface {
	Get(ctx context.Context, identifierHash string) (*models.BlockRecord, error)
	Set(ctx context.Context, record *models.BlockRecord) error
	Del(ctx context.Context, identifierHash string) error
}

// Encryptor seals raw identifiers before they hit the repository.
type Encryptor interface {
	EncryptIdentifier(ctx context.Context, identifier string) (*crypto.EncryptedIdentifier, error)
	DecryptIdentifier(ctx context.Context, enc *crypto.EncryptedIdentifier) (string, error)
}

// ErrBlockPersistence marks a failure to write a block record. The attempt
// that triggered the block is still denied; the identifier just stays
// unblocked for later attempts.
var ErrBlockPersistence = errors.New("block persistence failed")

// Manager owns the deny-list: one active block per identifier, extended on
// repeat breaches, lifted early only by an admin.
type Manager struct {
	repo      BlockRepository
	cache     BlockCache
	encryptor Encryptor
	buckets   *bucketing.BucketingManager
	nowFn     func() time.Time
}

func NewManager(repo BlockRepository, cache BlockCache, encryptor Encryptor, buckets *bucketing.BucketingManager) *Manager {
	return &Manager{
		repo:      repo,
		cache:     cache,
		encryptor: encryptor,
		buckets:   buckets,
		nowFn:     time.Now,
	}
}

// IsBlocked returns the active block record for an identifier hash, or nil
// when none exists. The cache is consulted first; an expired repository row
// is lazily deactivated so later reads stay cheap.
func (m *Manager) IsBlocked(ctx context.Context, identifierHash string) (*models.BlockRecord, error) {
	now := m.nowFn()

	cached, err := m.cache.Get(ctx, identifierHash)
	if err != nil {
		util.Warn("Block cache lookup failed, falling back to repository",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
	} else if cached != nil {
		if cached.IsActive && !cached.Expired(now) {
			return cached, nil
		}
		// Cache TTL should have evicted this already; drop it.
		_ = m.cache.Del(ctx, identifierHash)
	}

	bucket := m.buckets.GetBlockBucket(identifierHash)
	record, err := m.repo.GetBlock(ctx, bucket, identifierHash)
	if err != nil {
		if errors.Is(err, scylla.ErrBlockNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("block lookup: %w", err)
	}

	if !record.IsActive {
		return nil, nil
	}

	if record.Expired(now) {
		// Expired rows are swept in the background; deactivating here
		// just keeps this identifier from paying for the lookup again.
		if err := m.repo.DeactivateBlock(ctx, bucket, identifierHash, "system:expiry", now); err != nil {
			util.Warn("Failed to deactivate expired block",
				zap.String("identifier_hash", identifierHash),
				zap.Error(err))
		}
		return nil, nil
	}

	if err := m.cache.Set(ctx, record); err != nil {
		util.Warn("Failed to cache block record",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
	}

	return record, nil
}

// Block creates an active block for the identifier, or extends the existing
// one when the identifier breaches again while already blocked. Exactly one
// active record exists per identifier at any time.
func (m *Manager) Block(ctx context.Context, id models.Identity, reason string, duration time.Duration) (*models.BlockRecord, error) {
	now := m.nowFn()
	bucket := m.buckets.GetBlockBucket(id.Hash)

	existing, err := m.repo.GetBlock(ctx, bucket, id.Hash)
	if err != nil && !errors.Is(err, scylla.ErrBlockNotFound) {
		return nil, fmt.Errorf("block lookup before create: %w", err)
	}

	if existing != nil && existing.IsActive && !existing.Expired(now) {
		existing.Attempts++
		existing.ExpiresAt = now.Add(duration)
		existing.Reason = reason
		if err := m.repo.ExtendBlock(ctx, bucket, id.Hash, existing.Attempts, existing.ExpiresAt, reason); err != nil {
			return nil, fmt.Errorf("%w: extend: %v", ErrBlockPersistence, err)
		}
		if err := m.cache.Set(ctx, existing); err != nil {
			util.Warn("Failed to cache extended block",
				zap.String("identifier_hash", id.Hash),
				zap.Error(err))
		}
		return existing, nil
	}

	enc, err := m.encryptor.EncryptIdentifier(ctx, id.Raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt identifier for block: %w", err)
	}

	record := &models.BlockRecord{
		Bucket:              bucket,
		IdentifierHash:      id.Hash,
		IdentifierEncrypted: enc.EncryptedValue,
		EncryptedDEK:        enc.EncryptedDEK,
		KeyID:               enc.KeyID,
		Reason:              reason,
		Attempts:            1,
		IsActive:            true,
		CreatedAt:           now,
		ExpiresAt:           now.Add(duration),
	}

	if err := m.repo.CreateBlock(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrBlockPersistence, err)
	}

	if err := m.cache.Set(ctx, record); err != nil {
		util.Warn("Failed to cache new block",
			zap.String("identifier_hash", id.Hash),
			zap.Error(err))
	}

	return record, nil
}

// Unblock lifts an active block early. It reports whether a block was
// actually lifted so the caller can distinguish a no-op; calling it on an
// already-unblocked identifier is safe.
func (m *Manager) Unblock(ctx context.Context, identifierHash, adminID string) (bool, error) {
	now := m.nowFn()
	bucket := m.buckets.GetBlockBucket(identifierHash)

	record, err := m.repo.GetBlock(ctx, bucket, identifierHash)
	if err != nil {
		if errors.Is(err, scylla.ErrBlockNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("block lookup for unblock: %w", err)
	}

	if !record.IsActive || record.Expired(now) {
		_ = m.cache.Del(ctx, identifierHash)
		return false, nil
	}

	if err := m.repo.DeactivateBlock(ctx, bucket, identifierHash, adminID, now); err != nil {
		return false, fmt.Errorf("deactivate block: %w", err)
	}

	if err := m.cache.Del(ctx, identifierHash); err != nil {
		util.Warn("Failed to evict unblocked record from cache",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
	}

	util.Info("Block lifted by admin",
		zap.String("identifier_hash", identifierHash),
		zap.String("admin_id", adminID))

	return true, nil
}

// ListActive pages through a bucket's rows and returns only currently active
// blocks, with raw identifiers decrypted for the admin view.
func (m *Manager) ListActive(ctx context.Context, bucket, pageSize int, pageState []byte) ([]*models.BlockRecord, []byte, error) {
	now := m.nowFn()

	records, nextPage, err := m.repo.ListBlocks(ctx, bucket, pageSize, pageState)
	if err != nil {
		return nil, nil, fmt.Errorf("list blocks: %w", err)
	}

	active := make([]*models.BlockRecord, 0, len(records))
	for _, record := range records {
		if record.IsActive && !record.Expired(now) {
			active = append(active, record)
		}
	}

	return active, nextPage, nil
}

// DecryptIdentifier exposes the raw identifier of a block record for admin
// responses.
func (m *Manager) DecryptIdentifier(ctx context.Context, record *models.BlockRecord) (string, error) {
	return m.encryptor.DecryptIdentifier(ctx, &crypto.EncryptedIdentifier{
		EncryptedValue: record.IdentifierEncrypted,
		EncryptedDEK:   record.EncryptedDEK,
		KeyID:          record.KeyID,
	})
}
