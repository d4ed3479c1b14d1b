package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"abuse-shield/internal/models"
	"abuse-shield/internal/util"
)

var ErrBlockNotFound = errors.New("block record not found")

// BlockRepository persists block records. The table is keyed by
// (bucket, identifier_hash): one row per identifier, so a repeat breach
// extends the existing row instead of stacking new ones. Block history lives
// in the audit stores, not here.
type BlockRepository struct {
	client *ScyllaClient
}

func NewBlockRepository(client *ScyllaClient) *BlockRepository {
	return &BlockRepository{client: client}
}

// CreateBlock writes a fresh block record, replacing any previous row for
// the identifier.
func (r *BlockRepository) CreateBlock(ctx context.Context, record *models.BlockRecord) error {
	var unblockedAt interface{}
	if record.UnblockedAt != nil {
		unblockedAt = *record.UnblockedAt
	}

	err := r.client.Prepared.UpsertBlock.WithContext(ctx).Bind(
		record.Bucket, record.IdentifierHash, record.IdentifierEncrypted,
		record.EncryptedDEK, record.KeyID, record.Reason, record.Attempts,
		record.IsActive, record.CreatedAt, record.ExpiresAt,
		record.UnblockedBy, unblockedAt,
	).Exec()
	if err != nil {
		util.Error("Failed to create block record",
			zap.String("identifier_hash", record.IdentifierHash),
			zap.String("reason", record.Reason),
			zap.Error(err))
		return fmt.Errorf("failed to create block record: %w", err)
	}

	util.Info("Block record created",
		zap.String("identifier_hash", record.IdentifierHash),
		zap.String("reason", record.Reason),
		zap.Time("expires_at", record.ExpiresAt))

	return nil
}

// GetBlock returns the block row for an identifier regardless of whether it
// is active or expired. Callers decide what an expired row means.
func (r *BlockRepository) GetBlock(ctx context.Context, bucket int, identifierHash string) (*models.BlockRecord, error) {
	record := &models.BlockRecord{}
	var unblockedAt time.Time

	err := r.client.Prepared.GetBlock.WithContext(ctx).Bind(bucket, identifierHash).Scan(
		&record.Bucket, &record.IdentifierHash, &record.IdentifierEncrypted,
		&record.EncryptedDEK, &record.KeyID, &record.Reason, &record.Attempts,
		&record.IsActive, &record.CreatedAt, &record.ExpiresAt,
		&record.UnblockedBy, &unblockedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrBlockNotFound
		}
		util.Error("Failed to get block record",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get block record: %w", err)
	}

	if !unblockedAt.IsZero() {
		record.UnblockedAt = &unblockedAt
	}

	return record, nil
}

// ExtendBlock bumps the attempt count and pushes the expiry forward on a
// repeat breach.
func (r *BlockRepository) ExtendBlock(ctx context.Context, bucket int, identifierHash string, attempts int, expiresAt time.Time, reason string) error {
	err := r.client.Prepared.ExtendBlock.WithContext(ctx).Bind(
		attempts, expiresAt, reason, true, bucket, identifierHash,
	).Exec()
	if err != nil {
		util.Error("Failed to extend block record",
			zap.String("identifier_hash", identifierHash),
			zap.Error(err))
		return fmt.Errorf("failed to extend block record: %w", err)
	}

	util.Info("Block record extended",
		zap.String("identifier_hash", identifierHash),
		zap.Int("attempts", attempts),
		zap.Time("expires_at", expiresAt))

	return nil
}

// DeactivateBlock marks a block inactive. Used both by admin unblock and by
// the sweeper when an expired row is noticed.
func (r *BlockRepository) DeactivateBlock(ctx context.Context, bucket int, identifierHash, unblockedBy string, unblockedAt time.Time) error {
	err := r.client.Prepared.DeactivateBlock.WithContext(ctx).Bind(
		false, unblockedBy, unblockedAt, bucket, identifierHash,
	).Exec()
	if err != nil {
		util.Error("Failed to deactivate block record",
			zap.String("identifier_hash", identifierHash),
			zap.String("unblocked_by", unblockedBy),
			zap.Error(err))
		return fmt.Errorf("failed to deactivate block record: %w", err)
	}

	util.Info("Block record deactivated",
		zap.String("identifier_hash", identifierHash),
		zap.String("unblocked_by", unblockedBy))

	return nil
}

// ListBlocks pages through the rows of one bucket. pageState comes from the
// previous page's response; nil starts from the beginning.
func (r *BlockRepository) ListBlocks(ctx context.Context, bucket int, pageSize int, pageState []byte) ([]*models.BlockRecord, []byte, error) {
	query := r.client.Prepared.ListByBucket.WithContext(ctx).Bind(bucket).
		PageSize(pageSize).PageState(pageState)

	iter := query.Iter()

	var records []*models.BlockRecord
	for {
		record := &models.BlockRecord{}
		var unblockedAt time.Time

		if !iter.Scan(
			&record.Bucket, &record.IdentifierHash, &record.IdentifierEncrypted,
			&record.EncryptedDEK, &record.KeyID, &record.Reason, &record.Attempts,
			&record.IsActive, &record.CreatedAt, &record.ExpiresAt,
			&record.UnblockedBy, &unblockedAt,
		) {
			break
		}

		if !unblockedAt.IsZero() {
			record.UnblockedAt = &unblockedAt
		}
		records = append(records, record)
	}

	nextPageState := iter.PageState()
	if err := iter.Close(); err != nil {
		util.Error("Failed to list block records",
			zap.Int("bucket", bucket),
			zap.Error(err))
		return nil, nil, fmt.Errorf("failed to list block records: %w", err)
	}

	return records, nextPageState, nil
}
