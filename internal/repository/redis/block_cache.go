package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/client"
	"abuse-shield/internal/models"
	"abuse-shield/internal/util"
)

const activeBlockPrefix = "active_block:"

// BlockCache keeps active block records in Redis so the hot path never
// touches ScyllaDB. Entries expire with the block itself.
type BlockCache struct {
	client *client.RedisClient
}

func NewBlockCache(client *client.RedisClient) *BlockCache {
	return &BlockCache{client: client}
}

// Get returns the cached block for an identifier hash, or nil on a miss.
func (c *BlockCache) Get(ctx context.Context, identifierHash string) (*models.BlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, activeBlockPrefix+identifierHash)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("block cache lookup: %w", err)
	}

	var record models.BlockRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		// A corrupt entry must not wedge the identifier; drop it and
		// fall through to the repository.
		util.Warn("Dropping corrupt block cache entry",
			zap.String("identifierHash", identifierHash),
			zap.Error(err))
		_ = c.client.Del(ctx, activeBlockPrefix+identifierHash)
		return nil, nil
	}

	return &record, nil
}

// Set caches a block record with a TTL matching its remaining lifetime.
func (c *BlockCache) Set(ctx context.Context, record *models.BlockRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal block record: %w", err)
	}

	if err := c.client.Set(ctx, activeBlockPrefix+record.IdentifierHash, data, ttl); err != nil {
		return fmt.Errorf("cache block record: %w", err)
	}

	return nil
}

// Del removes a cached block, used when an admin lifts the block early.
func (c *BlockCache) Del(ctx context.Context, identifierHash string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, activeBlockPrefix+identifierHash); err != nil {
		return fmt.Errorf("evict block record: %w", err)
	}
	return nil
}
