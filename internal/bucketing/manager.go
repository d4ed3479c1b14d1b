package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"abuse-shield/internal/config"
)

// BucketingManager assigns identifiers to partition buckets so block records
// and events spread evenly across ScyllaDB partitions instead of hot-spotting
// a single row.
type BucketingManager struct {
	blockBuckets int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		blockBuckets: cfg.Bucketing.BlockBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetBlockBucket returns the consistent partition bucket for an identifier
// hash (0 to blockBuckets-1).
func (bm *BucketingManager) GetBlockBucket(identifierHash string) int {
	return bm.getBucket(identifierHash, bm.blockBuckets)
}

// GetEventBucket returns the bucket used when partitioning event rows.
func (bm *BucketingManager) GetEventBucket(identifierHash string) int {
	return bm.getBucket(identifierHash, bm.eventBuckets)
}

// GetDateBucket returns the UTC date bucket used for event partitioning.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (bm *BucketingManager) GetBlockBuckets() int {
	return bm.blockBuckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}
