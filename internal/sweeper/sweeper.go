package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/blocklist"
	"abuse-shield/internal/bucketing"
	"abuse-shield/internal/client"
	"abuse-shield/internal/config"
	"abuse-shield/internal/util"
)

const sweepPageSize = 500

// Sweeper walks block buckets on a timer and deactivates rows whose expiry
// has passed, so listings and lookups do not keep paying for dead blocks.
// It also trims old ClickHouse event rows past the retention horizon.
type Sweeper struct {
	blocks   blocklist.BlockRepository
	cache    blocklist.BlockCache
	buckets  *bucketing.BucketingManager
	chClient *client.ClickHouseClient
	cfg      config.SweeperConfig
	nowFn    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(blocks blocklist.BlockRepository, cache blocklist.BlockCache, buckets *bucketing.BucketingManager, chClient *client.ClickHouseClient, cfg config.SweeperConfig) *Sweeper {
	return &Sweeper{
		blocks:   blocks,
		cache:    cache,
		buckets:  buckets,
		chClient: chClient,
		cfg:      cfg,
		nowFn:    time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. A first sweep runs after one full interval,
// not at startup, so boot stays fast.
func (s *Sweeper) Start() {
	go s.run()
	util.Info("Sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("event_retention", s.cfg.EventRetention))
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	now := s.nowFn()
	deactivated := 0

	for bucket := 0; bucket < s.buckets.GetBlockBuckets(); bucket++ {
		var pageState []byte
		for {
			records, nextPage, err := s.blocks.ListBlocks(ctx, bucket, sweepPageSize, pageState)
			if err != nil {
				util.Warn("Sweep of block bucket failed",
					zap.Int("bucket", bucket),
					zap.Error(err))
				break
			}

			for _, record := range records {
				if !record.IsActive || !record.Expired(now) {
					continue
				}
				if err := s.blocks.DeactivateBlock(ctx, bucket, record.IdentifierHash, "system:sweeper", now); err != nil {
					util.Warn("Failed to deactivate expired block",
						zap.String("identifier_hash", record.IdentifierHash),
						zap.Error(err))
					continue
				}
				_ = s.cache.Del(ctx, record.IdentifierHash)
				deactivated++
			}

			if len(nextPage) == 0 {
				break
			}
			pageState = nextPage
		}
	}

	if deactivated > 0 {
		util.Info("Sweep deactivated expired blocks", zap.Int("count", deactivated))
	}

	s.purgeEvents(ctx, now)
}

func (s *Sweeper) purgeEvents(ctx context.Context, now time.Time) {
	if s.chClient == nil {
		return
	}

	horizon := now.Add(-s.cfg.EventRetention).UTC()
	err := s.chClient.Exec(ctx,
		`ALTER TABLE limit_events DELETE WHERE created_at < ?`, horizon)
	if err != nil {
		util.Warn("Failed to purge old audit events",
			zap.Time("horizon", horizon),
			zap.Error(err))
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}
