package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"abuse-shield/internal/client"
	"abuse-shield/internal/util"
)

const windowPrefix = "window:"

// recordIfAllowedScript prunes expired entries, counts the remainder, and
// appends the new entry only when the count is under the limit. Running it
// as a single Lua script keeps the check-and-record atomic per key.
const recordIfAllowedScript = `
    local key = KEYS[1]
    local now = tonumber(ARGV[1])
    local window_start = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])
    local ttl = tonumber(ARGV[4])
    local member = ARGV[5]

    redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. window_start)

    local current = redis.call('ZCARD', key)
    if current < limit then
        redis.call('ZADD', key, now, member)
        redis.call('EXPIRE', key, ttl)
        return {1, current + 1}
    else
        return {0, current}
    end
`

const recordScript = `
    local key = KEYS[1]
    local now = tonumber(ARGV[1])
    local window_start = tonumber(ARGV[2])
    local ttl = tonumber(ARGV[3])
    local member = ARGV[4]

    redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. window_start)
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, ttl)
    return redis.call('ZCARD', key)
`

// CounterStore is the distributed counter store: one sorted set per
// (identifier, action) key, scored by attempt timestamp in milliseconds.
type CounterStore struct {
	client *client.RedisClient
}

func NewCounterStore(client *client.RedisClient) *CounterStore {
	return &CounterStore{client: client}
}

func (s *CounterStore) RecordIfAllowed(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nowMs := now.UnixMilli()
	windowStart := now.Add(-window).UnixMilli()
	ttl := int(window.Seconds()) + 1
	member := entryMember(nowMs)

	result, err := s.client.Eval(ctx, recordIfAllowedScript, []string{windowPrefix + key},
		nowMs, windowStart, limit, ttl, member)
	if err != nil {
		util.Error("Failed to execute sliding window check",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("sliding window check: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	recorded := resultSlice[0].(int64) == 1
	count := int(resultSlice[1].(int64))

	util.Debug("Sliding window check",
		zap.String("key", key),
		zap.Bool("recorded", recorded),
		zap.Int("count", count),
		zap.Int("limit", limit))

	return recorded, count, nil
}

func (s *CounterStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nowMs := now.UnixMilli()
	windowStart := now.Add(-window).UnixMilli()
	ttl := int(window.Seconds()) + 1

	_, err := s.client.Eval(ctx, recordScript, []string{windowPrefix + key},
		nowMs, windowStart, ttl, entryMember(nowMs))
	if err != nil {
		util.Error("Failed to record window entry",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("record window entry: %w", err)
	}

	return nil
}

func (s *CounterStore) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := s.client.ZCount(ctx, windowPrefix+key,
		strconv.FormatInt(windowStart.UnixMilli(), 10), "+inf")
	if err != nil {
		return 0, fmt.Errorf("count window entries: %w", err)
	}
	return int(count), nil
}

func (s *CounterStore) LastAttempt(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries, err := s.client.ZRevRangeWithScores(ctx, windowPrefix+key, 0, 0)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last attempt lookup: %w", err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}

	return time.UnixMilli(int64(entries[0].Score)), true, nil
}

func (s *CounterStore) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = windowPrefix + key
	}

	if err := s.client.Del(ctx, prefixed...); err != nil {
		util.Error("Failed to reset window counters",
			zap.Strings("keys", keys),
			zap.Error(err))
		return fmt.Errorf("reset window counters: %w", err)
	}

	util.Debug("Window counters reset", zap.Strings("keys", keys))
	return nil
}

// KeyStats reports how many window and active-block keys currently live in
// Redis; the admin stats endpoint surfaces it.
func (s *CounterStore) KeyStats(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	stats := make(map[string]int)
	patterns := map[string]string{
		"windows":       windowPrefix + "*",
		"active_blocks": activeBlockPrefix + "*",
	}

	for name, pattern := range patterns {
		keys, _, err := s.client.Scan(ctx, 0, pattern, 1000)
		if err != nil {
			util.Warn("Failed to scan keys for stats",
				zap.String("pattern", pattern),
				zap.Error(err))
			stats[name] = 0
			continue
		}
		stats[name] = len(keys)
	}

	return stats, nil
}

// entryMember builds a unique sorted-set member: same-millisecond attempts
// must not collapse into one entry.
func entryMember(nowMs int64) string {
	return fmt.Sprintf("%d:%s", nowMs, uuid.NewString()[:8])
}
