package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"abuse-shield/internal/audit"
	"abuse-shield/internal/util"
)

// KeyStatser is implemented by counter stores that can report live key
// counts. The in-process fallback store does not.
type KeyStatser interface {
	KeyStats(ctx context.Context) (map[string]int, error)
}

// GetIdentifierEvents returns the most recent audit events for one
// identifier from Elasticsearch, newest first.
func (s *GuardService) GetIdentifierEvents(ctx context.Context, identifier string, size int) ([]audit.Event, error) {
	if s.esClient == nil {
		return nil, fmt.Errorf("event search unavailable: elasticsearch not configured")
	}

	id, err := s.resolveIdentity(identifier)
	if err != nil {
		return nil, err
	}

	if size <= 0 || size > 200 {
		size = 50
	}

	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"identifier_hash": id.Hash,
			},
		},
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
	}

	res, err := s.esClient.Search(ctx, s.config.Elasticsearch.EventIndex, query)
	if err != nil {
		return nil, fmt.Errorf("search identifier events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search identifier events: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source audit.Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.esClient.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("parse event search response: %w", err)
	}

	events := make([]audit.Event, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}

	return events, nil
}

// OutcomeCount is one row of the stats breakdown.
type OutcomeCount struct {
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Count   uint64 `json:"count"`
}

// Stats is the admin overview: decision counts from ClickHouse over a recent
// window plus live key counts from the counter store.
type Stats struct {
	Since     time.Time      `json:"since"`
	Outcomes  []OutcomeCount `json:"outcomes"`
	LiveKeys  map[string]int `json:"live_keys,omitempty"`
	AuditLoss int64          `json:"audit_events_dropped"`
}

const statsQuery = `
    SELECT action, outcome, count() AS total
    FROM limit_events
    WHERE created_at >= ?
    GROUP BY action, outcome
    ORDER BY total DESC`

// GetStats aggregates recent decision counts. Live key counts are best
// effort: the store being unreadable degrades the response, not fails it.
func (s *GuardService) GetStats(ctx context.Context, window time.Duration) (*Stats, error) {
	if s.chClient == nil {
		return nil, fmt.Errorf("stats unavailable: clickhouse not configured")
	}

	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().UTC().Add(-window)

	rows, err := s.chClient.QueryRows(ctx, statsQuery, since)
	if err != nil {
		return nil, fmt.Errorf("query decision stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		Since:     since,
		AuditLoss: s.auditLog.Dropped(),
	}

	for rows.Next() {
		var row OutcomeCount
		if err := rows.Scan(&row.Action, &row.Outcome, &row.Count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Outcomes = append(stats.Outcomes, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats rows: %w", err)
	}

	if statser, ok := s.store.(KeyStatser); ok {
		keys, err := statser.KeyStats(ctx)
		if err != nil {
			util.Warn("Live key stats unavailable", zap.Error(err))
		} else {
			stats.LiveKeys = keys
		}
	}

	return stats, nil
}
