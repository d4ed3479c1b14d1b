package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"abuse-shield/internal/client"
)

// Sink receives event batches. Sinks must tolerate duplicate delivery: a
// batch that fails on one sink is not retried on the others.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []*Event) error
}

// kafkaSink publishes each event as a JSON message keyed by identifier hash
// so all events for one identifier land in the same partition.
type kafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) Sink {
	return &kafkaSink{producer: producer, topic: topic}
}

func (s *kafkaSink) Name() string { return "kafka" }

func (s *kafkaSink) Write(ctx context.Context, events []*Event) error {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		headers := map[string]string{
			"event_type": event.Outcome,
			"action":     event.Action,
		}
		if err := s.producer.ProduceMessage(ctx, s.topic, []byte(event.IdentifierHash), payload, headers); err != nil {
			return fmt.Errorf("produce audit event: %w", err)
		}
	}
	return nil
}

// clickhouseSink batch-inserts events into the limit_events table for the
// stats endpoint and offline analysis.
type clickhouseSink struct {
	client *client.ClickHouseClient
}

func NewClickHouseSink(ch *client.ClickHouseClient) Sink {
	return &clickhouseSink{client: ch}
}

func (s *clickhouseSink) Name() string { return "clickhouse" }

const insertEventsQuery = `
    INSERT INTO limit_events (
        event_id, identifier_hash, action, outcome, count, limit_value,
        reason, actor_id, date_bucket, created_at
    )`

func (s *clickhouseSink) Write(ctx context.Context, events []*Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.EventID, e.IdentifierHash, e.Action, e.Outcome, e.Count,
			e.Limit, e.Reason, e.ActorID, e.DateBucket, e.CreatedAt,
		})
	}

	if err := s.client.BatchInsert(ctx, insertEventsQuery, rows); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

// esSink indexes events individually so admins can query an identifier's
// recent history.
type esSink struct {
	client *client.ESClient
	index  string
}

func NewElasticsearchSink(es *client.ESClient, index string) Sink {
	return &esSink{client: es, index: index}
}

func (s *esSink) Name() string { return "elasticsearch" }

func (s *esSink) Write(ctx context.Context, events []*Event) error {
	for _, event := range events {
		res, err := s.client.IndexDocument(ctx, s.index, event.EventID, event)
		if err != nil {
			return fmt.Errorf("index audit event: %w", err)
		}
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("index audit event: %s", res.String())
		}
	}
	return nil
}
