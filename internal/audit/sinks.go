package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

type Sink interface {
	Name() string
	Write(ctx context.Context, entry *models.AuditEntry) error
}

// BatchInserter is satisfied by *client.ClickHouseClient.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// MessageProducer is satisfied by *client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ClickHouseSink struct {
	client BatchInserter
	query  string
}

func NewClickHouseSink(client BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{
		client: client,
		query: fmt.Sprintf(`INSERT INTO %s (entry_id, event_bucket, date_bucket, action, status,
			details, account_id, role_id, source_address, occurred_at)`, table),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, entry *models.AuditEntry) error {
	var roleID *int32
	if entry.RoleID != nil {
		v := int32(*entry.RoleID)
		roleID = &v
	}
	row := []interface{}{
		entry.EntryID, int32(entry.EventBucket), entry.DateBucket, string(entry.Action), string(entry.Status),
		entry.Details, entry.AccountID, roleID, entry.SourceAddress, entry.OccurredAt,
	}
	return s.client.BatchInsert(ctx, s.query, [][]interface{}{row})
}

type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Write keys messages by account so one account's events stay ordered
// within a partition.
func (s *KafkaSink) Write(ctx context.Context, entry *models.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	key := entry.AccountID
	if key == "" {
		key = entry.EntryID
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"action": string(entry.Action),
		"status": string(entry.Status),
	})
}

type ElasticsearchSink struct {
	client DocumentIndexer
	index  string
}

func NewElasticsearchSink(client DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, entry *models.AuditEntry) error {
	return s.client.IndexDocument(ctx, s.index, entry.EntryID, entry)
}

// LogSink writes entries to the service log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(ctx context.Context, entry *models.AuditEntry) error {
	fields := []zap.Field{
		zap.String("entry_id", entry.EntryID),
		zap.String("action", string(entry.Action)),
		zap.String("status", string(entry.Status)),
		zap.String("details", entry.Details),
		zap.String("source_address", entry.SourceAddress),
	}
	if entry.AccountID != "" {
		fields = append(fields, util.AccountID(entry.AccountID))
	}
	if entry.RoleID != nil {
		fields = append(fields, zap.Int("role_id", *entry.RoleID))
	}
	util.Info("Audit", fields...)
	return nil
}
