package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"portal-auth/internal/bucketing"
	"portal-auth/internal/config"
	"portal-auth/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	err     error
	block   chan struct{}
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(ctx context.Context, entry *models.AuditEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return s.err
}

func (s *memorySink) snapshot() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.entries...)
}

func TestRecorderFansOutToEverySink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{err: errors.New("sink down")}
	buckets := bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{EventBuckets: 16}})
	r := NewRecorder(config.AuditConfig{BufferSize: 8}, buckets, a, b)

	role := 2
	r.Record(context.Background(), models.AuditEntry{
		Action: models.AuditLogin, Status: models.AuditSuccess, AccountID: "acc-1", RoleID: &role,
	})
	r.Close()

	for _, sink := range []*memorySink{a, b} {
		got := sink.snapshot()
		require.Len(t, got, 1)
		assert.NotEmpty(t, got[0].EntryID)
		assert.False(t, got[0].OccurredAt.IsZero())
		assert.Equal(t, buckets.EventBucket("acc-1"), got[0].EventBucket)
		assert.NotEmpty(t, got[0].DateBucket)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(config.AuditConfig{BufferSize: 1, DropIfFull: true}, nil, sink)

	for i := 0; i < 10; i++ {
		r.Record(context.Background(), models.AuditEntry{Action: models.AuditLogin})
	}
	assert.Greater(t, r.Dropped(), uint64(0))

	close(sink.block)
	r.Close()
	assert.LessOrEqual(t, len(sink.snapshot()), 2)
}

func TestRecorderIgnoresEntriesAfterClose(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(config.AuditConfig{BufferSize: 4}, nil, sink)
	r.Close()
	r.Close()

	r.Record(context.Background(), models.AuditEntry{Action: models.AuditLogout})
	assert.Empty(t, sink.snapshot())
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), models.AuditEntry{})
	r.Close()
	assert.Zero(t, r.Dropped())
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (p *fakeProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return nil
}

func TestKafkaSinkKeysByAccount(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "portal.audit")

	entry := &models.AuditEntry{EntryID: "e1", AccountID: "acc-1", Action: models.AuditVerify, Status: models.AuditFailed}
	require.NoError(t, sink.Write(context.Background(), entry))

	assert.Equal(t, "portal.audit", p.topic)
	assert.Equal(t, "acc-1", string(p.key))
	assert.Equal(t, "verify_second_factor", p.headers["action"])

	var decoded models.AuditEntry
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, "e1", decoded.EntryID)
}

type fakeInserter struct {
	query string
	rows  [][]interface{}
}

func (f *fakeInserter) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	f.query, f.rows = query, data
	return nil
}

func TestClickHouseSinkRow(t *testing.T) {
	f := &fakeInserter{}
	sink := NewClickHouseSink(f, "system_logs")

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, sink.Write(context.Background(), &models.AuditEntry{
		EntryID: "e1", Action: models.AuditLogout, Status: models.AuditSuccess, OccurredAt: at,
	}))

	assert.Contains(t, f.query, "INSERT INTO system_logs")
	require.Len(t, f.rows, 1)
	assert.Len(t, f.rows[0], 10)
	assert.Nil(t, f.rows[0][7].(*int32))
	assert.Equal(t, at, f.rows[0][9])
}

type fakeIndexer struct {
	index, id string
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	f.index, f.id = index, id
	return nil
}

func TestElasticsearchSinkUsesEntryID(t *testing.T) {
	f := &fakeIndexer{}
	require.NoError(t, NewElasticsearchSink(f, "portal-audit").Write(context.Background(), &models.AuditEntry{EntryID: "e9"}))
	assert.Equal(t, "portal-audit", f.index)
	assert.Equal(t, "e9", f.id)
}
