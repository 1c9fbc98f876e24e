package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHostPort(t *testing.T) {
	cases := map[string]string{
		"localhost":                 "localhost:9000",
		"localhost:9001":            "localhost:9001",
		"https://ch.internal":       "ch.internal:9440",
		"http://ch.internal/":       "ch.internal:9000",
		"clickhouse://ch.internal":  "ch.internal:9000",
		"https://ch.internal:19440": "ch.internal:19440",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractHostPort(in), in)
	}
	assert.Equal(t, "ch.internal", extractHostname("https://ch.internal"))
}

func TestAuditTableDDLCoversInsertedColumns(t *testing.T) {
	ddl := auditTableDDL("system_logs")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS system_logs (")
	for _, column := range []string{
		"entry_id String", "event_bucket Int32", "date_bucket String", "action ", "status ",
		"details String", "account_id String", "role_id Nullable(Int32)", "source_address String",
		"occurred_at DateTime64(3, 'UTC')",
	} {
		assert.Contains(t, ddl, column)
	}
}
