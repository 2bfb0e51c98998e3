package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "local", cfg.Bulk.DispatchMode)
	assert.Equal(t, 100, cfg.Bulk.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Bulk.LeaseTTL)
	assert.Equal(t, "bulk.jobs", cfg.Kafka.JobsTopic)
	assert.Equal(t, 10, cfg.Bulk.ConcurrencyFor("sms"))
}

func TestLoadMergesUserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bulk:\n  batch_size: 7\nhttp:\n  addr: \":9999\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Bulk.BatchSize)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Bulk.MaxAttempts)
}

func TestConcurrencyForFallback(t *testing.T) {
	b := BulkConfig{Concurrency: map[string]int{"default": 6}}
	assert.Equal(t, 6, b.ConcurrencyFor("chat_b"))

	assert.Equal(t, 4, BulkConfig{}.ConcurrencyFor("sms"))
}
