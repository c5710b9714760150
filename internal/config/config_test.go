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

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 2, cfg.Consensus.WorkerCount)
	assert.Equal(t, 10, cfg.Consensus.MirrorMaxRetries)
	assert.Equal(t, 2*time.Hour, cfg.Consensus.StaleThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Consensus.FailedRetention)
	assert.Equal(t, 50, cfg.Consensus.BatchMaxTrades)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
server:
  port: 9090
consensus:
  worker_count: 4
  mirror_max_retries: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Consensus.WorkerCount)
	assert.Equal(t, 3, cfg.Consensus.MirrorMaxRetries)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Consensus.WorkerInterval)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Consensus.WorkerCount = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
