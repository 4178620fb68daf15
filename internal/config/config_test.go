// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "bull", cfg.Queue.Prefix)
	assert.Equal(t, int64(10000), cfg.Queue.MaxLenEvents)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.LockDuration)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.StalledInterval)
	assert.Equal(t, 1, cfg.Scheduler.MaxStalledCount)
	assert.False(t, cfg.Limiter.Enabled())
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
queue:
  name: reports
  prefix: "{app}"
worker:
  concurrency: 4
  lock_duration: 10s
  lock_renew_time: 5s
scheduler:
  stalled_interval: 5s
limiter:
  max: 50
  duration: 1s
  group_key_path: tenant
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "reports", cfg.Queue.Name)
	assert.Equal(t, "{app}", cfg.Queue.Prefix)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Worker.LockDuration)
	assert.True(t, cfg.Limiter.Enabled())
	assert.Equal(t, "tenant", cfg.Limiter.GroupKeyPath)
}

func TestValidateRejectsBadRenewTime(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Worker.LockRenewTime = cfg.Worker.LockDuration
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsLongStalledInterval(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Scheduler.StalledInterval = cfg.Worker.LockDuration
	assert.Error(t, cfg.Validate())
}
