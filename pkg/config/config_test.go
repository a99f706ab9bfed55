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

	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.StreamInterval)
	assert.Contains(t, cfg.PostgresDSN(), "dbname=fluxline")
	assert.Contains(t, cfg.PostgresDSN(), "application_name=fluxline")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLUXLINE_REDIS_HOST", "cache.internal")
	t.Setenv("FLUXLINE_REDIS_PORT", "6380")
	t.Setenv("FLUXLINE_POLL_INTERVAL", "10s")
	t.Setenv("FLUXLINE_POSTGRES_MAX_POOL", "25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6380", cfg.RedisAddr())
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 25, cfg.PostgresMaxPool)
}

func TestValidateRejectsBadPoolBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PostgresMinPool = 10
	cfg.PostgresMaxPool = 2

	assert.Error(t, cfg.Validate())
}

func TestLoadSchedulesMissingFileUsesDefaults(t *testing.T) {
	entries, err := LoadSchedules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "data-retention-cleanup")
}

func TestLoadSchedulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	content := []byte(`schedules:
  - name: nightly-digest
    task: notification_sending.digest
    queue: notifications
    cron: "0 8 * * *"
  - name: quick-snapshot
    task: monitoring_collection.snapshot
    cron: "*/1 * * * *"
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	entries, err := LoadSchedules(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "notifications", entries[0].Queue)
	// queue defaults to analytics when omitted
	assert.Equal(t, "analytics", entries[1].Queue)
}

func TestLoadSchedulesRejectsIncompleteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedules:\n  - name: broken\n"), 0o644))

	_, err := LoadSchedules(path)
	assert.Error(t, err)
}
