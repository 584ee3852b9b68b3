package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, DefaultSyncIntervalMinutes, cfg.Sync.IntervalMinutes)
	assert.Equal(t, DefaultBackfillDays, cfg.Sync.BackfillDays)
	assert.Equal(t, DefaultBatchSize, cfg.Sync.BatchSize)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: ` + dir + `
api:
  base_url: https://portal.example.com/api
  fallback_base_url: https://backup.example.com/api
  read_timeout_seconds: 30
sync:
  interval_minutes: 5
  batch_size: 10
identity:
  user_id: child-42
  device_id: tablet-1
enforcement:
  redirect_command: /usr/local/bin/lockscreen
  deny_packages:
    - com.example.sideloaded
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "https://portal.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, "https://backup.example.com/api", cfg.API.FallbackBaseURL)
	assert.Equal(t, 30, cfg.API.ReadTimeoutSeconds)
	assert.Equal(t, DefaultConnectTimeoutSeconds, cfg.API.ConnectTimeoutSeconds)
	assert.Equal(t, 5, cfg.Sync.IntervalMinutes)
	assert.Equal(t, DefaultBackfillDays, cfg.Sync.BackfillDays)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, "child-42", cfg.Identity.UserID)
	assert.Equal(t, "tablet-1", cfg.Identity.DeviceID)
	assert.Equal(t, "/usr/local/bin/lockscreen", cfg.Enforcement.RedirectCommand)
	assert.Equal(t, []string{"com.example.sideloaded"}, cfg.Enforcement.DenyPackages)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SKAGENT_API_BASE_URL", "https://env.example.com/api")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com/api", cfg.API.BaseURL)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".sentinelkids"), expandPath("~/.sentinelkids"))
	assert.Equal(t, "/var/lib/agent", expandPath("/var/lib/agent"))
}
