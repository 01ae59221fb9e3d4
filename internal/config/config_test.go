package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 5, cfg.Dispatch.ConcurrencyLimit)
	assert.Equal(t, 5, cfg.Webhooks.MaxAttempts)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  driver: sqlite
  sqlite_path: /tmp/chains.db
scheduler:
  tick_interval: 30s
dispatch:
  concurrency_limit: 2
`), 0o600))
	t.Setenv("CHAINFLOW_DISPATCH_MAX_PENDING", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "/tmp/chains.db", cfg.DB.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Dispatch.ConcurrencyLimit)
	assert.Equal(t, 7, cfg.Dispatch.MaxPending)
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  driver: mongo\n"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "unsupported db.driver")
}
