package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: /tmp/agg.db
queue:
  retry_limit: -1
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/agg.db", cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Aggregate.LockTimeout())
	assert.Equal(t, 20, cfg.Aggregate.MaxContested)
	assert.Equal(t, "1.0.0", cfg.Analysis.CodeVersion)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, -1, cfg.Queue.RetryLimit)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryDelay())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
