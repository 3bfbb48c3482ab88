package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  host: 127.0.0.1
  port: 9000
  debug: true
database:
  path: /tmp/gw.db
rate_limit:
  enabled: true
  per_minute: 30
scheduler:
  log_retention_days: 7
logging:
  level: warn
`)
	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cfg := m.Get()
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 9000, cfg.Server.Port)
	require.True(t, cfg.Server.Debug)
	require.Equal(t, "/tmp/gw.db", cfg.Database.Path)
	require.True(t, cfg.RateLimit.Enabled)
	require.Equal(t, 30, cfg.RateLimit.PerMinute)
	require.Equal(t, 7, cfg.Scheduler.LogRetentionDays)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server":{"port":9100},"redis":{"addr":"localhost:6379","db":2}}`)
	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cfg := m.Get()
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	// Unset sections keep their defaults.
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server:\n  port: 9000\n")
	t.Setenv("KEYGATE_PORT", "9999")
	t.Setenv("KEYGATE_LOG_LEVEL", "debug")
	t.Setenv("KEYGATE_RATE_LIMIT_ENABLED", "true")

	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cfg := m.Get()
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.RateLimit.Enabled)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cfg := m.Get()
	require.Equal(t, 8045, cfg.Server.Port)
	require.Equal(t, "keygate.db", cfg.Database.Path)
}

func TestMalformedFileIsAnError(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server: [not a mapping")
	_, err := NewManager(path)
	require.Error(t, err)
}
