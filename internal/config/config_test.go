package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "alert-dispatch", cfg.App.Name)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "alerts.db", cfg.Database.Path)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.RequestTimeout)
	assert.Equal(t, "@every 30s", cfg.Escalation.Schedule)
	assert.Equal(t, "@daily", cfg.Cleanup.Schedule)
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.ResolvedAlertRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.Cleanup.ExpiredSilenceRetention)
	assert.Equal(t, 90*24*time.Hour, cfg.Cleanup.HistoryRetention)
	assert.Equal(t, "@every 30s", cfg.Resources.Schedule)
	assert.Equal(t, 95.0, cfg.Resources.MaxMemoryPercent)
	assert.Equal(t, "https://events.pagerduty.com/v2/enqueue", cfg.PagerDuty.EventsURL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	// Setup
	path := writeConfig(t, `
log:
  level: debug
server:
  addr: ":9090"
nats:
  enabled: true
  url: nats://nats:4222
dispatch:
  workers: 8
  request_timeout: 5s
cleanup:
  history_retention: 0s
`)

	// Test case 1: file values override defaults
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.RequestTimeout)
	assert.Equal(t, time.Duration(0), cfg.Cleanup.HistoryRetention)
	assert.Equal(t, "@every 30s", cfg.Escalation.Schedule)

	// Test case 2: environment overrides the file
	t.Setenv("ALERTD_SERVER_ADDR", ":7070")
	t.Setenv("ALERTD_DISPATCH_WORKERS", "2")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
}

func TestLoad_Errors(t *testing.T) {
	// Test case 1: explicit path must exist
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	// Test case 2: invalid values are rejected
	path := writeConfig(t, `
dispatch:
  workers: 0
escalation:
  schedule: ""
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.workers must be positive")
	assert.Contains(t, err.Error(), "escalation.schedule is required")
}
