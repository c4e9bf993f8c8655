package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "opus", cfg.Model.Default)
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.InitialDelay)
	assert.Equal(t, 80, cfg.History.SnapshotLimit)
	assert.Equal(t, "claude", cfg.Runtime.Bin)
	assert.True(t, cfg.Heartbeat.Enabled)
	assert.False(t, cfg.Daemon.Trace)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JELLY_J_STATE_DIR", "/tmp/jelly-test")
	t.Setenv("JELLY_J_DAEMON_TRACE", "1")
	t.Setenv("JELLY_J_MODEL_DEFAULT", "haiku")
	t.Setenv("JELLY_J_HEARTBEAT_INTERVAL", "1m")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "/tmp/jelly-test", cfg.StateDir)
	assert.True(t, cfg.Daemon.Trace)
	assert.Equal(t, "haiku", cfg.Model.Default)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Interval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("JELLY_J_MODEL_DEFAULT", "sonnet")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.default")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("JELLY_J_LOGGING_LEVEL", "loud")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}
