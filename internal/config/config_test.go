package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vehicled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 2.5, cfg.MaxSpeed)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.StalenessWindow.Std())
	assert.Equal(t, 50*time.Millisecond, cfg.BatchWindow.Std())
	assert.Equal(t, 1024, cfg.CompressionThreshold)
	assert.Equal(t, 2*time.Second, cfg.StatusCacheTTL.Std())
	assert.Zero(t, cfg.AuthFailureLimit)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9443"
max_speed: 1.8
session_ttl: 45m
staleness_window: 10s
batch_window: 100ms
compression_threshold: 2048
auth_failure_limit: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.ListenAddr)
	assert.Equal(t, 1.8, cfg.MaxSpeed)
	assert.Equal(t, 45*time.Minute, cfg.SessionTTL.Std())
	assert.Equal(t, 10*time.Second, cfg.StalenessWindow.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.BatchWindow.Std())
	assert.Equal(t, 2048, cfg.CompressionThreshold)
	assert.Equal(t, 3, cfg.AuthFailureLimit)

	// Unset keys keep their defaults.
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, time.Minute, cfg.SweepInterval.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "listen_addr: [unterminated"))
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "session_ttl: nonsense"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero max speed", "max_speed: 0"},
		{"negative max speed", "max_speed: -1"},
		{"zero staleness window", "staleness_window: 0s"},
		{"negative compression threshold", "compression_threshold: -1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "1m30s\n", string(out))

	var d Duration
	require.NoError(t, yaml.Unmarshal(out, &d))
	assert.Equal(t, 90*time.Second, d.Std())
}
