package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	saved := DefaultConfigPaths
	DefaultConfigPaths = []string{filepath.Join(t.TempDir(), "missing.json")}
	defer func() { DefaultConfigPaths = saved }()

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/data/cell-sensor/qmdl", cfg.Store.Path)
	assert.Equal(t, uint64(16_000_000), cfg.Store.MinFreeBytes)
	assert.Equal(t, "/dev/diag", cfg.Capture.Device)
	assert.False(t, cfg.Capture.StartPaused)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.DebugMode)
	assert.Equal(t, "log", cfg.Display.Driver)
	assert.Equal(t, "block", cfg.Display.Policy)
	assert.Equal(t, 16, cfg.Display.Buffer)
	assert.Equal(t, 8, cfg.Analysis.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestLoadConfig_FromJSONFile(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"store": {"path": "/tmp/qmdl", "min_free_space": "1 MiB"},
		"server": {"port": 9000, "debug_mode": true},
		"display": {"driver": "led", "policy": "drop", "ui_level": 0},
		"analysis": {"signatures": [
			{"name": "identity-request", "description": "IMSI requested", "pattern": "7e0155", "severity": "high"}
		]}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/qmdl", cfg.Store.Path)
	assert.Equal(t, uint64(1<<20), cfg.Store.MinFreeBytes)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Server.DebugMode)
	assert.Equal(t, "led", cfg.Display.Driver)
	assert.Equal(t, "drop", cfg.Display.Policy)
	assert.Equal(t, 0, cfg.Display.UILevel)
	require.Len(t, cfg.Analysis.Signatures, 1)
	assert.Equal(t, "identity-request", cfg.Analysis.Signatures[0].Name)
	assert.Equal(t, "7e0155", cfg.Analysis.Signatures[0].Pattern)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server": {"port": 9000}}`)
	t.Setenv("CELL_SENSOR_SERVER_PORT", "9100")
	t.Setenv("CELL_SENSOR_STORE_PATH", "/tmp/env-store")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/env-store", cfg.Store.Path)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"bad port", `{"server": {"port": 70000}}`, ErrInvalidPort},
		{"bad free space", `{"store": {"min_free_space": "lots"}}`, ErrInvalidFreeSpace},
		{"bad driver", `{"display": {"driver": "lcd"}}`, ErrInvalidDriver},
		{"bad policy", `{"display": {"policy": "maybe"}}`, ErrInvalidPolicy},
		{"zero buffer", `{"display": {"buffer": 0}}`, ErrInvalidBuffer},
		{"bad pattern", `{"analysis": {"signatures": [{"name": "x", "pattern": "zz"}]}}`, ErrInvalidSignature},
		{"unnamed signature", `{"analysis": {"signatures": [{"pattern": "7e"}]}}`, ErrInvalidSignature},
		{"bad level", `{"logging": {"level": "loud"}}`, ErrInvalidLogLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
