package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeConfig(t, "socket:\n  path: /tmp/ghostframed.sock\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ghostframed.sock", cfg.Socket.Path)
	assert.Equal(t, 10, cfg.Engagement.MaxActive)
	assert.Equal(t, "mock", cfg.Sandbox.Mode)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, "engagement:\n  max_active: 3\nsandbox:\n  mode: real\n  pool_size: 8\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engagement.MaxActive)
	assert.Equal(t, "real", cfg.Sandbox.Mode)
	assert.Equal(t, 8, cfg.Sandbox.PoolSize)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/daemon.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidSandboxModeErrors(t *testing.T) {
	path := writeConfig(t, "sandbox:\n  mode: fake\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidMaxActiveErrors(t *testing.T) {
	path := writeConfig(t, "engagement:\n  max_active: 0\n")
	_, err := Load(path)
	assert.Error(t, err)
}
