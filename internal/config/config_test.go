package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/chunkdl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "chunkdl")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Threads)
	assert.Nil(t, cfg.Defaults.BWLimit)
	assert.Nil(t, cfg.Paths.StateDir)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
threads = 8
max_retry = 5
block_size = "1M"
queue_limit = false
pause_on_metered = true
bwlimit = "10M"

[paths]
state_dir = "/var/lib/chunkdl"
download_dir = "/data/downloads"
audio_dir = "/data/music"
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Threads)
	assert.Equal(t, 8, *cfg.Defaults.Threads)

	require.NotNil(t, cfg.Defaults.MaxRetry)
	assert.Equal(t, 5, *cfg.Defaults.MaxRetry)

	require.NotNil(t, cfg.Defaults.BlockSize)
	assert.Equal(t, "1M", *cfg.Defaults.BlockSize)

	require.NotNil(t, cfg.Defaults.QueueLimit)
	assert.False(t, *cfg.Defaults.QueueLimit)

	require.NotNil(t, cfg.Defaults.PauseOnMetered)
	assert.True(t, *cfg.Defaults.PauseOnMetered)

	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "10M", *cfg.Defaults.BWLimit)

	assert.Equal(t, "/var/lib/chunkdl", cfg.StateDir())
	assert.Equal(t, "/data/downloads", cfg.DownloadDir())
	assert.Equal(t, "/data/music", cfg.AudioDir())
}

func TestLoad_PartialConfig(t *testing.T) {
	writeConfig(t, `
[paths]
download_dir = "/dl"
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	// Defaults section entirely absent.
	assert.Nil(t, cfg.Defaults.Threads)
	assert.Nil(t, cfg.Defaults.QueueLimit)

	assert.Equal(t, "/dl", cfg.DownloadDir())
	assert.Equal(t, "/dl", cfg.AudioDir(), "audio falls back to the download dir")
}

func TestLoad_InvalidTOML(t *testing.T) {
	writeConfig(t, "invalid [[[")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/chunkdl/config.toml", config.Path())
}

func TestStateDirDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	assert.Equal(t, "/xdg/state/chunkdl", config.Config{}.StateDir())

	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("HOME", "/home/me")
	assert.Equal(t, "/home/me/.local/state/chunkdl", config.Config{}.StateDir())
	assert.Equal(t, "/home/me/Downloads", config.Config{}.DownloadDir())

	dir := "~/state"
	cfg := config.Config{Paths: config.PathsConfig{StateDir: &dir}}
	assert.Equal(t, "/home/me/state", cfg.StateDir())
}
