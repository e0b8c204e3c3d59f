package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the optional chunkdl configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Paths    PathsConfig    `toml:"paths"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Threads        *int    `toml:"threads"`
	MaxRetry       *int    `toml:"max_retry"`
	BlockSize      *string `toml:"block_size"`
	QueueLimit     *bool   `toml:"queue_limit"`
	PauseOnMetered *bool   `toml:"pause_on_metered"`
	BWLimit        *string `toml:"bwlimit"`
}

// PathsConfig overrides where state and downloads live. A leading "~/"
// expands to the home directory.
type PathsConfig struct {
	StateDir    *string `toml:"state_dir"`
	DownloadDir *string `toml:"download_dir"`
	AudioDir    *string `toml:"audio_dir"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "chunkdl", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path, treating a missing file as empty.
func LoadFile(path string) (Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}

// StateDir returns where metadata, the finished store and scratch files
// live.
func (c Config) StateDir() string {
	if c.Paths.StateDir != nil {
		return expandHome(*c.Paths.StateDir)
	}
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		dir = expandHome("~/.local/state")
	}
	return filepath.Join(dir, "chunkdl")
}

// DownloadDir returns the default destination for video and other
// downloads.
func (c Config) DownloadDir() string {
	if c.Paths.DownloadDir != nil {
		return expandHome(*c.Paths.DownloadDir)
	}
	return expandHome("~/Downloads")
}

// AudioDir returns the default destination for audio downloads.
func (c Config) AudioDir() string {
	if c.Paths.AudioDir != nil {
		return expandHome(*c.Paths.AudioDir)
	}
	return c.DownloadDir()
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
}
