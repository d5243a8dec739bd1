package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	MinWorkers   int      `toml:"min_workers"`
	MaxWorkers   int      `toml:"max_workers"`
	Module       string   `toml:"module"`
	Executable   string   `toml:"executable"`
	Paths        []string `toml:"paths"`
	LogLevel     int      `toml:"log_level"`
	PollInterval string   `toml:"poll_interval"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.deoplete-server/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".deoplete-server", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setInt("min-workers", fc.MinWorkers, &cfg.MinWorkers)
	s.setInt("max-workers", fc.MaxWorkers, &cfg.MaxWorkers)
	s.setString("module", fc.Module, &cfg.Module)
	s.setString("executable", fc.Executable, &cfg.Executable)
	s.setStrings("path", fc.Paths, &cfg.Paths)
	s.setInt("log-level", fc.LogLevel, &cfg.LogLevel)

	return s.setDuration("poll-interval", fc.PollInterval, &cfg.PollInterval)
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
