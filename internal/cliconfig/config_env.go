package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (DEOPLETE_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	if err := s.setIntFromString("min-workers", os.Getenv("DEOPLETE_MIN_WORKERS"), &cfg.MinWorkers); err != nil {
		return err
	}
	if err := s.setIntFromString("max-workers", os.Getenv("DEOPLETE_MAX_WORKERS"), &cfg.MaxWorkers); err != nil {
		return err
	}

	s.setString("module", os.Getenv("DEOPLETE_MODULE"), &cfg.Module)
	s.setString("executable", os.Getenv("DEOPLETE_EXECUTABLE"), &cfg.Executable)
	s.setStringsFromString("path", os.Getenv("DEOPLETE_PATHS"), &cfg.Paths)

	if err := s.setIntFromString("log-level", os.Getenv("DEOPLETE_LOG_LEVEL"), &cfg.LogLevel); err != nil {
		return err
	}

	return s.setDuration("poll-interval", os.Getenv("DEOPLETE_POLL_INTERVAL"), &cfg.PollInterval)
}
