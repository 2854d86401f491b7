// Package config loads daemon configuration from a TOML file with
// environment-variable overrides, matching the teacher's own
// BurntSushi/toml-based config loader (SPEC_FULL §11): defaults, then
// file, then environment, each layer only overriding fields it sets.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	SockPath string `toml:"sock_path"`
	StateDir string `toml:"state_dir"`
	LogLevel string `toml:"log_level"`

	// MaxOpenFiles is the RLIMIT_NOFILE soft limit the listener raises
	// itself to before accepting connections (SPEC_FULL §4.6). Zero
	// disables the raise entirely; Default sets it to a nonzero floor
	// since the original listener always raises its fd ceiling at
	// startup, unconditionally.
	MaxOpenFiles uint64 `toml:"max_open_files"`

	// PersistCursors enables the sqlite-backed cursor store
	// (internal/store); disabled by default, since the core clock
	// model works without it (spec.md §1).
	PersistCursors bool `toml:"persist_cursors"`
}

// Default returns the built-in baseline configuration, applied before
// any file or environment override.
func Default() Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".fswatchd")
	return Config{
		SockPath: filepath.Join(stateDir, "sock"),
		StateDir: stateDir,
		LogLevel: "info",
		// Matches the original listener's unconditional startup raise;
		// internal/listener warns if the soft limit still falls short
		// of this after the raise attempt.
		MaxOpenFiles:   10240,
		PersistCursors: false,
	}
}

// Load builds a Config starting from Default, overlaying path (if
// non-empty and the file exists) via BurntSushi/toml, then overlaying
// environment variables. A missing path is not an error — Watchman
// itself runs fine with no config file present.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays the three environment variables SPEC_FULL §11
// documents. Each is optional; an unset variable leaves the existing
// value (file or default) untouched.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FSWATCHD_SOCK"); v != "" {
		cfg.SockPath = v
	}
	if v := os.Getenv("FSWATCHD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("FSWATCHD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
