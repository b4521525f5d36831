// Package config loads the daemon configuration: defaults, then a TOML
// file, then environment variables (env wins). Runtime settings layer the
// DB-backed overrides on top at request time; this package only covers what
// the process needs before the store is open.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"log/slog"

	"github.com/nevindra/relay"
)

// Config is the process-level configuration for the relay daemon and the
// skillbox sidecar.
type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	SkillboxAddr string `toml:"skillbox_addr"`
	LogLevel     string `toml:"log_level"`
	Workers      int    `toml:"workers"`

	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`

	// Settings is the baseline runtime configuration; env and DB overrides
	// layer on top via relay.EffectiveSettings.
	Settings relay.Settings `toml:"settings"`
}

// DatabaseConfig selects the run store backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

// ObserverConfig gates OTEL export.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		ListenAddr:   ":8787",
		SkillboxAddr: ":8788",
		LogLevel:     "info",
		Workers:      1,
		Database:     DatabaseConfig{Driver: "sqlite", Path: "relay.db"},
		Settings:     relay.DefaultSettings(),
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; the defaults stand.
func Load(path string, logger *slog.Logger) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil && logger != nil {
			logger.Warn("config file unparseable, using defaults", "path", path, "error", err)
		}
	}

	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_SKILLBOX_ADDR"); v != "" {
		cfg.SkillboxAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAY_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RELAY_OBSERVER_ENABLED"); v == "1" || v == "true" {
		cfg.Observer.Enabled = true
	}

	cfg.Settings.ApplyEnv(logger)
	return cfg
}
