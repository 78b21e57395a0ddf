// Package config is the daemon's bootstrap configuration layer: a small YAML
// file read once at startup (database path, listen address, telemetry
// exporter, skills root), distinct from the mutable Config singleton the
// Store owns. Load reads the file, applies environment-variable overrides,
// and normalizes defaults for any field left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the daemon's static startup configuration.
type Bootstrap struct {
	DatabasePath     string `yaml:"database_path"`
	ListenAddr       string `yaml:"listen_addr"`
	TelemetryExport  string `yaml:"telemetry_export"` // "stdout" or "none"
	SkillsRoot       string `yaml:"skills_root"`
	LogLevel         string `yaml:"log_level"`

	HomeDir string `yaml:"-"`
}

// HomeDir resolves the daemon's state directory, honoring SWARMD_HOME.
func HomeDir() string {
	if override := os.Getenv("SWARMD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmd")
}

func defaultBootstrap() Bootstrap {
	return Bootstrap{
		ListenAddr:      "127.0.0.1:8420",
		TelemetryExport: "stdout",
		LogLevel:        "info",
	}
}

// Load reads <home>/config.yaml, falling back to defaults when absent,
// applies environment overrides, and fills an empty database path or skills
// root with its default under the home directory; a path that is set is
// used as given.
func Load() (Bootstrap, error) {
	cfg := defaultBootstrap()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create swarmd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Bootstrap) {
	if v := os.Getenv("SWARMD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SWARMD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SWARMD_SKILLS_ROOT"); v != "" {
		cfg.SkillsRoot = v
	}
}

func normalize(cfg *Bootstrap) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "swarmd.db")
	}
	if cfg.SkillsRoot == "" {
		cfg.SkillsRoot = filepath.Join(cfg.HomeDir, "skills")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
