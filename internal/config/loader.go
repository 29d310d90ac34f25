package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	EnvConfigPath     = "FEEDBACK_CONFIG"
	defaultConfigPath = "./config.yaml"
)

// ResolvePath returns the config file path and whether it was set explicitly.
func ResolvePath() (string, bool) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// Load reads configuration with priority ENV > YAML > env-default tags.
func Load() (*Config, string, error) {
	path, explicit := ResolvePath()
	cfg, err := LoadFrom(path, explicit)
	return cfg, path, err
}

// LoadFrom reads path when it exists. A missing file is an error only when
// the path was given explicitly; otherwise ENV and defaults are used.
func LoadFrom(path string, explicit bool) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}
