// Package config loads hub settings from an optional YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/stepherg/fleethub"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML durations in time.ParseDuration form ("90s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Liveness struct {
		ActiveWindow Duration `yaml:"active_window"`
		ExpiryWindow Duration `yaml:"expiry_window"`
	} `yaml:"liveness"`

	SweepInterval Duration `yaml:"sweep_interval"`
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then FLEETHUB_* environment variables.
func Load(path string) (Config, error) {
	defaults := fleethub.DefaultOptions()

	cfg := Config{ListenAddr: ":8090"}
	cfg.Log.Level = "info"
	cfg.Liveness.ActiveWindow = Duration(defaults.Liveness.ActiveWindow)
	cfg.Liveness.ExpiryWindow = Duration(defaults.Liveness.ExpiryWindow)
	cfg.SweepInterval = Duration(defaults.Sweep.Interval)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("FLEETHUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLEETHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if err := envDuration("FLEETHUB_ACTIVE_WINDOW", &cfg.Liveness.ActiveWindow); err != nil {
		return Config{}, err
	}
	if err := envDuration("FLEETHUB_EXPIRY_WINDOW", &cfg.Liveness.ExpiryWindow); err != nil {
		return Config{}, err
	}
	if err := envDuration("FLEETHUB_SWEEP_INTERVAL", &cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Options maps the loaded configuration onto core options.
func (c Config) Options() fleethub.Options {
	return fleethub.Options{
		Liveness: fleethub.LivenessConfig{
			ActiveWindow: time.Duration(c.Liveness.ActiveWindow),
			ExpiryWindow: time.Duration(c.Liveness.ExpiryWindow),
		},
		Sweep: fleethub.SweepConfig{
			Interval: time.Duration(c.SweepInterval),
		},
	}
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	*dst = Duration(parsed)
	return nil
}
