// Package config provides configuration types, defaults, YAML loading, and
// validation for the realtime core and its HTTP adapter.
package config

import (
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ServerConfig contains HTTP adapter settings.
type ServerConfig struct {
	// Port the HTTP server listens on. Overridden by the PORT env var.
	Port string `yaml:"port"`

	// AllowedWSOrigins is the origin allowlist for WebSocket upgrades.
	// Empty means same-origin checks are skipped (development mode).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: "8080",
	}
}

// Config is the root configuration for the realtime service.
type Config struct {
	Server *ServerConfig `yaml:"server"`
	Queue  *QueueConfig  `yaml:"queue"`
	Bus    *BusConfig    `yaml:"bus"`
	Hub    *HubConfig    `yaml:"hub"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: DefaultServerConfig(),
		Queue:  DefaultQueueConfig(),
		Bus:    DefaultBusConfig(),
		Hub:    DefaultHubConfig(),
	}
}

// Load reads a YAML configuration file, merges built-in defaults into unset
// fields, applies environment overrides, and validates the result.
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fall through to defaults.
	case err != nil:
		return nil, &LoadError{File: path, Err: err}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, &LoadError{File: path, Err: err}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates every component section.
func (c *Config) Validate() error {
	if c.Queue != nil {
		if err := c.Queue.Validate(); err != nil {
			return err
		}
	}
	if c.Bus != nil {
		if err := c.Bus.Validate(); err != nil {
			return err
		}
	}
	if c.Hub != nil {
		if err := c.Hub.Validate(); err != nil {
			return err
		}
	}
	if c.Server != nil && c.Server.Port == "" {
		return NewValidationError("server", "port", ErrMissingRequiredField)
	}
	return nil
}
