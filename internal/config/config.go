// Package config loads the agent's server configuration from an optional
// YAML file with environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults. The agent binds loopback only; exposing it on a routable
// address is an explicit choice.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{Host: DefaultHost, Port: DefaultPort}
}

// Load reads the config file at path, fills in defaults, applies
// environment overrides and validates the result. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)

		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from MCRW_AGENT_HOST and MCRW_AGENT_PORT.
func (c *Config) applyEnv() error {
	if host := os.Getenv("MCRW_AGENT_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("MCRW_AGENT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid MCRW_AGENT_PORT %q: %w", port, err)
		}
		c.Port = p
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// Address is the host:port the HTTP server binds.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
