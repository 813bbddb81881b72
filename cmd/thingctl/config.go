package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address   string `yaml:"address"`
		Transport string `yaml:"transport"`
		Baud      int    `yaml:"baud"`
	} `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Server.Transport {
	case "tcp", "ws", "serial":
	default:
		return fmt.Errorf("server.transport must be tcp, ws or serial, got %q", c.Server.Transport)
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// loadConfig reads path when it exists. A missing file leaves every field
// empty; setDefaults fills them after command line overrides.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "tcp"
	}
	if c.Server.Address == "" {
		switch c.Server.Transport {
		case "ws":
			c.Server.Address = "ws://127.0.0.1:8080/ws"
		case "tcp":
			c.Server.Address = "127.0.0.1:2222"
		}
	}
	if c.Server.Baud == 0 {
		c.Server.Baud = 115200
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
}

// Logs go to stderr so command output stays parseable.
func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
