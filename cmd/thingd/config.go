package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Name   string `yaml:"name"`
		UUID   string `yaml:"uuid"`
		Locale string `yaml:"locale"`
	} `yaml:"server"`
	Listen struct {
		TCP  string `yaml:"tcp"`
		HTTP string `yaml:"http"`
	} `yaml:"listen"`
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Web struct {
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Mock struct {
		Enabled        bool          `yaml:"enabled"`
		DiscoveryDelay time.Duration `yaml:"discovery_delay"`
		PairingDelay   time.Duration `yaml:"pairing_delay"`
		PollInterval   time.Duration `yaml:"poll_interval"`
	} `yaml:"mock"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	HookTimeout  time.Duration `yaml:"hook_timeout"`
	NotifyQueue  int           `yaml:"notify_queue"`
	CatalogDir   string        `yaml:"catalog_dir"`
	PluginsDir   string        `yaml:"plugins_dir"`
	VendorsFile  string        `yaml:"vendors_file"`
}

func (c *Config) validate() error {
	if c.Listen.TCP == "" && c.Listen.HTTP == "" && c.Serial.Port == "" {
		return fmt.Errorf("at least one of listen.tcp, listen.http or serial.port is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.ReplyTimeout < 0 || c.HookTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.NotifyQueue < 0 {
		return fmt.Errorf("notify_queue must not be negative, got %d", c.NotifyQueue)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	// Mock integration is on unless switched off.
	cfg.Mock.Enabled = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "thingd"
	}
	if cfg.Listen.TCP == "" && cfg.Listen.HTTP == "" && cfg.Serial.Port == "" {
		cfg.Listen.TCP = "127.0.0.1:2222"
		cfg.Listen.HTTP = "127.0.0.1:8080"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "thingd.db"
	}
	if cfg.Mock.PollInterval == 0 {
		cfg.Mock.PollInterval = 10 * time.Second
	}
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = 30 * time.Second
	}
	if cfg.CatalogDir == "" {
		cfg.CatalogDir = "catalog"
	}
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = "plugins"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "thingrpc"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// loadVendors reads a YAML map of MAC prefixes to vendor names.
func loadVendors(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vendors: %w", err)
	}
	var prefixes map[string]string
	if err := yaml.Unmarshal(data, &prefixes); err != nil {
		return nil, fmt.Errorf("parse vendors: %w", err)
	}
	return prefixes, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
