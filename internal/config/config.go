package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the hub configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Logging LoggingConfig `yaml:"logging"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Limits  LimitsConfig  `yaml:"limits"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type SandboxConfig struct {
	// Executor runs scripts as `executor <scriptPath>`.
	Executor string `yaml:"executor"`
}

type LimitsConfig struct {
	SendQueue         int `yaml:"send_queue"`
	MaxMessageBytes   int `yaml:"max_message_bytes"`
	MessagesPerSecond int `yaml:"messages_per_second"`
	AcceptsPerMinute  int `yaml:"accepts_per_minute"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Addr: ":3000"},
		Logging: LoggingConfig{Level: "info"},
		Sandbox: SandboxConfig{Executor: "node"},
		Limits: LimitsConfig{
			SendQueue:         256,
			MaxMessageBytes:   512 * 1024,
			MessagesPerSecond: 200,
			AcceptsPerMinute:  120,
		},
	}
}

// Load reads configuration from a file. An empty path yields defaults.
// Environment variables PORT and LOG_LEVEL override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// PORT always wins for the listen port.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Listen.Addr = ":" + port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Sandbox.Executor == "" {
		return fmt.Errorf("sandbox.executor is required")
	}
	if c.Limits.SendQueue <= 0 {
		return fmt.Errorf("limits.send_queue must be positive")
	}
	if c.Limits.MaxMessageBytes <= 0 {
		return fmt.Errorf("limits.max_message_bytes must be positive")
	}
	if c.Limits.MessagesPerSecond <= 0 {
		return fmt.Errorf("limits.messages_per_second must be positive")
	}
	if c.Limits.AcceptsPerMinute <= 0 {
		return fmt.Errorf("limits.accepts_per_minute must be positive")
	}
	return nil
}
