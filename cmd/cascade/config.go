// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the name of the config file
const DefaultConfigFileName = "cascade"

// Config holds all configuration for the cascade CLI.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// Server configuration (serve command)
	Server ServerConfig `mapstructure:"server"`

	// LLM provider configuration
	LLM LLMConfig `mapstructure:"llm"`

	// Database configuration (engine behind "sql:" phases)
	Database DatabaseConfig `mapstructure:"database"`

	// Events configuration (durable event log)
	Events EventsConfig `mapstructure:"events"`

	// Cascades configuration (library directory)
	Cascades CascadesConfig `mapstructure:"cascades"`

	// Runner configuration
	Runner RunnerConfig `mapstructure:"runner"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the serve command.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider string `mapstructure:"provider"` // anthropic

	// AnthropicAPIKey is read from CLI/env only; empty falls back to
	// the ANTHROPIC_API_KEY environment variable.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	// Model is the default model id; empty uses the provider default.
	Model string `mapstructure:"model"`

	MaxTokens      int `mapstructure:"max_tokens"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// MaxRetries bounds retries on provider 429s and transient
	// network failures.
	MaxRetries int `mapstructure:"max_retries"`
}

// DatabaseConfig holds the analytic engine configuration for "sql:"
// deterministic phases. Driver empty means no database.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, mysql, postgres
	DSN    string `mapstructure:"dsn"`
}

// EventsConfig holds event log configuration.
type EventsConfig struct {
	// Path is the SQLite event log. Empty keeps events in memory.
	Path string `mapstructure:"path"`

	// CompressThreshold is the payload size in bytes above which
	// content is zstd-compressed (0 = sink default, negative disables).
	CompressThreshold int `mapstructure:"compress_threshold"`

	// Buffering between the runner and the durable sink.
	FlushEvents     int `mapstructure:"flush_events"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// CascadesConfig holds cascade library configuration.
type CascadesConfig struct {
	// Dir is the directory of cascade YAML files.
	Dir string `mapstructure:"dir"`

	// HotReload reloads cascade files on change (serve command).
	HotReload bool `mapstructure:"hot_reload"`
}

// RunnerConfig holds execution configuration.
type RunnerConfig struct {
	// MaxParallel bounds concurrent soundings candidates.
	MaxParallel int `mapstructure:"max_parallel"`

	// MaxDepth bounds sub-cascade nesting.
	MaxDepth int `mapstructure:"max_depth"`

	// ImagesDir is where tool-produced images are persisted.
	ImagesDir string `mapstructure:"images_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // optional log file path
}

// LoadConfig loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cascade/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	viper.SetEnvPrefix("CASCADE")
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 5080)

	viper.SetDefault("llm.provider", "anthropic")
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout_seconds", 120)
	viper.SetDefault("llm.max_retries", 3)

	viper.SetDefault("events.flush_events", 64)
	viper.SetDefault("events.flush_interval_ms", 500)

	viper.SetDefault("cascades.dir", "./cascades")
	viper.SetDefault("cascades.hot_reload", true)

	viper.SetDefault("runner.max_parallel", 4)
	viper.SetDefault("runner.max_depth", 5)
	viper.SetDefault("runner.images_dir", "images")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s (must be anthropic)", c.LLM.Provider)
	}
	switch c.Database.Driver {
	case "", "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s (must be sqlite, mysql, or postgres)", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is set")
	}
	return nil
}
