// Package config assembles the agent's configuration from defaults, an
// optional YAML file, and VIGILBOX_* environment variables. Each
// component package owns its own Config type; this package composes
// them into the tree the daemon loads at startup.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vigilbox/vigilbox/pkg/convert"
	"github.com/vigilbox/vigilbox/pkg/cri"
	"github.com/vigilbox/vigilbox/pkg/events"
	"github.com/vigilbox/vigilbox/pkg/metrics"
	"github.com/vigilbox/vigilbox/pkg/monitor"
	"github.com/vigilbox/vigilbox/pkg/monitoring"
	"github.com/vigilbox/vigilbox/pkg/server"
	"github.com/vigilbox/vigilbox/pkg/shim"
)

// Config is the agent's full configuration tree.
type Config struct {
	Server     server.Config            `yaml:"server" mapstructure:"server"`
	Monitor    monitor.Config           `yaml:"monitor" mapstructure:"monitor"`
	Runtime    cri.Config               `yaml:"runtime" mapstructure:"runtime"`
	Shim       shim.Config              `yaml:"shim" mapstructure:"shim"`
	Collection metrics.CollectorConfig  `yaml:"collection" mapstructure:"collection"`
	Convert    convert.Config           `yaml:"convert" mapstructure:"convert"`
	Events     EventsConfig             `yaml:"events" mapstructure:"events"`
	Logging    LoggingConfig            `yaml:"logging" mapstructure:"logging"`
	Tracing    monitoring.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// EventsConfig sizes the lifecycle event bus.
type EventsConfig struct {
	// Buffer is the per-subscriber channel capacity. A subscriber that
	// falls further behind than this loses events.
	Buffer int `yaml:"buffer" mapstructure:"buffer"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// DefaultConfig returns the configuration the agent runs with when no
// file and no environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server:     server.DefaultConfig(),
		Monitor:    monitor.DefaultConfig(),
		Runtime:    cri.DefaultConfig(),
		Shim:       shim.DefaultConfig(),
		Collection: metrics.CollectorConfig{Interval: metrics.DefaultInterval},
		Convert:    convert.DefaultConfig(),
		Events: EventsConfig{
			Buffer: events.DefaultBuffer,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputFile: "",
		},
		Tracing: *monitoring.DefaultTracingConfig(),
	}
}

// LoadConfig loads configuration from files and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config file in common locations
		v.SetConfigName("vigilboxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/vigilbox")
		v.AddConfigPath("/etc/vigilbox")
	}

	v.SetEnvPrefix("VIGILBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file.
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Server.ListenAddress, err)
	}

	if c.Monitor.SandboxDir == "" {
		return fmt.Errorf("monitor sandbox directory cannot be empty")
	}
	if c.Monitor.ScanInterval <= 0 {
		return fmt.Errorf("monitor scan interval must be positive")
	}
	if c.Monitor.SyncInterval <= 0 {
		return fmt.Errorf("monitor sync interval must be positive")
	}
	if c.Monitor.FsRetryDelay <= 0 {
		return fmt.Errorf("monitor filesystem retry delay must be positive")
	}

	if c.Runtime.Endpoint == "" {
		return fmt.Errorf("runtime endpoint cannot be empty")
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("runtime timeout must be positive")
	}
	if c.Runtime.MaxRetries < 0 {
		return fmt.Errorf("runtime max retries cannot be negative")
	}

	if c.Shim.SandboxRoot == "" {
		return fmt.Errorf("shim sandbox root cannot be empty")
	}
	if c.Shim.Timeout <= 0 {
		return fmt.Errorf("shim timeout must be positive")
	}

	if c.Collection.Interval <= 0 {
		return fmt.Errorf("collection interval must be positive")
	}

	if c.Convert.MetricPrefix == "" {
		return fmt.Errorf("convert metric prefix cannot be empty")
	}
	if c.Convert.JiffiesPerSecond <= 0 {
		return fmt.Errorf("convert jiffies per second must be positive")
	}

	if c.Events.Buffer < 1 {
		return fmt.Errorf("events buffer must be at least 1")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			monitoring.ExporterJaeger:   true,
			monitoring.ExporterOTLP:     true,
			monitoring.ExporterStdout:   true,
			monitoring.ExporterMultiple: true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("trace sampling ratio must be between 0 and 1")
		}
	}

	return nil
}
