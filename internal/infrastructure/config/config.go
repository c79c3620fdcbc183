package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all debugger configuration.
type Config struct {
	Debugger DebuggerConfig `yaml:"debugger"`
	Logging  LogConfig      `yaml:"logging"`
}

// DebuggerConfig holds remote debugger configuration.
type DebuggerConfig struct {
	// Enabled turns the remote debugger on. When false every
	// instrumentation hook is a no-op.
	Enabled bool `envconfig:"MS_DEBUGGER_ENABLED" default:"false" yaml:"enabled"`
	// Host is the controller address, an IP or "localhost".
	Host string `envconfig:"MS_DEBUGGER_HOST" default:"localhost" yaml:"host"`
	// Port is the controller port, 1-65535.
	Port string `envconfig:"MS_DEBUGGER_PORT" default:"50051" yaml:"port"`
	// PartialMemory enables partial memory reuse on the device. With it on,
	// tensor values are only retained for nodes covered by a watchpoint.
	PartialMemory bool `envconfig:"MS_DEBUGGER_PARTIAL_MEM" default:"false" yaml:"partial_memory"`
	// OverflowDir is the directory scanned for hardware overflow records.
	// Empty disables overflow detection.
	OverflowDir string `envconfig:"MS_DEBUGGER_OVERFLOW_DIR" default:"" yaml:"overflow_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from a YAML file over the defaults.
// Environment variables are not consulted.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Debugger: DebuggerConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    "50051",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Addr returns the controller dial address.
func (d DebuggerConfig) Addr() string {
	return net.JoinHostPort(d.Host, d.Port)
}

// Validate checks the controller host and port. A failure here downgrades
// remote debugging to disabled; it is never fatal to the host process.
func (d DebuggerConfig) Validate() error {
	if d.Host != "localhost" && net.ParseIP(d.Host) == nil {
		return fmt.Errorf("debugger host %q is not a valid IP address", d.Host)
	}
	port, err := strconv.Atoi(d.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("debugger port %q is not in range 1-65535", d.Port)
	}
	return nil
}
