// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkersConfig   `yaml:"workers"`
	Execution ExecutionConfig `yaml:"execution"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains HTTP and WebSocket ingress settings
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections" validate:"min=1,max=100000"`
	RateLimit      float64  `yaml:"rate_limit" validate:"min=0"`
	RateBurst      int      `yaml:"rate_burst" validate:"min=0"`
	Production     bool     `yaml:"production"`
}

// DatabaseConfig contains persistence settings
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// QueueConfig contains retry policy settings
type QueueConfig struct {
	MaxAttempts   int `yaml:"max_attempts" validate:"min=1,max=10"`
	BaseBackoffMS int `yaml:"base_backoff_ms" validate:"min=100,max=60000"`
}

// WorkersConfig contains per-kind worker pool sizes
type WorkersConfig struct {
	Market  int `yaml:"market" validate:"min=1,max=100"`
	Default int `yaml:"default" validate:"min=1,max=100"`
}

// Liquidity source backends
const (
	SourceTypeMock = "mock"
	SourceTypeHTTP = "http"
)

// SourceConfig configures a single liquidity source. Type selects the
// backend: "mock" simulates quotes locally, "http" talks to a real provider
// at URL through the resilient client.
type SourceConfig struct {
	Name         string  `yaml:"name" validate:"required"`
	Type         string  `yaml:"type" validate:"oneof=mock http"`
	Fee          float64 `yaml:"fee" validate:"min=0,max=1"`
	VarianceLow  float64 `yaml:"variance_low"`
	VarianceHigh float64 `yaml:"variance_high"`
	URL          string  `yaml:"url"`
	TimeoutMS    int     `yaml:"timeout_ms" validate:"min=0,max=60000"`
}

// Timeout returns the HTTP request timeout as a duration, defaulting to 10s
func (c *SourceConfig) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ExecutionConfig contains strategy and source settings
type ExecutionConfig struct {
	SettleDelayMS int            `yaml:"settle_delay_ms" validate:"min=0,max=60000"`
	FailAtAmount  float64        `yaml:"fail_at_amount"`
	Seed          int64          `yaml:"seed"`
	Sources       []SourceConfig `yaml:"sources"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateQueueConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateWorkersConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.ListenAddr == "" {
		return ValidationError{
			Field:   "server.listen_addr",
			Message: "listen address is required",
		}
	}
	if c.Server.MaxConnections < 1 {
		return ValidationError{
			Field:   "server.max_connections",
			Value:   c.Server.MaxConnections,
			Message: "must be at least 1",
		}
	}
	if c.Server.RateLimit < 0 {
		return ValidationError{
			Field:   "server.rate_limit",
			Value:   c.Server.RateLimit,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if c.Database.Path == "" {
		return ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	if c.Queue.MaxAttempts < 1 || c.Queue.MaxAttempts > 10 {
		return ValidationError{
			Field:   "queue.max_attempts",
			Value:   c.Queue.MaxAttempts,
			Message: "must be between 1 and 10",
		}
	}
	if c.Queue.BaseBackoffMS < 100 || c.Queue.BaseBackoffMS > 60000 {
		return ValidationError{
			Field:   "queue.base_backoff_ms",
			Value:   c.Queue.BaseBackoffMS,
			Message: "must be between 100 and 60000",
		}
	}
	return nil
}

func (c *Config) validateWorkersConfig() error {
	if c.Workers.Market < 1 || c.Workers.Market > 100 {
		return ValidationError{
			Field:   "workers.market",
			Value:   c.Workers.Market,
			Message: "must be between 1 and 100",
		}
	}
	if c.Workers.Default < 1 || c.Workers.Default > 100 {
		return ValidationError{
			Field:   "workers.default",
			Value:   c.Workers.Default,
			Message: "must be between 1 and 100",
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.SettleDelayMS < 0 {
		return ValidationError{
			Field:   "execution.settle_delay_ms",
			Value:   c.Execution.SettleDelayMS,
			Message: "must not be negative",
		}
	}
	seen := make(map[string]bool)
	for i, src := range c.Execution.Sources {
		if src.Name == "" {
			return ValidationError{
				Field:   fmt.Sprintf("execution.sources[%d].name", i),
				Message: "source name is required",
			}
		}
		if seen[src.Name] {
			return ValidationError{
				Field:   fmt.Sprintf("execution.sources[%d].name", i),
				Value:   src.Name,
				Message: "duplicate source name",
			}
		}
		seen[src.Name] = true
		switch src.Type {
		case "", SourceTypeMock:
		case SourceTypeHTTP:
			if src.URL == "" {
				return ValidationError{
					Field:   fmt.Sprintf("execution.sources[%d].url", i),
					Message: "url is required for http sources",
				}
			}
		default:
			return ValidationError{
				Field:   fmt.Sprintf("execution.sources[%d].type", i),
				Value:   src.Type,
				Message: fmt.Sprintf("must be one of: %s, %s", SourceTypeMock, SourceTypeHTTP),
			}
		}
		if src.Fee < 0 || src.Fee > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("execution.sources[%d].fee", i),
				Value:   src.Fee,
				Message: "must be between 0 and 1",
			}
		}
		if src.VarianceLow > src.VarianceHigh {
			return ValidationError{
				Field:   fmt.Sprintf("execution.sources[%d].variance_low", i),
				Value:   src.VarianceLow,
				Message: "must not exceed variance_high",
			}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	for _, l := range validLevels {
		if c.System.LogLevel == l {
			return nil
		}
	}
	return ValidationError{
		Field:   "system.log_level",
		Value:   c.System.LogLevel,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
	}
}

// BaseBackoff returns the retry base delay as a duration
func (c *QueueConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

// SettleDelay returns the building phase settle delay as a duration
func (c *ExecutionConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":3000",
			AllowedOrigins: []string{"*"},
			MaxConnections: 1000,
			RateLimit:      50,
			RateBurst:      100,
		},
		Database: DatabaseConfig{
			Path: "orders.db",
		},
		Queue: QueueConfig{
			MaxAttempts:   3,
			BaseBackoffMS: 2000,
		},
		Workers: WorkersConfig{
			Market:  10,
			Default: 1,
		},
		Execution: ExecutionConfig{
			SettleDelayMS: 800,
			FailAtAmount:  999,
			Sources: []SourceConfig{
				{Name: "Raydium", Type: SourceTypeMock, Fee: 0.003, VarianceLow: 0.98, VarianceHigh: 1.02},
				{Name: "Meteora", Type: SourceTypeMock, Fee: 0.002, VarianceLow: 0.97, VarianceHigh: 1.02},
			},
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
