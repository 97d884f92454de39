// Package config holds the service configuration, its defaults and
// validation, and the environment snapshot handed to provider adapters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an invalid or incomplete configuration. The
// CLI maps it to its own exit code, distinct from runtime failures.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// NewConfigurationError builds a ConfigurationError for field.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// Config is the top-level service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pool    PoolConfig    `yaml:"pool"`
	Agent   AgentConfig   `yaml:"agent"`
	Timeout TimeoutConfig `yaml:"timeouts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the proxy surfaces.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Mode     string `yaml:"mode"` // http, p2p, or both
	PeerName string `yaml:"peer_name"`
}

// PoolConfig configures the computer session pool.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// AgentConfig carries per-run defaults that a request may override.
type AgentConfig struct {
	Model                string  `yaml:"model"`
	MaxSteps             int     `yaml:"max_steps"`
	MaxBudget            float64 `yaml:"max_budget"`
	ScreenshotRetention  int     `yaml:"screenshot_retention"`
	TrajectoryDir        string  `yaml:"trajectory_dir"`
	SaveTrajectory       bool    `yaml:"save_trajectory"`
	UsePromptCaching     bool    `yaml:"use_prompt_caching"`
	TelemetryEnabled     bool    `yaml:"telemetry_enabled"`
}

// TimeoutConfig bounds the blocking operations of a run.
type TimeoutConfig struct {
	LLMRequest       time.Duration `yaml:"llm_request"`
	ComputerAction   time.Duration `yaml:"computer_action"`
	RunWall          time.Duration `yaml:"run_wall"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "http"
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = 5
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 300 * time.Second
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = 60 * time.Second
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 100
	}
	if c.Agent.ScreenshotRetention == 0 {
		c.Agent.ScreenshotRetention = 3
	}
	if c.Agent.TrajectoryDir == "" {
		c.Agent.TrajectoryDir = "trajectories"
	}
	if c.Timeout.LLMRequest == 0 {
		c.Timeout.LLMRequest = 120 * time.Second
	}
	if c.Timeout.ComputerAction == 0 {
		c.Timeout.ComputerAction = 30 * time.Second
	}
	if c.Timeout.RunWall == 0 {
		c.Timeout.RunWall = 30 * time.Minute
	}
	if c.Timeout.ShutdownDeadline == 0 {
		c.Timeout.ShutdownDeadline = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks invariants after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return NewConfigurationError("server.port", fmt.Sprintf("invalid port %d", c.Server.Port))
	}
	switch c.Server.Mode {
	case "http", "p2p", "both":
	default:
		return NewConfigurationError("server.mode", fmt.Sprintf("must be http, p2p, or both, got %q", c.Server.Mode))
	}
	if c.Pool.Size < 1 {
		return NewConfigurationError("pool.size", "must be at least 1")
	}
	if c.Agent.MaxSteps < 1 {
		return NewConfigurationError("agent.max_steps", "must be at least 1")
	}
	if c.Agent.MaxBudget < 0 {
		return NewConfigurationError("agent.max_budget", "must not be negative")
	}
	if c.Agent.ScreenshotRetention < 0 {
		return NewConfigurationError("agent.screenshot_retention", "must not be negative")
	}
	return nil
}

// Load reads a YAML config file, applies defaults, and validates. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewConfigurationError("config", err.Error())
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, NewConfigurationError("config", fmt.Sprintf("parse %s: %v", path, err))
		}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
