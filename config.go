package onion

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WindowConfig describes one flow-control window.
type WindowConfig struct {
	// Ceiling is the starting and maximum credit.
	Ceiling int
	// Increment is the credit one SENDME grants.
	Increment int
	// LowWater is the receive threshold: a SENDME is emitted once the
	// window falls below it.
	LowWater int
}

func (w WindowConfig) validate(scope string) error {
	switch {
	case w.Ceiling <= 0:
		return fmt.Errorf("config: %s window Ceiling must be positive, got %d", scope, w.Ceiling)
	case w.Increment <= 0:
		return fmt.Errorf("config: %s window Increment must be positive, got %d", scope, w.Increment)
	case w.Increment > w.Ceiling:
		return fmt.Errorf("config: %s window Increment %d exceeds Ceiling %d", scope, w.Increment, w.Ceiling)
	case w.LowWater < 1 || w.LowWater >= w.Ceiling:
		return fmt.Errorf("config: %s window LowWater %d must be in [1, %d)", scope, w.LowWater, w.Ceiling)
	case w.Increment > w.Ceiling-w.LowWater:
		// The peer credits the full increment, so the local restore must
		// never be clipped by the ceiling.
		return fmt.Errorf("config: %s window Increment %d exceeds Ceiling-LowWater %d", scope, w.Increment, w.Ceiling-w.LowWater)
	}
	return nil
}

// FlowControlConfig holds the circuit and stream window parameters.
type FlowControlConfig struct {
	Circuit WindowConfig
	Stream  WindowConfig
}

// DefaultFlowControlConfig returns Tor's window parameters.
func DefaultFlowControlConfig() FlowControlConfig {
	return FlowControlConfig{
		Circuit: WindowConfig{Ceiling: 1000, Increment: 100, LowWater: 900},
		Stream:  WindowConfig{Ceiling: 500, Increment: 50, LowWater: 450},
	}
}

// LoggingConfig configures the base logger circuits derive from.
type LoggingConfig struct {
	// Disable turns off all logging.
	Disable bool
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string
}

// DefaultLoggingConfig returns the default configuration.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info"}
}

// MetricsConfig configures metric names.
type MetricsConfig struct {
	// Namespace prefixes every metric name.
	Namespace string
}

// Config is the top-level engine configuration.
type Config struct {
	FlowControl FlowControlConfig
	Limits      LimitsConfig
	Logging     LoggingConfig
	Metrics     MetricsConfig
}

// DefaultConfig returns a configuration with every section at its default.
func DefaultConfig() *Config {
	return &Config{
		FlowControl: DefaultFlowControlConfig(),
		Limits:      DefaultLimitsConfig(),
		Logging:     DefaultLoggingConfig(),
		Metrics:     MetricsConfig{Namespace: "onion"},
	}
}

// FixupAndValidate fills in unset fields and checks the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLoggingConfig().Level
	}
	if c.Limits.StreamBufferSize == 0 {
		c.Limits.StreamBufferSize = DefaultLimitsConfig().StreamBufferSize
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "onion"
	}

	if err := c.FlowControl.Circuit.validate("circuit"); err != nil {
		return err
	}
	if err := c.FlowControl.Stream.validate("stream"); err != nil {
		return err
	}
	if err := c.Limits.validate(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: invalid log level %q: %w", c.Logging.Level, err)
	}
	return nil
}

// Load parses a TOML configuration on top of the defaults.
func Load(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// NewLogger returns the base logger described by cfg.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	if cfg.Disable {
		return zerolog.Nop(), nil
	}
	if cfg.Level == "" {
		return log.Logger, nil
	}
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), errors.Join(fmt.Errorf("config: invalid log level %q", cfg.Level), err)
	}
	return log.Logger.Level(lvl), nil
}
