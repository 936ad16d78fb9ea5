// Package config holds the attach configuration loaded from file, env and
// flags.
package config

import (
	"fmt"
	"time"

	"github.com/yairfalse/threadprio/internal/layout"
	"github.com/yairfalse/threadprio/internal/rules"
	"go.uber.org/zap/zapcore"
)

// DefaultNATSSubject carries one thread-start notification per message
const DefaultNATSSubject = "threadprio.threads.started"

// RuleConfig is one rule as written in a config file
type RuleConfig struct {
	ThreadName string `json:"thread_name" yaml:"thread_name" mapstructure:"thread_name"`
	Prio       string `json:"prio" yaml:"prio" mapstructure:"prio"`
}

// NATSConfig configures the NATS notification source
type NATSConfig struct {
	// URL enables the source when set, e.g. nats://127.0.0.1:4222
	URL     string `json:"url" yaml:"url" mapstructure:"url"`
	Subject string `json:"subject" yaml:"subject" mapstructure:"subject"`
	// Queue joins a queue group so several agents share the subject
	Queue string `json:"queue" yaml:"queue" mapstructure:"queue"`
}

// Config is the full attach configuration
type Config struct {
	// PID of the target VM process
	PID int `json:"pid" yaml:"pid" mapstructure:"pid"`

	// Options in the thread_name=...;prio=... syntax
	Options string `json:"options" yaml:"options" mapstructure:"options"`

	// Rules are installed before the rules from Options
	Rules []RuleConfig `json:"rules" yaml:"rules" mapstructure:"rules"`

	// Library is the VM library exporting the layout table (default: libjvm.so)
	Library string             `json:"library" yaml:"library" mapstructure:"library"`
	Symbols layout.SymbolNames `json:"symbols" yaml:"symbols" mapstructure:"symbols"`

	// ThreadField is the long field of java.lang.Thread holding the JavaThread address
	ThreadField string `json:"thread_field" yaml:"thread_field" mapstructure:"thread_field"`

	// MaxRecords bounds the layout table walk (default: 100000)
	MaxRecords int `json:"max_records" yaml:"max_records" mapstructure:"max_records"`

	// DryRun logs priorities instead of applying them
	DryRun bool `json:"dry_run" yaml:"dry_run" mapstructure:"dry_run"`

	// Listen is the HTTP notification address; empty disables it
	Listen string     `json:"listen" yaml:"listen" mapstructure:"listen"`
	NATS   NATSConfig `json:"nats" yaml:"nats" mapstructure:"nats"`

	OTLPEndpoint    string        `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	LogLevel        string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns a Config with defaults applied
func DefaultConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults applies default values to unset fields
func (c *Config) SetDefaults() {
	if c.Library == "" {
		c.Library = "libjvm.so"
	}
	if c.Symbols == (layout.SymbolNames{}) {
		c.Symbols = layout.HotSpotSymbols()
	}
	if c.ThreadField == "" {
		c.ThreadField = "eetop"
	}
	if c.MaxRecords == 0 {
		c.MaxRecords = layout.DefaultMaxRecords
	}
	if c.Listen == "" && c.NATS.URL == "" {
		c.Listen = "127.0.0.1:7171"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for attaching to a process
func (c *Config) Validate() error {
	if c.PID <= 0 {
		return fmt.Errorf("pid must be positive, got %d", c.PID)
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("max_records cannot be negative, got %d", c.MaxRecords)
	}
	if c.Listen == "" && c.NATS.URL == "" {
		return fmt.Errorf("at least one of listen or nats.url must be set")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", c.ShutdownTimeout)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// CompileRules compiles the configured rules in order. Invalid rules are
// returned in dropped, like malformed option groups.
func (c *Config) CompileRules() (compiled []rules.Rule, dropped []error) {
	for i, rc := range c.Rules {
		rule, err := rules.CompileGroup(rc.ThreadName, rc.Prio)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		compiled = append(compiled, rule)
	}
	return compiled, dropped
}
