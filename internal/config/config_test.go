package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/threadprio/internal/layout"
	"github.com/yairfalse/threadprio/internal/rules"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, "libjvm.so", c.Library)
	assert.Equal(t, layout.HotSpotSymbols(), c.Symbols)
	assert.Equal(t, "eetop", c.ThreadField)
	assert.Equal(t, layout.DefaultMaxRecords, c.MaxRecords)
	assert.Equal(t, "127.0.0.1:7171", c.Listen)
	assert.Equal(t, DefaultNATSSubject, c.NATS.Subject)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 10*time.Second, c.ShutdownTimeout)
}

func TestSetDefaultsKeepsNATSOnly(t *testing.T) {
	c := &Config{NATS: NATSConfig{URL: "nats://127.0.0.1:4222"}}
	c.SetDefaults()
	assert.Empty(t, c.Listen)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no pid", func(c *Config) { c.PID = 0 }, "pid must be positive"},
		{"negative max records", func(c *Config) { c.MaxRecords = -1 }, "max_records"},
		{"no source", func(c *Config) { c.Listen = "" }, "listen or nats.url"},
		{"zero timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"incomplete rule left to compilation", func(c *Config) { c.Rules = []RuleConfig{{ThreadName: "x"}} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.PID = 1234
			tt.modify(c)

			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileRules(t *testing.T) {
	c := &Config{Rules: []RuleConfig{
		{ThreadName: "GC Thread.*", Prio: "best_effort(7)"},
		{ThreadName: "Worker-.*", Prio: "fast"},
		{ThreadName: "C2 .*", Prio: "idle"},
		{ThreadName: "Finalizer", Prio: ""},
		{ThreadName: "", Prio: "idle"},
	}}

	compiled, dropped := c.CompileRules()
	require.Len(t, compiled, 2)
	require.Len(t, dropped, 3)

	assert.Equal(t, "GC Thread.*", compiled[0].Pattern.String())
	assert.Equal(t, "C2 .*", compiled[1].Pattern.String())
	for _, err := range dropped {
		assert.ErrorIs(t, err, rules.ErrMalformedGroup)
	}
	assert.Contains(t, dropped[0].Error(), "rules[1]")
	assert.Contains(t, dropped[1].Error(), "rules[3]")
	assert.Contains(t, dropped[1].Error(), "missing prio")
	assert.Contains(t, dropped[2].Error(), "rules[4]")
	assert.Contains(t, dropped[2].Error(), "missing thread_name")
}

func TestIncompleteRuleDoesNotFailValidation(t *testing.T) {
	c := DefaultConfig()
	c.PID = 1234
	c.Rules = []RuleConfig{
		{ThreadName: "Worker-.*", Prio: "idle"},
		{ThreadName: "GC.*"},
	}
	require.NoError(t, c.Validate())

	compiled, dropped := c.CompileRules()
	require.Len(t, compiled, 1)
	assert.Equal(t, "Worker-.*", compiled[0].Pattern.String())
	require.Len(t, dropped, 1)
	assert.Contains(t, dropped[0].Error(), "rules[1]")
}

func TestYAMLFile(t *testing.T) {
	data := []byte(`
pid: 4242
options: "thread_name=Worker-.*;prio=idle"
rules:
  - thread_name: "GC Thread.*"
    prio: best_effort(7)
nats:
  url: nats://127.0.0.1:4222
  queue: agents
shutdown_timeout: 5s
`)
	var c Config
	require.NoError(t, yaml.Unmarshal(data, &c))
	c.SetDefaults()

	assert.Equal(t, 4242, c.PID)
	assert.Len(t, c.Rules, 1)
	assert.Equal(t, "agents", c.NATS.Queue)
	assert.Equal(t, DefaultNATSSubject, c.NATS.Subject)
	assert.Equal(t, 5*time.Second, c.ShutdownTimeout)
	assert.NoError(t, c.Validate())
}
