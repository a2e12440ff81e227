// Package config defines govd's top-level configuration: a single YAML
// document loaded at startup, following the zero-config-by-default pattern
// the daemon uses throughout (DefaultConfig returns a runnable config with
// no file present).
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30s", "1h") as well as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"dataDir"`
	APIKeys    []string         `yaml:"apiKeys"`
	Capability CapabilityConfig `yaml:"capability"`
	Consent    ConsentConfig    `yaml:"consent"`
	Chaos      ChaosConfig      `yaml:"chaos"`
	Overload   OverloadConfig   `yaml:"overload"`
	Spend      SpendConfig      `yaml:"spend"`
	Log        LogConfig        `yaml:"log"`
}

// SpendConfig selects the spend ledger's bucket backend. Backend "redis"
// requires Address; anything else (including empty) uses the in-process
// backend, which does not survive a restart.
type SpendConfig struct {
	Backend string `yaml:"backend"` // "memory" (default) or "redis"
	Address string `yaml:"address"`
}

// ListenConfig is the HTTP/WS bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// CapabilityConfig bounds token issuance.
type CapabilityConfig struct {
	MaxTokenTTL Duration `yaml:"maxTokenTtl"`
	SecretBytes int      `yaml:"secretBytes"`
}

// ConsentConfig bounds the ask/await rendezvous.
type ConsentConfig struct {
	DefaultDeadline Duration `yaml:"defaultDeadline"`
	MaxDeadline     Duration `yaml:"maxDeadline"`
}

// ChaosConfig holds a process-wide default chaos seed. No component reads
// DefaultSeed: a policy that enables chaos without its own seed draws from
// the chaos package's process-wide RNG, whatever this field is set to.
type ChaosConfig struct {
	DefaultSeed *int64 `yaml:"defaultSeed"`
}

// OverloadConfig bounds the daemon's shared resources.
type OverloadConfig struct {
	MaxAskTicketsPerAgent int      `yaml:"maxAskTicketsPerAgent"`
	MaxSubscriptions      int      `yaml:"maxSubscriptions"`
	SubscriptionQueueSize int      `yaml:"subscriptionQueueSize"`
	WebhookRetryWindow    Duration `yaml:"webhookRetryWindow"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a config that runs with no file present: loopback
// HTTP on port 3434, a ./data directory, no API keys (every request is
// rejected until at least one is configured), and conservative defaults for
// capability ceilings, consent deadlines, and overload bounds.
func DefaultConfig() *Config {
	return &Config{
		Listen:  ListenConfig{Address: "127.0.0.1:3434"},
		DataDir: "./data",
		Capability: CapabilityConfig{
			MaxTokenTTL: Duration(24 * time.Hour),
			SecretBytes: 32,
		},
		Consent: ConsentConfig{
			DefaultDeadline: Duration(120 * time.Second),
			MaxDeadline:     Duration(24 * time.Hour),
		},
		Overload: OverloadConfig{
			MaxAskTicketsPerAgent: 100,
			MaxSubscriptions:      1000,
			SubscriptionQueueSize: 256,
			WebhookRetryWindow:    Duration(5 * time.Minute),
		},
		Spend: SpendConfig{Backend: "memory"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// TemplatesDir is the watched directory of policy template YAML files,
// always a fixed subdirectory of DataDir so the data directory is the
// single thing an operator needs to back up.
func (c *Config) TemplatesDir() string { return c.DataDir + "/templates" }

// DBPath is the SQLite database file backing the journal, tokens, roles,
// and webhooks.
func (c *Config) DBPath() string { return c.DataDir + "/govd.db" }
