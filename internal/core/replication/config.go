package replication

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netforge/replica/internal/core/transport"
)

// Config tunes the replication core.
type Config struct {
	// TickInterval is the intended cadence of Update calls, used by the
	// server loop and surfaced in stats. The core itself is driven by the
	// caller and does not own a timer.
	TickInterval time.Duration `yaml:"tick_interval"`

	// RetryBase is the first retransmission delay for an unacked reliable
	// delta; each retry doubles it.
	RetryBase time.Duration `yaml:"retry_base"`

	// RetryLimit caps delivery attempts per delta before the target peers
	// are reported unreachable.
	RetryLimit int `yaml:"retry_limit"`

	// DeltaChannel carries state deltas. Reliable channels get
	// acknowledgement and retransmission; unreliable ones rely on the
	// version check alone.
	DeltaChannel transport.ChannelType `yaml:"delta_channel"`

	// ControlChannel carries spawns, despawns, acks and ownership changes.
	ControlChannel transport.ChannelType `yaml:"control_channel"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   50 * time.Millisecond,
		RetryBase:      250 * time.Millisecond,
		RetryLimit:     8,
		DeltaChannel:   transport.ChannelReliableOrdered,
		ControlChannel: transport.ChannelReliableOrdered,
		LogLevel:       "info",
	}
}

// UnmarshalYAML decodes over the receiver so absent keys keep their
// current values, and accepts durations in time.ParseDuration form.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		TickInterval   string                 `yaml:"tick_interval"`
		RetryBase      string                 `yaml:"retry_base"`
		RetryLimit     *int                   `yaml:"retry_limit"`
		DeltaChannel   *transport.ChannelType `yaml:"delta_channel"`
		ControlChannel *transport.ChannelType `yaml:"control_channel"`
		LogLevel       string                 `yaml:"log_level"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	if r.TickInterval != "" {
		d, err := time.ParseDuration(r.TickInterval)
		if err != nil {
			return fmt.Errorf("tick_interval: %w", err)
		}
		c.TickInterval = d
	}
	if r.RetryBase != "" {
		d, err := time.ParseDuration(r.RetryBase)
		if err != nil {
			return fmt.Errorf("retry_base: %w", err)
		}
		c.RetryBase = d
	}
	if r.RetryLimit != nil {
		c.RetryLimit = *r.RetryLimit
	}
	if r.DeltaChannel != nil {
		c.DeltaChannel = *r.DeltaChannel
	}
	if r.ControlChannel != nil {
		c.ControlChannel = *r.ControlChannel
	}
	if r.LogLevel != "" {
		c.LogLevel = r.LogLevel
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.TickInterval)
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("retry_base must be positive, got %v", c.RetryBase)
	}
	if c.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1, got %d", c.RetryLimit)
	}
	if !c.ControlChannel.IsReliable() {
		return fmt.Errorf("control_channel must be reliable, got %s", c.ControlChannel)
	}
	return nil
}
