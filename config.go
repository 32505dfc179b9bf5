package scriptrt

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Constraints is the per-VM bounds snapshot consulted by host providers.
type Constraints struct {
	MaxKeyLength        int // KV key length
	MaxValueBytes       int // serialized KV value size
	MaxObjectPathLength int // object storage path length
	MaxObjectBytes      int // object storage payload size
}

// DefaultConstraints mirrors the deployment defaults.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxKeyLength:        512,
		MaxValueBytes:       256 * 1024,
		MaxObjectPathLength: 2048,
		MaxObjectBytes:      512 * 1024,
	}
}

// Config holds runtime configuration for the dispatch core.
type Config struct {
	Workers             int           // worker goroutines in the pool
	InactivityThreshold time.Duration // tenant VM eviction age
	WaitTimeout         time.Duration // default dispatcher wait deadline
	MaxExecutionTime    time.Duration // hard per-evaluation wall clock cap
	ExpiryTick          time.Duration // key expiry scheduler cadence
	MaxEventBytes       int           // serialized event payload cap

	// BotUserID is the bot's own user id; self-originated events are
	// suppressed against it (audit-log events excepted).
	BotUserID string

	// SupportServerInvite is appended to error reports sent to a script's
	// error channel.
	SupportServerInvite string

	// BaseScript, when enabled, is a deployment-wide script injected into
	// every tenant's load set. Off by default.
	BaseScriptEnabled bool
	BaseScriptName    string
	BaseScriptSource  string

	// Limits is the per-capability-family quota layout applied to every
	// tenant VM. Nil falls back to DefaultLimits.
	Limits map[string]FamilyLimits

	Constraints Constraints
}

// fileConfig is the TOML shape of Config: durations are strings in
// time.ParseDuration syntax. Pointer fields distinguish absent from zero.
type fileConfig struct {
	Workers             *int    `toml:"workers"`
	InactivityThreshold *string `toml:"inactivity_threshold"`
	WaitTimeout         *string `toml:"wait_timeout"`
	MaxExecutionTime    *string `toml:"max_execution_time"`
	ExpiryTick          *string `toml:"expiry_tick"`
	MaxEventBytes       *int    `toml:"max_event_bytes"`
	BotUserID           *string `toml:"bot_user_id"`
	SupportServerInvite *string `toml:"support_server_invite"`
	BaseScriptEnabled   *bool   `toml:"base_script_enabled"`
	BaseScriptName      *string `toml:"base_script_name"`
	BaseScriptSource    *string `toml:"base_script_source"`

	Constraints struct {
		MaxKeyLength        *int `toml:"max_key_length"`
		MaxValueBytes       *int `toml:"max_value_bytes"`
		MaxObjectPathLength *int `toml:"max_object_path_length"`
		MaxObjectBytes      *int `toml:"max_object_bytes"`
	} `toml:"constraints"`
}

func (f *fileConfig) overlay(cfg *Config) error {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDur := func(dst *time.Duration, src *string, field string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
		*dst = d
		return nil
	}

	setInt(&cfg.Workers, f.Workers)
	setInt(&cfg.MaxEventBytes, f.MaxEventBytes)
	if err := setDur(&cfg.InactivityThreshold, f.InactivityThreshold, "inactivity_threshold"); err != nil {
		return err
	}
	if err := setDur(&cfg.WaitTimeout, f.WaitTimeout, "wait_timeout"); err != nil {
		return err
	}
	if err := setDur(&cfg.MaxExecutionTime, f.MaxExecutionTime, "max_execution_time"); err != nil {
		return err
	}
	if err := setDur(&cfg.ExpiryTick, f.ExpiryTick, "expiry_tick"); err != nil {
		return err
	}
	if f.BotUserID != nil {
		cfg.BotUserID = *f.BotUserID
	}
	if f.SupportServerInvite != nil {
		cfg.SupportServerInvite = *f.SupportServerInvite
	}
	if f.BaseScriptEnabled != nil {
		cfg.BaseScriptEnabled = *f.BaseScriptEnabled
	}
	if f.BaseScriptName != nil {
		cfg.BaseScriptName = *f.BaseScriptName
	}
	if f.BaseScriptSource != nil {
		cfg.BaseScriptSource = *f.BaseScriptSource
	}
	setInt(&cfg.Constraints.MaxKeyLength, f.Constraints.MaxKeyLength)
	setInt(&cfg.Constraints.MaxValueBytes, f.Constraints.MaxValueBytes)
	setInt(&cfg.Constraints.MaxObjectPathLength, f.Constraints.MaxObjectPathLength)
	setInt(&cfg.Constraints.MaxObjectBytes, f.Constraints.MaxObjectBytes)
	return nil
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             8,
		InactivityThreshold: 10 * time.Minute,
		WaitTimeout:         60 * time.Second,
		MaxExecutionTime:    10 * time.Minute,
		ExpiryTick:          time.Second,
		MaxEventBytes:       2 * 1024 * 1024,
		BaseScriptName:      "$base",
		Limits:              DefaultLimits(),
		Constraints:         DefaultConstraints(),
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	var file fileConfig
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := file.overlay(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.ExpiryTick <= 0 {
		return fmt.Errorf("config: expiry_tick must be positive")
	}
	if c.MaxEventBytes <= 0 {
		return fmt.Errorf("config: max_event_bytes must be positive")
	}
	return nil
}
