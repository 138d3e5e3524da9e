// Package config holds the session and CLI configuration: struct-tag defaults,
// an optional YAML file on top, then command-line overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blesession/internal/device"
	"gopkg.in/yaml.v3"
)

// ReadMode selects how the Data Reader obtains readings.
type ReadMode string

const (
	ReadModePoll   ReadMode = "poll"
	ReadModeNotify ReadMode = "notify"
)

// Config holds all application configuration.
type Config struct {
	Transport string  `yaml:"transport" default:"goble"`
	LogLevel  string  `yaml:"log_level" default:"info"`
	Session   Session `yaml:"session"`
}

// Session configures one device session. The state machine keeps its own
// copy, so changes after Start have no effect.
type Session struct {
	TargetName    string `yaml:"target_name" default:"Xsens DOT"`
	TargetAddress string `yaml:"target_address"` // when set, replaces name matching

	ServiceID         string   `yaml:"service_id" default:"15173000-4947-11e9-8646-d663bd873d93"`
	CharacteristicIDs []string `yaml:"characteristic_ids"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	ConnectRetries int           `yaml:"connect_retries" default:"2"`

	ReadMode     ReadMode      `yaml:"read_mode" default:"poll"`
	PollInterval time.Duration `yaml:"poll_interval" default:"1s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"5s"`

	AutoReconnect     bool          `yaml:"auto_reconnect" default:"false"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" default:"2s"`

	EventQueueCapacity int `yaml:"event_queue_capacity" default:"64"`
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blesession", "config.yaml")
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Session.applyDefaults()
	return cfg
}

// DefaultSession returns the default session settings.
func DefaultSession() Session {
	return Default().Session
}

func (s *Session) applyDefaults() {
	if len(s.CharacteristicIDs) == 0 {
		s.CharacteristicIDs = []string{device.XsensBatteryCharUUID}
	}
}

// Load reads and parses a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	// yaml.v3 leaves absent keys untouched, but an explicit empty list would
	// clear the characteristic defaults
	cfg.Session.CharacteristicIDs = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Session.applyDefaults()

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}
	if c.Transport == "" {
		return fmt.Errorf("transport must not be empty")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session.%w", err)
	}
	return nil
}

// Validate checks the session settings.
func (s *Session) Validate() error {
	if s.TargetName == "" && s.TargetAddress == "" {
		return fmt.Errorf("target_name or target_address must be set")
	}
	if s.ServiceID != "" {
		if _, err := device.ValidateUUID(s.ServiceID); err != nil {
			return fmt.Errorf("service_id: %w", err)
		}
	}
	if _, err := device.ValidateUUID(s.CharacteristicIDs...); err != nil {
		return fmt.Errorf("characteristic_ids: %w", err)
	}
	if s.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be > 0")
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if s.ConnectRetries < 0 {
		return fmt.Errorf("connect_retries must be >= 0")
	}
	switch s.ReadMode {
	case ReadModePoll:
		if s.PollInterval <= 0 {
			return fmt.Errorf("poll_interval must be > 0 in poll mode")
		}
	case ReadModeNotify:
	default:
		return fmt.Errorf("read_mode must be \"poll\" or \"notify\", got %q", s.ReadMode)
	}
	if s.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be > 0")
	}
	if s.AutoReconnect && s.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be > 0 when auto_reconnect is on")
	}
	if s.EventQueueCapacity <= 0 {
		return fmt.Errorf("event_queue_capacity must be > 0")
	}
	return nil
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.CharacteristicIDs = append([]string(nil), s.CharacteristicIDs...)
	return s
}

// PrimaryCharacteristic returns the characteristic readings are taken from.
func (s *Session) PrimaryCharacteristic() string {
	if len(s.CharacteristicIDs) == 0 {
		return ""
	}
	return s.CharacteristicIDs[0]
}
