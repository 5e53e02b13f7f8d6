package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Session  SessionConfig `yaml:"session"`
	Send     SendConfig    `yaml:"send"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the controller and how to find it.
type DeviceConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	NameFilter         string `yaml:"name_filter"` // case-insensitive substring
	Address            string `yaml:"address"`     // connect here when run has no -address
}

// SessionConfig holds connection management settings.
type SessionConfig struct {
	Reconnect          string        `yaml:"reconnect"`       // "link_loss" or "never"
	ConnectFailure     string        `yaml:"connect_failure"` // "retry" or "manual"
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"` // 0 disables polling
	SyncClockOnConnect bool          `yaml:"sync_clock_on_connect"`
}

// SendConfig holds acknowledged-delivery settings.
type SendConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	WriteBackoff time.Duration `yaml:"write_backoff"`
}

// Reconnect and connect-failure policy names.
const (
	ReconnectLinkLoss = "link_loss"
	ReconnectNever    = "never"

	ConnectFailureRetry  = "retry"
	ConnectFailureManual = "manual"
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "uvscctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ServiceUUID:        "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			CharacteristicUUID: "beb5483e-36e1-4688-b7f5-ea07361b26a8",
		},
		Session: SessionConfig{
			Reconnect:          ReconnectLinkLoss,
			ConnectFailure:     ConnectFailureRetry,
			ReconnectMax:       30 * time.Second,
			ConnectTimeout:     20 * time.Second,
			SyncClockOnConnect: true,
		},
		Send: SendConfig{
			MaxAttempts:  5,
			AckTimeout:   10 * time.Second,
			WriteBackoff: 500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Valid UUIDs are normalised to lower-case canonical form.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.ServiceUUID = canonicalUUID(cfg.Device.ServiceUUID)
	cfg.Device.CharacteristicUUID = canonicalUUID(cfg.Device.CharacteristicUUID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.Device.ServiceUUID); err != nil {
		return fmt.Errorf("device.service_uuid %q: %w", c.Device.ServiceUUID, err)
	}
	if _, err := uuid.Parse(c.Device.CharacteristicUUID); err != nil {
		return fmt.Errorf("device.characteristic_uuid %q: %w", c.Device.CharacteristicUUID, err)
	}

	switch c.Session.Reconnect {
	case ReconnectLinkLoss, ReconnectNever:
	default:
		return fmt.Errorf("session.reconnect must be %q or %q, got %q", ReconnectLinkLoss, ReconnectNever, c.Session.Reconnect)
	}

	switch c.Session.ConnectFailure {
	case ConnectFailureRetry, ConnectFailureManual:
	default:
		return fmt.Errorf("session.connect_failure must be %q or %q, got %q", ConnectFailureRetry, ConnectFailureManual, c.Session.ConnectFailure)
	}

	if c.Session.ReconnectMax <= 0 {
		return fmt.Errorf("session.reconnect_max must be > 0")
	}
	if c.Session.ConnectTimeout < 0 {
		return fmt.Errorf("session.connect_timeout must not be negative")
	}
	if c.Session.PollInterval < 0 {
		return fmt.Errorf("session.poll_interval must not be negative")
	}

	if c.Send.MaxAttempts < 1 {
		return fmt.Errorf("send.max_attempts must be >= 1")
	}
	if c.Send.AckTimeout <= 0 {
		return fmt.Errorf("send.ack_timeout must be > 0")
	}
	if c.Send.WriteBackoff <= 0 {
		return fmt.Errorf("send.write_backoff must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = "# uvscctl configuration\n# See device, session and send sections for tunables.\n\n"

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// canonicalUUID returns s in canonical form, or s unchanged if it does not
// parse. Validate reports the latter.
func canonicalUUID(s string) string {
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return u.String()
}
