package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/easytouch-ble/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Log      LogConfig      `yaml:"log"`
	Devices  []DeviceConfig `yaml:"devices"`
	Poll     PollConfig     `yaml:"poll"`
	BLE      BLEConfig      `yaml:"ble"`
	Scan     ScanConfig     `yaml:"scan"`
	API      APIConfig      `yaml:"api"`
	NATS     NATSConfig     `yaml:"nats"`
}

// LogConfig holds log output settings.
type LogConfig struct {
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DeviceConfig identifies one thermostat.
type DeviceConfig struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

// PollConfig holds polling settings.
type PollConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`        // bound on one poll transaction
	CheckInterval time.Duration `yaml:"check_interval"` // how often due polls are evaluated
	StatusMode    string        `yaml:"status_mode"`    // "read" or "notify"
}

// BLEConfig holds retry ceilings and pauses for the session engine.
type BLEConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectPause    time.Duration `yaml:"connect_pause"`
	ServiceWait     time.Duration `yaml:"service_wait"`
	AuthAttempts    int           `yaml:"auth_attempts"`
	AuthPause       time.Duration `yaml:"auth_pause"`
	IOAttempts      int           `yaml:"io_attempts"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
}

// ScanConfig holds advertisement scanning settings.
type ScanConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Window            time.Duration `yaml:"window"`
	Interval          time.Duration `yaml:"interval"`
	ConnectableWindow time.Duration `yaml:"connectable_window"`
}

// APIConfig holds HTTP control surface settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NATSConfig holds NATS bridge settings.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "easytouch-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultSessionOptions()
	return &Config{
		LogLevel: "info",
		Log: LogConfig{
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Poll: PollConfig{
			Interval:      30 * time.Second,
			Timeout:       2 * time.Minute,
			CheckInterval: 5 * time.Second,
			StatusMode:    string(ble.StatusModeRead),
		},
		BLE: BLEConfig{
			ConnectTimeout:  opts.ConnectTimeout,
			ConnectAttempts: opts.ConnectAttempts,
			ConnectPause:    opts.ConnectPause,
			ServiceWait:     opts.ServiceWait,
			AuthAttempts:    opts.AuthAttempts,
			AuthPause:       opts.AuthPause,
			IOAttempts:      opts.IOAttempts,
			NotifyTimeout:   opts.NotifyTimeout,
		},
		Scan: ScanConfig{
			Window:            5 * time.Second,
			Interval:          30 * time.Second,
			ConnectableWindow: 2 * time.Minute,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8089",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "easytouch-ble",
			SubjectPrefix: "easytouch",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log.file is expanded to the user's home
// directory and device addresses are normalized.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Log.File = expandTilde(cfg.Log.File)
	for i := range cfg.Devices {
		cfg.Devices[i].Address = ble.NormalizeAddress(cfg.Devices[i].Address)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d].address must not be empty", i)
		}
		if !validAddress(d.Address) {
			return fmt.Errorf("devices[%d].address %q is neither a MAC address nor a UUID", i, d.Address)
		}
		if seen[d.Address] {
			return fmt.Errorf("devices[%d].address %q is listed twice", i, d.Address)
		}
		seen[d.Address] = true
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if c.Poll.Timeout <= 0 {
		return fmt.Errorf("poll.timeout must be > 0")
	}
	if c.Poll.CheckInterval <= 0 {
		return fmt.Errorf("poll.check_interval must be > 0")
	}
	switch ble.StatusMode(c.Poll.StatusMode) {
	case ble.StatusModeRead, ble.StatusModeNotify:
	default:
		return fmt.Errorf("poll.status_mode must be \"read\" or \"notify\", got %q", c.Poll.StatusMode)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.ConnectAttempts <= 0 || c.BLE.AuthAttempts <= 0 || c.BLE.IOAttempts <= 0 {
		return fmt.Errorf("ble attempt counts must be > 0")
	}
	if c.BLE.ConnectPause < 0 || c.BLE.ServiceWait < 0 || c.BLE.AuthPause < 0 {
		return fmt.Errorf("ble pauses must not be negative")
	}
	if c.BLE.NotifyTimeout <= 0 {
		return fmt.Errorf("ble.notify_timeout must be > 0")
	}

	if c.Scan.Enabled {
		if c.Scan.Window <= 0 || c.Scan.Interval <= 0 {
			return fmt.Errorf("scan.window and scan.interval must be > 0 when scanning is enabled")
		}
		if c.Scan.ConnectableWindow <= 0 {
			return fmt.Errorf("scan.connectable_window must be > 0 when scanning is enabled")
		}
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty when the API is enabled")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url must not be empty when NATS is enabled")
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, "*> ") {
			return fmt.Errorf("nats.subject_prefix must be a literal subject, got %q", c.NATS.SubjectPrefix)
		}
	}

	return nil
}

// Device returns the configured device with the given address.
func (c *Config) Device(address string) (DeviceConfig, bool) {
	address = ble.NormalizeAddress(address)
	for _, d := range c.Devices {
		if d.Address == address {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// SessionOptions converts the ble and poll sections to session options.
func (c *Config) SessionOptions() ble.SessionOptions {
	return ble.SessionOptions{
		ConnectTimeout:  c.BLE.ConnectTimeout,
		ConnectAttempts: c.BLE.ConnectAttempts,
		ConnectPause:    c.BLE.ConnectPause,
		ServiceWait:     c.BLE.ServiceWait,
		AuthAttempts:    c.BLE.AuthAttempts,
		AuthPause:       c.BLE.AuthPause,
		IOAttempts:      c.BLE.IOAttempts,
		NotifyTimeout:   c.BLE.NotifyTimeout,
		StatusMode:      ble.StatusMode(c.Poll.StatusMode),
	}
}

// validAddress accepts a colon separated MAC address or the UUID form that
// CoreBluetooth uses in place of MAC addresses.
func validAddress(addr string) bool {
	if _, err := uuid.Parse(addr); err == nil {
		return true
	}
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

const defaultConfigYAML = `# easytouch-ble configuration
# Durations use Go syntax: 250ms, 30s, 2m.

log_level: info
log:
  format: text        # text or json
  file: ""            # e.g. ~/.local/state/easytouch-ble/easytouch.log
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
  compress: false

devices: []
#  - address: "AA:BB:CC:DD:EE:FF"
#    name: Living room
#    password: "1234"
#    email: you@example.com

poll:
  interval: 30s
  timeout: 2m
  check_interval: 5s
  status_mode: read   # read or notify

ble:
  connect_timeout: 20s
  connect_attempts: 7
  connect_pause: 250ms
  service_wait: 2s
  auth_attempts: 3
  auth_pause: 2s
  io_attempts: 3
  notify_timeout: 15s

scan:
  enabled: false
  window: 5s
  interval: 30s
  connectable_window: 2m

api:
  enabled: false
  listen: 127.0.0.1:8089

nats:
  enabled: false
  url: nats://127.0.0.1:4222
  name: easytouch-ble
  subject_prefix: easytouch
  max_reconnects: -1
  reconnect_wait: 2s
`

// WriteDefault writes a commented default config to DefaultConfigPath.
// If the file already exists it is left alone and "" is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
