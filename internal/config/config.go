// Package config loads the Speech2Prompt daemon configuration: pairing
// mode, BLE timing parameters, and logging, via the familiar
// Default/Load/Validate/WriteDefault shape.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	DeviceName string        `yaml:"device_name"`
	Pairing    PairingConfig `yaml:"pairing"`
	BLE        BLEConfig     `yaml:"ble"`
	Inject     InjectConfig  `yaml:"inject"`
	LogLevel   string        `yaml:"log_level"`
}

// PairingConfig holds pairing-mode settings.
type PairingConfig struct {
	Mode         string `yaml:"mode"`          // "ecdh" or "pin"
	PIN          string `yaml:"pin,omitempty"` // legacy PIN-mode shared secret material
	AutoApprove  bool   `yaml:"auto_approve"`  // desktop: skip the confirmation gate entirely (dev/demo only)
	CredentialDB string `yaml:"credential_db"` // path to the encrypted paired-peer store
}

// BLEConfig holds transport timing settings.
type BLEConfig struct {
	MTU            int           `yaml:"mtu"`
	QueueSize      int           `yaml:"queue_size"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	HeartbeatMiss  time.Duration `yaml:"heartbeat_miss"` // silence before Reconnecting
	ReconnectMax   int           `yaml:"reconnect_max"`  // max reconnect attempts before Failed
	ReconnectBase  time.Duration `yaml:"reconnect_base"` // base delay, doubled per attempt
}

// InjectConfig holds Event Processor / Injector Adapter settings.
type InjectConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "speech2prompt")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the default data directory for application state
// (the credentials store lives here by default).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "speech2prompt")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Pairing: PairingConfig{
			Mode:         "ecdh",
			CredentialDB: filepath.Join(DefaultDataDir(), "peers.enc"),
		},
		BLE: BLEConfig{
			MTU:            23,
			QueueSize:      64,
			AckTimeout:     5 * time.Second,
			HeartbeatEvery: 5 * time.Second,
			HeartbeatMiss:  15 * time.Second,
			ReconnectMax:   5,
			ReconnectBase:  time.Second,
		},
		Inject: InjectConfig{
			Enabled: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file, starting from Default() and
// unmarshalling on top. Before reading the YAML, Load calls
// godotenv.Load() (ignoring a missing .env) so S2P_* environment
// variables can override secrets — pairing PIN and device name — the
// same way a 12-factor service loads its env file before its static
// config, without editing the YAML. Tilde (~) in CredentialDB is
// expanded to the user's home directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if v := os.Getenv("S2P_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := os.Getenv("S2P_PAIRING_PIN"); v != "" {
		cfg.Pairing.PIN = v
	}

	cfg.Pairing.CredentialDB = expandTilde(cfg.Pairing.CredentialDB)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Pairing.Mode {
	case "ecdh":
	case "pin":
		if c.Pairing.PIN == "" {
			return fmt.Errorf("pairing.pin must not be empty when pairing.mode is \"pin\"")
		}
	default:
		return fmt.Errorf("pairing.mode must be \"ecdh\" or \"pin\", got %q", c.Pairing.Mode)
	}

	if c.BLE.MTU < 23 {
		return fmt.Errorf("ble.mtu must be >= 23 (ATT minimum), got %d", c.BLE.MTU)
	}
	if c.BLE.QueueSize <= 0 {
		return fmt.Errorf("ble.queue_size must be > 0")
	}
	if c.BLE.AckTimeout <= 0 {
		return fmt.Errorf("ble.ack_timeout must be > 0")
	}
	if c.BLE.HeartbeatEvery <= 0 {
		return fmt.Errorf("ble.heartbeat_every must be > 0")
	}
	if c.BLE.HeartbeatMiss <= c.BLE.HeartbeatEvery {
		return fmt.Errorf("ble.heartbeat_miss must be greater than ble.heartbeat_every")
	}
	if c.BLE.ReconnectMax <= 0 {
		return fmt.Errorf("ble.reconnect_max must be > 0")
	}
	if c.BLE.ReconnectBase <= 0 {
		return fmt.Errorf("ble.reconnect_base must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
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

// WriteDefault creates the default config file with documented defaults.
// It creates the parent directory if needed. Returns the path written to.
// If the file already exists, it returns ("", nil) without overwriting.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil // already exists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir %s: %w", dir, err)
	}

	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	header := "# speech2prompt configuration\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return path, nil
}

// ParseLogLevel converts a log level string to a slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default: // "info"
		return slog.LevelInfo
	}
}
