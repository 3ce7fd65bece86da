// Package config loads the bitchatd daemon configuration: a YAML file
// overridable by CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unicornultrafoundation/bitchat/internal/powermode"
)

// Config is the bitchatd daemon configuration.
type Config struct {
	IdentityPath string `yaml:"identity_path"`
	DeviceName   string `yaml:"device_name"`
	PowerMode    string `yaml:"power_mode"`

	// Favorites lists hex-encoded static-key fingerprints the app has
	// marked as favorites, eligible for store-and-forward while offline.
	Favorites []string `yaml:"favorites"`

	// ChannelPasswords maps a channel name to its shared password, used to
	// derive the channel's symmetric key.
	ChannelPasswords map[string]string `yaml:"channel_passwords"`

	RetryQueuePath     string `yaml:"retry_queue_path"`
	StoreForwardPath   string `yaml:"store_forward_path"`
	StoreForwardEnable bool   `yaml:"store_forward_enable"`

	DiagEnable   bool   `yaml:"diag_enable"`
	DiagListen   string `yaml:"diag_listen"`
	SimulatorURL string `yaml:"simulator_url"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		IdentityPath:       "/etc/bitchat/identity.json",
		DeviceName:         "bitchat",
		PowerMode:          "balanced",
		ChannelPasswords:   map[string]string{},
		RetryQueuePath:     "/var/lib/bitchat/retryqueue.json",
		StoreForwardPath:   "/var/lib/bitchat/storeforward.db",
		StoreForwardEnable: false,
		DiagEnable:         false,
		DiagListen:         "127.0.0.1:9395",
		LogLevel:           "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; Load simply returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Mode resolves the configured power mode string to powermode.Mode,
// defaulting to Balanced on an unrecognized value.
func (c *Config) Mode() powermode.Mode {
	switch c.PowerMode {
	case "performance":
		return powermode.Performance
	case "power_saver":
		return powermode.PowerSaver
	case "ultra_low":
		return powermode.UltraLow
	default:
		return powermode.Balanced
	}
}

// RotationJitter is the upper bound of the interval identity.Rotator
// schedules rotations within, exposed here so the daemon can log its
// configured bounds; the rotator itself owns the actual 1-6h schedule.
const RotationJitter = 6 * time.Hour
