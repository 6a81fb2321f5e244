package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transports holds the per-transport enable switches.
type Transports struct {
	DisableHID    bool `mapstructure:"disable_hid"`
	DisableSerial bool `mapstructure:"disable_serial"`
	DisableTCP    bool `mapstructure:"disable_tcp"`
}

// Timeouts holds the per-operation-class budgets.
type Timeouts struct {
	Query   time.Duration `mapstructure:"query"`
	Confirm time.Duration `mapstructure:"confirm"`
	Scan    time.Duration `mapstructure:"scan"`
}

// Config is everything the CLI reads from file, environment and flags.
type Config struct {
	Transports Transports `mapstructure:"transports"`
	Timeouts   Timeouts   `mapstructure:"timeouts"`

	// TCPEndpoints lists network devices as "kind@host:port", e.g.
	// "ledger-simulator@127.0.0.1:9999".
	TCPEndpoints []string `mapstructure:"tcp_endpoints"`

	// Allow and Deny filter device families by kind name.
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`

	SerialBaudRate int `mapstructure:"serial_baud_rate"`

	// PairingStorePath locates the encrypted pairing store. The passphrase
	// only comes from the environment, never from the config file.
	PairingStorePath string `mapstructure:"pairing_store_path"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads the config file (if any), then lets COLDSIGN_* environment
// variables override it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("timeouts.query", 2*time.Second)
	v.SetDefault("timeouts.confirm", 60*time.Second)
	v.SetDefault("timeouts.scan", 10*time.Second)
	v.SetDefault("pairing_store_path", defaultStorePath())
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("COLDSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "coldsign"))
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; an explicit one is not.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Passphrase returns the pairing-store passphrase from the environment.
func Passphrase() []byte {
	return []byte(os.Getenv("COLDSIGN_PASSPHRASE"))
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "coldsign-pairings.json"
	}
	return filepath.Join(home, ".config", "coldsign", "pairings.json")
}
