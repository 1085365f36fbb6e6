package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Driver kinds understood by the CLI.
const (
	DriverIMAP   = "imap"
	DriverMemory = "memory"
)

// IMAPConfig holds the connection settings for the mailbox backend.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty, in which case it is read from the
	// system keyring.
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`

	// ProtocolLabel is the protocol name used in request timing logs.
	ProtocolLabel string `mapstructure:"protocol_label" yaml:"protocol_label"`
}

// DriverConfig selects and decorates the backend driver.
type DriverConfig struct {
	// Kind is "imap" or "memory".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// Timer enables request timing logs and metrics.
	Timer bool `mapstructure:"timer" yaml:"timer"`

	// RequestsPerSecond limits outbound driver calls; zero disables
	// the limit.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// StorageConfig holds object store settings.
type StorageConfig struct {
	// DBPath is the SQLite database holding the history log and the
	// mapping cache.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// IgnoreParseErrors turns unparsable messages into tombstones
	// instead of failing the whole batch.
	IgnoreParseErrors bool `mapstructure:"ignore_parse_errors" yaml:"ignore_parse_errors"`
}

// FolderConfig declares a folder and the object type stored in it.
type FolderConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Type string `mapstructure:"type" yaml:"type"`
}

// SyncConfig controls the history synchronization poller.
type SyncConfig struct {
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	Concurrency     int `mapstructure:"concurrency" yaml:"concurrency"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP    IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Driver  DriverConfig   `mapstructure:"driver" yaml:"driver"`
	Storage StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Folders []FolderConfig `mapstructure:"folders" yaml:"folders"`
	Sync    SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// FolderTypes returns the configured object type keyed by folder name.
func (c *AppConfig) FolderTypes() map[string]string {
	types := make(map[string]string, len(c.Folders))
	for _, f := range c.Folders {
		types[f.Name] = f.Type
	}
	return types
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/kolabsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "kolabsync", "config.yaml")
}

// defaultDBPath places the database next to the default config file.
func defaultDBPath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "kolabsync.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		IMAP: IMAPConfig{
			Port:          "993",
			TLS:           true,
			ProtocolLabel: "IMAP",
		},
		Driver: DriverConfig{
			Kind: DriverIMAP,
		},
		Storage: StorageConfig{
			DBPath: defaultDBPath(),
		},
		Folders: []FolderConfig{},
		Sync: SyncConfig{
			PollIntervalSec: 300,
			Concurrency:     4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("imap.port", "993")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.protocol_label", "IMAP")
	v.SetDefault("driver.kind", DriverIMAP)
	v.SetDefault("storage.db_path", defaultDBPath())
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	switch cfg.Driver.Kind {
	case DriverIMAP, DriverMemory:
	default:
		return nil, fmt.Errorf(
			"parsing config %s: unknown driver kind %q", path, cfg.Driver.Kind,
		)
	}
	if cfg.Sync.Concurrency < 1 {
		cfg.Sync.Concurrency = 1
	}

	return cfg, nil
}
