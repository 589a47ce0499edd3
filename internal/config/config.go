package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// TABSTORE_STORAGE_BASE_DIR or TABSTORE_LOGGING_LEVEL.
const EnvPrefix = "TABSTORE"

// Config represents the complete configuration of a tab store runtime
type Config struct {
	Storage   StorageConfig   `yaml:"storage" split_words:"true"`
	TabModel  TabModelConfig  `yaml:"tab_model" split_words:"true"`
	Executors ExecutorsConfig `yaml:"executors" split_words:"true"`
	Restore   RestoreConfig   `yaml:"restore" split_words:"true"`
	Migration MigrationConfig `yaml:"migration" split_words:"true"`
	Metrics   MetricsConfig   `yaml:"metrics" split_words:"true"`
	Logging   LoggingConfig   `yaml:"logging" split_words:"true"`
	Debug     DebugConfig     `yaml:"debug" split_words:"true"`
}

// StorageConfig holds the on-disk layout and write settings
type StorageConfig struct {
	BaseDir           string        `yaml:"base_dir" split_words:"true"`
	PrefsPath         string        `yaml:"prefs_path" split_words:"true"`
	CompressState     bool          `yaml:"compress_state" split_words:"true"`
	CompressMinSize   int           `yaml:"compress_min_size" split_words:"true"`
	RejectPercent     float64       `yaml:"reject_percent" split_words:"true"`
	WarningPercent    float64       `yaml:"warning_percent" split_words:"true"`
	MinFreeBytes      uint64        `yaml:"min_free_bytes" split_words:"true"`
	DiskCheckInterval time.Duration `yaml:"disk_check_interval" split_words:"true"`
}

// TabModelConfig holds model capacities; 0 is unbounded
type TabModelConfig struct {
	NormalMaxTabs    int `yaml:"normal_max_tabs" split_words:"true"`
	IncognitoMaxTabs int `yaml:"incognito_max_tabs" split_words:"true"`
}

// ExecutorsConfig sizes the serial executor and the thread pool
type ExecutorsConfig struct {
	SerialQueueSize int           `yaml:"serial_queue_size" split_words:"true"`
	PoolWorkers     int           `yaml:"pool_workers" split_words:"true"`
	PoolQueueSize   int           `yaml:"pool_queue_size" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// RestoreConfig controls startup restore
type RestoreConfig struct {
	SelectorIndex        int  `yaml:"selector_index" split_words:"true"`
	MaxSelectors         int  `yaml:"max_selectors" split_words:"true"`
	SetActiveTab         bool `yaml:"set_active_tab" split_words:"true"`
	IgnoreIncognitoFiles bool `yaml:"ignore_incognito_files" split_words:"true"`
	Prefetch             bool `yaml:"prefetch" split_words:"true"`
}

// MigrationConfig locates the legacy per-document layout
type MigrationConfig struct {
	Enabled         bool   `yaml:"enabled" split_words:"true"`
	LegacyDir       string `yaml:"legacy_dir" split_words:"true"`
	LegacyTaskIndex string `yaml:"legacy_task_index" split_words:"true"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Port    int    `yaml:"port" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" split_words:"true"`
	Format      string `yaml:"format" split_words:"true"`
	Development bool   `yaml:"development" split_words:"true"`
}

// DebugConfig holds switches for development builds
type DebugConfig struct {
	// StrictThreadChecks makes looper and invariant violations panic
	StrictThreadChecks bool `yaml:"strict_thread_checks" split_words:"true"`
}

// LoadConfig loads configuration from a file, applies environment
// overrides and defaults, then validates. An empty path skips the file.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration rooted at baseDir with every default set
func Default(baseDir string) *Config {
	cfg := &Config{Storage: StorageConfig{BaseDir: baseDir}}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = "/var/lib/tabstore"
	}
	if cfg.Storage.PrefsPath == "" {
		cfg.Storage.PrefsPath = filepath.Join(cfg.Storage.BaseDir, "prefs.db")
	}
	if cfg.Storage.CompressMinSize == 0 {
		cfg.Storage.CompressMinSize = 4096
	}
	if cfg.Storage.RejectPercent == 0 {
		cfg.Storage.RejectPercent = 98.0
	}
	if cfg.Storage.WarningPercent == 0 {
		cfg.Storage.WarningPercent = 90.0
	}
	if cfg.Storage.MinFreeBytes == 0 {
		cfg.Storage.MinFreeBytes = 1 << 20 // 1MB
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}

	if cfg.Executors.SerialQueueSize == 0 {
		cfg.Executors.SerialQueueSize = 1024
	}
	if cfg.Executors.PoolWorkers == 0 {
		cfg.Executors.PoolWorkers = 4
	}
	if cfg.Executors.PoolQueueSize == 0 {
		cfg.Executors.PoolQueueSize = 256
	}
	if cfg.Executors.ShutdownTimeout == 0 {
		cfg.Executors.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Restore.MaxSelectors == 0 {
		cfg.Restore.MaxSelectors = 5
	}

	if cfg.Migration.LegacyDir == "" {
		cfg.Migration.LegacyDir = filepath.Join(cfg.Storage.BaseDir, "legacy")
	}
	if cfg.Migration.LegacyTaskIndex == "" {
		cfg.Migration.LegacyTaskIndex = filepath.Join(cfg.Migration.LegacyDir, "tasks.json")
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9095
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.CompressMinSize < 0 {
		return fmt.Errorf("storage.compress_min_size must not be negative")
	}
	if c.Storage.RejectPercent <= 0 || c.Storage.RejectPercent > 100 {
		return fmt.Errorf("storage.reject_percent must be in (0, 100]")
	}
	if c.Storage.WarningPercent > c.Storage.RejectPercent {
		return fmt.Errorf("storage.warning_percent must not exceed storage.reject_percent")
	}
	if c.TabModel.NormalMaxTabs < 0 || c.TabModel.IncognitoMaxTabs < 0 {
		return fmt.Errorf("tab_model max tabs must not be negative")
	}
	if c.Executors.PoolWorkers < 1 {
		return fmt.Errorf("executors.pool_workers must be at least 1")
	}
	if c.Restore.MaxSelectors < 1 {
		return fmt.Errorf("restore.max_selectors must be at least 1")
	}
	if c.Restore.SelectorIndex < 0 || c.Restore.SelectorIndex >= c.Restore.MaxSelectors {
		return fmt.Errorf("restore.selector_index must be between 0 and %d", c.Restore.MaxSelectors-1)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
