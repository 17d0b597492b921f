package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Database configures the DuckDB store.
	Database DatabaseConfig `yaml:"database"`

	// Partition configures segment reconciliation and maintenance.
	Partition PartitionConfig `yaml:"partition"`

	// Sync configures canonical-to-partitioned propagation.
	Sync SyncConfig `yaml:"sync"`

	// Archive configures Parquet segment exports.
	Archive ArchiveConfig `yaml:"archive"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	// Path is the database file. Empty means in-memory.
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// QueryTimeout is the default query timeout.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// PartitionConfig configures segment reconciliation and maintenance.
type PartitionConfig struct {
	// ReconcileInterval is how often default-segment rows move into
	// newly provisioned dedicated segments.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// MaintenanceInterval is how often row counts refresh and empty
	// segments past retention are swept.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// SegmentRetention is the minimum age before an empty segment may be
	// dropped.
	SegmentRetention time.Duration `yaml:"segment_retention"`
}

// SyncConfig configures propagation and repair.
type SyncConfig struct {
	// RepairInterval is how often out-of-sync rows are re-propagated.
	RepairInterval time.Duration `yaml:"repair_interval"`

	// MaxRetries is the propagation retry budget before a row is marked
	// out-of-sync.
	MaxRetries int `yaml:"max_retries"`

	// ResyncBatchSize is how many canonical rows one resync page reads.
	ResyncBatchSize int `yaml:"resync_batch_size"`
}

// ArchiveConfig configures Parquet segment exports.
type ArchiveConfig struct {
	// Dir is where archives are written.
	Dir string `yaml:"dir"`

	// Compression is the Parquet algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is the output format: text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         DefaultDatabasePath,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
			QueryTimeout: DefaultQueryTimeoutSec * time.Second,
		},
		Partition: PartitionConfig{
			ReconcileInterval:   DefaultReconcileIntervalSec * time.Second,
			MaintenanceInterval: DefaultMaintenanceIntervalSec * time.Second,
			SegmentRetention:    DefaultSegmentRetention,
		},
		Sync: SyncConfig{
			RepairInterval:  DefaultRepairIntervalSec * time.Second,
			MaxRetries:      DefaultSyncMaxRetries,
			ResyncBatchSize: DefaultResyncBatchSize,
		},
		Archive: ArchiveConfig{
			Dir:         DefaultArchiveDir,
			Compression: DefaultArchiveCompression,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load loads configuration from a YAML file, starting from defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be >= 1, got %d", c.Database.MaxOpenConns)
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must be >= 0, got %d", c.Database.MaxIdleConns)
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be positive, got %v", c.Database.QueryTimeout)
	}
	if c.Partition.ReconcileInterval <= 0 {
		return fmt.Errorf("partition.reconcile_interval must be positive, got %v", c.Partition.ReconcileInterval)
	}
	if c.Partition.MaintenanceInterval <= 0 {
		return fmt.Errorf("partition.maintenance_interval must be positive, got %v", c.Partition.MaintenanceInterval)
	}
	if c.Partition.SegmentRetention < 0 {
		return fmt.Errorf("partition.segment_retention must be >= 0, got %v", c.Partition.SegmentRetention)
	}
	if c.Sync.RepairInterval <= 0 {
		return fmt.Errorf("sync.repair_interval must be positive, got %v", c.Sync.RepairInterval)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.ResyncBatchSize < 1 {
		return fmt.Errorf("sync.resync_batch_size must be >= 1, got %d", c.Sync.ResyncBatchSize)
	}
	switch c.Archive.Compression {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		return fmt.Errorf("archive.compression must be one of snappy, zstd, lz4, gzip, none; got %q", c.Archive.Compression)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
