// Package config provides configuration defaults and loading for the
// fieldstore daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Database Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the DuckDB database file. Empty means
	// in-memory, which is only useful for tests.
	// Override via config: database.path
	DefaultDatabasePath = "/var/lib/fieldstore/fieldstore.db"

	// DefaultMaxOpenConns is the maximum number of open connections.
	// Override via config: database.max_open_conns
	DefaultMaxOpenConns = 25

	// DefaultMaxIdleConns is the maximum number of idle connections.
	// Override via config: database.max_idle_conns
	DefaultMaxIdleConns = 5

	// DefaultQueryTimeoutSec is the default query timeout.
	// Override via config: database.query_timeout_sec
	DefaultQueryTimeoutSec = 30
)

// =============================================================================
// Partition Defaults
// =============================================================================

const (
	// DefaultReconcileIntervalSec is how often default-segment rows are
	// re-routed into newly provisioned dedicated segments.
	// Override via config: partition.reconcile_interval_sec
	DefaultReconcileIntervalSec = 60

	// DefaultMaintenanceIntervalSec is how often segment row counts
	// refresh and empty segments past retention are swept.
	// Override via config: partition.maintenance_interval_sec
	DefaultMaintenanceIntervalSec = 900

	// DefaultSegmentRetention is the minimum age before an empty segment
	// may be dropped. A segment with live rows is never dropped.
	// Override via config: partition.segment_retention
	DefaultSegmentRetention = 24 * time.Hour
)

// =============================================================================
// Sync Defaults
// =============================================================================

const (
	// DefaultRepairIntervalSec is how often out-of-sync rows are
	// re-propagated into their partition segments.
	// Override via config: sync.repair_interval_sec
	DefaultRepairIntervalSec = 30

	// DefaultSyncMaxRetries is the propagation retry budget before a row
	// is marked out-of-sync.
	// Override via config: sync.max_retries
	DefaultSyncMaxRetries = 3

	// DefaultResyncBatchSize is how many canonical rows one resync page
	// reads.
	// Override via config: sync.resync_batch_size
	DefaultResyncBatchSize = 500
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveDir is where segment Parquet exports are written.
	// Override via config: archive.dir
	DefaultArchiveDir = "/var/lib/fieldstore/archive"

	// DefaultArchiveCompression is the Parquet compression algorithm:
	// snappy, zstd, lz4, gzip, none.
	// Override via config: archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is the minimum log level: debug, info, warn, error.
	// Override via config: logging.level
	DefaultLogLevel = "info"

	// DefaultLogFormat is the log output format: text or json.
	// Override via config: logging.format
	DefaultLogFormat = "text"
)
