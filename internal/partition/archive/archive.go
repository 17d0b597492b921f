// Package archive exports partition segments to Parquet files for offline
// analytics and as snapshots ahead of maintenance operations.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/gxplabs/fieldstore/internal/partition"
	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Options configures the Parquet export.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// BatchSize is how many rows are read from the segment per page
	BatchSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default export options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
		BatchSize:    4096,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ObservationRow is the Parquet shape of one observation. Optional derived
// fields stay pointers so absent values export as nulls, not zeros.
type ObservationRow struct {
	ObservationID string   `parquet:"observation_id,zstd"`
	SeriesCode    string   `parquet:"series_code,zstd"`
	TenantID      string   `parquet:"tenant_id,zstd"`
	ProgramID     string   `parquet:"program_id,zstd"`
	SiteID        string   `parquet:"site_id,zstd"`
	SubmissionID  string   `parquet:"submission_id,optional,zstd"`
	Kind          string   `parquet:"kind,zstd"`
	ObservedAtMs  int64    `parquet:"observed_at_ms"`
	PhaseDay      int32    `parquet:"phase_day"`
	RawReading    *float64 `parquet:"raw_reading,optional"`
	Stage         *string  `parquet:"stage,optional,zstd"`
	Progression   *float64 `parquet:"progression,optional"`
	Velocity      *float64 `parquet:"velocity,optional"`
	FlowRate      *float64 `parquet:"flow_rate,optional"`
	Momentum      *float64 `parquet:"momentum,optional"`
	Trend         *string  `parquet:"trend,optional,zstd"`
	ForecastMs    *int64   `parquet:"forecast_exhaustion_ms,optional"`
	Pending       bool     `parquet:"derived_pending"`
	CreatedAtMs   int64    `parquet:"created_at_ms"`
}

// ToRow converts an observation to its Parquet row.
func ToRow(o *types.Observation) ObservationRow {
	row := ObservationRow{
		ObservationID: o.ObservationID,
		SeriesCode:    o.SeriesCode,
		TenantID:      o.TenantID,
		ProgramID:     o.ProgramID,
		SiteID:        o.SiteID,
		SubmissionID:  o.SubmissionID,
		Kind:          o.Kind.String(),
		ObservedAtMs:  o.ObservedAtMs,
		PhaseDay:      int32(o.PhaseDay),
		RawReading:    o.RawReading,
		Progression:   o.Progression,
		Velocity:      o.Velocity,
		FlowRate:      o.FlowRate,
		Momentum:      o.Momentum,
		ForecastMs:    o.ForecastedExhaustionMs,
		Pending:       o.DerivedPending,
		CreatedAtMs:   o.CreatedAtMs,
	}
	if o.Stage != nil {
		s := o.Stage.String()
		row.Stage = &s
	}
	if o.Trend != nil {
		s := o.Trend.String()
		row.Trend = &s
	}
	return row
}

// Archiver exports segment contents to Parquet.
type Archiver struct {
	store *store.Store
	dir   string
	opts  Options
}

// New creates an archiver writing into dir.
func New(st *store.Store, dir string, opts Options) *Archiver {
	return &Archiver{store: st, dir: dir, opts: opts}
}

// SegmentPath returns the archive file path for a segment.
func (a *Archiver) SegmentPath(desc types.SegmentDescriptor) string {
	name := fmt.Sprintf("%s_%s.parquet",
		desc.TableName(), time.Now().UTC().Format("2006-01-02"))
	return filepath.Join(a.dir, name)
}

// ExportSegment writes all rows of a segment to a Parquet file and returns
// the row count. Rows are paged through the segment in observed_at order,
// so memory stays bounded on large segments.
func (a *Archiver) ExportSegment(ctx context.Context, seg *partition.Segment, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create archive directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	writer := parquet.NewGenericWriter[ObservationRow](f,
		parquet.Compression(getCompression(a.opts.Compression)),
		parquet.MaxRowsPerRowGroup(int64(a.opts.RowGroupSize)),
	)

	var total int64
	afterMs := int64(-1)
	afterID := ""
	for {
		if ctx.Err() != nil {
			writer.Close()
			return total, ctx.Err()
		}

		batch, err := seg.List(ctx, a.store.DB(), afterMs, afterID, a.opts.BatchSize)
		if err != nil {
			writer.Close()
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		rows := make([]ObservationRow, len(batch))
		for i, o := range batch {
			rows[i] = ToRow(o)
		}
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			return total, fmt.Errorf("write parquet rows: %w", err)
		}

		total += int64(len(batch))
		last := batch[len(batch)-1]
		afterMs = last.ObservedAtMs
		afterID = last.ObservationID
	}

	if err := writer.Close(); err != nil {
		return total, fmt.Errorf("close parquet writer: %w", err)
	}
	return total, nil
}
