package archive

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/gxplabs/fieldstore/internal/types"
)

// SegmentReader reads archived observations back from a Parquet file.
type SegmentReader struct {
	file   *os.File
	reader *parquet.GenericReader[ObservationRow]
	path   string
}

// NewSegmentReader opens a segment archive for reading.
func NewSegmentReader(path string) (*SegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	reader := parquet.NewGenericReader[ObservationRow](pf)

	return &SegmentReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n observations from the archive.
func (r *SegmentReader) Read(n int) ([]*types.Observation, error) {
	rows := make([]ObservationRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && count == 0 {
		return nil, err
	}

	out := make([]*types.Observation, count)
	for i := 0; i < count; i++ {
		out[i] = FromRow(&rows[i])
	}
	return out, nil
}

// ReadAll reads every observation in the archive.
func (r *SegmentReader) ReadAll() ([]*types.Observation, error) {
	numRows := r.reader.NumRows()
	rows := make([]ObservationRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && n == 0 {
		return nil, err
	}

	out := make([]*types.Observation, n)
	for i := 0; i < n; i++ {
		out[i] = FromRow(&rows[i])
	}
	return out, nil
}

// NumRows returns the total number of rows in the archive.
func (r *SegmentReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *SegmentReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the archive file path.
func (r *SegmentReader) Path() string {
	return r.path
}

// FromRow converts a Parquet row back to an observation.
func FromRow(row *ObservationRow) *types.Observation {
	kind, _ := types.ParseObservationKind(row.Kind)
	o := &types.Observation{
		ObservationID:          row.ObservationID,
		SeriesCode:             row.SeriesCode,
		TenantID:               row.TenantID,
		ProgramID:              row.ProgramID,
		SiteID:                 row.SiteID,
		SubmissionID:           row.SubmissionID,
		Kind:                   kind,
		ObservedAtMs:           row.ObservedAtMs,
		PhaseDay:               int(row.PhaseDay),
		RawReading:             row.RawReading,
		Progression:            row.Progression,
		Velocity:               row.Velocity,
		FlowRate:               row.FlowRate,
		Momentum:               row.Momentum,
		ForecastedExhaustionMs: row.ForecastMs,
		DerivedPending:         row.Pending,
		CreatedAtMs:            row.CreatedAtMs,
	}
	if row.Stage != nil {
		if s, ok := types.ParseStageCategory(*row.Stage); ok {
			o.Stage = &s
		}
	}
	if row.Trend != nil {
		if tr, ok := types.ParseTrendCategory(*row.Trend); ok {
			o.Trend = &tr
		}
	}
	return o
}
