// Package partition owns the mapping from routing key to physical partition
// segment: lazy idempotent segment provisioning, write routing with a
// default catch-all, background re-routing of default-segment rows, and
// empty-segment maintenance.
package partition

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Segment is a handle to one physical partition table. Handles are shared
// and safe for concurrent use; all mutation goes through SQL on the caller's
// Querier.
type Segment struct {
	desc  types.SegmentDescriptor
	table string
}

func newSegment(desc types.SegmentDescriptor) *Segment {
	return &Segment{desc: desc, table: desc.TableName()}
}

// Descriptor returns the segment's registry descriptor.
func (s *Segment) Descriptor() types.SegmentDescriptor {
	return s.desc
}

// ID returns the opaque segment id.
func (s *Segment) ID() int64 {
	return s.desc.SegmentID
}

// IsDefault reports whether this is the catch-all segment.
func (s *Segment) IsDefault() bool {
	return s.desc.SegmentID == types.DefaultSegmentID
}

// Upsert writes an observation into the segment table, keyed by
// (observation_id, program_id). Every field except observed_at_ms is
// updated on conflict; the original capture time is immutable once set, so
// replays can never let a storage-layer default clock overwrite it.
func (s *Segment) Upsert(ctx context.Context, q store.Querier, o *types.Observation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (observation_id, program_id) DO UPDATE SET
			series_code = excluded.series_code,
			tenant_id = excluded.tenant_id,
			site_id = excluded.site_id,
			submission_id = excluded.submission_id,
			kind = excluded.kind,
			phase_day = excluded.phase_day,
			raw_reading = excluded.raw_reading,
			stage = excluded.stage,
			progression = excluded.progression,
			velocity = excluded.velocity,
			flow_rate = excluded.flow_rate,
			momentum = excluded.momentum,
			trend = excluded.trend,
			forecast_exhaustion_ms = excluded.forecast_exhaustion_ms,
			derived_pending = excluded.derived_pending,
			created_at_ms = excluded.created_at_ms`,
		s.table, store.ObsColumnList, obsPlaceholders())

	_, err := q.ExecContext(ctx, query, store.ObsArgs(o)...)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", s.table, err)
	}
	return nil
}

// Delete removes a row by its composite identity.
func (s *Segment) Delete(ctx context.Context, q store.Querier, observationID, programID string) error {
	_, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE observation_id = ? AND program_id = ?`, s.table),
		observationID, programID)
	return err
}

// Get returns a row by its composite identity, or nil when absent.
func (s *Segment) Get(ctx context.Context, q store.Querier, observationID, programID string) (*types.Observation, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE observation_id = ? AND program_id = ?`,
		store.ObsColumnList, s.table)

	o, err := store.ScanObservation(q.QueryRowContext(ctx, query, observationID, programID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", s.table, err)
	}
	return o, nil
}

// Count returns the number of live rows in the segment.
func (s *Segment) Count(ctx context.Context, q store.Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

// List returns up to limit rows after the (afterMs, afterID) keyset cursor,
// ordered by observed_at_ms then id. The id tiebreak keeps rows that share a
// capture millisecond from falling between pages. Used by archival export and
// analytical reads scoped to one routing key.
func (s *Segment) List(ctx context.Context, q store.Querier, afterMs int64, afterID string, limit int) ([]*types.Observation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE observed_at_ms > ? OR (observed_at_ms = ? AND observation_id > ?)
		ORDER BY observed_at_ms ASC, observation_id ASC
		LIMIT ?`, store.ObsColumnList, s.table)

	rows, err := q.QueryContext(ctx, query, afterMs, afterMs, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		o, err := store.ScanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func obsPlaceholders() string {
	return "?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?"
}
