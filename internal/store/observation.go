package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store helpers accept it so the write path can run inside the caller's
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ObsColumnList is the column list shared by the canonical table and every
// partition segment, in insert order.
const ObsColumnList = `observation_id, series_code, tenant_id, program_id, site_id,
	submission_id, kind, observed_at_ms, phase_day, raw_reading,
	stage, progression, velocity, flow_rate, momentum, trend,
	forecast_exhaustion_ms, derived_pending, created_at_ms`

// obsPlaceholders matches ObsColumnList.
const obsPlaceholders = `?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?`

// ObsArgs flattens an observation into insert arguments matching
// ObsColumnList.
func ObsArgs(o *types.Observation) []interface{} {
	var stage, trend *string
	if o.Stage != nil {
		s := o.Stage.String()
		stage = &s
	}
	if o.Trend != nil {
		s := o.Trend.String()
		trend = &s
	}

	return []interface{}{
		o.ObservationID, o.SeriesCode, o.TenantID, o.ProgramID, o.SiteID,
		o.SubmissionID, o.Kind.String(), o.ObservedAtMs, o.PhaseDay, o.RawReading,
		stage, o.Progression, o.Velocity, o.FlowRate, o.Momentum, trend,
		o.ForecastedExhaustionMs, o.DerivedPending, o.CreatedAtMs,
	}
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanObservation scans one row selected with ObsColumnList.
func ScanObservation(row rowScanner) (*types.Observation, error) {
	var o types.Observation
	var kind string
	var rawReading, progression, velocity, flowRate, momentum sql.NullFloat64
	var stage, trend sql.NullString
	var forecast sql.NullInt64

	err := row.Scan(
		&o.ObservationID, &o.SeriesCode, &o.TenantID, &o.ProgramID, &o.SiteID,
		&o.SubmissionID, &kind, &o.ObservedAtMs, &o.PhaseDay, &rawReading,
		&stage, &progression, &velocity, &flowRate, &momentum, &trend,
		&forecast, &o.DerivedPending, &o.CreatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	o.Kind, _ = types.ParseObservationKind(kind)
	if rawReading.Valid {
		o.RawReading = &rawReading.Float64
	}
	if stage.Valid {
		if s, ok := types.ParseStageCategory(stage.String); ok {
			o.Stage = &s
		}
	}
	if progression.Valid {
		o.Progression = &progression.Float64
	}
	if velocity.Valid {
		o.Velocity = &velocity.Float64
	}
	if flowRate.Valid {
		o.FlowRate = &flowRate.Float64
	}
	if momentum.Valid {
		o.Momentum = &momentum.Float64
	}
	if trend.Valid {
		if tc, ok := types.ParseTrendCategory(trend.String); ok {
			o.Trend = &tc
		}
	}
	if forecast.Valid {
		o.ForecastedExhaustionMs = &forecast.Int64
	}

	return &o, nil
}

// =============================================================================
// Canonical writes
// =============================================================================

// InsertObservation appends an observation to the canonical table.
func (s *Store) InsertObservation(ctx context.Context, q Querier, o *types.Observation) error {
	if o.CreatedAtMs == 0 {
		o.CreatedAtMs = time.Now().UnixMilli()
	}

	query := fmt.Sprintf(`INSERT INTO observations (%s) VALUES (%s)`,
		ObsColumnList, obsPlaceholders)
	_, err := q.ExecContext(ctx, query, ObsArgs(o)...)
	if err != nil {
		return fmt.Errorf("insert observation %s: %w", o.ObservationID, err)
	}
	return nil
}

// UpdateDerived writes the derived fields of an already-appended canonical
// row. The raw columns and observed_at_ms are left untouched.
func (s *Store) UpdateDerived(ctx context.Context, q Querier, o *types.Observation) error {
	var stage, trend *string
	if o.Stage != nil {
		v := o.Stage.String()
		stage = &v
	}
	if o.Trend != nil {
		v := o.Trend.String()
		trend = &v
	}

	res, err := q.ExecContext(ctx, `
		UPDATE observations SET
			stage = ?, progression = ?, velocity = ?, flow_rate = ?,
			momentum = ?, trend = ?, forecast_exhaustion_ms = ?,
			derived_pending = ?
		WHERE observation_id = ?`,
		stage, o.Progression, o.Velocity, o.FlowRate,
		o.Momentum, trend, o.ForecastedExhaustionMs,
		o.DerivedPending, o.ObservationID)
	if err != nil {
		return fmt.Errorf("update derived %s: %w", o.ObservationID, err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.NewNotFound("observation", o.ObservationID)
	}
	return nil
}

// DeleteObservation removes a canonical row by its composite identity.
func (s *Store) DeleteObservation(ctx context.Context, q Querier, observationID, programID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM observations WHERE observation_id = ? AND program_id = ?`,
		observationID, programID)
	return err
}

// =============================================================================
// Canonical reads
// =============================================================================

// GetObservation returns a canonical row by id.
func (s *Store) GetObservation(ctx context.Context, q Querier, observationID string) (*types.Observation, error) {
	query := fmt.Sprintf(`SELECT %s FROM observations WHERE observation_id = ?`, ObsColumnList)
	o, err := ScanObservation(q.QueryRowContext(ctx, query, observationID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("observation", observationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}
	return o, nil
}

// GetPredecessor returns the observation in the same series whose phase day
// is exactly one less than phaseDay, or nil when the series has no such
// predecessor. Multiple amendments on the same phase day resolve to the most
// recently captured one.
func (s *Store) GetPredecessor(ctx context.Context, q Querier, seriesCode, programID string, phaseDay int) (*types.Observation, error) {
	if phaseDay <= 1 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM observations
		WHERE series_code = ? AND program_id = ? AND phase_day = ?
		ORDER BY observed_at_ms DESC
		LIMIT 1`, ObsColumnList)

	o, err := ScanObservation(q.QueryRowContext(ctx, query, seriesCode, programID, phaseDay-1))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get predecessor: %w", err)
	}
	return o, nil
}

// GetSeriesStart returns the first observation ever recorded for a series,
// by capture time, or nil for an empty series.
func (s *Store) GetSeriesStart(ctx context.Context, q Querier, seriesCode, programID string) (*types.Observation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM observations
		WHERE series_code = ? AND program_id = ?
		ORDER BY observed_at_ms ASC
		LIMIT 1`, ObsColumnList)

	o, err := ScanObservation(q.QueryRowContext(ctx, query, seriesCode, programID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get series start: %w", err)
	}
	return o, nil
}

// GetSeriesPage returns up to limit observations of a series with phase_day
// greater than afterPhaseDay, ordered by phase_day. This backs the lazy,
// restartable series iterator.
func (s *Store) GetSeriesPage(ctx context.Context, tenantID, seriesCode, programID string, afterPhaseDay, limit int) ([]*types.Observation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM observations
		WHERE tenant_id = ? AND series_code = ? AND program_id = ? AND phase_day > ?
		ORDER BY phase_day ASC, observed_at_ms ASC
		LIMIT ?`, ObsColumnList)

	rows, err := s.db.QueryContext(ctx, query, tenantID, seriesCode, programID, afterPhaseDay, limit)
	if err != nil {
		return nil, fmt.Errorf("query series page: %w", err)
	}
	defer rows.Close()

	out := make([]*types.Observation, 0, limit)
	for rows.Next() {
		o, err := ScanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series page: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListPendingDerived returns canonical rows flagged for derived
// reprocessing, oldest first.
func (s *Store) ListPendingDerived(ctx context.Context, limit int) ([]*types.Observation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM observations
		WHERE derived_pending
		ORDER BY observed_at_ms ASC
		LIMIT ?`, ObsColumnList)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending derived: %w", err)
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		o, err := ScanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending derived: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListCanonicalSince returns canonical rows after the keyset cursor
// (sinceMs, afterID), in observed_at order with observation_id as the tie
// break. Rows sharing one observed_at_ms are never skipped across page
// boundaries. Used by the synchronizer's restartable full resync; pass an
// empty afterID to start at a plain time offset.
func (s *Store) ListCanonicalSince(ctx context.Context, sinceMs int64, afterID string, limit int) ([]*types.Observation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM observations
		WHERE observed_at_ms > ? OR (observed_at_ms = ? AND observation_id > ?)
		ORDER BY observed_at_ms ASC, observation_id ASC
		LIMIT ?`, ObsColumnList)

	rows, err := s.db.QueryContext(ctx, query, sinceMs, sinceMs, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query canonical since: %w", err)
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		o, err := ScanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canonical: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountObservations returns the number of canonical rows.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}
