package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync bookkeeping. The high-water mark tracks the observed_at_ms of the
// last row known to be fully propagated into the partitioned store; the
// out_of_sync table holds rows whose propagation exhausted its retries.

const syncHighWaterKey = "sync_high_water_ms"

// GetSyncHighWater returns the synchronizer's high-water mark, or 0 when no
// resync has recorded one yet.
func (s *Store) GetSyncHighWater(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value_ms FROM sync_state WHERE key = ?`, syncHighWaterKey).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sync high water: %w", err)
	}
	return v, nil
}

// SetSyncHighWater advances the high-water mark. The mark never moves
// backwards.
func (s *Store) SetSyncHighWater(ctx context.Context, q Querier, valueMs int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value_ms) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value_ms = GREATEST(sync_state.value_ms, excluded.value_ms)`,
		syncHighWaterKey, valueMs)
	if err != nil {
		return fmt.Errorf("set sync high water: %w", err)
	}
	return nil
}

// OutOfSyncEntry is one canonical row awaiting re-propagation.
type OutOfSyncEntry struct {
	ObservationID string
	ProgramID     string
	Attempts      int
	LastError     string
	UpdatedAtMs   int64
}

// MarkOutOfSync records (or bumps) an out-of-sync marker for a row whose
// propagation failed after retries.
func (s *Store) MarkOutOfSync(ctx context.Context, observationID, programID string, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO out_of_sync (observation_id, program_id, attempts, last_error, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (observation_id, program_id) DO UPDATE SET
			attempts = out_of_sync.attempts + excluded.attempts,
			last_error = excluded.last_error,
			updated_at_ms = excluded.updated_at_ms`,
		observationID, programID, attempts, lastErr, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark out of sync: %w", err)
	}
	return nil
}

// ClearOutOfSync removes the marker after a successful re-propagation.
func (s *Store) ClearOutOfSync(ctx context.Context, q Querier, observationID, programID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM out_of_sync WHERE observation_id = ? AND program_id = ?`,
		observationID, programID)
	return err
}

// ListOutOfSync returns pending out-of-sync markers, oldest first.
func (s *Store) ListOutOfSync(ctx context.Context, limit int) ([]OutOfSyncEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT observation_id, program_id, attempts, last_error, updated_at_ms
		FROM out_of_sync
		ORDER BY updated_at_ms ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list out of sync: %w", err)
	}
	defer rows.Close()

	var out []OutOfSyncEntry
	for rows.Next() {
		var e OutOfSyncEntry
		var lastErr sql.NullString
		if err := rows.Scan(&e.ObservationID, &e.ProgramID, &e.Attempts, &lastErr, &e.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan out of sync: %w", err)
		}
		if lastErr.Valid {
			e.LastError = lastErr.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountOutOfSync returns the number of pending out-of-sync markers.
func (s *Store) CountOutOfSync(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM out_of_sync`).Scan(&n)
	return n, err
}
