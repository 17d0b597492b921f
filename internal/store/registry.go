package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Segment registry operations. The registry is the indirection table from
// routing key to opaque numeric segment id; physical table names are derived
// from the id only.

const segColumnList = `segment_id, routing_key, tenant_id, program_id, created_at_ms, row_count`

// EnsureSegmentRow registers a segment for the routing key if absent and
// returns its descriptor. Concurrent callers for the same key converge on
// one row: the insert is create-if-absent and a collision is treated as
// success.
func (s *Store) EnsureSegmentRow(ctx context.Context, q Querier, key types.RoutingKey) (types.SegmentDescriptor, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO segment_registry (segment_id, routing_key, tenant_id, program_id, created_at_ms, row_count)
		VALUES (nextval('segment_ids'), ?, ?, ?, ?, 0)
		ON CONFLICT (routing_key) DO NOTHING`,
		key.Key(), key.TenantID, key.ProgramID, time.Now().UnixMilli())
	if err != nil {
		return types.SegmentDescriptor{}, false, fmt.Errorf("register segment %s: %w", key.Key(), err)
	}

	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	desc, err := s.getSegmentByRouting(ctx, q, key.Key())
	if err != nil {
		return types.SegmentDescriptor{}, false, err
	}
	return desc, created, nil
}

func (s *Store) getSegmentByRouting(ctx context.Context, q Querier, routingKey string) (types.SegmentDescriptor, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM segment_registry WHERE routing_key = ?`, segColumnList), routingKey)
	return scanSegment(row)
}

// GetSegment returns the dedicated segment for a routing key, or
// ErrSegmentNotFound when only the default segment would apply.
func (s *Store) GetSegment(ctx context.Context, key types.RoutingKey) (types.SegmentDescriptor, error) {
	desc, err := s.getSegmentByRouting(ctx, s.db, key.Key())
	if err == sql.ErrNoRows {
		return types.SegmentDescriptor{}, errors.Wrapf(errors.ErrSegmentNotFound, "routing key %s", key.Key())
	}
	if err != nil {
		return types.SegmentDescriptor{}, fmt.Errorf("get segment: %w", err)
	}
	return desc, nil
}

// ListSegments returns all dedicated segments for a tenant.
func (s *Store) ListSegments(ctx context.Context, tenantID string) ([]types.SegmentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM segment_registry
		WHERE tenant_id = ?
		ORDER BY created_at_ms ASC`, segColumnList), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []types.SegmentDescriptor
	for rows.Next() {
		desc, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

// ListAllSegments returns every dedicated segment in the registry.
func (s *Store) ListAllSegments(ctx context.Context) ([]types.SegmentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM segment_registry ORDER BY segment_id ASC`, segColumnList))
	if err != nil {
		return nil, fmt.Errorf("list all segments: %w", err)
	}
	defer rows.Close()

	var out []types.SegmentDescriptor
	for rows.Next() {
		desc, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

// UpdateSegmentRowCount refreshes the registry's row-count watermark.
func (s *Store) UpdateSegmentRowCount(ctx context.Context, q Querier, segmentID, rowCount int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE segment_registry SET row_count = ? WHERE segment_id = ?`,
		rowCount, segmentID)
	return err
}

// DeleteSegmentRow removes a registry entry. Callers must have verified the
// segment is empty first.
func (s *Store) DeleteSegmentRow(ctx context.Context, q Querier, segmentID int64) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM segment_registry WHERE segment_id = ?`, segmentID)
	return err
}

func scanSegment(row rowScanner) (types.SegmentDescriptor, error) {
	var d types.SegmentDescriptor
	err := row.Scan(&d.SegmentID, &d.RoutingKey, &d.TenantID, &d.ProgramID,
		&d.CreatedAtMs, &d.RowCount)
	return d, err
}
