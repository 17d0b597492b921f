package partition

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/logging"
	"github.com/gxplabs/fieldstore/internal/schema"
	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Manager owns segment provisioning and routing.
//
// Segment creation is the only operation invoked concurrently from multiple
// writer transactions for the same new key. It uses an idempotent
// create-or-attach protocol: singleflight collapses concurrent local
// callers, and the registry insert treats a key collision as success, so
// there is no locking on the write path.
type Manager struct {
	store *store.Store
	log   *slog.Logger

	mu      sync.RWMutex
	byKey   map[string]*Segment // routing key -> handle
	byID    map[int64]*Segment
	defSeg  *Segment

	group singleflight.Group

	stats Stats
}

// Stats holds partition manager statistics.
type Stats struct {
	mu               sync.Mutex
	SegmentsCreated  int64
	SegmentsDropped  int64
	DefaultRouted    int64
	DedicatedRouted  int64
	RowsReconciled   int64
	LastReconcileAt  time.Time
}

// StatsSnapshot is a copyable view of Stats.
type StatsSnapshot struct {
	Segments        int
	SegmentsCreated int64
	SegmentsDropped int64
	DefaultRouted   int64
	DedicatedRouted int64
	RowsReconciled  int64
	LastReconcileAt time.Time
}

// NewManager creates a partition manager and warms the handle arena from
// the registry.
func NewManager(ctx context.Context, st *store.Store) (*Manager, error) {
	m := &Manager{
		store: st,
		log:   logging.Component("partition"),
		byKey: make(map[string]*Segment),
		byID:  make(map[int64]*Segment),
	}

	m.defSeg = newSegment(types.SegmentDescriptor{
		SegmentID:  types.DefaultSegmentID,
		RoutingKey: "__default__",
		Default:    true,
	})
	m.byID[types.DefaultSegmentID] = m.defSeg

	descs, err := st.ListAllSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load segment registry: %w", err)
	}
	for _, d := range descs {
		seg := newSegment(d)
		m.byKey[d.RoutingKey] = seg
		m.byID[d.SegmentID] = seg
	}

	m.log.Info("partition manager ready", "segments", len(descs))
	return m, nil
}

// DefaultSegment returns the catch-all segment handle.
func (m *Manager) DefaultSegment() *Segment {
	return m.defSeg
}

// Segments returns every attached segment handle, the default included.
func (m *Manager) Segments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Segment, 0, len(m.byID))
	for _, seg := range m.byID {
		out = append(out, seg)
	}
	return out
}

// EnsureSegment returns the dedicated segment for the routing key, creating
// it if absent. Concurrent callers for the same key converge on one
// physical segment without error.
func (m *Manager) EnsureSegment(ctx context.Context, key types.RoutingKey) (*Segment, error) {
	if seg := m.lookup(key.Key()); seg != nil {
		return seg, nil
	}

	v, err, _ := m.group.Do(key.Key(), func() (interface{}, error) {
		return m.ensureSegment(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Segment), nil
}

func (m *Manager) ensureSegment(ctx context.Context, key types.RoutingKey) (*Segment, error) {
	// Re-check under the flight: a racing caller may have finished.
	if seg := m.lookup(key.Key()); seg != nil {
		return seg, nil
	}

	desc, created, err := m.store.EnsureSegmentRow(ctx, m.store.DB(), key)
	if err != nil {
		return nil, err
	}

	// CREATE TABLE IF NOT EXISTS makes the physical side idempotent too; a
	// racing creator on another node is treated as success.
	if _, err := m.store.ExecContext(ctx, schema.SegmentDDL(desc.TableName())); err != nil {
		return nil, fmt.Errorf("create segment table %s: %w", desc.TableName(), err)
	}

	seg := newSegment(desc)
	m.mu.Lock()
	m.byKey[desc.RoutingKey] = seg
	m.byID[desc.SegmentID] = seg
	m.mu.Unlock()

	if created {
		m.stats.mu.Lock()
		m.stats.SegmentsCreated++
		m.stats.mu.Unlock()
		m.log.Info("segment created", "segment_id", desc.SegmentID, "routing_key", desc.RoutingKey)
	}

	return seg, nil
}

func (m *Manager) lookup(routingKey string) *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byKey[routingKey]
}

// Route returns the segment an observation belongs to: the dedicated
// segment when one exists, else the default catch-all. Routing never blocks
// on segment provisioning.
func (m *Manager) Route(ctx context.Context, o *types.Observation) (*Segment, error) {
	key := types.RoutingKey{TenantID: o.TenantID, ProgramID: o.ProgramID}

	if seg := m.lookup(key.Key()); seg != nil {
		m.stats.mu.Lock()
		m.stats.DedicatedRouted++
		m.stats.mu.Unlock()
		return seg, nil
	}

	// Miss in the arena: the registry may still know the key (e.g. after a
	// restart on another node created it).
	desc, err := m.store.GetSegment(ctx, key)
	if err == nil {
		seg := newSegment(desc)
		m.mu.Lock()
		m.byKey[desc.RoutingKey] = seg
		m.byID[desc.SegmentID] = seg
		m.mu.Unlock()

		m.stats.mu.Lock()
		m.stats.DedicatedRouted++
		m.stats.mu.Unlock()
		return seg, nil
	}
	if !errors.Is(err, errors.ErrSegmentNotFound) {
		return nil, err
	}

	m.stats.mu.Lock()
	m.stats.DefaultRouted++
	m.stats.mu.Unlock()
	return m.defSeg, nil
}

// SegmentByID returns the handle for a segment id.
func (m *Manager) SegmentByID(id int64) (*Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.byID[id]
	return seg, ok
}

// ListSegments returns the registry descriptors for a tenant.
func (m *Manager) ListSegments(ctx context.Context, tenantID string) ([]types.SegmentDescriptor, error) {
	return m.store.ListSegments(ctx, tenantID)
}

// Descriptor returns the descriptor for a tenant's program: the dedicated
// segment when provisioned, else the default segment's descriptor.
func (m *Manager) Descriptor(ctx context.Context, tenantID, programID string) (types.SegmentDescriptor, error) {
	key := types.RoutingKey{TenantID: tenantID, ProgramID: programID}

	desc, err := m.store.GetSegment(ctx, key)
	if err == nil {
		return desc, nil
	}
	if !errors.Is(err, errors.ErrSegmentNotFound) {
		return types.SegmentDescriptor{}, err
	}

	return m.defSeg.Descriptor(), nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// Reconcile re-routes default-segment rows whose dedicated segment now
// exists. Each routing key moves in its own transaction so a failure leaves
// other keys untouched; the move is insert-then-delete with conflict
// tolerance, so a crash between the two is repaired by the next run.
func (m *Manager) Reconcile(ctx context.Context) (int64, error) {
	rows, err := m.store.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT d.tenant_id, d.program_id
		FROM %s d
		JOIN segment_registry r ON r.tenant_id = d.tenant_id AND r.program_id = d.program_id`,
		m.defSeg.table))
	if err != nil {
		return 0, fmt.Errorf("scan default segment: %w", err)
	}

	type pair struct{ tenantID, programID string }
	var pending []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.tenantID, &p.programID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reconcile pair: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var moved int64
	for _, p := range pending {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}

		seg, err := m.EnsureSegment(ctx, types.RoutingKey{TenantID: p.tenantID, ProgramID: p.programID})
		if err != nil {
			return moved, err
		}

		n, err := m.moveRows(ctx, seg, p.tenantID, p.programID)
		if err != nil {
			m.log.Error("reconcile move failed", "error", err,
				"tenant_id", p.tenantID, "program_id", p.programID)
			continue
		}
		moved += n
	}

	m.stats.mu.Lock()
	m.stats.RowsReconciled += moved
	m.stats.LastReconcileAt = time.Now()
	m.stats.mu.Unlock()

	if moved > 0 {
		m.log.Info("reconciled default segment", "rows_moved", moved)
	}
	return moved, nil
}

func (m *Manager) moveRows(ctx context.Context, seg *Segment, tenantID, programID string) (int64, error) {
	var moved int64
	err := m.store.TransactionContext(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s SELECT * FROM %s
			WHERE tenant_id = ? AND program_id = ?
			ON CONFLICT (observation_id, program_id) DO NOTHING`,
			seg.table, m.defSeg.table), tenantID, programID)
		if err != nil {
			return fmt.Errorf("copy into %s: %w", seg.table, err)
		}
		moved, _ = res.RowsAffected()

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE tenant_id = ? AND program_id = ?`,
			m.defSeg.table), tenantID, programID)
		if err != nil {
			return fmt.Errorf("clear default rows: %w", err)
		}
		return nil
	})
	return moved, err
}

// =============================================================================
// Maintenance
// =============================================================================

// RefreshRowCounts updates the registry's row-count watermarks.
func (m *Manager) RefreshRowCounts(ctx context.Context) error {
	m.mu.RLock()
	segs := make([]*Segment, 0, len(m.byKey))
	for _, seg := range m.byKey {
		segs = append(segs, seg)
	}
	m.mu.RUnlock()

	for _, seg := range segs {
		n, err := seg.Count(ctx, m.store.DB())
		if err != nil {
			return fmt.Errorf("count %s: %w", seg.table, err)
		}
		if err := m.store.UpdateSegmentRowCount(ctx, m.store.DB(), seg.ID(), n); err != nil {
			return err
		}
	}
	return nil
}

// DropEmptySegments removes segments with zero live rows created before the
// retention window. A segment with live rows is never dropped regardless of
// age. Returns the number of segments dropped.
func (m *Manager) DropEmptySegments(ctx context.Context, olderThan time.Duration) (int, error) {
	descs, err := m.store.ListAllSegments(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	dropped := 0

	for _, d := range descs {
		if d.CreatedAtMs > cutoff {
			continue
		}

		seg, ok := m.SegmentByID(d.SegmentID)
		if !ok {
			seg = newSegment(d)
		}

		n, err := seg.Count(ctx, m.store.DB())
		if err != nil {
			return dropped, fmt.Errorf("count %s: %w", seg.table, err)
		}
		if n > 0 {
			continue
		}

		err = m.store.TransactionContext(ctx, func(tx *sql.Tx) error {
			// Recheck inside the transaction so a concurrent write between
			// the count and the drop keeps the segment alive.
			var live int64
			if err := tx.QueryRowContext(ctx,
				fmt.Sprintf(`SELECT COUNT(*) FROM %s`, seg.table)).Scan(&live); err != nil {
				return err
			}
			if live > 0 {
				return errors.Wrapf(errors.ErrSegmentNotEmpty, "segment %d", seg.ID())
			}
			if err := m.store.DeleteSegmentRow(ctx, tx, seg.ID()); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, seg.table))
			return err
		})
		if errors.Is(err, errors.ErrSegmentNotEmpty) {
			continue
		}
		if err != nil {
			return dropped, fmt.Errorf("drop segment %d: %w", seg.ID(), err)
		}

		m.mu.Lock()
		delete(m.byKey, d.RoutingKey)
		delete(m.byID, d.SegmentID)
		m.mu.Unlock()

		dropped++
		m.log.Info("dropped empty segment", "segment_id", d.SegmentID, "routing_key", d.RoutingKey)
	}

	if dropped > 0 {
		m.stats.mu.Lock()
		m.stats.SegmentsDropped += int64(dropped)
		m.stats.mu.Unlock()
	}
	return dropped, nil
}

// Stats returns a snapshot of manager statistics.
func (m *Manager) Stats() StatsSnapshot {
	m.mu.RLock()
	segments := len(m.byKey)
	m.mu.RUnlock()

	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return StatsSnapshot{
		Segments:        segments,
		SegmentsCreated: m.stats.SegmentsCreated,
		SegmentsDropped: m.stats.SegmentsDropped,
		DefaultRouted:   m.stats.DefaultRouted,
		DedicatedRouted: m.stats.DedicatedRouted,
		RowsReconciled:  m.stats.RowsReconciled,
		LastReconcileAt: m.stats.LastReconcileAt,
	}
}
