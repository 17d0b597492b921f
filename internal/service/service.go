// Package service wires the fieldstore components into the public write and
// read paths: observation submission, series reads, partition provisioning,
// and the background reconciliation, maintenance, and repair loops.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gxplabs/fieldstore/internal/derive"
	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/logging"
	"github.com/gxplabs/fieldstore/internal/partition"
	"github.com/gxplabs/fieldstore/internal/partition/archive"
	"github.com/gxplabs/fieldstore/internal/schema"
	"github.com/gxplabs/fieldstore/internal/series"
	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/syncer"
	"github.com/gxplabs/fieldstore/internal/types"
	"github.com/gxplabs/fieldstore/internal/validation"
)

// Config holds service configuration.
type Config struct {
	// ReconcileInterval is how often default-segment rows are re-routed
	// into newly provisioned dedicated segments.
	ReconcileInterval time.Duration

	// MaintenanceInterval is how often row counts refresh and empty
	// segments past retention are dropped.
	MaintenanceInterval time.Duration

	// RepairInterval is how often out-of-sync rows are re-propagated.
	RepairInterval time.Duration

	// SegmentRetention is the minimum age before an empty segment may be
	// dropped.
	SegmentRetention time.Duration

	// ReprocessBatchSize is how many pending rows one reprocess pass takes.
	ReprocessBatchSize int

	// ArchiveDir is where maintenance writes Parquet segment snapshots.
	// Empty disables archiving.
	ArchiveDir string

	// Archive configures the Parquet export.
	Archive archive.Options

	Sync syncer.Config
}

// DefaultConfig returns service defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:   time.Minute,
		MaintenanceInterval: 15 * time.Minute,
		RepairInterval:      30 * time.Second,
		SegmentRetention:    24 * time.Hour,
		ReprocessBatchSize:  200,
		Archive:             archive.DefaultOptions(),
		Sync:                syncer.DefaultConfig(),
	}
}

// Service is the fieldstore core.
//
// Service is safe for concurrent use.
type Service struct {
	cfg        Config
	store      *store.Store
	resolver   *series.Resolver
	partitions *partition.Manager
	sync       *syncer.Syncer
	archiver   *archive.Archiver // nil when archiving is disabled
	log        *slog.Logger

	// Metrics
	submitted    atomic.Int64
	rejected     atomic.Int64
	pendingRows  atomic.Int64
	reprocessed  atomic.Int64
	archivedRows atomic.Int64
	syncFailures atomic.Int64

	stopped  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New wires a service over an opened store. alert may be nil.
func New(st *store.Store, registry series.Registry, cfg Config, alert syncer.AlertFunc) (*Service, error) {
	pm, err := partition.NewManager(context.Background(), st)
	if err != nil {
		return nil, fmt.Errorf("partition manager: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		store:      st,
		resolver:   series.NewResolver(registry),
		partitions: pm,
		log:        logging.Component("service"),
		shutdown:   make(chan struct{}),
	}
	s.sync = syncer.New(st, pm, cfg.Sync, alert)
	if cfg.ArchiveDir != "" {
		s.archiver = archive.New(st, cfg.ArchiveDir, cfg.Archive)
	}
	return s, nil
}

// Partitions returns the partition manager.
func (s *Service) Partitions() *partition.Manager {
	return s.partitions
}

// Syncer returns the canonical-to-partitioned synchronizer.
func (s *Service) Syncer() *syncer.Syncer {
	return s.sync
}

// Start launches the background loops.
func (s *Service) Start() {
	s.wg.Add(3)
	go s.reconcileLoop()
	go s.maintenanceLoop()
	go s.repairLoop()
	s.log.Info("service started",
		"reconcile_interval", s.cfg.ReconcileInterval,
		"maintenance_interval", s.cfg.MaintenanceInterval,
		"repair_interval", s.cfg.RepairInterval)
}

// Stop stops the background loops and rejects further submissions.
func (s *Service) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.shutdown)
	s.wg.Wait()
	s.log.Info("service stopped",
		"submitted", s.submitted.Load(),
		"rejected", s.rejected.Load(),
		"sync_failures", s.syncFailures.Load())
}

// =============================================================================
// Submission
// =============================================================================

// SubmitObservation validates, finalizes, and persists one submission for an
// authorized tenant, returning the new observation's id.
//
// The canonical append, the derived-metric chain, and the propagation into
// the partition segment commit in one transaction. When propagation fails
// the canonical row still commits and the row is marked out-of-sync for the
// repair loop. A submission without a reading commits with derived fields
// unset and the pending flag raised.
func (s *Service) SubmitObservation(ctx context.Context, tenant types.TenantContext, sub *types.Submission) (string, error) {
	if s.stopped.Load() {
		return "", errors.ErrServiceStopped
	}
	if tenant.TenantID == "" {
		return "", errors.ErrMissingTenant
	}

	if err := validation.ValidateSubmission(sub); err != nil {
		s.rejected.Add(1)
		return "", err
	}

	key, err := s.resolver.Resolve(ctx, sub)
	if err != nil {
		s.rejected.Add(1)
		return "", err
	}
	if key.TenantID != tenant.TenantID {
		s.rejected.Add(1)
		return "", errors.Wrapf(errors.ErrTenantMismatch,
			"site %s belongs to another tenant", sub.SiteID)
	}

	phaseDay, err := s.resolver.ResolvePhaseDay(ctx, sub)
	if err != nil {
		s.rejected.Add(1)
		return "", err
	}

	capturedAt := sub.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	o := &types.Observation{
		ObservationID: uuid.NewString(),
		SeriesCode:    key.SeriesCode,
		TenantID:      key.TenantID,
		ProgramID:     key.ProgramID,
		SiteID:        key.SiteID,
		SubmissionID:  sub.SubmissionID,
		Kind:          sub.Kind,
		ObservedAtMs:  capturedAt.UnixMilli(),
		PhaseDay:      phaseDay,
		RawReading:    sub.Reading,
		CreatedAtMs:   time.Now().UnixMilli(),
	}

	log := s.log.With(
		"observation_id", o.ObservationID,
		"series", o.SeriesID(),
		"tenant_id", o.TenantID)

	err = s.persist(ctx, o, true)
	if errors.Is(err, errors.ErrSyncPropagation) {
		// The canonical row must survive a partition outage: commit it
		// alone and leave the repair loop to converge the segment.
		s.syncFailures.Add(1)
		log.Warn("propagation failed, committing canonical only", "error", err)

		if err := s.persist(ctx, o, false); err != nil {
			s.rejected.Add(1)
			return "", err
		}
		s.sync.MarkFailed(ctx, o, err)
	} else if err != nil {
		s.rejected.Add(1)
		return "", err
	}

	s.submitted.Add(1)
	if o.DerivedPending {
		s.pendingRows.Add(1)
		log.Info("observation accepted pending derivation", "phase_day", o.PhaseDay)
	} else {
		log.Debug("observation accepted", "phase_day", o.PhaseDay)
	}
	return o.ObservationID, nil
}

// persist runs the transactional tail of a submission: derived chain,
// canonical append, and (optionally) segment propagation.
func (s *Service) persist(ctx context.Context, o *types.Observation, propagate bool) error {
	return s.store.TransactionContext(ctx, func(tx *sql.Tx) error {
		pc, err := s.loadContext(ctx, tx, o)
		if err != nil {
			return err
		}

		if err := derive.ForKind(o.Kind).Run(o, pc); err != nil && !errors.Is(err, errors.ErrDerivedSkipped) {
			return err
		}

		if err := s.store.InsertObservation(ctx, tx, o); err != nil {
			return err
		}
		if propagate {
			return s.sync.Propagate(ctx, tx, o)
		}
		return nil
	})
}

func (s *Service) loadContext(ctx context.Context, tx *sql.Tx, o *types.Observation) (*derive.Context, error) {
	pred, err := s.store.GetPredecessor(ctx, tx, o.SeriesCode, o.ProgramID, o.PhaseDay)
	if err != nil {
		return nil, fmt.Errorf("load predecessor: %w", err)
	}
	start, err := s.store.GetSeriesStart(ctx, tx, o.SeriesCode, o.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("load series start: %w", err)
	}
	return &derive.Context{Predecessor: pred, SeriesStart: start}, nil
}

// =============================================================================
// Reads and provisioning
// =============================================================================

// GetSeries returns a lazy iterator over a series in phase-day order. The
// iterator holds no database resources between pages; it is restartable from
// any phase-day cursor.
func (s *Service) GetSeries(ctx context.Context, tenant types.TenantContext, seriesCode, programID string) (*SeriesIterator, error) {
	if tenant.TenantID == "" {
		return nil, errors.ErrMissingTenant
	}
	if err := validation.ValidateIdent(seriesCode, validation.SeriesCodeRules()); err != nil {
		return nil, err
	}
	if err := validation.ValidateIdent(programID, validation.DefaultIdentRules()); err != nil {
		return nil, err
	}

	return newSeriesIterator(s.store, tenant.TenantID, seriesCode, programID), nil
}

// GetPartitionDescriptor returns the segment a tenant's program writes to.
func (s *Service) GetPartitionDescriptor(ctx context.Context, tenant types.TenantContext, programID string) (types.SegmentDescriptor, error) {
	if tenant.TenantID == "" {
		return types.SegmentDescriptor{}, errors.ErrMissingTenant
	}
	return s.partitions.Descriptor(ctx, tenant.TenantID, programID)
}

// ProvisionSegment creates (or attaches to) the dedicated segment for a
// tenant's program. Rows already routed to the default segment move over on
// the next reconciliation pass.
func (s *Service) ProvisionSegment(ctx context.Context, tenant types.TenantContext, programID string) (types.SegmentDescriptor, error) {
	if tenant.TenantID == "" {
		return types.SegmentDescriptor{}, errors.ErrMissingTenant
	}
	if err := validation.ValidateIdent(programID, validation.DefaultIdentRules()); err != nil {
		return types.SegmentDescriptor{}, err
	}

	seg, err := s.partitions.EnsureSegment(ctx, types.RoutingKey{
		TenantID:  tenant.TenantID,
		ProgramID: programID,
	})
	if err != nil {
		return types.SegmentDescriptor{}, err
	}
	return seg.Descriptor(), nil
}

// ListPartitions enumerates a tenant's provisioned segments. The reporting
// collaborator uses this together with ObservationSchema to target its
// partition-pruned queries.
func (s *Service) ListPartitions(ctx context.Context, tenant types.TenantContext) ([]types.SegmentDescriptor, error) {
	if tenant.TenantID == "" {
		return nil, errors.ErrMissingTenant
	}
	return s.partitions.ListSegments(ctx, tenant.TenantID)
}

// ObservationSchema returns the column layout shared by the canonical table
// and every partition segment.
func (s *Service) ObservationSchema() []schema.Column {
	return schema.ObservationColumns()
}

// DeleteObservation removes one observation from the canonical store and
// propagates the delete into its partition segment, in one transaction.
func (s *Service) DeleteObservation(ctx context.Context, tenant types.TenantContext, observationID string) error {
	if tenant.TenantID == "" {
		return errors.ErrMissingTenant
	}

	o, err := s.store.GetObservation(ctx, s.store.DB(), observationID)
	if err != nil {
		return err
	}
	if o.TenantID != tenant.TenantID {
		return errors.Wrapf(errors.ErrTenantMismatch,
			"observation %s belongs to another tenant", observationID)
	}

	return s.store.TransactionContext(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeleteObservation(ctx, tx, observationID, o.ProgramID); err != nil {
			return err
		}
		return s.sync.Delete(ctx, tx, observationID, o.ProgramID)
	})
}

// Resync rebuilds the partitioned store from the canonical store.
func (s *Service) Resync(ctx context.Context) (int64, error) {
	return s.sync.Resync(ctx)
}

// ArchiveSegments snapshots every attached segment to a Parquet file in the
// configured archive directory and returns the total rows exported. A no-op
// when archiving is disabled. The maintenance loop runs this ahead of the
// empty-segment sweep so dropped segments leave a snapshot behind.
func (s *Service) ArchiveSegments(ctx context.Context) (int64, error) {
	if s.archiver == nil {
		return 0, nil
	}

	var total int64
	for _, seg := range s.partitions.Segments() {
		path := s.archiver.SegmentPath(seg.Descriptor())
		n, err := s.archiver.ExportSegment(ctx, seg, path)
		if err != nil {
			return total, fmt.Errorf("archive segment %d: %w", seg.ID(), err)
		}
		total += n
	}

	if total > 0 {
		s.archivedRows.Add(total)
		s.log.Info("archived segment snapshots", "rows", total)
	}
	return total, nil
}

// =============================================================================
// Reprocessing
// =============================================================================

// ReprocessPending re-runs the derived chain over rows that committed
// without derived fields. Rows that still have no reading stay pending.
// Returns the number of rows finalized.
func (s *Service) ReprocessPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingDerived(ctx, s.cfg.ReprocessBatchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, o := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if o.RawReading == nil {
			continue
		}

		err := s.store.TransactionContext(ctx, func(tx *sql.Tx) error {
			pc, err := s.loadContext(ctx, tx, o)
			if err != nil {
				return err
			}
			if err := derive.ForKind(o.Kind).Run(o, pc); err != nil {
				return err
			}
			if err := s.store.UpdateDerived(ctx, tx, o); err != nil {
				return err
			}
			return s.sync.Propagate(ctx, tx, o)
		})
		if err != nil {
			s.log.Error("reprocess failed", "observation_id", o.ObservationID, "error", err)
			continue
		}
		done++
	}

	if done > 0 {
		s.reprocessed.Add(int64(done))
		s.pendingRows.Add(int64(-done))
		s.log.Info("reprocessed pending rows", "finalized", done)
	}
	return done, nil
}

// =============================================================================
// Background loops
// =============================================================================

func (s *Service) reconcileLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconcileInterval)
			if _, err := s.partitions.Reconcile(ctx); err != nil {
				s.log.Error("reconcile failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Service) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MaintenanceInterval)
			if err := s.partitions.RefreshRowCounts(ctx); err != nil {
				s.log.Error("row count refresh failed", "error", err)
			}
			if _, err := s.ArchiveSegments(ctx); err != nil {
				s.log.Error("segment archiving failed", "error", err)
			}
			if _, err := s.partitions.DropEmptySegments(ctx, s.cfg.SegmentRetention); err != nil {
				s.log.Error("empty segment sweep failed", "error", err)
			}
			if _, err := s.ReprocessPending(ctx); err != nil {
				s.log.Error("reprocess pass failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Service) repairLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RepairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RepairInterval)
			if _, err := s.sync.RepairOutOfSync(ctx); err != nil {
				s.log.Error("out-of-sync repair failed", "error", err)
			}
			cancel()
		}
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats is a point-in-time view over the whole service.
type Stats struct {
	Submitted    int64
	Rejected     int64
	PendingRows  int64
	Reprocessed  int64
	ArchivedRows int64
	SyncFailures int64

	Partitions partition.StatsSnapshot
	Latency    syncer.LatencySnapshot
}

// Stats returns combined component statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Submitted:    s.submitted.Load(),
		Rejected:     s.rejected.Load(),
		PendingRows:  s.pendingRows.Load(),
		Reprocessed:  s.reprocessed.Load(),
		ArchivedRows: s.archivedRows.Load(),
		SyncFailures: s.syncFailures.Load(),
		Partitions:   s.partitions.Stats(),
		Latency:      s.sync.Latency().Snapshot(),
	}
}

// Health reports database connectivity.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}
