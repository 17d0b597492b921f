// Package syncer keeps the partitioned segment tables consistent with the
// canonical observation table.
//
// Propagation is idempotent: a segment upsert keyed by (observation_id,
// program_id) that never rewrites observed_at_ms, so replays converge on the
// same row. Failed propagations retry with exponential backoff; rows that
// exhaust their retries are marked out-of-sync and re-driven later, never
// dropped.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/logging"
	"github.com/gxplabs/fieldstore/internal/partition"
	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/types"
)

// AlertFunc is called when a row is marked out-of-sync after exhausting its
// retries. Alerts fire on the propagation path; implementations must not
// block.
type AlertFunc func(entry store.OutOfSyncEntry, err error)

// RetryConfig holds retry behavior for propagation.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig returns sensible defaults for propagation retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Config holds syncer configuration.
type Config struct {
	Retry RetryConfig

	// ResyncBatchSize is how many canonical rows a resync pass reads per
	// page.
	ResyncBatchSize int

	// OutOfSyncBatchSize is how many markers one repair pass drains.
	OutOfSyncBatchSize int
}

// DefaultConfig returns syncer defaults.
func DefaultConfig() Config {
	return Config{
		Retry:              DefaultRetryConfig(),
		ResyncBatchSize:    500,
		OutOfSyncBatchSize: 100,
	}
}

// Syncer propagates canonical observations into their partition segments.
type Syncer struct {
	store      *store.Store
	partitions *partition.Manager
	cfg        Config
	log        *slog.Logger
	latency    *LatencyMonitor
	alert      AlertFunc
}

// New creates a syncer. alert may be nil.
func New(st *store.Store, pm *partition.Manager, cfg Config, alert AlertFunc) *Syncer {
	return &Syncer{
		store:      st,
		partitions: pm,
		cfg:        cfg,
		log:        logging.Component("syncer"),
		latency:    NewLatencyMonitor(),
		alert:      alert,
	}
}

// Latency returns the propagation latency monitor.
func (s *Syncer) Latency() *LatencyMonitor {
	return s.latency
}

// LatencyQuantile returns the propagation latency at quantile q.
func (s *Syncer) LatencyQuantile(q float64) time.Duration {
	return s.latency.Quantile(q)
}

// =============================================================================
// Propagation
// =============================================================================

// Propagate upserts one observation into its partition segment using the
// supplied querier, typically the canonical write transaction. No retries:
// the caller decides whether a failure aborts the transaction or falls back
// to MarkFailed.
func (s *Syncer) Propagate(ctx context.Context, q store.Querier, o *types.Observation) error {
	start := time.Now()

	seg, err := s.partitions.Route(ctx, o)
	if err != nil {
		return errors.Wrap(errors.ErrSyncPropagation, err.Error())
	}
	if err := seg.Upsert(ctx, q, o); err != nil {
		return errors.Wrapf(errors.ErrSyncPropagation, "segment %d: %v", seg.ID(), err)
	}

	s.latency.Record(time.Since(start))
	return nil
}

// PropagateWithRetry propagates against the live database with exponential
// backoff. After the retry budget is exhausted the row is marked out-of-sync
// and the alert callback fires; the returned error still reports the failure.
func (s *Syncer) PropagateWithRetry(ctx context.Context, o *types.Observation) error {
	var lastErr error
	backoff := s.cfg.Retry.InitialBackoff

	for attempt := 0; attempt <= s.cfg.Retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.Propagate(ctx, s.store.DB(), o)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			lastErr = err
			break
		}
		lastErr = err

		if attempt < s.cfg.Retry.MaxRetries {
			sleep := jitteredBackoff(backoff)

			s.log.Warn("retrying propagation",
				"observation_id", o.ObservationID,
				"attempt", attempt+1,
				"backoff", sleep,
				"error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * s.cfg.Retry.Multiplier)
			if backoff > s.cfg.Retry.MaxBackoff {
				backoff = s.cfg.Retry.MaxBackoff
			}
		}
	}

	s.markFailed(ctx, o, s.cfg.Retry.MaxRetries+1, lastErr)
	return fmt.Errorf("propagation retries exhausted: %w", lastErr)
}

// MarkFailed records a propagation failure without retrying. Used by the
// write path when the in-transaction propagation failed but the canonical
// row must still commit.
func (s *Syncer) MarkFailed(ctx context.Context, o *types.Observation, cause error) {
	s.markFailed(ctx, o, 1, cause)
}

func (s *Syncer) markFailed(ctx context.Context, o *types.Observation, attempts int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.store.MarkOutOfSync(ctx, o.ObservationID, o.ProgramID, attempts, msg); err != nil {
		s.log.Error("failed to mark row out of sync",
			"observation_id", o.ObservationID, "error", err)
		return
	}

	s.log.Error("observation out of sync",
		"observation_id", o.ObservationID,
		"program_id", o.ProgramID,
		"attempts", attempts,
		"error", cause)

	if s.alert != nil {
		s.alert(store.OutOfSyncEntry{
			ObservationID: o.ObservationID,
			ProgramID:     o.ProgramID,
			Attempts:      attempts,
			LastError:     msg,
			UpdatedAtMs:   time.Now().UnixMilli(),
		}, cause)
	}
}

// Delete removes an observation from its partition segment. The canonical
// row locates the segment; when the canonical row is already gone the delete
// fans out to the default segment and every dedicated segment of the
// program.
func (s *Syncer) Delete(ctx context.Context, q store.Querier, observationID, programID string) error {
	o, err := s.store.GetObservation(ctx, q, observationID)
	if err == nil && o != nil {
		seg, err := s.partitions.Route(ctx, o)
		if err != nil {
			return err
		}
		return seg.Delete(ctx, q, observationID, programID)
	}
	if err != nil && !errors.IsNotFound(err) {
		return err
	}

	if err := s.partitions.DefaultSegment().Delete(ctx, q, observationID, programID); err != nil {
		return err
	}
	descs, err := s.store.ListAllSegments(ctx)
	if err != nil {
		return err
	}
	for _, d := range descs {
		if d.ProgramID != programID {
			continue
		}
		seg, ok := s.partitions.SegmentByID(d.SegmentID)
		if !ok {
			continue
		}
		if err := seg.Delete(ctx, q, observationID, programID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Repair and resync
// =============================================================================

// RepairOutOfSync re-propagates rows previously marked out-of-sync. Rows
// whose canonical observation no longer exists have their marker cleared.
// Returns the number of rows repaired.
func (s *Syncer) RepairOutOfSync(ctx context.Context) (int, error) {
	entries, err := s.store.ListOutOfSync(ctx, s.cfg.OutOfSyncBatchSize)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}

		o, err := s.store.GetObservation(ctx, s.store.DB(), e.ObservationID)
		if errors.IsNotFound(err) {
			if err := s.store.ClearOutOfSync(ctx, s.store.DB(), e.ObservationID, e.ProgramID); err != nil {
				return repaired, err
			}
			continue
		}
		if err != nil {
			return repaired, err
		}

		err = s.store.TransactionContext(ctx, func(tx *sql.Tx) error {
			if err := s.Propagate(ctx, tx, o); err != nil {
				return err
			}
			return s.store.ClearOutOfSync(ctx, tx, o.ObservationID, o.ProgramID)
		})
		if err != nil {
			if markErr := s.store.MarkOutOfSync(ctx, e.ObservationID, e.ProgramID, 1, err.Error()); markErr != nil {
				s.log.Error("failed to bump out-of-sync marker",
					"observation_id", e.ObservationID, "error", markErr)
			}
			continue
		}
		repaired++
	}

	if repaired > 0 {
		s.log.Info("repaired out-of-sync rows", "repaired", repaired)
	}
	return repaired, nil
}

// Resync rebuilds the partitioned store from the canonical store, resuming
// from the high-water mark of the last completed batch. Safe to interrupt:
// the next call picks up where this one stopped.
func (s *Syncer) Resync(ctx context.Context) (int64, error) {
	since, err := s.store.GetSyncHighWater(ctx)
	if err != nil {
		return 0, err
	}
	return s.resyncSince(ctx, since)
}

// ResyncFrom rebuilds the partitioned store from an arbitrary point in time.
func (s *Syncer) ResyncFrom(ctx context.Context, from time.Time) (int64, error) {
	return s.resyncSince(ctx, from.UnixMilli())
}

func (s *Syncer) resyncSince(ctx context.Context, sinceMs int64) (int64, error) {
	var total int64
	afterID := ""
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		batch, err := s.store.ListCanonicalSince(ctx, sinceMs, afterID, s.cfg.ResyncBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		err = s.store.TransactionContext(ctx, func(tx *sql.Tx) error {
			for _, o := range batch {
				if err := s.Propagate(ctx, tx, o); err != nil {
					return fmt.Errorf("observation %s: %w", o.ObservationID, err)
				}
			}
			return s.store.SetSyncHighWater(ctx, tx, batch[len(batch)-1].ObservedAtMs)
		})
		if err != nil {
			return total, err
		}

		total += int64(len(batch))
		last := batch[len(batch)-1]
		sinceMs = last.ObservedAtMs
		afterID = last.ObservationID
	}

	if total > 0 {
		s.log.Info("resync complete", "rows", total)
	}
	return total, nil
}

// isRetryableError reports whether a propagation error is transient.
// jitteredBackoff spreads retries by ±25% of the current backoff.
// rand.Int63n panics on a non-positive argument, so tiny backoffs pass
// through unjittered.
func jitteredBackoff(backoff time.Duration) time.Duration {
	half := int64(backoff) / 2
	if half <= 0 {
		return backoff
	}
	jitter := time.Duration(rand.Int63n(half))
	if rand.Intn(2) == 0 {
		jitter = -jitter
	}
	return backoff + jitter
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"database is locked",
		"busy",
		"timeout",
		"deadline exceeded",
		"connection",
		"temporarily unavailable",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
