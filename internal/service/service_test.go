package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/partition/archive"
	"github.com/gxplabs/fieldstore/internal/schema"
	"github.com/gxplabs/fieldstore/internal/series"
	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/types"
)

var phaseStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	return newTestServiceWith(t, DefaultConfig())
}

func newTestServiceWith(t *testing.T, cfg Config) (*Service, *store.Store) {
	t.Helper()

	st, err := store.New(store.DefaultConfig(), schema.DefaultRegistry())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := series.NewStaticRegistry()
	reg.AddSite("site-north", "acme")
	reg.AddSite("site-south", "rival")
	reg.AddPhase(series.PhaseWindow{
		ProgramID: "prog-1",
		Name:      "treatment",
		Start:     phaseStart,
		End:       phaseStart.AddDate(0, 0, 30),
	})

	svc, err := New(st, reg, cfg, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st
}

func ptr(v float64) *float64 { return &v }

func depletionSubmission(day int, reading float64) *types.Submission {
	return &types.Submission{
		SubmissionID: fmt.Sprintf("sub-%d", day),
		SiteID:       "site-north",
		ProgramID:    "prog-1",
		SeriesCode:   "gasifier-A1",
		Kind:         types.KindDepletion,
		Reading:      ptr(reading),
		CapturedAt:   phaseStart.AddDate(0, 0, day-1).Add(8 * time.Hour),
	}
}

func TestSubmitObservation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	id, err := svc.SubmitObservation(ctx, acme, depletionSubmission(1, 14.5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("empty observation id")
	}

	o, err := st.GetObservation(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("get canonical: %v", err)
	}
	if o.PhaseDay != 1 {
		t.Errorf("phase day = %d, want 1 (resolved from schedule)", o.PhaseDay)
	}
	if o.DerivedPending {
		t.Error("row flagged pending despite a reading")
	}
	if o.Progression == nil || *o.Progression != 0 {
		t.Errorf("first observation progression = %v, want 0", o.Progression)
	}
	if o.FlowRate == nil || *o.FlowRate != 0.5 {
		t.Errorf("flow rate = %v, want 0.5", o.FlowRate)
	}

	// The same row is visible in the partitioned store.
	seg, err := svc.Partitions().Route(ctx, o)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	got, err := seg.Get(ctx, st.DB(), id, "prog-1")
	if err != nil {
		t.Fatalf("get segment row: %v", err)
	}
	if got == nil {
		t.Fatal("observation not propagated to its segment")
	}
	if got.ObservedAtMs != o.ObservedAtMs {
		t.Error("segment copy disagrees on observed_at")
	}

	stats := svc.Stats()
	if stats.Submitted != 1 || stats.Rejected != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Latency.Count != 1 {
		t.Errorf("latency count = %d, want 1", stats.Latency.Count)
	}
}

func TestSubmitDerivedChainAcrossDays(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	if _, err := svc.SubmitObservation(ctx, acme, depletionSubmission(1, 14.5)); err != nil {
		t.Fatalf("day 1: %v", err)
	}
	id2, err := svc.SubmitObservation(ctx, acme, depletionSubmission(2, 13.5))
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}

	o, err := st.GetObservation(ctx, st.DB(), id2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Progression == nil {
		t.Fatal("progression missing")
	}
	if *o.Progression != -1.0 {
		t.Errorf("progression = %v, want -1.0", *o.Progression)
	}
	if o.Momentum == nil || *o.Momentum != 0.25 {
		t.Errorf("momentum = %v, want 0.25", o.Momentum)
	}
	if o.Trend == nil || *o.Trend != types.TrendModerateAcceleration {
		t.Errorf("trend = %v, want moderate acceleration", o.Trend)
	}
	if o.ForecastedExhaustionMs == nil {
		t.Error("forecast missing on depleting series")
	}
}

func TestSubmitTenantScoping(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Missing tenant is fatal, never defaulted.
	if _, err := svc.SubmitObservation(ctx, types.TenantContext{}, depletionSubmission(1, 14.5)); !errors.Is(err, errors.ErrMissingTenant) {
		t.Errorf("missing tenant: err = %v", err)
	}

	// site-north belongs to acme; rival cannot write through it.
	if _, err := svc.SubmitObservation(ctx, types.TenantContext{TenantID: "rival"}, depletionSubmission(1, 14.5)); !errors.Is(err, errors.ErrTenantMismatch) {
		t.Errorf("cross-tenant write: err = %v", err)
	}

	stats := svc.Stats()
	if stats.Submitted != 0 || stats.Rejected != 1 {
		t.Errorf("stats = %+v, want 0 submitted / 1 rejected", stats)
	}
}

func TestSubmitInvalidReadingRejected(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	sub := depletionSubmission(1, 99.0) // above MaxMaterial
	if _, err := svc.SubmitObservation(ctx, acme, sub); !errors.IsValidation(err) {
		t.Fatalf("out-of-range reading: err = %v", err)
	}

	n, err := st.CountObservations(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected submission left %d canonical rows", n)
	}
}

func TestSubmitWithoutReadingCommitsPending(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	sub := depletionSubmission(1, 0)
	sub.Reading = nil
	id, err := svc.SubmitObservation(ctx, acme, sub)
	if err != nil {
		t.Fatalf("submit without reading: %v", err)
	}

	o, err := st.GetObservation(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !o.DerivedPending {
		t.Error("row not flagged pending")
	}
	if o.Progression != nil || o.FlowRate != nil || o.Trend != nil {
		t.Error("derived fields set despite missing reading")
	}
}

func TestNewProgramRoutesToDefaultThenReconciles(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	// A brand-new program with no provisioned segment: the write must
	// succeed and land in the catch-all segment.
	id, err := svc.SubmitObservation(ctx, acme, depletionSubmission(1, 14.5))
	if err != nil {
		t.Fatalf("submit to unprovisioned program: %v", err)
	}

	desc, err := svc.GetPartitionDescriptor(ctx, acme, "prog-1")
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if !desc.Default {
		t.Error("descriptor should be the default segment before provisioning")
	}

	def := svc.Partitions().DefaultSegment()
	if got, _ := def.Get(ctx, st.DB(), id, "prog-1"); got == nil {
		t.Fatal("row missing from default segment")
	}

	// Provision and reconcile: the row moves, exactly once.
	provisioned, err := svc.ProvisionSegment(ctx, acme, "prog-1")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if provisioned.Default {
		t.Fatal("provisioned descriptor is the default segment")
	}

	moved, err := svc.Partitions().Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if moved != 1 {
		t.Errorf("reconcile moved %d rows, want 1", moved)
	}

	if got, _ := def.Get(ctx, st.DB(), id, "prog-1"); got != nil {
		t.Error("row still in default segment after reconcile")
	}

	seg, ok := svc.Partitions().SegmentByID(provisioned.SegmentID)
	if !ok {
		t.Fatal("provisioned segment not in arena")
	}
	if got, _ := seg.Get(ctx, st.DB(), id, "prog-1"); got == nil {
		t.Error("row missing from dedicated segment after reconcile")
	}
}

func TestGetSeriesIterator(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	const days = 7
	for day := 1; day <= days; day++ {
		if _, err := svc.SubmitObservation(ctx, acme, depletionSubmission(day, 15.0-float64(day)*0.5)); err != nil {
			t.Fatalf("day %d: %v", day, err)
		}
	}

	it, err := svc.GetSeries(ctx, acme, "gasifier-A1", "prog-1")
	if err != nil {
		t.Fatalf("get series: %v", err)
	}

	var phaseDays []int
	for it.Next(ctx) {
		phaseDays = append(phaseDays, it.Observation().PhaseDay)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if len(phaseDays) != days {
		t.Fatalf("iterated %d observations, want %d", len(phaseDays), days)
	}
	for i, d := range phaseDays {
		if d != i+1 {
			t.Fatalf("phase days out of order: %v", phaseDays)
		}
	}

	// Resume from a mid-series cursor, as a restarted reader would.
	resumed, err := svc.GetSeries(ctx, acme, "gasifier-A1", "prog-1")
	if err != nil {
		t.Fatalf("get series again: %v", err)
	}
	resumed.Seek(4)
	var rest []int
	for resumed.Next(ctx) {
		rest = append(rest, resumed.Observation().PhaseDay)
	}
	if len(rest) != 3 || rest[0] != 5 {
		t.Errorf("resumed walk = %v, want [5 6 7]", rest)
	}

	// Another tenant sees nothing through the same series coordinates.
	foreign, err := svc.GetSeries(ctx, types.TenantContext{TenantID: "rival"}, "gasifier-A1", "prog-1")
	if err != nil {
		t.Fatalf("foreign get series: %v", err)
	}
	if foreign.Next(ctx) {
		t.Error("foreign tenant iterated another tenant's series")
	}
}

func TestReprocessPending(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	sub := depletionSubmission(1, 0)
	sub.Reading = nil
	id, err := svc.SubmitObservation(ctx, acme, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Nothing to do while the reading is still absent.
	done, err := svc.ReprocessPending(ctx)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if done != 0 {
		t.Errorf("reprocessed %d rows with no readings, want 0", done)
	}

	// The reading arrives out of band.
	if _, err := st.ExecContext(ctx,
		`UPDATE observations SET raw_reading = 14.5 WHERE observation_id = ?`, id); err != nil {
		t.Fatalf("backfill reading: %v", err)
	}

	done, err = svc.ReprocessPending(ctx)
	if err != nil {
		t.Fatalf("second reprocess: %v", err)
	}
	if done != 1 {
		t.Errorf("reprocessed %d rows, want 1", done)
	}

	o, err := st.GetObservation(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.DerivedPending {
		t.Error("row still pending after reprocess")
	}
	if o.FlowRate == nil || *o.FlowRate != 0.5 {
		t.Errorf("flow rate = %v, want 0.5", o.FlowRate)
	}
}

func TestDeleteObservationPropagates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	id, err := svc.SubmitObservation(ctx, acme, depletionSubmission(1, 14.5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Another tenant cannot delete through the id.
	if err := svc.DeleteObservation(ctx, types.TenantContext{TenantID: "rival"}, id); !errors.Is(err, errors.ErrTenantMismatch) {
		t.Errorf("cross-tenant delete: err = %v", err)
	}

	if err := svc.DeleteObservation(ctx, acme, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := st.GetObservation(ctx, st.DB(), id); !errors.IsNotFound(err) {
		t.Errorf("canonical row survived delete: err = %v", err)
	}
	def := svc.Partitions().DefaultSegment()
	if got, _ := def.Get(ctx, st.DB(), id, "prog-1"); got != nil {
		t.Error("segment row survived delete")
	}
}

func TestListPartitionsAndSchema(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	if _, err := svc.ProvisionSegment(ctx, acme, "prog-1"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	descs, err := svc.ListPartitions(ctx, acme)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 1 || descs[0].ProgramID != "prog-1" {
		t.Errorf("partitions = %+v", descs)
	}

	foreign, err := svc.ListPartitions(ctx, types.TenantContext{TenantID: "rival"})
	if err != nil {
		t.Fatalf("foreign list: %v", err)
	}
	if len(foreign) != 0 {
		t.Errorf("foreign tenant sees %d partitions", len(foreign))
	}

	cols := svc.ObservationSchema()
	if len(cols) == 0 {
		t.Fatal("empty schema")
	}
	if cols[0].Name != "observation_id" {
		t.Errorf("first column = %q, want observation_id", cols[0].Name)
	}
}

func TestArchiveSegmentsSnapshots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	svc, _ := newTestServiceWith(t, cfg)
	ctx := context.Background()
	acme := types.TenantContext{TenantID: "acme"}

	const days = 3
	for d := 1; d <= days; d++ {
		if _, err := svc.SubmitObservation(ctx, acme, depletionSubmission(d, 15-float64(d)*0.5)); err != nil {
			t.Fatalf("day %d: %v", d, err)
		}
	}

	n, err := svc.ArchiveSegments(ctx)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != days {
		t.Errorf("archived %d rows, want %d", n, days)
	}

	paths, err := filepath.Glob(filepath.Join(cfg.ArchiveDir, "*.parquet"))
	if err != nil {
		t.Fatalf("glob archive dir: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("no snapshot files written")
	}

	var read int64
	for _, p := range paths {
		r, err := archive.NewSegmentReader(p)
		if err != nil {
			t.Fatalf("open snapshot %s: %v", p, err)
		}
		read += r.NumRows()
		r.Close()
	}
	if read != days {
		t.Errorf("snapshots hold %d rows, want %d", read, days)
	}

	if got := svc.Stats().ArchivedRows; got != days {
		t.Errorf("stats archived rows = %d, want %d", got, days)
	}
}

func TestArchiveSegmentsDisabled(t *testing.T) {
	svc, _ := newTestService(t)

	n, err := svc.ArchiveSegments(context.Background())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 0 {
		t.Errorf("archived %d rows with archiving disabled", n)
	}
}

func TestServiceStartStop(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Start()
	svc.Stop()

	// Stop is idempotent and submissions are refused afterwards.
	svc.Stop()
	if _, err := svc.SubmitObservation(context.Background(), types.TenantContext{TenantID: "acme"}, depletionSubmission(1, 14.5)); !errors.Is(err, errors.ErrServiceStopped) {
		t.Errorf("submit after stop: err = %v", err)
	}
}
