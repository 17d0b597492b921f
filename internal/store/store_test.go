package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/schema"
	"github.com/gxplabs/fieldstore/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := New(DefaultConfig(), schema.DefaultRegistry())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func ptr(v float64) *float64 { return &v }

func fullObservation(id string, phaseDay int, observedAt time.Time) *types.Observation {
	stage := types.StageLow
	trend := types.TrendStable
	forecast := observedAt.AddDate(0, 0, 20).UnixMilli()
	return &types.Observation{
		ObservationID:          id,
		SeriesCode:             "gasifier-A1",
		TenantID:               "acme",
		ProgramID:              "prog-1",
		SiteID:                 "site-north",
		SubmissionID:           "sub-1",
		Kind:                   types.KindDepletion,
		ObservedAtMs:           observedAt.UnixMilli(),
		PhaseDay:               phaseDay,
		RawReading:             ptr(12.0),
		Stage:                  &stage,
		Progression:            ptr(1.5),
		Velocity:               ptr(1.5),
		FlowRate:               ptr(0.6),
		Momentum:               ptr(0.1),
		Trend:                  &trend,
		ForecastedExhaustionMs: &forecast,
		CreatedAtMs:            time.Now().UnixMilli(),
	}
}

func TestObservationRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	observedAt := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	o := fullObservation("obs-1", 3, observedAt)
	if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.GetObservation(ctx, st.DB(), "obs-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.SeriesCode != o.SeriesCode || got.TenantID != o.TenantID {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Kind != types.KindDepletion {
		t.Errorf("kind = %v", got.Kind)
	}
	if got.ObservedAtMs != observedAt.UnixMilli() {
		t.Errorf("observed_at_ms = %d", got.ObservedAtMs)
	}
	if got.Stage == nil || *got.Stage != types.StageLow {
		t.Errorf("stage = %v", got.Stage)
	}
	if got.Trend == nil || *got.Trend != types.TrendStable {
		t.Errorf("trend = %v", got.Trend)
	}
	if got.ForecastedExhaustionMs == nil || *got.ForecastedExhaustionMs != *o.ForecastedExhaustionMs {
		t.Errorf("forecast = %v", got.ForecastedExhaustionMs)
	}
	if got.DerivedPending {
		t.Error("pending flag set on finalized row")
	}
}

func TestObservationNullDerivedFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	o := &types.Observation{
		ObservationID:  "obs-null",
		SeriesCode:     "dish-7",
		TenantID:       "acme",
		ProgramID:      "prog-1",
		SiteID:         "site-north",
		Kind:           types.KindGrowth,
		ObservedAtMs:   time.Now().UnixMilli(),
		PhaseDay:       1,
		DerivedPending: true,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
	if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.GetObservation(ctx, st.DB(), "obs-null")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RawReading != nil || got.Stage != nil || got.Progression != nil ||
		got.FlowRate != nil || got.Trend != nil || got.ForecastedExhaustionMs != nil {
		t.Errorf("null fields came back non-nil: %+v", got)
	}
	if !got.DerivedPending {
		t.Error("pending flag lost")
	}
}

func TestGetObservationNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetObservation(context.Background(), st.DB(), "nope")
	if !errors.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestUpdateDerived(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	o := fullObservation("obs-1", 1, time.Now())
	o.Stage = nil
	o.Trend = nil
	o.DerivedPending = true
	if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	trend := types.TrendHighAcceleration
	o.Trend = &trend
	o.Momentum = ptr(0.7)
	o.DerivedPending = false
	if err := st.UpdateDerived(ctx, st.DB(), o); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetObservation(ctx, st.DB(), "obs-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Trend == nil || *got.Trend != types.TrendHighAcceleration {
		t.Errorf("trend = %v", got.Trend)
	}
	if got.Momentum == nil || *got.Momentum != 0.7 {
		t.Errorf("momentum = %v", got.Momentum)
	}
	if got.DerivedPending {
		t.Error("pending flag not cleared")
	}

	// Updating a missing row reports not found.
	missing := fullObservation("obs-missing", 1, time.Now())
	if err := st.UpdateDerived(ctx, st.DB(), missing); !errors.IsNotFound(err) {
		t.Errorf("update missing: err = %v", err)
	}
}

func TestPredecessorAndSeriesStart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for day := 1; day <= 3; day++ {
		o := fullObservation("obs-"+string(rune('0'+day)), day, base.AddDate(0, 0, day-1))
		if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
			t.Fatalf("insert day %d: %v", day, err)
		}
	}

	pred, err := st.GetPredecessor(ctx, st.DB(), "gasifier-A1", "prog-1", 3)
	if err != nil {
		t.Fatalf("predecessor: %v", err)
	}
	if pred == nil || pred.PhaseDay != 2 {
		t.Errorf("predecessor = %+v, want phase day 2", pred)
	}

	// Phase day 1 has no predecessor by definition.
	pred, err = st.GetPredecessor(ctx, st.DB(), "gasifier-A1", "prog-1", 1)
	if err != nil {
		t.Fatalf("predecessor day 1: %v", err)
	}
	if pred != nil {
		t.Errorf("day 1 predecessor = %+v, want nil", pred)
	}

	// A gap: day 5 looks for day 4, which does not exist.
	pred, err = st.GetPredecessor(ctx, st.DB(), "gasifier-A1", "prog-1", 5)
	if err != nil {
		t.Fatalf("predecessor day 5: %v", err)
	}
	if pred != nil {
		t.Errorf("gapped predecessor = %+v, want nil", pred)
	}

	start, err := st.GetSeriesStart(ctx, st.DB(), "gasifier-A1", "prog-1")
	if err != nil {
		t.Fatalf("series start: %v", err)
	}
	if start == nil || start.PhaseDay != 1 {
		t.Errorf("series start = %+v, want phase day 1", start)
	}

	start, err = st.GetSeriesStart(ctx, st.DB(), "unknown", "prog-1")
	if err != nil {
		t.Fatalf("unknown series start: %v", err)
	}
	if start != nil {
		t.Errorf("unknown series start = %+v, want nil", start)
	}
}

func TestGetSeriesPage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for day := 1; day <= 5; day++ {
		o := fullObservation("obs-"+string(rune('0'+day)), day, base.AddDate(0, 0, day-1))
		if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
			t.Fatalf("insert day %d: %v", day, err)
		}
	}

	page, err := st.GetSeriesPage(ctx, "acme", "gasifier-A1", "prog-1", 2, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].PhaseDay != 3 || page[1].PhaseDay != 4 {
		t.Errorf("page after day 2 = %v", phaseDays(page))
	}

	// Tenant scoping is part of the query itself.
	page, err = st.GetSeriesPage(ctx, "rival", "gasifier-A1", "prog-1", 0, 10)
	if err != nil {
		t.Fatalf("foreign page: %v", err)
	}
	if len(page) != 0 {
		t.Errorf("foreign tenant read %d rows", len(page))
	}
}

func phaseDays(obs []*types.Observation) []int {
	out := make([]int, len(obs))
	for i, o := range obs {
		out[i] = o.PhaseDay
	}
	return out
}

func TestListPendingDerived(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pendingRow := fullObservation("obs-p", 1, time.Now())
	pendingRow.DerivedPending = true
	doneRow := fullObservation("obs-d", 2, time.Now())

	for _, o := range []*types.Observation{pendingRow, doneRow} {
		if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	pending, err := st.ListPendingDerived(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ObservationID != "obs-p" {
		t.Errorf("pending = %v", pending)
	}
}

func TestEnsureSegmentRowIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	key := types.RoutingKey{TenantID: "acme", ProgramID: "prog-1"}

	d1, created, err := st.EnsureSegmentRow(ctx, st.DB(), key)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if !created {
		t.Error("first ensure should create")
	}
	if d1.SegmentID == types.DefaultSegmentID {
		t.Error("dedicated segment got the default id")
	}

	d2, created, err := st.EnsureSegmentRow(ctx, st.DB(), key)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Error("second ensure should attach, not create")
	}
	if d2.SegmentID != d1.SegmentID {
		t.Errorf("segment ids differ: %d vs %d", d1.SegmentID, d2.SegmentID)
	}

	// A different key gets a different segment.
	d3, _, err := st.EnsureSegmentRow(ctx, st.DB(), types.RoutingKey{TenantID: "acme", ProgramID: "prog-2"})
	if err != nil {
		t.Fatalf("third ensure: %v", err)
	}
	if d3.SegmentID == d1.SegmentID {
		t.Error("distinct keys share a segment")
	}

	descs, err := st.ListSegments(ctx, "acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(descs) != 2 {
		t.Errorf("tenant has %d segments, want 2", len(descs))
	}
}

func TestSyncHighWaterMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	hw, err := st.GetSyncHighWater(ctx)
	if err != nil {
		t.Fatalf("initial: %v", err)
	}
	if hw != 0 {
		t.Errorf("initial high water = %d, want 0", hw)
	}

	if err := st.SetSyncHighWater(ctx, st.DB(), 5000); err != nil {
		t.Fatalf("set: %v", err)
	}
	// The mark never moves backwards.
	if err := st.SetSyncHighWater(ctx, st.DB(), 3000); err != nil {
		t.Fatalf("set lower: %v", err)
	}

	hw, err = st.GetSyncHighWater(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hw != 5000 {
		t.Errorf("high water = %d, want 5000", hw)
	}
}

func TestTransactionRollback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	wantErr := errors.NewValidation("reading", "test failure")
	err := st.TransactionContext(ctx, func(tx *sql.Tx) error {
		o := fullObservation("obs-rollback", 1, time.Now())
		if err := st.InsertObservation(ctx, tx, o); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("transaction err = %v", err)
	}

	n, err := st.CountObservations(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled-back insert left %d rows", n)
	}
}

func TestOutOfSyncAccumulatesAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.MarkOutOfSync(ctx, "obs-1", "prog-1", 3, "timeout"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := st.MarkOutOfSync(ctx, "obs-1", "prog-1", 2, "still down"); err != nil {
		t.Fatalf("remark: %v", err)
	}

	entries, err := st.ListOutOfSync(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 5 {
		t.Errorf("attempts = %d, want 5", entries[0].Attempts)
	}
	if entries[0].LastError != "still down" {
		t.Errorf("last error = %q", entries[0].LastError)
	}

	if err := st.ClearOutOfSync(ctx, st.DB(), "obs-1", "prog-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, err := st.CountOutOfSync(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d after clear", n)
	}
}

func TestListCanonicalSinceKeyset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Three rows share one capture millisecond.
	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for _, id := range []string{"obs-a", "obs-b", "obs-c"} {
		o := fullObservation(id, 1, at)
		if err := st.InsertObservation(ctx, st.DB(), o); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	// Page size 2: the keyset cursor must not skip the tied third row.
	page1, err := st.ListCanonicalSince(ctx, 0, "", 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page 1 has %d rows", len(page1))
	}

	last := page1[len(page1)-1]
	page2, err := st.ListCanonicalSince(ctx, last.ObservedAtMs, last.ObservationID, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 1 {
		t.Fatalf("page 2 has %d rows, want the tied remainder", len(page2))
	}
	if page2[0].ObservationID == page1[0].ObservationID || page2[0].ObservationID == page1[1].ObservationID {
		t.Error("page 2 repeated a row")
	}
}
