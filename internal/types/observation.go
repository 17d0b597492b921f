// Package types defines the core data model shared by all fieldstore
// components: observations, series keys, partition segments, and the
// fixed classification enumerations used by the derived-metric pipeline.
package types

import "time"

// Domain constants for depletion series.
const (
	// MaxMaterial is the amount of material a gasifier holds when full,
	// in source units.
	MaxMaterial = 15.0

	// BenchmarkRate is the target depletion rate in units per day, used to
	// classify trend severity.
	BenchmarkRate = 1.0714
)

// ObservationKind indicates which raw reading an observation carries.
type ObservationKind int

const (
	// KindGrowth is a petri-dish growth reading (growth index, >= 0).
	KindGrowth ObservationKind = iota
	// KindDepletion is a gasifier linear reading ([0, MaxMaterial]).
	KindDepletion
)

// String returns a human-readable representation of the kind.
func (k ObservationKind) String() string {
	switch k {
	case KindGrowth:
		return "growth"
	case KindDepletion:
		return "depletion"
	default:
		return "unknown"
	}
}

// ParseObservationKind parses a string into an ObservationKind.
func ParseObservationKind(s string) (ObservationKind, bool) {
	switch s {
	case "growth":
		return KindGrowth, true
	case "depletion":
		return KindDepletion, true
	default:
		return KindGrowth, false
	}
}

// Observation is the atomic unit of the store.
//
// Derived fields are computed by the pipeline and never client-supplied.
// They are pointers: nil means "not computed" (pipeline skipped), never a
// silently propagated zero.
type Observation struct {
	// Identity
	ObservationID string
	SeriesCode    string
	TenantID      string
	ProgramID     string
	SiteID        string
	SubmissionID  string

	Kind ObservationKind

	// Temporal. ObservedAtMs is the authoritative capture time in unix
	// milliseconds; it is set once and never overwritten by storage-layer
	// defaults. PhaseDay is the 1-based day index within the program's
	// current treatment phase.
	ObservedAtMs int64
	PhaseDay     int

	// RawReading is the single domain-specific numeric reading
	// (growth_index or linear_reading). Nil when the client submitted no
	// reading; the row still persists, flagged DerivedPending.
	RawReading *float64

	// Derived fields
	Stage                  *StageCategory
	Progression            *float64
	Velocity               *float64
	FlowRate               *float64
	Momentum               *float64
	Trend                  *TrendCategory
	ForecastedExhaustionMs *int64

	// DerivedPending marks rows whose derived chain has not run yet and
	// which are awaiting reprocessing.
	DerivedPending bool

	CreatedAtMs int64
}

// ObservedAt returns the capture time as a time.Time.
func (o *Observation) ObservedAt() time.Time {
	return time.UnixMilli(o.ObservedAtMs).UTC()
}

// SeriesID returns the logical series identifier of this observation.
func (o *Observation) SeriesID() string {
	return o.ProgramID + "/" + o.SeriesCode
}

// Key returns the composite identity used by the partitioned store.
func (o *Observation) Key() (observationID, programID string) {
	return o.ObservationID, o.ProgramID
}

// SeriesKey identifies the logical series an observation belongs to, and
// doubles as the input to partition routing.
type SeriesKey struct {
	TenantID   string
	ProgramID  string
	SiteID     string
	SeriesCode string
}

// Routing returns the partition routing key for this series.
// Tenant scope is implied; program is the primary routing dimension.
func (k SeriesKey) Routing() RoutingKey {
	return RoutingKey{TenantID: k.TenantID, ProgramID: k.ProgramID}
}

// TenantContext is an already-authorized tenant scope. The access-control
// collaborator authenticates the principal and hands the core a
// TenantContext; the core never widens it.
type TenantContext struct {
	TenantID string
}

// Submission is the client-facing payload for one observation.
type Submission struct {
	SubmissionID string
	SiteID       string
	ProgramID    string
	SeriesCode   string
	Kind         ObservationKind

	// Reading is the raw measurement. Nil is accepted: the observation is
	// stored with derived fields unset and flagged for reprocessing.
	Reading *float64

	CapturedAt time.Time

	// PhaseDay, when > 0, overrides phase-schedule resolution.
	PhaseDay int
}
