// Package derive implements the derived-metric pipeline: a fixed, ordered
// chain of pure computations that finalizes an observation from its raw
// reading and its immediate predecessor in the same series.
//
// The chain runs synchronously inside the write transaction. Every step is
// total over its optional inputs; the only failure mode is a missing raw
// reading, which skips the whole chain and leaves the row flagged for
// reprocessing.
package derive

import (
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Context carries the series history a computation may consult.
type Context struct {
	// Predecessor is the most recent observation in the same series whose
	// phase day is exactly one less than the current one, or nil.
	Predecessor *types.Observation

	// SeriesStart is the first observation ever recorded for the series by
	// capture time, or nil when the current observation opens the series.
	SeriesStart *types.Observation
}

// Computation is one step of the pipeline.
type Computation interface {
	Name() string
	Apply(o *types.Observation, pc *Context) error
}

// Pipeline is the ordered computation chain for one observation kind.
type Pipeline struct {
	kind  types.ObservationKind
	steps []Computation
}

// ForKind returns the pipeline for an observation kind. Step order is fixed:
// later steps read the outputs of earlier ones.
func ForKind(kind types.ObservationKind) *Pipeline {
	switch kind {
	case types.KindDepletion:
		return &Pipeline{kind: kind, steps: []Computation{
			progressionStep{},
			velocityStep{},
			flowRateStep{},
			momentumStep{},
			trendStep{},
			forecastStep{},
		}}
	default:
		return &Pipeline{kind: kind, steps: []Computation{
			stageStep{},
			progressionStep{},
			velocityStep{},
		}}
	}
}

// Kind returns the observation kind this pipeline serves.
func (p *Pipeline) Kind() types.ObservationKind {
	return p.kind
}

// Steps returns the step names in execution order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Run executes the chain over o in place.
//
// A missing raw reading aborts with ErrDerivedSkipped and flags the row
// DerivedPending; partial derived state is permitted, the raw row is not
// touched.
func (p *Pipeline) Run(o *types.Observation, pc *Context) error {
	if pc == nil {
		pc = &Context{}
	}

	if o.RawReading == nil {
		o.DerivedPending = true
		return errors.Wrapf(errors.ErrDerivedSkipped, "observation %s has no raw reading", o.ObservationID)
	}

	for _, step := range p.steps {
		if err := step.Apply(o, pc); err != nil {
			return errors.Wrapf(err, "step %s", step.Name())
		}
	}

	o.DerivedPending = false
	return nil
}

// calendarDays returns the whole-day calendar difference between two capture
// times, by UTC date.
func calendarDays(fromMs, toMs int64) int {
	from := time.UnixMilli(fromMs).UTC()
	to := time.UnixMilli(toMs).UTC()

	fromDay := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toDay := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)

	return int(toDay.Sub(fromDay).Hours() / 24)
}

func maxDays(d int) float64 {
	if d < 1 {
		return 1
	}
	return float64(d)
}
