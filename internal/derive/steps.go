package derive

import (
	"time"

	"github.com/gxplabs/fieldstore/internal/types"
)

// stageStep buckets a growth-index reading into its stage category.
type stageStep struct{}

func (stageStep) Name() string { return "stage" }

func (stageStep) Apply(o *types.Observation, _ *Context) error {
	stage := types.StageForReading(o.RawReading)
	o.Stage = &stage
	return nil
}

// progressionStep computes the delta against the predecessor's raw reading.
// The first phase day of a series, or a series with no predecessor at
// phase_day-1, gets an explicit baseline of zero.
type progressionStep struct{}

func (progressionStep) Name() string { return "progression" }

func (progressionStep) Apply(o *types.Observation, pc *Context) error {
	progression := 0.0
	if o.PhaseDay > 1 && pc.Predecessor != nil && pc.Predecessor.RawReading != nil {
		progression = *o.RawReading - *pc.Predecessor.RawReading
	}
	o.Progression = &progression
	return nil
}

// velocityStep normalizes progression by the calendar days elapsed since
// the predecessor. With no predecessor the elapsed time falls back to one
// day, so the baseline progression of zero yields a velocity of zero.
type velocityStep struct{}

func (velocityStep) Name() string { return "velocity" }

func (velocityStep) Apply(o *types.Observation, pc *Context) error {
	days := 1.0
	if pc.Predecessor != nil {
		days = maxDays(calendarDays(pc.Predecessor.ObservedAtMs, o.ObservedAtMs))
	}

	velocity := 0.0
	if o.Progression != nil {
		velocity = *o.Progression / days
	}
	o.Velocity = &velocity
	return nil
}

// flowRateStep computes material consumed per day since the series started.
// Days since start count from the first observation ever recorded for the
// series, not the predecessor, and include the current day.
type flowRateStep struct{}

func (flowRateStep) Name() string { return "flow_rate" }

func (flowRateStep) Apply(o *types.Observation, pc *Context) error {
	days := 1.0
	if pc.SeriesStart != nil {
		days = maxDays(calendarDays(pc.SeriesStart.ObservedAtMs, o.ObservedAtMs) + 1)
	}

	flow := (types.MaxMaterial - *o.RawReading) / days
	o.FlowRate = &flow
	return nil
}

// momentumStep computes the flow-rate delta against the predecessor.
// Explicit zero, never nil, when no predecessor flow rate exists.
type momentumStep struct{}

func (momentumStep) Name() string { return "momentum" }

func (momentumStep) Apply(o *types.Observation, pc *Context) error {
	momentum := 0.0
	if o.FlowRate != nil && pc.Predecessor != nil && pc.Predecessor.FlowRate != nil {
		momentum = *o.FlowRate - *pc.Predecessor.FlowRate
	}
	o.Momentum = &momentum
	return nil
}

// trendStep classifies trend severity from momentum and the benchmark
// ratio.
type trendStep struct{}

func (trendStep) Name() string { return "trend" }

func (trendStep) Apply(o *types.Observation, _ *Context) error {
	trend := types.TrendFor(o.Momentum, o.FlowRate)
	o.Trend = &trend
	return nil
}

// forecastStep projects the exhaustion timestamp: remaining material divided
// by the current flow rate, as days added to the capture time. A zero or
// negative flow rate yields no forecast rather than an error.
type forecastStep struct{}

func (forecastStep) Name() string { return "forecast" }

func (forecastStep) Apply(o *types.Observation, _ *Context) error {
	o.ForecastedExhaustionMs = nil

	if o.FlowRate == nil || *o.FlowRate <= 0 {
		return nil
	}

	remainingDays := *o.RawReading / *o.FlowRate
	forecast := o.ObservedAt().Add(time.Duration(remainingDays * 24 * float64(time.Hour))).UnixMilli()
	o.ForecastedExhaustionMs = &forecast
	return nil
}
