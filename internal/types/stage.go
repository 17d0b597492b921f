package types

import "math"

// StageCategory is the ordered growth-stage enumeration bucketed from a raw
// growth-index reading. Buckets are closed-open except the top bucket, which
// is open-ended; every real number maps to exactly one bucket.
type StageCategory int

const (
	StageNone StageCategory = iota
	StageTrace
	StageVeryLow
	StageLow
	StageModerate
	StageModeratelyHigh
	StageHigh
	StageVeryHigh
	StageHazardous
	StageOverrun
)

// String returns the string representation of the stage.
func (s StageCategory) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageTrace:
		return "trace"
	case StageVeryLow:
		return "very_low"
	case StageLow:
		return "low"
	case StageModerate:
		return "moderate"
	case StageModeratelyHigh:
		return "moderately_high"
	case StageHigh:
		return "high"
	case StageVeryHigh:
		return "very_high"
	case StageHazardous:
		return "hazardous"
	case StageOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// ParseStageCategory parses a string into a StageCategory.
func ParseStageCategory(s string) (StageCategory, bool) {
	for _, c := range AllStageCategories() {
		if c.String() == s {
			return c, true
		}
	}
	return StageNone, false
}

// AllStageCategories returns all stage categories in ascending order.
func AllStageCategories() []StageCategory {
	return []StageCategory{
		StageNone, StageTrace, StageVeryLow, StageLow, StageModerate,
		StageModeratelyHigh, StageHigh, StageVeryHigh, StageHazardous,
		StageOverrun,
	}
}

// StageFor maps a raw growth-index reading to its stage bucket.
// The function is total: negative and NaN readings map to StageNone.
func StageFor(r float64) StageCategory {
	switch {
	case math.IsNaN(r), r < 1:
		return StageNone
	case r < 6:
		return StageTrace
	case r < 11:
		return StageVeryLow
	case r < 16:
		return StageLow
	case r < 26:
		return StageModerate
	case r < 36:
		return StageModeratelyHigh
	case r < 51:
		return StageHigh
	case r < 75:
		return StageVeryHigh
	case r <= 85:
		return StageHazardous
	default:
		return StageOverrun
	}
}

// StageForReading maps an optional reading to its stage bucket.
// An absent reading maps to StageNone.
func StageForReading(r *float64) StageCategory {
	if r == nil {
		return StageNone
	}
	return StageFor(*r)
}
