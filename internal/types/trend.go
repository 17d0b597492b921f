package types

// TrendCategory classifies depletion trend severity from momentum and the
// ratio of the current flow rate to the benchmark rate.
type TrendCategory int

const (
	TrendCriticalAcceleration TrendCategory = iota
	TrendHighAcceleration
	TrendModerateAcceleration
	TrendStable
	TrendModerateDeceleration
	TrendHighDeceleration
	TrendCriticalDeceleration
	TrendInsufficientData
)

// String returns the string representation of the trend.
func (t TrendCategory) String() string {
	switch t {
	case TrendCriticalAcceleration:
		return "critical_acceleration"
	case TrendHighAcceleration:
		return "high_acceleration"
	case TrendModerateAcceleration:
		return "moderate_acceleration"
	case TrendStable:
		return "stable"
	case TrendModerateDeceleration:
		return "moderate_deceleration"
	case TrendHighDeceleration:
		return "high_deceleration"
	case TrendCriticalDeceleration:
		return "critical_deceleration"
	case TrendInsufficientData:
		return "insufficient_data"
	default:
		return "unknown"
	}
}

// ParseTrendCategory parses a string into a TrendCategory.
func ParseTrendCategory(s string) (TrendCategory, bool) {
	for _, c := range AllTrendCategories() {
		if c.String() == s {
			return c, true
		}
	}
	return TrendInsufficientData, false
}

// AllTrendCategories returns all trend categories, most severe
// acceleration first.
func AllTrendCategories() []TrendCategory {
	return []TrendCategory{
		TrendCriticalAcceleration, TrendHighAcceleration,
		TrendModerateAcceleration, TrendStable,
		TrendModerateDeceleration, TrendHighDeceleration,
		TrendCriticalDeceleration, TrendInsufficientData,
	}
}

// TrendFor classifies a trend from momentum and flow rate. Either input
// being absent yields TrendInsufficientData. Rules are evaluated in fixed
// order; the first match wins.
func TrendFor(momentum, flowRate *float64) TrendCategory {
	if momentum == nil || flowRate == nil {
		return TrendInsufficientData
	}

	m := *momentum
	ratio := *flowRate / BenchmarkRate

	switch {
	case m > 0.5 && ratio > 1.5:
		return TrendCriticalAcceleration
	case m > 0.5 && ratio > 1.0:
		return TrendHighAcceleration
	case m > 0.1:
		return TrendModerateAcceleration
	case m >= -0.1:
		return TrendStable
	case m > -0.5:
		return TrendModerateDeceleration
	case m > -1.0 || ratio < 0.5:
		return TrendHighDeceleration
	default:
		return TrendCriticalDeceleration
	}
}
