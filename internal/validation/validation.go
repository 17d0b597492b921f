// Package validation provides centralized input validation for fieldstore.
package validation

import (
	"fmt"
	"math"
	"unicode"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/types"
)

// =============================================================================
// Identifier Validation
// =============================================================================

// IdentRules defines the validation rules for entity identifiers.
type IdentRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// DefaultIdentRules returns the default rules for tenant, program, site and
// submission identifiers.
func DefaultIdentRules() IdentRules {
	return IdentRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// SeriesCodeRules returns rules for instrument/sample codes (e.g. "G001").
func SeriesCodeRules() IdentRules {
	return IdentRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateIdent validates an identifier according to the given rules.
func ValidateIdent(ident string, rules IdentRules) error {
	if len(ident) < rules.MinLength {
		return fmt.Errorf("identifier too short: minimum %d characters required", rules.MinLength)
	}
	if len(ident) > rules.MaxLength {
		return fmt.Errorf("identifier too long: maximum %d characters allowed", rules.MaxLength)
	}

	for i, r := range ident {
		if r < 32 || r == 127 {
			return fmt.Errorf("identifier cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("identifier cannot contain path separators at position %d", i)
		}
		if !isAllowedIdentChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedIdentChar(r rune, rules IdentRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// =============================================================================
// Submission Validation
// =============================================================================

// ValidateSubmission checks a submission before series-key resolution.
// An absent reading is accepted (the row persists flagged for reprocessing);
// a present reading must be in range for its kind.
func ValidateSubmission(sub *types.Submission) error {
	v := errors.NewValidationErrors()

	if err := ValidateIdent(sub.SiteID, DefaultIdentRules()); err != nil {
		v.AddField("site_id", err.Error())
	}
	if err := ValidateIdent(sub.ProgramID, DefaultIdentRules()); err != nil {
		v.AddField("program_id", err.Error())
	}
	if err := ValidateIdent(sub.SeriesCode, SeriesCodeRules()); err != nil {
		v.AddField("series_code", err.Error())
	}
	if sub.SubmissionID != "" {
		if err := ValidateIdent(sub.SubmissionID, DefaultIdentRules()); err != nil {
			v.AddField("submission_id", err.Error())
		}
	}

	if sub.CapturedAt.IsZero() {
		v.AddMissing("captured_at")
	}
	if sub.PhaseDay < 0 {
		v.AddField("phase_day", "must be positive when supplied")
	}

	if sub.Reading != nil {
		if err := ValidateReading(sub.Kind, *sub.Reading); err != nil {
			v.Add(err)
		}
	}

	return v.Err()
}

// ValidateReading checks a raw reading against its kind's domain.
func ValidateReading(kind types.ObservationKind, r float64) error {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return errors.NewInvalidValue("reading", r, "must be finite")
	}

	switch kind {
	case types.KindGrowth:
		if r < 0 {
			return errors.NewInvalidValue("growth_index", r, "must be >= 0")
		}
	case types.KindDepletion:
		if r < 0 || r > types.MaxMaterial {
			return errors.NewInvalidValue("linear_reading", r,
				fmt.Sprintf("must be within [0, %g]", types.MaxMaterial))
		}
	}

	return nil
}
