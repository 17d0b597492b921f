// Package series resolves a submission into its logical series identity:
// tenant, program, site, and instrument code. The tenant/program/site
// registry itself is an external collaborator consumed through the Registry
// interface.
package series

import (
	"context"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
	"github.com/gxplabs/fieldstore/internal/types"
)

// Registry is the tenant/program/site metadata collaborator.
type Registry interface {
	// TenantForSite returns the tenant owning a site. An empty result means
	// the site exists but has no tenant binding; resolution then fails hard.
	TenantForSite(ctx context.Context, siteID string) (string, error)

	// PhaseDay returns the 1-based day index of capturedAt within the
	// program's active treatment phase, per the externally configured phase
	// schedule.
	PhaseDay(ctx context.Context, programID string, capturedAt time.Time) (int, error)
}

// Resolver computes series keys. It performs pure lookups only; it never
// mutates registry state.
type Resolver struct {
	registry Registry
}

// NewResolver creates a resolver backed by the given registry.
func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve determines the series key for a submission.
//
// A site without a resolvable tenant fails with ErrMissingTenant: tenant
// scoping is a security boundary and is never defaulted at ingestion.
func (r *Resolver) Resolve(ctx context.Context, sub *types.Submission) (types.SeriesKey, error) {
	tenantID, err := r.registry.TenantForSite(ctx, sub.SiteID)
	if err != nil {
		return types.SeriesKey{}, errors.Wrapf(err, "resolve tenant for site %s", sub.SiteID)
	}
	if tenantID == "" {
		return types.SeriesKey{}, errors.Wrapf(errors.ErrMissingTenant, "site %s", sub.SiteID)
	}

	return types.SeriesKey{
		TenantID:   tenantID,
		ProgramID:  sub.ProgramID,
		SiteID:     sub.SiteID,
		SeriesCode: sub.SeriesCode,
	}, nil
}

// ResolvePhaseDay returns the submission's phase day, preferring an
// explicitly supplied value over schedule lookup.
func (r *Resolver) ResolvePhaseDay(ctx context.Context, sub *types.Submission) (int, error) {
	if sub.PhaseDay > 0 {
		return sub.PhaseDay, nil
	}

	day, err := r.registry.PhaseDay(ctx, sub.ProgramID, sub.CapturedAt)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve phase day for program %s", sub.ProgramID)
	}
	if day < 1 {
		return 0, errors.Wrapf(errors.ErrInvalidPhaseDay, "program %s resolved day %d", sub.ProgramID, day)
	}
	return day, nil
}
