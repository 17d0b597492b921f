package series

import (
	"context"
	"sync"
	"time"

	"github.com/gxplabs/fieldstore/internal/errors"
)

// PhaseWindow is one externally configured treatment phase date range.
type PhaseWindow struct {
	ProgramID string
	Name      string
	Start     time.Time
	End       time.Time
}

// Contains reports whether t falls within the window (start inclusive, end
// exclusive).
func (w PhaseWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DayIndex returns the 1-based day offset of t within the window.
func (w PhaseWindow) DayIndex(t time.Time) int {
	startDay := time.Date(w.Start.Year(), w.Start.Month(), w.Start.Day(), 0, 0, 0, 0, time.UTC)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(day.Sub(startDay).Hours()/24) + 1
}

// StaticRegistry is an in-memory Registry implementation for embedding and
// tests. Production deployments wrap their tenant-management service
// instead.
type StaticRegistry struct {
	mu      sync.RWMutex
	tenants map[string]string // site id -> tenant id
	phases  map[string][]PhaseWindow
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		tenants: make(map[string]string),
		phases:  make(map[string][]PhaseWindow),
	}
}

// AddSite binds a site to its owning tenant. An empty tenant id registers
// the site without a tenant binding, which resolution treats as fatal.
func (r *StaticRegistry) AddSite(siteID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[siteID] = tenantID
}

// AddPhase appends a phase window to a program's schedule.
func (r *StaticRegistry) AddPhase(w PhaseWindow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[w.ProgramID] = append(r.phases[w.ProgramID], w)
}

// TenantForSite implements Registry.
func (r *StaticRegistry) TenantForSite(ctx context.Context, siteID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, ok := r.tenants[siteID]
	if !ok {
		return "", errors.NewNotFound("site", siteID)
	}
	return tenantID, nil
}

// PhaseDay implements Registry.
func (r *StaticRegistry) PhaseDay(ctx context.Context, programID string, capturedAt time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	windows, ok := r.phases[programID]
	if !ok {
		return 0, errors.NewNotFound("program phase schedule", programID)
	}

	for _, w := range windows {
		if w.Contains(capturedAt) {
			return w.DayIndex(capturedAt), nil
		}
	}
	return 0, errors.Wrapf(errors.ErrInvalidPhaseDay,
		"capture time %s outside all phases of program %s", capturedAt.Format(time.RFC3339), programID)
}
