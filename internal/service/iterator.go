package service

import (
	"context"

	"github.com/gxplabs/fieldstore/internal/store"
	"github.com/gxplabs/fieldstore/internal/types"
)

// defaultSeriesPageSize is how many observations one iterator page fetches.
const defaultSeriesPageSize = 100

// SeriesIterator walks a series in phase-day order, fetching lazily one page
// at a time. It holds no database resources between Next calls, so a caller
// may keep it open indefinitely, and it can be re-created at any phase-day
// cursor to resume a previous walk.
//
// SeriesIterator is not safe for concurrent use.
type SeriesIterator struct {
	store      *store.Store
	tenantID   string
	seriesCode string
	programID  string

	pageSize int
	cursor   int // last phase day returned

	page []*types.Observation
	pos  int
	cur  *types.Observation
	err  error
	done bool
}

func newSeriesIterator(st *store.Store, tenantID, seriesCode, programID string) *SeriesIterator {
	return &SeriesIterator{
		store:      st,
		tenantID:   tenantID,
		seriesCode: seriesCode,
		programID:  programID,
		pageSize:   defaultSeriesPageSize,
	}
}

// Seek positions the iterator so the next observation returned has a phase
// day strictly greater than phaseDay. Seeking backwards restarts an earlier
// portion of the walk.
func (it *SeriesIterator) Seek(phaseDay int) {
	it.cursor = phaseDay
	it.page = nil
	it.pos = 0
	it.cur = nil
	it.done = false
	it.err = nil
}

// Next advances to the next observation. It returns false at the end of the
// series or on error; check Err to distinguish.
func (it *SeriesIterator) Next(ctx context.Context) bool {
	if it.err != nil || it.done {
		return false
	}

	if it.pos >= len(it.page) {
		page, err := it.store.GetSeriesPage(ctx, it.tenantID, it.seriesCode, it.programID, it.cursor, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) == 0 {
			it.done = true
			return false
		}
		it.page = page
		it.pos = 0
	}

	it.cur = it.page[it.pos]
	it.pos++
	it.cursor = it.cur.PhaseDay
	return true
}

// Observation returns the observation at the current position.
func (it *SeriesIterator) Observation() *types.Observation {
	return it.cur
}

// Cursor returns the phase day of the last observation returned. Passing it
// to Seek on a fresh iterator resumes the walk.
func (it *SeriesIterator) Cursor() int {
	return it.cursor
}

// Err returns the first error the iterator hit, if any.
func (it *SeriesIterator) Err() error {
	return it.err
}
