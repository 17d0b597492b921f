package types

import (
	"fmt"
	"time"
)

// DefaultSegmentID is the id of the catch-all segment that accepts any
// observation whose routing key has no dedicated segment yet. It exists
// from first boot so writes never block on segment provisioning.
const DefaultSegmentID int64 = 0

// RoutingKey routes an observation into a physical partition segment.
// Tenant scope is implied; the program is the primary routing dimension.
type RoutingKey struct {
	TenantID  string
	ProgramID string
}

// Key returns the canonical registry key for this routing key.
func (k RoutingKey) Key() string {
	return k.TenantID + "/" + k.ProgramID
}

// SegmentDescriptor describes one physical partition segment.
type SegmentDescriptor struct {
	SegmentID   int64
	RoutingKey  string
	TenantID    string
	ProgramID   string
	CreatedAtMs int64

	// RowCount is the registry's row-count watermark, refreshed by
	// maintenance; it may trail the live count slightly.
	RowCount int64

	// Default is true for the catch-all segment.
	Default bool
}

// TableName returns the physical table backing this segment. Segment ids
// are opaque registry-issued integers, never derived from untrusted
// strings.
func (d SegmentDescriptor) TableName() string {
	return SegmentTableName(d.SegmentID)
}

// CreatedAt returns the segment creation time.
func (d SegmentDescriptor) CreatedAt() time.Time {
	return time.UnixMilli(d.CreatedAtMs).UTC()
}

// SegmentTableName returns the physical table name for a segment id.
func SegmentTableName(segmentID int64) string {
	if segmentID == DefaultSegmentID {
		return "obs_seg_default"
	}
	return fmt.Sprintf("obs_seg_%d", segmentID)
}
