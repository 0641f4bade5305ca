package domain

import "time"

// OffsetRow is the persisted form of a single offset entry.
// Merged offsets are stored as one row per sub-key with Mergeable set.
type OffsetRow struct {
	ID          ProjectionID
	Offset      string // encoded offset value
	Manifest    string // offset type tag: SEQ, STR, TS or UUID
	Mergeable   bool
	LastUpdated time.Time
}
