package domain

import "time"

// ProjectionProgress is a snapshot of where a projection instance stands,
// mirrored to the analytics store after every offset save
type ProjectionProgress struct {
	Timestamp      time.Time
	ProjectionName string
	ProjectionKey  string
	Offset         string
	Manifest       string
	Mergeable      bool
	Envelopes      uint64    // envelopes handled since the runner started
	Skipped        uint64    // envelopes skipped by recovery or verification
	LastEnvelopeAt time.Time // timestamp of the last envelope handled
}
