package domain

import "time"

// CollectionStatus is the lifecycle state of a target's collection pipeline.
// The status field doubles as the single-writer marker: the component that
// set `streaming` or `backfilling` is the only one mutating that target's
// progress until it hands the status back.
type CollectionStatus string

const (
	StatusIdle        CollectionStatus = "idle"
	StatusStreaming   CollectionStatus = "streaming"
	StatusBackfilling CollectionStatus = "backfilling"
	StatusError       CollectionStatus = "error"
)

// String returns the string representation of CollectionStatus.
func (s CollectionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s CollectionStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusStreaming, StatusBackfilling, StatusError:
		return true
	}
	return false
}

// CollectionProgress is the single source of truth for how much history
// exists for one target. One row per target; the only table with in-place
// update semantics.
type CollectionProgress struct {
	TargetID            string
	LastProcessedLedger int64 // monotonic high-water mark
	Status              CollectionStatus
	LastUpdate          time.Time
	ErrorDetail         string // set when Status is error, or for unrecoverable gaps
	RecordsCollected    int64
}

// Clone returns a copy, so callers can hand progress out of a registry
// without sharing mutable state.
func (p *CollectionProgress) Clone() *CollectionProgress {
	c := *p
	return &c
}
