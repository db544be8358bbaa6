package models

import "time"

// ConflictResolution names the outcome of a last-write-wins decision.
type ConflictResolution string

const (
	ResolutionLocalWins   ConflictResolution = "local_wins"
	ResolutionRemoteWins  ConflictResolution = "remote_wins"
	ResolutionResurrected ConflictResolution = "local_resurrected"
	ResolutionBothDeleted ConflictResolution = "both_deleted"
)

// ConflictLog records a resolved conflict for user awareness.
type ConflictLog struct {
	ID              string             `db:"id" json:"id"`
	OperationID     string             `db:"operation_id" json:"operation_id"`
	EntityType      EntityType         `db:"entity_type" json:"entity_type"`
	EntityID        string             `db:"entity_id" json:"entity_id"`
	LocalTimestamp  int64              `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64              `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      ConflictResolution `db:"resolution" json:"resolution"`
	DetectedAt      int64              `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// RemoteWon reports whether the local operation was discarded.
func (c *ConflictLog) RemoteWon() bool {
	return c.Resolution == ResolutionRemoteWins
}
