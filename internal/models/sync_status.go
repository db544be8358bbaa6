package models

// SyncState is the aggregate health shown to the user.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStateSyncing SyncState = "syncing"
	SyncStatePending SyncState = "pending"
	SyncStateError   SyncState = "error"
	SyncStateOffline SyncState = "offline"
)

// StatusSnapshot is derived from queue contents and connectivity.
// It is never persisted.
type StatusSnapshot struct {
	State        SyncState `json:"state"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	LastSyncedAt int64     `json:"last_synced_at,omitempty"` // unix ms
	IsOnline     bool      `json:"is_online"`
}

// QueueStats counts queue entries by status.
type QueueStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// Outstanding returns entries still awaiting delivery.
func (s QueueStats) Outstanding() int {
	return s.Pending + s.InFlight
}

// Total returns every entry in the queue.
func (s QueueStats) Total() int {
	return s.Pending + s.InFlight + s.Failed
}
