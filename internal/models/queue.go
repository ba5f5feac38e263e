package models

import "time"

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// QueueEntry wraps a ScanAttempt on the device that created it until the
// central store owns it.
type QueueEntry struct {
	Seq          uint64      `json:"seq"`
	Attempt      ScanAttempt `json:"attempt"`
	SyncStatus   SyncStatus  `json:"sync_status"`
	RetryCount   int         `json:"retry_count"`
	LastRetryAt  *time.Time  `json:"last_retry_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	// Terminal marks a failed entry that will not be retried automatically,
	// either because the failure was permanent or the retry bound was hit.
	Terminal   bool       `json:"terminal"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`

	ProvisionalOutcome   Outcome `json:"provisional_outcome,omitempty"`
	AuthoritativeOutcome Outcome `json:"authoritative_outcome,omitempty"`
	AuthoritativeMessage string  `json:"authoritative_message,omitempty"`
}

// Verdict returns the best known outcome: authoritative once synced,
// otherwise the provisional one (possibly empty).
func (e QueueEntry) Verdict() Outcome {
	if e.AuthoritativeOutcome != "" {
		return e.AuthoritativeOutcome
	}
	return e.ProvisionalOutcome
}

// QueueStats is a pull-based projection of a device queue.
type QueueStats struct {
	DeviceID          string `json:"device_id"`
	Total             int    `json:"total"`
	Pending           int    `json:"pending"`
	Syncing           int    `json:"syncing"`
	Synced            int    `json:"synced"`
	Failed            int    `json:"failed"`
	PermanentlyFailed int    `json:"permanently_failed"`
}

// SyncHistoryEntry summarizes one sync pass. Observability only.
type SyncHistoryEntry struct {
	DeviceID    string        `json:"device_id"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
	Throughput  float64       `json:"throughput"`
	TimedOut    bool          `json:"timed_out"`
}
