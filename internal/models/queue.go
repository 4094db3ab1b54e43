package models

import "time"

// QueueStatus is the state of a retry queue entry.
//
//	queued -> processing -> resolved
//	                     -> queued (next_retry_at pushed out)
//	                     -> abandoned
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueResolved   QueueStatus = "resolved"
	QueueAbandoned  QueueStatus = "abandoned"
)

// Open reports whether the entry still needs work.
func (s QueueStatus) Open() bool {
	return s == QueueQueued || s == QueueProcessing
}

// QueueEntry is a durable retry record for a lead whose routing failed.
type QueueEntry struct {
	ID             string      `json:"id"`
	LeadID         string      `json:"lead_id"`
	WorkspaceID    string      `json:"workspace_id"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	NextRetryAt    time.Time   `json:"next_retry_at"`
	Status         QueueStatus `json:"status"`
	LastError      string      `json:"last_error,omitempty"`
	LastErrorKind  string      `json:"last_error_kind,omitempty"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Stalled marks entries waiting on a rule that does not exist yet.
func (e *QueueEntry) Stalled() bool {
	return e.LastErrorKind == "no_matching_rule"
}

// EnqueueRequest asks the store to queue a lead unless it already has an open entry.
type EnqueueRequest struct {
	LeadID        string
	WorkspaceID   string
	MaxAttempts   int
	NextRetryAt   time.Time
	LastError     string
	LastErrorKind string
}

// RetryUpdate reschedules a leased entry after a failed attempt.
type RetryUpdate struct {
	EntryID       string
	Owner         string
	NextRetryAt   time.Time
	LastError     string
	LastErrorKind string
}

// QueueDepth is the operator view of open work per source workspace.
type QueueDepth struct {
	WorkspaceID string `json:"workspace_id"`
	Queued      int    `json:"queued"`
	Processing  int    `json:"processing"`
	Stalled     int    `json:"stalled"`
}

// FailedJob is the operator view of an abandoned entry.
type FailedJob struct {
	EntryID       string    `json:"entry_id"`
	LeadID        string    `json:"lead_id"`
	WorkspaceID   string    `json:"workspace_id"`
	Attempts      int       `json:"attempts"`
	LastErrorKind string    `json:"last_error_kind"`
	LastError     string    `json:"last_error,omitempty"`
	AbandonedAt   time.Time `json:"abandoned_at"`
}

// RoutingStats summarizes routing activity for one workspace.
type RoutingStats struct {
	WorkspaceID string         `json:"workspace_id"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	RoutedOut   int            `json:"routed_out"`
	RoutedIn    int            `json:"routed_in"`
	ByIndustry  map[string]int `json:"by_industry"`
	ByRegion    map[string]int `json:"by_region"`
	ByRule      map[string]int `json:"by_rule"`
}
