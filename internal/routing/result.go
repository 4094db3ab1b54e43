package routing

import (
	"time"

	apperrors "lead-router/internal/common/errors"
)

// RoutingResult is the outcome of one RouteLead call. Expected outcomes
// (duplicate, no match, contention) are reported here rather than as Go
// errors; ErrorKind is empty on success and on duplicates.
type RoutingResult struct {
	LeadID                 string              `json:"lead_id"`
	Success                bool                `json:"success"`
	IsDuplicate            bool                `json:"is_duplicate"`
	ErrorKind              apperrors.ErrorType `json:"error,omitempty"`
	Message                string              `json:"message,omitempty"`
	DestinationWorkspaceID string              `json:"destination_workspace_id,omitempty"`
	RuleID                 string              `json:"rule_id,omitempty"`
	ExistingLeadID         string              `json:"existing_lead_id,omitempty"`
	LockAcquired           bool                `json:"lock_acquired"`
	// Attempts counts lock acquisition attempts made by this call.
	Attempts int `json:"attempts"`
	// Queued is set when the failure is held in the retry queue, whether
	// this call created the entry or one was already open.
	Queued       bool          `json:"queued"`
	QueueEntryID string        `json:"queue_entry_id,omitempty"`
	Replayed     bool          `json:"replayed,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Failed reports whether the lead still needs routing.
func (r RoutingResult) Failed() bool {
	return !r.Success && !r.IsDuplicate
}

// Resolved reports whether the lead reached a final routed or duplicate state.
func (r RoutingResult) Resolved() bool {
	return r.Success || r.IsDuplicate
}

// LeadError is one failed lead in a bulk run.
type LeadError struct {
	LeadID  string              `json:"lead_id"`
	Kind    apperrors.ErrorType `json:"kind"`
	Message string              `json:"message,omitempty"`
}

// BulkResult aggregates RouteLeads. Routed counts leads per destination.
type BulkResult struct {
	Total      int            `json:"total"`
	Routed     map[string]int `json:"routed"`
	Duplicates int            `json:"duplicates"`
	Unrouted   int            `json:"unrouted"`
	Errors     []LeadError    `json:"errors,omitempty"`
}
