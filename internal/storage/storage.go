// Package storage defines the durable store behind the router and the retry
// processor, plus the registry the concrete backends register into.
//
// Every state transition a backend exposes is conditional: it names the
// state it expects to move from and reports, via ErrTypeConflict, when
// another writer got there first. Callers never read-modify-write.
package storage

import (
	"context"
	"time"

	"lead-router/internal/models"
	"lead-router/internal/rules"
)

// Storage is implemented by the memory, sqlite and postgres backends.
type Storage interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, w *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)

	// Leads
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	// ListLeadsForStats returns leads owned by or routed to workspaceID created at or after since.
	ListLeadsForStats(ctx context.Context, workspaceID string, since time.Time) ([]*models.Lead, error)

	// Rules
	// CreateRule assigns ID (when empty), Sequence and CreatedAt.
	CreateRule(ctx context.Context, rule *rules.Rule) error
	SetRuleActive(ctx context.Context, id string, active bool) error
	// ListActiveRules returns active rules for a source workspace, best first.
	ListActiveRules(ctx context.Context, sourceWorkspaceID string) ([]rules.Rule, error)

	// Dedupe claims
	LookupClaim(ctx context.Context, hash string) (string, error)
	Claim(ctx context.Context, hash, leadID string) (models.ClaimResult, error)

	// CommitRoute claims the lead's hash and marks it routed in one
	// transaction. When the claim is held by another lead the same
	// transaction marks the lead duplicate instead.
	CommitRoute(ctx context.Context, c models.RouteCommit) (models.CommitOutcome, error)
	// MarkDuplicate moves a routable lead to duplicate.
	MarkDuplicate(ctx context.Context, leadID string) error

	// RecordRouteFailure marks a routable lead failed and queues it unless it
	// already has an open entry. created is false when an open entry existed.
	// A lead that is no longer routable is left alone and entry is nil.
	RecordRouteFailure(ctx context.Context, req models.EnqueueRequest) (entry *models.QueueEntry, created bool, err error)

	// Retry queue
	GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	// ClaimDueEntries leases up to limit queued entries due at now, oldest first.
	ClaimDueEntries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]*models.QueueEntry, error)
	// ResolveEntry finishes a leased entry.
	ResolveEntry(ctx context.Context, id, owner string, at time.Time) error
	// RecordAttemptFailure increments attempts on a leased entry. It requeues
	// the entry at NextRetryAt, or abandons entry and lead together once
	// attempts reaches max_attempts, and returns the updated entry.
	RecordAttemptFailure(ctx context.Context, u models.RetryUpdate) (*models.QueueEntry, error)
	// RequeueStale returns processing entries whose lease expired before now to queued.
	RequeueStale(ctx context.Context, now time.Time) (int, error)
	QueueDepth(ctx context.Context) ([]models.QueueDepth, error)
	ListFailedJobs(ctx context.Context, limit int) ([]models.FailedJob, error)

	Health(ctx context.Context) error
	Close() error
}

// StorageConfig is implemented by each backend's Config.
type StorageConfig interface {
	Validate() error
	GetType() string
	GetConnectionString() string
}
