package storage

import (
	"context"
	"time"

	"lead-router/internal/circuitbreaker"
	"lead-router/internal/models"
	"lead-router/internal/rules"
)

// Guarded routes every call through a circuit breaker so a failing database
// turns into fast transient errors, which the router queues, instead of a
// pile-up of slow requests.
type Guarded struct {
	next    Storage
	breaker *circuitbreaker.Breaker
}

func NewGuarded(next Storage, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func (g *Guarded) CreateWorkspace(ctx context.Context, w *models.Workspace) error {
	return g.breaker.Execute(func() error { return g.next.CreateWorkspace(ctx, w) })
}

func (g *Guarded) GetWorkspace(ctx context.Context, id string) (w *models.Workspace, err error) {
	err = g.breaker.Execute(func() error {
		w, err = g.next.GetWorkspace(ctx, id)
		return err
	})
	return w, err
}

func (g *Guarded) CreateLead(ctx context.Context, lead *models.Lead) error {
	return g.breaker.Execute(func() error { return g.next.CreateLead(ctx, lead) })
}

func (g *Guarded) GetLead(ctx context.Context, id string) (l *models.Lead, err error) {
	err = g.breaker.Execute(func() error {
		l, err = g.next.GetLead(ctx, id)
		return err
	})
	return l, err
}

func (g *Guarded) ListLeadsForStats(ctx context.Context, workspaceID string, since time.Time) (out []*models.Lead, err error) {
	err = g.breaker.Execute(func() error {
		out, err = g.next.ListLeadsForStats(ctx, workspaceID, since)
		return err
	})
	return out, err
}

func (g *Guarded) CreateRule(ctx context.Context, rule *rules.Rule) error {
	return g.breaker.Execute(func() error { return g.next.CreateRule(ctx, rule) })
}

func (g *Guarded) SetRuleActive(ctx context.Context, id string, active bool) error {
	return g.breaker.Execute(func() error { return g.next.SetRuleActive(ctx, id, active) })
}

func (g *Guarded) ListActiveRules(ctx context.Context, sourceWorkspaceID string) (out []rules.Rule, err error) {
	err = g.breaker.Execute(func() error {
		out, err = g.next.ListActiveRules(ctx, sourceWorkspaceID)
		return err
	})
	return out, err
}

func (g *Guarded) LookupClaim(ctx context.Context, hash string) (id string, err error) {
	err = g.breaker.Execute(func() error {
		id, err = g.next.LookupClaim(ctx, hash)
		return err
	})
	return id, err
}

func (g *Guarded) Claim(ctx context.Context, hash, leadID string) (res models.ClaimResult, err error) {
	err = g.breaker.Execute(func() error {
		res, err = g.next.Claim(ctx, hash, leadID)
		return err
	})
	return res, err
}

func (g *Guarded) CommitRoute(ctx context.Context, c models.RouteCommit) (out models.CommitOutcome, err error) {
	err = g.breaker.Execute(func() error {
		out, err = g.next.CommitRoute(ctx, c)
		return err
	})
	return out, err
}

func (g *Guarded) MarkDuplicate(ctx context.Context, leadID string) error {
	return g.breaker.Execute(func() error { return g.next.MarkDuplicate(ctx, leadID) })
}

func (g *Guarded) RecordRouteFailure(ctx context.Context, req models.EnqueueRequest) (e *models.QueueEntry, created bool, err error) {
	err = g.breaker.Execute(func() error {
		e, created, err = g.next.RecordRouteFailure(ctx, req)
		return err
	})
	return e, created, err
}

func (g *Guarded) GetQueueEntry(ctx context.Context, id string) (e *models.QueueEntry, err error) {
	err = g.breaker.Execute(func() error {
		e, err = g.next.GetQueueEntry(ctx, id)
		return err
	})
	return e, err
}

func (g *Guarded) ClaimDueEntries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) (out []*models.QueueEntry, err error) {
	err = g.breaker.Execute(func() error {
		out, err = g.next.ClaimDueEntries(ctx, now, limit, owner, leaseUntil)
		return err
	})
	return out, err
}

func (g *Guarded) ResolveEntry(ctx context.Context, id, owner string, at time.Time) error {
	return g.breaker.Execute(func() error { return g.next.ResolveEntry(ctx, id, owner, at) })
}

func (g *Guarded) RecordAttemptFailure(ctx context.Context, u models.RetryUpdate) (e *models.QueueEntry, err error) {
	err = g.breaker.Execute(func() error {
		e, err = g.next.RecordAttemptFailure(ctx, u)
		return err
	})
	return e, err
}

func (g *Guarded) RequeueStale(ctx context.Context, now time.Time) (n int, err error) {
	err = g.breaker.Execute(func() error {
		n, err = g.next.RequeueStale(ctx, now)
		return err
	})
	return n, err
}

func (g *Guarded) QueueDepth(ctx context.Context) (out []models.QueueDepth, err error) {
	err = g.breaker.Execute(func() error {
		out, err = g.next.QueueDepth(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) ListFailedJobs(ctx context.Context, limit int) (out []models.FailedJob, err error) {
	err = g.breaker.Execute(func() error {
		out, err = g.next.ListFailedJobs(ctx, limit)
		return err
	})
	return out, err
}

// Health bypasses the breaker so probes see the real store state.
func (g *Guarded) Health(ctx context.Context) error {
	return g.next.Health(ctx)
}

func (g *Guarded) Close() error {
	return g.next.Close()
}

var _ Storage = (*Guarded)(nil)
