// Package storagetest is a conformance suite every storage backend runs
// from its own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/models"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(*testing.T, storage.Storage){
		"workspaces":              testWorkspaces,
		"leads":                   testLeads,
		"rules ordering":          testRules,
		"claims":                  testClaims,
		"concurrent claims":       testConcurrentClaims,
		"commit route":            testCommitRoute,
		"commit route duplicate":  testCommitRouteDuplicate,
		"route failure enqueue":   testRouteFailure,
		"claim due entries":       testClaimDue,
		"attempt failure":         testAttemptFailure,
		"abandon":                 testAbandon,
		"stale lease":             testStaleLease,
		"queue depth":             testQueueDepth,
		"stats listing":           testStatsListing,
		"concurrent claim leases": testConcurrentLeases,
	}
	for name, fn := range tests {
		fn := fn
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func seedWorkspace(t *testing.T, s storage.Storage, id string) *models.Workspace {
	t.Helper()
	w := &models.Workspace{ID: id, Name: "Workspace " + id, Routing: models.RoutingConfig{Enabled: true}}
	require.NoError(t, s.CreateWorkspace(context.Background(), w))
	return w
}

func seedLead(t *testing.T, s storage.Storage, workspaceID, hash string) *models.Lead {
	t.Helper()
	l := &models.Lead{
		WorkspaceID: workspaceID,
		Email:       "lead@example.com",
		Industry:    "Technology",
		State:       "CA",
		DedupeHash:  hash,
	}
	require.NoError(t, s.CreateLead(context.Background(), l))
	return l
}

func testWorkspaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	w := &models.Workspace{
		ID:                "w1",
		Name:              "Inbound",
		AllowedIndustries: []string{"Technology"},
		AllowedRegions:    []string{"West"},
		Routing:           models.RoutingConfig{Enabled: true, AssignmentMethod: "round_robin"},
	}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	got, err := s.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "Inbound", got.Name)
	assert.Equal(t, []string{"Technology"}, got.AllowedIndustries)
	assert.Equal(t, []string{"West"}, got.AllowedRegions)
	assert.True(t, got.Routing.Enabled)
	assert.Equal(t, "round_robin", got.Routing.AssignmentMethod)

	_, err = s.GetWorkspace(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

func testLeads(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	l := seedLead(t, s, "w1", "h1")
	require.NotEmpty(t, l.ID)

	got, err := s.GetLead(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadPending, got.Status)
	assert.Equal(t, "h1", got.DedupeHash)
	assert.Equal(t, "CA", got.State)
	assert.Nil(t, got.RoutedAt)

	_, err = s.GetLead(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

func testRules(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	seedWorkspace(t, s, "w2")

	mk := func(name string, priority int, conds rules.Conditions) *rules.Rule {
		r := &rules.Rule{
			Name:                   name,
			SourceWorkspaceID:      "w1",
			DestinationWorkspaceID: "w2",
			Priority:               priority,
			Active:                 true,
			Conditions:             conds,
		}
		require.NoError(t, s.CreateRule(ctx, r))
		return r
	}
	first := mk("first", 5, rules.Conditions{rules.IndustryIn{"Technology"}})
	second := mk("second", 5, nil)
	top := mk("top", 9, rules.Conditions{rules.RegionIn{"West"}, rules.CompanySizeIn{"1-10"}})
	off := mk("off", 99, nil)
	require.NoError(t, s.SetRuleActive(ctx, off.ID, false))

	assert.Less(t, first.Sequence, second.Sequence)

	list, err := s.ListActiveRules(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{top.ID, first.ID, second.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, rules.Conditions{rules.RegionIn{"West"}, rules.CompanySizeIn{"1-10"}}, list[0].Conditions)

	none, err := s.ListActiveRules(ctx, "w2")
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.True(t, apperrors.IsType(s.SetRuleActive(ctx, "missing", true), apperrors.ErrTypeNotFound))

	bad := &rules.Rule{Name: "bad", SourceWorkspaceID: "w1", DestinationWorkspaceID: "w2", Conditions: rules.Conditions{rules.IndustryIn{}}}
	assert.Error(t, s.CreateRule(ctx, bad))
}

func testClaims(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	id, err := s.LookupClaim(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, id)

	res, err := s.Claim(ctx, "h", "lead-1")
	require.NoError(t, err)
	assert.True(t, res.Claimed)

	res, err = s.Claim(ctx, "h", "lead-1")
	require.NoError(t, err)
	assert.True(t, res.Claimed)

	res, err = s.Claim(ctx, "h", "lead-2")
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, "lead-1", res.ExistingLeadID)

	id, err = s.LookupClaim(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", id)
}

func testConcurrentClaims(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	results := make([]models.ClaimResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Claim(ctx, "shared", fmt.Sprintf("lead-%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Claimed {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func testCommitRoute(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	seedWorkspace(t, s, "w2")
	l := seedLead(t, s, "w1", "h1")

	at := time.Now().UTC().Truncate(time.Millisecond)
	out, err := s.CommitRoute(ctx, models.RouteCommit{
		LeadID:                 l.ID,
		DedupeHash:             "h1",
		DestinationWorkspaceID: "w2",
		RuleID:                 "r1",
		RoutedAt:               at,
	})
	require.NoError(t, err)
	assert.True(t, out.Routed)

	got, err := s.GetLead(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadRouted, got.Status)
	assert.Equal(t, "w2", got.DestinationWorkspaceID)
	assert.Equal(t, "r1", got.RoutingRuleID)
	require.NotNil(t, got.RoutedAt)
	assert.WithinDuration(t, at, *got.RoutedAt, time.Millisecond)

	claimant, err := s.LookupClaim(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, l.ID, claimant)

	_, err = s.CommitRoute(ctx, models.RouteCommit{LeadID: l.ID, DedupeHash: "h1", DestinationWorkspaceID: "w2", RoutedAt: at})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConflict), "routed lead cannot be routed again")

	noHash := seedLead(t, s, "w1", "")
	out, err = s.CommitRoute(ctx, models.RouteCommit{LeadID: noHash.ID, DestinationWorkspaceID: "w2", RoutedAt: at})
	require.NoError(t, err)
	assert.True(t, out.Routed)

	_, err = s.CommitRoute(ctx, models.RouteCommit{LeadID: "missing", RoutedAt: at})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

func testCommitRouteDuplicate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	a := seedLead(t, s, "w1", "same")
	b := seedLead(t, s, "w1", "same")
	at := time.Now().UTC()

	out, err := s.CommitRoute(ctx, models.RouteCommit{LeadID: a.ID, DedupeHash: "same", DestinationWorkspaceID: "w1", RoutedAt: at})
	require.NoError(t, err)
	require.True(t, out.Routed)

	out, err = s.CommitRoute(ctx, models.RouteCommit{LeadID: b.ID, DedupeHash: "same", DestinationWorkspaceID: "w1", RoutedAt: at})
	require.NoError(t, err)
	assert.False(t, out.Routed)
	assert.Equal(t, a.ID, out.ExistingLeadID)

	got, err := s.GetLead(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadDuplicate, got.Status)
	assert.Empty(t, got.DestinationWorkspaceID)

	c := seedLead(t, s, "w1", "other")
	require.NoError(t, s.MarkDuplicate(ctx, c.ID))
	got, err = s.GetLead(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadDuplicate, got.Status)
	assert.True(t, apperrors.IsType(s.MarkDuplicate(ctx, c.ID), apperrors.ErrTypeConflict))
}

func testRouteFailure(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	l := seedLead(t, s, "w1", "h")
	next := time.Now().UTC().Add(time.Minute)

	e, created, err := s.RecordRouteFailure(ctx, models.EnqueueRequest{
		LeadID:        l.ID,
		WorkspaceID:   "w1",
		MaxAttempts:   3,
		NextRetryAt:   next,
		LastError:     "no rule",
		LastErrorKind: string(apperrors.ErrTypeNoMatchingRule),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.QueueQueued, e.Status)
	assert.Equal(t, 0, e.Attempts)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.True(t, e.Stalled())

	got, err := s.GetLead(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadFailed, got.Status)

	again, created, err := s.RecordRouteFailure(ctx, models.EnqueueRequest{
		LeadID:        l.ID,
		WorkspaceID:   "w1",
		MaxAttempts:   3,
		NextRetryAt:   next,
		LastError:     "busy",
		LastErrorKind: string(apperrors.ErrTypeLockContention),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e.ID, again.ID)

	stored, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, string(apperrors.ErrTypeLockContention), stored.LastErrorKind)
	assert.WithinDuration(t, next, stored.NextRetryAt, time.Millisecond)

	_, err = s.GetQueueEntry(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))

	settled := seedLead(t, s, "w1", "settled")
	require.NoError(t, s.MarkDuplicate(ctx, settled.ID))
	none, created, err := s.RecordRouteFailure(ctx, models.EnqueueRequest{
		LeadID:        settled.ID,
		WorkspaceID:   "w1",
		MaxAttempts:   3,
		NextRetryAt:   next,
		LastErrorKind: string(apperrors.ErrTypeLockContention),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, none)
	got, err = s.GetLead(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadDuplicate, got.Status)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	require.Len(t, depth, 1)
	assert.Equal(t, 1, depth[0].Queued)
}

func enqueue(t *testing.T, s storage.Storage, workspaceID string, next time.Time, maxAttempts int) (*models.Lead, *models.QueueEntry) {
	t.Helper()
	l := seedLead(t, s, workspaceID, "")
	e, created, err := s.RecordRouteFailure(context.Background(), models.EnqueueRequest{
		LeadID:        l.ID,
		WorkspaceID:   workspaceID,
		MaxAttempts:   maxAttempts,
		NextRetryAt:   next,
		LastErrorKind: string(apperrors.ErrTypeTransientStore),
	})
	require.NoError(t, err)
	require.True(t, created)
	return l, e
}

func testClaimDue(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	now := time.Now().UTC()

	_, older := enqueue(t, s, "w1", now.Add(-2*time.Minute), 3)
	_, newer := enqueue(t, s, "w1", now.Add(-time.Minute), 3)
	_, future := enqueue(t, s, "w1", now.Add(time.Hour), 3)

	lease := now.Add(time.Minute)
	claimed, err := s.ClaimDueEntries(ctx, now, 10, "owner-a", lease)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, older.ID, claimed[0].ID)
	assert.Equal(t, newer.ID, claimed[1].ID)
	for _, e := range claimed {
		assert.Equal(t, models.QueueProcessing, e.Status)
		assert.Equal(t, "owner-a", e.LeaseOwner)
		require.NotNil(t, e.LeaseExpiresAt)
	}

	again, err := s.ClaimDueEntries(ctx, now, 10, "owner-b", lease)
	require.NoError(t, err)
	assert.Empty(t, again, "leased entries are not claimable")

	assert.True(t, apperrors.IsType(s.ResolveEntry(ctx, older.ID, "owner-b", now), apperrors.ErrTypeConflict))
	require.NoError(t, s.ResolveEntry(ctx, older.ID, "owner-a", now))

	resolved, err := s.GetQueueEntry(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueResolved, resolved.Status)
	assert.NotNil(t, resolved.ProcessedAt)
	assert.Empty(t, resolved.LeaseOwner)

	limited, err := s.ClaimDueEntries(ctx, now.Add(2*time.Hour), 1, "owner-c", now.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, future.ID, limited[0].ID)
}

func testAttemptFailure(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	now := time.Now().UTC()
	lead, e := enqueue(t, s, "w1", now.Add(-time.Second), 3)

	claimed, err := s.ClaimDueEntries(ctx, now, 1, "owner", now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(30 * time.Second)
	updated, err := s.RecordAttemptFailure(ctx, models.RetryUpdate{
		EntryID:       e.ID,
		Owner:         "owner",
		NextRetryAt:   next,
		LastError:     "lock busy",
		LastErrorKind: string(apperrors.ErrTypeLockContention),
	})
	require.NoError(t, err)
	assert.Equal(t, models.QueueQueued, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	assert.WithinDuration(t, next, updated.NextRetryAt, time.Millisecond)
	assert.Equal(t, "lock busy", updated.LastError)
	assert.Empty(t, updated.LeaseOwner)

	_, err = s.RecordAttemptFailure(ctx, models.RetryUpdate{EntryID: e.ID, Owner: "owner", NextRetryAt: next})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConflict), "entry is no longer leased")

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadFailed, got.Status)
}

func testAbandon(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	now := time.Now().UTC()
	lead, e := enqueue(t, s, "w1", now.Add(-time.Second), 2)

	for attempt := 1; attempt <= 2; attempt++ {
		at := now.Add(time.Duration(attempt) * time.Hour)
		claimed, err := s.ClaimDueEntries(ctx, at, 1, "owner", at.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		updated, err := s.RecordAttemptFailure(ctx, models.RetryUpdate{
			EntryID:       e.ID,
			Owner:         "owner",
			NextRetryAt:   at.Add(time.Second),
			LastError:     "no rule",
			LastErrorKind: string(apperrors.ErrTypeNoMatchingRule),
		})
		require.NoError(t, err)
		assert.Equal(t, attempt, updated.Attempts)
		if attempt == 2 {
			assert.Equal(t, models.QueueAbandoned, updated.Status)
		}
	}

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadAbandoned, got.Status)

	jobs, err := s.ListFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, lead.ID, jobs[0].LeadID)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, string(apperrors.ErrTypeNoMatchingRule), jobs[0].LastErrorKind)
	assert.Equal(t, "w1", jobs[0].WorkspaceID)

	later, err := s.ClaimDueEntries(ctx, now.Add(24*time.Hour), 10, "owner", now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)
}

func testStaleLease(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	now := time.Now().UTC()
	_, e := enqueue(t, s, "w1", now.Add(-time.Second), 3)

	claimed, err := s.ClaimDueEntries(ctx, now, 1, "crashed", now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.RequeueStale(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lease still valid")

	n, err = s.RequeueStale(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)

	assert.True(t, apperrors.IsType(s.ResolveEntry(ctx, e.ID, "crashed", now), apperrors.ErrTypeConflict))
}

func testQueueDepth(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	seedWorkspace(t, s, "w2")
	now := time.Now().UTC()

	enqueue(t, s, "w1", now.Add(-time.Second), 3)
	enqueue(t, s, "w1", now.Add(time.Hour), 3)
	enqueue(t, s, "w2", now.Add(time.Hour), 3)

	l := seedLead(t, s, "w2", "")
	_, _, err := s.RecordRouteFailure(ctx, models.EnqueueRequest{
		LeadID: l.ID, WorkspaceID: "w2", MaxAttempts: 3, NextRetryAt: now.Add(time.Hour),
		LastErrorKind: string(apperrors.ErrTypeNoMatchingRule),
	})
	require.NoError(t, err)

	_, err = s.ClaimDueEntries(ctx, now, 10, "owner", now.Add(time.Minute))
	require.NoError(t, err)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	require.Len(t, depth, 2)
	assert.Equal(t, models.QueueDepth{WorkspaceID: "w1", Queued: 1, Processing: 1}, depth[0])
	assert.Equal(t, models.QueueDepth{WorkspaceID: "w2", Queued: 2, Stalled: 1}, depth[1])
}

func testStatsListing(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	seedWorkspace(t, s, "w2")
	seedWorkspace(t, s, "w3")

	routed := seedLead(t, s, "w1", "a")
	_, err := s.CommitRoute(ctx, models.RouteCommit{LeadID: routed.ID, DedupeHash: "a", DestinationWorkspaceID: "w2", RoutedAt: time.Now()})
	require.NoError(t, err)
	seedLead(t, s, "w1", "b")
	seedLead(t, s, "w3", "c")

	w1, err := s.ListLeadsForStats(ctx, "w1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, w1, 2)

	w2, err := s.ListLeadsForStats(ctx, "w2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, w2, 1)
	assert.Equal(t, routed.ID, w2[0].ID)

	future, err := s.ListLeadsForStats(ctx, "w1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, future)
}

func testConcurrentLeases(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seedWorkspace(t, s, "w1")
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		enqueue(t, s, "w1", now.Add(-time.Second), 3)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = map[string]string{}
		total int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			claimed, err := s.ClaimDueEntries(ctx, now, 10, owner, now.Add(time.Minute))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range claimed {
				_, dup := seen[e.ID]
				assert.False(t, dup, "entry %s leased twice", e.ID)
				seen[e.ID] = owner
				total++
			}
		}(fmt.Sprintf("owner-%d", w))
	}
	wg.Wait()
	assert.Equal(t, 10, total)
}
