package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/common/utils"
	"lead-router/internal/dedupe"
	"lead-router/internal/events"
	"lead-router/internal/locks"
	"lead-router/internal/models"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
	"lead-router/internal/storage/memory"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Kind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

// faultyStore fails selected calls with a driver-level error.
type faultyStore struct {
	storage.Storage
	failRules bool
}

func (f *faultyStore) ListActiveRules(ctx context.Context, id string) ([]rules.Rule, error) {
	if f.failRules {
		return nil, apperrors.TransientError("list rules", errors.New("connection reset"))
	}
	return f.Storage.ListActiveRules(ctx, id)
}

// settlingStore routes the lead through the inner store right before a
// failure is recorded, as a concurrent winner would.
type settlingStore struct {
	storage.Storage
	commit models.RouteCommit
}

func (s *settlingStore) RecordRouteFailure(ctx context.Context, req models.EnqueueRequest) (*models.QueueEntry, bool, error) {
	if _, err := s.Storage.CommitRoute(ctx, s.commit); err != nil {
		return nil, false, err
	}
	return s.Storage.RecordRouteFailure(ctx, req)
}

type fixture struct {
	store     storage.Storage
	mem       *memory.Store
	locks     *locks.LocalManager
	publisher *capturePublisher
	router    *Router
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockWait = 200 * time.Millisecond
	cfg.Backoff = utils.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	cfg.QueueBackoff = utils.Backoff{Base: time.Minute, Max: time.Hour, Factor: 2}
	cfg.QueueMaxAttempts = 3
	return cfg
}

func newFixture(t *testing.T, wrap func(storage.Storage) storage.Storage) *fixture {
	t.Helper()
	mem := memory.New()
	var store storage.Storage = mem
	if wrap != nil {
		store = wrap(mem)
	}
	f := &fixture{
		store:     store,
		mem:       mem,
		locks:     locks.NewLocalManager(),
		publisher: &capturePublisher{},
	}
	f.router = NewRouter(store, f.locks, dedupe.NewIndex(store, nil, logging.NopLogger{}), f.publisher, testConfig(), logging.NopLogger{})
	return f
}

func (f *fixture) workspace(t *testing.T, id string, mutate ...func(*models.Workspace)) {
	t.Helper()
	w := &models.Workspace{ID: id, Name: id, Routing: models.RoutingConfig{Enabled: true}}
	for _, m := range mutate {
		m(w)
	}
	require.NoError(t, f.store.CreateWorkspace(context.Background(), w))
}

func (f *fixture) rule(t *testing.T, id, source, dest string, priority int, conds ...rules.Condition) {
	t.Helper()
	r := &rules.Rule{
		ID:                     id,
		SourceWorkspaceID:      source,
		DestinationWorkspaceID: dest,
		Name:                   id,
		Priority:               priority,
		Active:                 true,
		Conditions:             conds,
	}
	require.NoError(t, f.store.CreateRule(context.Background(), r))
}

func (f *fixture) lead(t *testing.T, id, workspace, email, industry string) *models.Lead {
	t.Helper()
	l := &models.Lead{
		ID:          id,
		WorkspaceID: workspace,
		Email:       email,
		Industry:    industry,
		State:       "CA",
	}
	if email != "" {
		l.DedupeHash = dedupe.Hash(email, industry, time.Now(), 24*time.Hour)
	}
	require.NoError(t, f.store.CreateLead(context.Background(), l))
	return l
}

func (f *fixture) status(t *testing.T, id string) models.LeadStatus {
	t.Helper()
	l, err := f.store.GetLead(context.Background(), id)
	require.NoError(t, err)
	return l.Status
}

func TestTechnologyManufacturingScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "tech", "W1", "W2", 100, rules.IndustryIn{"Technology"})

	a := f.lead(t, "lead-a", "W1", "ceo@acme.io", "Technology")
	res := f.router.RouteLead(ctx, a.ID, "W1", "user-1", 3)
	assert.True(t, res.Success)
	assert.Equal(t, "W2", res.DestinationWorkspaceID)
	assert.Equal(t, "tech", res.RuleID)
	assert.True(t, res.LockAcquired)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, models.LeadRouted, f.status(t, a.ID))

	b := f.lead(t, "lead-b", "W1", "CEO@acme.io ", "Technology")
	require.Equal(t, a.DedupeHash, b.DedupeHash)
	res = f.router.RouteLead(ctx, b.ID, "W1", "user-1", 3)
	assert.False(t, res.Success)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, a.ID, res.ExistingLeadID)
	assert.Empty(t, res.ErrorKind)
	assert.Equal(t, models.LeadDuplicate, f.status(t, b.ID))

	c := f.lead(t, "lead-c", "W1", "ops@plant.com", "Manufacturing")
	res = f.router.RouteLead(ctx, c.ID, "W1", "user-1", 3)
	assert.False(t, res.Success)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, apperrors.ErrTypeNoMatchingRule, res.ErrorKind)
	assert.True(t, res.Queued)
	assert.Equal(t, models.LeadFailed, f.status(t, c.ID))

	entry, err := f.store.GetQueueEntry(ctx, res.QueueEntryID)
	require.NoError(t, err)
	assert.True(t, entry.Stalled())
	assert.Equal(t, 0, entry.Attempts)
	assert.Equal(t, 3, entry.MaxAttempts)

	assert.Equal(t, []events.Kind{events.KindRouted, events.KindDuplicate, events.KindQueued}, f.publisher.kinds())
}

func TestConcurrentLeadsSharingHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "any", "W1", "W2", 1, rules.All{})

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.lead(t, fmt.Sprintf("lead-%02d", i), "W1", "same@example.com", "Technology").ID
	}

	results := make([]RoutingResult, n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.router.RouteLead(ctx, ids[i], "W1", "", 10)
		}(i)
	}
	wg.Wait()

	routed, duplicates := 0, 0
	for i, res := range results {
		switch {
		case res.Success:
			routed++
			assert.Equal(t, models.LeadRouted, f.status(t, ids[i]))
		case res.IsDuplicate:
			duplicates++
			assert.Equal(t, models.LeadDuplicate, f.status(t, ids[i]))
		default:
			t.Errorf("lead %s: unexpected failure %s: %s", ids[i], res.ErrorKind, res.Message)
		}
	}
	assert.Equal(t, 1, routed)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, 0, f.locks.Held())
}

func TestLockContention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "any", "W1", "W2", 1, rules.All{})
	l := f.lead(t, "lead-1", "W1", "x@example.com", "Retail")

	f.router.cfg.LockWait = 5 * time.Millisecond
	held, err := f.locks.TryAcquire(ctx, l.LockKey(), time.Minute, 0)
	require.NoError(t, err)

	res := f.router.RouteLead(ctx, l.ID, "W1", "", 2)
	assert.Equal(t, apperrors.ErrTypeLockContention, res.ErrorKind)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.LockAcquired)
	assert.True(t, res.Queued)
	assert.Equal(t, models.LeadFailed, f.status(t, l.ID))

	entry, err := f.store.GetQueueEntry(ctx, res.QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, string(apperrors.ErrTypeLockContention), entry.LastErrorKind)
	assert.Equal(t, int64(1), f.router.Metrics().LockFailures)

	// A second failure for the same lead reuses the open entry.
	again := f.router.RouteLead(ctx, l.ID, "W1", "", 0)
	assert.Equal(t, res.QueueEntryID, again.QueueEntryID)
	assert.Equal(t, 1, again.Attempts)

	require.NoError(t, held.Release(ctx))
	res = f.router.RouteLead(ctx, l.ID, "W1", "", 0)
	assert.True(t, res.Success)
}

func TestLockContentionLoserAfterWinnerRouted(t *testing.T) {
	ctx := context.Background()
	settling := &settlingStore{}
	f := newFixture(t, func(s storage.Storage) storage.Storage {
		settling.Storage = s
		return settling
	})
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "any", "W1", "W2", 1, rules.All{})
	l := f.lead(t, "lead-1", "W1", "x@example.com", "Retail")
	settling.commit = models.RouteCommit{
		LeadID:                 l.ID,
		DedupeHash:             l.DedupeHash,
		DestinationWorkspaceID: "W2",
		RuleID:                 "any",
		RoutedAt:               time.Now().UTC(),
	}

	f.router.cfg.LockWait = 5 * time.Millisecond
	held, err := f.locks.TryAcquire(ctx, l.LockKey(), time.Minute, 0)
	require.NoError(t, err)
	defer held.Release(ctx)

	res := f.router.RouteLead(ctx, l.ID, "W1", "", 1)
	assert.True(t, res.Success)
	assert.True(t, res.Replayed)
	assert.False(t, res.Queued)
	assert.Empty(t, res.QueueEntryID)
	assert.Equal(t, "W2", res.DestinationWorkspaceID)
	assert.Equal(t, models.LeadRouted, f.status(t, l.ID))

	depth, err := f.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Empty(t, depth)
	assert.NotContains(t, f.publisher.kinds(), events.KindQueued)
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "any", "W1", "W2", 1, rules.All{})
	l := f.lead(t, "lead-1", "W1", "x@example.com", "Retail")

	first := f.router.RouteLead(ctx, l.ID, "W1", "", 1)
	require.True(t, first.Success)

	second := f.router.RouteLead(ctx, l.ID, "W1", "", 1)
	assert.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.DestinationWorkspaceID, second.DestinationWorkspaceID)
	assert.Equal(t, first.RuleID, second.RuleID)
	assert.Equal(t, 0, second.Attempts)
	assert.Len(t, f.publisher.kinds(), 1)
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.lead(t, "lead-1", "W1", "", "Retail")

	t.Run("missing lead", func(t *testing.T) {
		res := f.router.RouteLead(ctx, "nope", "W1", "", 1)
		assert.Equal(t, apperrors.ErrTypeNotFound, res.ErrorKind)
		assert.False(t, res.Queued)
	})

	t.Run("wrong owner", func(t *testing.T) {
		res := f.router.RouteLead(ctx, "lead-1", "W9", "", 1)
		assert.Equal(t, apperrors.ErrTypeInvalidLead, res.ErrorKind)
		assert.False(t, res.Queued)
		assert.Equal(t, models.LeadPending, f.status(t, "lead-1"))
	})
}

func TestRuleSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("priority then creation order", func(t *testing.T) {
		f := newFixture(t, nil)
		for _, id := range []string{"W1", "W2", "W3", "W4"} {
			f.workspace(t, id)
		}
		f.rule(t, "low", "W1", "W2", 10, rules.All{})
		f.rule(t, "first", "W1", "W3", 50, rules.IndustryIn{"Retail"})
		f.rule(t, "second", "W1", "W4", 50, rules.IndustryIn{"Retail"})

		res := f.router.RouteLead(ctx, f.lead(t, "l1", "W1", "", "Retail").ID, "W1", "", 0)
		assert.Equal(t, "first", res.RuleID)
		assert.Equal(t, "W3", res.DestinationWorkspaceID)

		res = f.router.RouteLead(ctx, f.lead(t, "l2", "W1", "", "Energy").ID, "W1", "", 0)
		assert.Equal(t, "low", res.RuleID)
	})

	t.Run("unusable destinations are skipped", func(t *testing.T) {
		f := newFixture(t, nil)
		f.workspace(t, "W1")
		f.workspace(t, "disabled", func(w *models.Workspace) { w.Routing.Enabled = false })
		f.workspace(t, "east-only", func(w *models.Workspace) { w.AllowedRegions = []string{"Northeast"} })
		f.workspace(t, "fallback", func(w *models.Workspace) { w.AllowedIndustries = []string{"retail"} })
		f.rule(t, "to-missing", "W1", "ghost", 100, rules.All{})
		f.rule(t, "to-disabled", "W1", "disabled", 90, rules.All{})
		f.rule(t, "to-east", "W1", "east-only", 80, rules.All{})
		f.rule(t, "to-fallback", "W1", "fallback", 70, rules.All{})

		res := f.router.RouteLead(ctx, f.lead(t, "l1", "W1", "", "Retail").ID, "W1", "", 0)
		assert.True(t, res.Success)
		assert.Equal(t, "to-fallback", res.RuleID)

		res = f.router.RouteLead(ctx, f.lead(t, "l2", "W1", "", "Energy").ID, "W1", "", 0)
		assert.Equal(t, apperrors.ErrTypeNoMatchingRule, res.ErrorKind)
	})

	t.Run("region conditions use census region", func(t *testing.T) {
		f := newFixture(t, nil)
		f.workspace(t, "W1")
		f.workspace(t, "west")
		f.rule(t, "west", "W1", "west", 1, rules.RegionIn{"West"})

		res := f.router.RouteLead(ctx, f.lead(t, "l1", "W1", "", "Retail").ID, "W1", "", 0)
		assert.True(t, res.Success)
	})
}

func TestExistingClaimMarksDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "any", "W1", "W2", 1, rules.All{})
	l := f.lead(t, "lead-2", "W1", "x@example.com", "Retail")

	claim, err := f.store.Claim(ctx, l.DedupeHash, "lead-1")
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	res := f.router.RouteLead(ctx, l.ID, "W1", "", 0)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "lead-1", res.ExistingLeadID)

	replay := f.router.RouteLead(ctx, l.ID, "W1", "", 0)
	assert.True(t, replay.IsDuplicate)
	assert.True(t, replay.Replayed)
	assert.Equal(t, "lead-1", replay.ExistingLeadID)
}

func TestTransientStoreFaultIsQueued(t *testing.T) {
	ctx := context.Background()
	faulty := &faultyStore{failRules: true}
	f := newFixture(t, func(s storage.Storage) storage.Storage {
		faulty.Storage = s
		return faulty
	})
	f.workspace(t, "W1")
	l := f.lead(t, "lead-1", "W1", "x@example.com", "Retail")

	res := f.router.RouteLead(ctx, l.ID, "W1", "", 0)
	assert.Equal(t, apperrors.ErrTypeTransientStore, res.ErrorKind)
	assert.True(t, res.Queued)
	assert.Equal(t, models.LeadFailed, f.status(t, l.ID))
	assert.Equal(t, 0, f.locks.Held())
}

func TestCancelledContextStillQueues(t *testing.T) {
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	l := f.lead(t, "lead-1", "W1", "x@example.com", "Retail")

	held, err := f.locks.TryAcquire(context.Background(), l.LockKey(), time.Minute, 0)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.router.cfg.LockWait = time.Second

	res := f.router.RouteLead(ctx, l.ID, "W1", "", 5)
	assert.Equal(t, apperrors.ErrTypeTransientStore, res.ErrorKind)
	assert.True(t, res.Queued)
}

func TestRouteLeads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "tech")
	f.workspace(t, "retail")
	f.rule(t, "tech", "W1", "tech", 10, rules.IndustryIn{"Technology"})
	f.rule(t, "retail", "W1", "retail", 10, rules.IndustryIn{"Retail"})

	ids := []string{
		f.lead(t, "l1", "W1", "a@x.com", "Technology").ID,
		f.lead(t, "l2", "W1", "b@x.com", "Technology").ID,
		f.lead(t, "l3", "W1", "c@x.com", "Retail").ID,
		f.lead(t, "l4", "W1", "a@x.com", "Technology").ID,
		f.lead(t, "l5", "W1", "d@x.com", "Mining").ID,
	}

	out := f.router.RouteLeads(ctx, ids, "W1", "bulk", 3)
	assert.Equal(t, 5, out.Total)
	assert.Equal(t, 1, out.Duplicates)
	assert.Equal(t, 1, out.Unrouted)
	assert.Equal(t, 1, out.Routed["retail"])
	assert.Equal(t, 2, out.Routed["tech"])
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "l5", out.Errors[0].LeadID)
	assert.Equal(t, apperrors.ErrTypeNoMatchingRule, out.Errors[0].Kind)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.workspace(t, "W1")
	f.workspace(t, "W2")
	f.rule(t, "tech", "W1", "W2", 10, rules.IndustryIn{"Technology"})

	f.router.RouteLead(ctx, f.lead(t, "l1", "W1", "a@x.com", "Technology").ID, "W1", "", 0)
	f.router.RouteLead(ctx, f.lead(t, "l2", "W1", "a@x.com", "Technology").ID, "W1", "", 0)
	f.router.RouteLead(ctx, f.lead(t, "l3", "W1", "b@x.com", "Mining").ID, "W1", "", 0)

	stats, err := f.router.Stats(ctx, "W1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.RoutedOut)
	assert.Equal(t, map[string]int{"routed": 1, "duplicate": 1, "failed": 1}, stats.ByStatus)
	assert.Equal(t, 2, stats.ByIndustry["Technology"])
	assert.Equal(t, 3, stats.ByRegion["West"])
	assert.Equal(t, 1, stats.ByRule["tech"])

	dest, err := f.router.Stats(ctx, "W2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, dest.Total)
	assert.Equal(t, 1, dest.RoutedIn)

	_, err = f.router.Stats(ctx, "missing", time.Time{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}
