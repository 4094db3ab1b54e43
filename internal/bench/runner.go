// Package bench drives load through the router and retry processor and
// checks the results against latency and success objectives. Every run
// creates its own pair of workspaces. The retry scenario runs a real
// processor pass, which also picks up any other due entries in the store,
// so point it at a scratch database.
package bench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucsky/cuid"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/common/utils"
	"lead-router/internal/dedupe"
	"lead-router/internal/locks"
	"lead-router/internal/models"
	"lead-router/internal/retryqueue"
	"lead-router/internal/routing"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
)

// Options sizes each scenario. A zero count skips the scenario.
type Options struct {
	Sequential  int
	Concurrent  int
	Concurrency int
	Duplicates  int
	Retry       int
	// MaxRetries is passed to every RouteLead call.
	MaxRetries int
}

func DefaultOptions() Options {
	return Options{
		Sequential:  100,
		Concurrent:  100,
		Concurrency: 10,
		Duplicates:  50,
		Retry:       50,
		MaxRetries:  3,
	}
}

type Runner struct {
	store     storage.Storage
	router    *routing.Router
	processor *retryqueue.Processor
	logger    logging.Logger

	runID       string
	source      string
	destination string
	seq         int
	seqMu       sync.Mutex
}

// NewRunner builds a router and processor dedicated to the benchmark. The
// queue backoff is zeroed so the retry scenario's entries are due at once.
func NewRunner(store storage.Storage, lockManager locks.Manager, cfg routing.Config, queueCfg retryqueue.Config, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Component("bench")
	}
	cfg.QueueBackoff = utils.Backoff{}
	router := routing.NewRouter(store, lockManager, nil, nil, cfg, logging.NopLogger{})
	return &Runner{
		store:     store,
		router:    router,
		processor: retryqueue.NewProcessor(store, router, nil, queueCfg, logging.NopLogger{}),
		logger:    logger,
		runID:     cuid.Slug(),
	}
}

// Setup creates the source and destination workspaces and a single
// Technology rule between them, mirroring a typical partner setup.
func (r *Runner) Setup(ctx context.Context) error {
	r.source = "bench-src-" + r.runID
	r.destination = "bench-dst-" + r.runID

	workspaces := []*models.Workspace{
		{
			ID:                r.source,
			Name:              "Benchmark source " + r.runID,
			AllowedIndustries: []string{"Technology", "Software"},
			AllowedRegions:    []string{"US"},
			Routing:           models.RoutingConfig{Enabled: true},
		},
		{
			ID:                r.destination,
			Name:              "Benchmark partner " + r.runID,
			AllowedIndustries: []string{"Technology"},
			AllowedRegions:    []string{"US", "CA"},
			Routing:           models.RoutingConfig{Enabled: true, AssignmentMethod: "round_robin"},
		},
	}
	for _, w := range workspaces {
		if err := r.store.CreateWorkspace(ctx, w); err != nil {
			return fmt.Errorf("create workspace %s: %w", w.ID, err)
		}
	}

	rule := &rules.Rule{
		SourceWorkspaceID:      r.source,
		DestinationWorkspaceID: r.destination,
		Name:                   "Benchmark tech rule",
		Priority:               100,
		Active:                 true,
		Conditions:             rules.Conditions{rules.IndustryIn{"Technology"}},
	}
	if err := r.store.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}

	r.logger.Info("Benchmark environment ready",
		logging.String("source_workspace_id", r.source),
		logging.String("destination_workspace_id", r.destination),
		logging.String("rule_id", rule.ID),
	)
	return nil
}

// Run executes every scenario with a non-zero count, in order.
func (r *Runner) Run(ctx context.Context, opts Options) ([]Result, error) {
	if r.source == "" {
		if err := r.Setup(ctx); err != nil {
			return nil, err
		}
	}

	type scenario struct {
		count int
		run   func() (Result, error)
	}
	scenarios := []scenario{
		{opts.Sequential, func() (Result, error) { return r.Sequential(ctx, opts.Sequential, opts.MaxRetries) }},
		{opts.Concurrent, func() (Result, error) {
			return r.Concurrent(ctx, opts.Concurrent, opts.Concurrency, opts.MaxRetries)
		}},
		{opts.Duplicates, func() (Result, error) { return r.Duplicates(ctx, opts.Duplicates, opts.MaxRetries) }},
		{opts.Retry, func() (Result, error) { return r.RetryQueue(ctx, opts.Retry, opts.MaxRetries) }},
	}

	var results []Result
	for _, s := range scenarios {
		if s.count <= 0 {
			continue
		}
		res, err := s.run()
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) nextSeq() int {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seq++
	return r.seq
}

// createLead stores a pending lead. An empty hash derives one from a
// unique email.
func (r *Runner) createLead(ctx context.Context, industry, hash string) (string, error) {
	n := r.nextSeq()
	email := fmt.Sprintf("bench-%s-%d@test.com", r.runID, n)
	if hash == "" {
		hash = dedupe.Hash(email, industry, time.Now(), 24*time.Hour)
	}
	lead := &models.Lead{
		WorkspaceID: r.source,
		Email:       email,
		CompanyName: fmt.Sprintf("Benchmark Lead %d", n),
		Industry:    industry,
		Country:     "US",
		State:       "CA",
		DedupeHash:  hash,
	}
	if err := r.store.CreateLead(ctx, lead); err != nil {
		return "", fmt.Errorf("create lead: %w", err)
	}
	return lead.ID, nil
}

func (r *Runner) measure(ctx context.Context, leadID string, maxRetries int, expect func(routing.RoutingResult) bool) Attempt {
	start := time.Now()
	res := r.router.RouteLead(ctx, leadID, r.source, "benchmark-user", maxRetries)
	return Attempt{
		Latency:      time.Since(start),
		Success:      res.Success,
		Duplicate:    res.IsDuplicate,
		LockAcquired: res.LockAcquired || res.Replayed,
		Expected:     expect(res),
		ErrorKind:    string(res.ErrorKind),
	}
}

func routed(res routing.RoutingResult) bool { return res.Success }

func (r *Runner) queueDepth(ctx context.Context) int {
	depths, err := r.store.QueueDepth(ctx)
	if err != nil {
		r.logger.Warn("Failed to read queue depth", logging.Err(err))
		return 0
	}
	for _, d := range depths {
		if d.WorkspaceID == r.source {
			return d.Queued + d.Processing
		}
	}
	return 0
}

// Sequential routes count fresh leads one at a time.
func (r *Runner) Sequential(ctx context.Context, count, maxRetries int) (Result, error) {
	r.logger.Info("Running sequential scenario", logging.Int("count", count))
	attempts := make([]Attempt, 0, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		id, err := r.createLead(ctx, "Technology", "")
		if err != nil {
			return Result{}, err
		}
		attempts = append(attempts, r.measure(ctx, id, maxRetries, routed))
	}
	res := analyze("Sequential routing", attempts, time.Since(start))
	res.QueueDepth = r.queueDepth(ctx)
	return res, nil
}

// Concurrent creates count leads up front, then routes them in batches of
// concurrency parallel calls.
func (r *Runner) Concurrent(ctx context.Context, count, concurrency, maxRetries int) (Result, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	r.logger.Info("Running concurrent scenario", logging.Int("count", count), logging.Int("concurrency", concurrency))

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := r.createLead(ctx, "Technology", "")
		if err != nil {
			return Result{}, err
		}
		ids = append(ids, id)
	}

	attempts := make([]Attempt, len(ids))
	start := time.Now()
	for lo := 0; lo < len(ids); lo += concurrency {
		hi := lo + concurrency
		if hi > len(ids) {
			hi = len(ids)
		}
		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				attempts[i] = r.measure(ctx, ids[i], maxRetries, routed)
			}(i)
		}
		wg.Wait()
	}
	res := analyze("Concurrent routing", attempts, time.Since(start))
	res.QueueDepth = r.queueDepth(ctx)
	return res, nil
}

// Duplicates routes one original lead, then count-1 leads that share its
// dedupe hash. Only the original should route.
func (r *Runner) Duplicates(ctx context.Context, count, maxRetries int) (Result, error) {
	r.logger.Info("Running duplicate detection scenario", logging.Int("count", count))
	start := time.Now()

	originalID, err := r.createLead(ctx, "Technology", "")
	if err != nil {
		return Result{}, err
	}
	attempts := []Attempt{r.measure(ctx, originalID, maxRetries, routed)}

	original, err := r.store.GetLead(ctx, originalID)
	if err != nil {
		return Result{}, err
	}
	for i := 1; i < count; i++ {
		id, err := r.createLead(ctx, "Technology", original.DedupeHash)
		if err != nil {
			return Result{}, err
		}
		attempts = append(attempts, r.measure(ctx, id, maxRetries, func(res routing.RoutingResult) bool {
			return res.IsDuplicate
		}))
	}
	res := analyze("Duplicate detection", attempts, time.Since(start))
	res.QueueDepth = r.queueDepth(ctx)
	return res, nil
}

// RetryQueue routes count leads no rule matches, so each lands in the retry
// queue, then runs one processor pass over them.
func (r *Runner) RetryQueue(ctx context.Context, count, maxRetries int) (Result, error) {
	r.logger.Info("Running retry queue scenario", logging.Int("count", count))
	start := time.Now()

	attempts := make([]Attempt, 0, count)
	for i := 0; i < count; i++ {
		id, err := r.createLead(ctx, "Manufacturing", "")
		if err != nil {
			return Result{}, err
		}
		attempts = append(attempts, r.measure(ctx, id, maxRetries, func(res routing.RoutingResult) bool {
			return res.Queued && res.ErrorKind == apperrors.ErrTypeNoMatchingRule
		}))
	}

	summary, err := r.processor.ProcessRetryQueue(ctx, count)
	if err != nil {
		return Result{}, fmt.Errorf("process retry queue: %w", err)
	}

	res := analyze("Retry queue processing", attempts, time.Since(start))
	res.Retry = &summary
	res.QueueDepth = r.queueDepth(ctx)
	return res, nil
}
