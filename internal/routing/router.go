// Package routing assigns each inbound lead to exactly one destination
// workspace.
//
// A call runs lock -> dedupe check -> rule match -> commit. The per-hash
// lock keeps concurrent calls for the same logical lead from doing
// redundant work; the unique dedupe claim written inside the commit
// transaction is what actually guarantees a hash is routed once. Failures
// that might succeed later land in the retry queue.
package routing

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/common/utils"
	"lead-router/internal/dedupe"
	"lead-router/internal/events"
	"lead-router/internal/locks"
	"lead-router/internal/models"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
)

type Config struct {
	// LockWait bounds a single acquisition attempt.
	LockWait time.Duration
	LockTTL  time.Duration
	// MaxRetries is the default extra lock attempts for callers that pass a negative value.
	MaxRetries int
	Backoff    utils.Backoff

	// QueueMaxAttempts and QueueBackoff shape entries the router enqueues.
	QueueMaxAttempts int
	QueueBackoff     utils.Backoff

	// BulkConcurrency caps parallel RouteLead calls in RouteLeads.
	BulkConcurrency int
}

func DefaultConfig() Config {
	return Config{
		LockWait:         500 * time.Millisecond,
		LockTTL:          10 * time.Second,
		MaxRetries:       3,
		Backoff:          utils.DefaultBackoff(),
		QueueMaxAttempts: 5,
		QueueBackoff:     utils.Backoff{Base: 30 * time.Second, Max: time.Hour, Factor: 2, Jitter: 0.2},
		BulkConcurrency:  4,
	}
}

// failureTimeout bounds the queue write made after a failure, which runs
// detached from the caller's context so a cancelled request still leaves
// the lead queued.
const failureTimeout = 5 * time.Second

type Router struct {
	store     storage.Storage
	locks     locks.Manager
	index     *dedupe.Index
	publisher events.Publisher
	cfg       Config
	logger    logging.Logger
	metrics   Metrics
	now       func() time.Time
}

// NewRouter wires a router. index and publisher may be nil.
func NewRouter(store storage.Storage, lockManager locks.Manager, index *dedupe.Index, publisher events.Publisher, cfg Config, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.Component("router")
	}
	if index == nil {
		index = dedupe.NewIndex(store, nil, logger)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.QueueMaxAttempts <= 0 {
		cfg.QueueMaxAttempts = DefaultConfig().QueueMaxAttempts
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 1
	}
	return &Router{
		store:     store,
		locks:     lockManager,
		index:     index,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Router) Metrics() MetricsSnapshot {
	return r.metrics.Snapshot()
}

// Config returns the router's effective configuration.
func (r *Router) Config() Config {
	return r.cfg
}

// RouteLead routes one lead owned by sourceWorkspaceID. maxRetries is the
// number of extra lock attempts; a negative value uses the configured
// default. userID only tags logs.
//
// A lead that already left pending/failed replays its recorded outcome.
func (r *Router) RouteLead(ctx context.Context, leadID, sourceWorkspaceID, userID string, maxRetries int) RoutingResult {
	start := r.now()
	if maxRetries < 0 {
		maxRetries = r.cfg.MaxRetries
	}
	logger := r.logger.WithContext(logging.ContextWithLeadID(ctx, leadID)).WithFields(
		logging.String("lead_id", leadID),
		logging.String("source_workspace_id", sourceWorkspaceID),
		logging.String("user_id", userID),
	)

	res := r.route(ctx, logger, leadID, sourceWorkspaceID, maxRetries)
	res.LeadID = leadID
	res.Duration = r.now().Sub(start)
	r.metrics.record(res)

	logger.Debug("Route lead finished",
		logging.Bool("success", res.Success),
		logging.Bool("duplicate", res.IsDuplicate),
		logging.String("error_kind", string(res.ErrorKind)),
		logging.Int("attempts", res.Attempts),
		logging.Duration("duration", res.Duration),
	)
	return res
}

func (r *Router) route(ctx context.Context, logger logging.Logger, leadID, sourceWorkspaceID string, maxRetries int) RoutingResult {
	lead, err := r.store.GetLead(ctx, leadID)
	if err != nil {
		return r.fault(logger, RoutingResult{}, err)
	}
	if lead.WorkspaceID != sourceWorkspaceID {
		return withError(RoutingResult{}, apperrors.InvalidLeadError(
			fmt.Sprintf("lead %s is not owned by workspace %s", leadID, sourceWorkspaceID)))
	}
	if !lead.Status.Routable() {
		return r.replay(ctx, lead)
	}

	lock, attempts, err := r.acquire(ctx, lead.LockKey(), maxRetries)
	res := RoutingResult{Attempts: attempts}
	if err != nil {
		if stderrors.Is(err, locks.ErrNotAcquired) {
			logger.Warn("Lock contention exhausted retries",
				logging.String("lock_key", lead.LockKey()),
				logging.Int("attempts", attempts),
			)
			return r.queue(ctx, logger, lead, res, apperrors.LockContentionError(lead.LockKey(), attempts))
		}
		return r.queue(ctx, logger, lead, res, err)
	}
	res.LockAcquired = true
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Lock release failed", logging.String("lock_key", lock.Key()), logging.Err(err))
		}
	}()

	// Another call may have finished this lead while we waited.
	if lead, err = r.store.GetLead(ctx, leadID); err != nil {
		return r.queueByID(ctx, logger, leadID, sourceWorkspaceID, res, err)
	}
	if !lead.Status.Routable() {
		replayed := r.replay(ctx, lead)
		replayed.Attempts, replayed.LockAcquired = res.Attempts, true
		return replayed
	}

	if lead.DedupeHash != "" {
		holder, err := r.index.Claimant(ctx, lead.DedupeHash)
		if err != nil {
			return r.queue(ctx, logger, lead, res, err)
		}
		if holder != "" && holder != lead.ID {
			return r.markDuplicate(ctx, logger, lead, holder, res)
		}
	}

	rule, ok, err := r.selectRule(ctx, logger, lead)
	if err != nil {
		return r.queue(ctx, logger, lead, res, err)
	}
	if !ok {
		return r.queue(ctx, logger, lead, res, apperrors.NoMatchingRuleError(lead.ID))
	}

	out, err := r.store.CommitRoute(ctx, models.RouteCommit{
		LeadID:                 lead.ID,
		DedupeHash:             lead.DedupeHash,
		DestinationWorkspaceID: rule.DestinationWorkspaceID,
		RuleID:                 rule.ID,
		RoutedAt:               r.now().UTC(),
	})
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrTypeConflict) {
			return r.replayByID(ctx, logger, leadID, res)
		}
		return r.queue(ctx, logger, lead, res, err)
	}

	if !out.Routed {
		r.index.Remember(ctx, lead.DedupeHash, out.ExistingLeadID)
		res.IsDuplicate = true
		res.ExistingLeadID = out.ExistingLeadID
		r.publish(ctx, logger, events.Event{
			Kind:              events.KindDuplicate,
			LeadID:            lead.ID,
			SourceWorkspaceID: lead.WorkspaceID,
			ExistingLeadID:    out.ExistingLeadID,
		})
		return res
	}

	r.index.Remember(ctx, lead.DedupeHash, lead.ID)
	res.Success = true
	res.DestinationWorkspaceID = rule.DestinationWorkspaceID
	res.RuleID = rule.ID
	logger.Info("Lead routed",
		logging.String("destination_workspace_id", rule.DestinationWorkspaceID),
		logging.String("rule_id", rule.ID),
	)
	r.publish(ctx, logger, events.Event{
		Kind:                   events.KindRouted,
		LeadID:                 lead.ID,
		SourceWorkspaceID:      lead.WorkspaceID,
		DestinationWorkspaceID: rule.DestinationWorkspaceID,
		RuleID:                 rule.ID,
	})
	return res
}

// acquire takes the lock, retrying contention with backoff. It returns the
// number of attempts made.
func (r *Router) acquire(ctx context.Context, key string, maxRetries int) (locks.Lock, int, error) {
	var lock locks.Lock
	attempts, err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		MaxAttempts: maxRetries + 1,
		Backoff:     r.cfg.Backoff,
		RetryableErrors: func(err error) bool {
			return stderrors.Is(err, locks.ErrNotAcquired)
		},
	}, func(int) error {
		l, err := r.locks.TryAcquire(ctx, key, r.cfg.LockTTL, r.cfg.LockWait)
		if err != nil {
			return err
		}
		lock = l
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !stderrors.Is(err, locks.ErrNotAcquired) {
			return nil, attempts, apperrors.TransientError("acquire lock", ctx.Err())
		}
		return nil, attempts, err
	}
	return lock, attempts, nil
}

// selectRule returns the best matching rule whose destination can take the
// lead. Destinations that are missing, disabled or filter the lead out are
// skipped in favour of the next rule.
func (r *Router) selectRule(ctx context.Context, logger logging.Logger, lead *models.Lead) (rules.Rule, bool, error) {
	active, err := r.store.ListActiveRules(ctx, lead.WorkspaceID)
	if err != nil {
		return rules.Rule{}, false, err
	}

	profile := rules.ProfileFromLead(lead)
	for _, rule := range rules.Match(profile, active) {
		dest, err := r.store.GetWorkspace(ctx, rule.DestinationWorkspaceID)
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrTypeNotFound) {
				logger.Warn("Rule points at missing workspace",
					logging.String("rule_id", rule.ID),
					logging.String("destination_workspace_id", rule.DestinationWorkspaceID),
				)
				continue
			}
			return rules.Rule{}, false, err
		}
		if !dest.Routing.Enabled {
			continue
		}
		if !dest.AcceptsIndustry(lead.Industry) || !dest.AcceptsRegion(profile.Regions()...) {
			continue
		}
		return rule, true, nil
	}
	return rules.Rule{}, false, nil
}

func (r *Router) markDuplicate(ctx context.Context, logger logging.Logger, lead *models.Lead, holder string, res RoutingResult) RoutingResult {
	if err := r.store.MarkDuplicate(ctx, lead.ID); err != nil {
		if apperrors.IsType(err, apperrors.ErrTypeConflict) {
			return r.replayByID(ctx, logger, lead.ID, res)
		}
		return r.queue(ctx, logger, lead, res, err)
	}
	res.IsDuplicate = true
	res.ExistingLeadID = holder
	logger.Info("Lead is a duplicate", logging.String("existing_lead_id", holder))
	r.publish(ctx, logger, events.Event{
		Kind:              events.KindDuplicate,
		LeadID:            lead.ID,
		SourceWorkspaceID: lead.WorkspaceID,
		ExistingLeadID:    holder,
	})
	return res
}

// replay reports the recorded outcome of a lead that already left the
// routable states, without writing anything.
func (r *Router) replay(ctx context.Context, lead *models.Lead) RoutingResult {
	res := RoutingResult{Replayed: true}
	switch lead.Status {
	case models.LeadRouted:
		res.Success = true
		res.DestinationWorkspaceID = lead.DestinationWorkspaceID
		res.RuleID = lead.RoutingRuleID
	case models.LeadDuplicate:
		res.IsDuplicate = true
		if holder, err := r.index.Claimant(ctx, lead.DedupeHash); err == nil {
			res.ExistingLeadID = holder
		}
	case models.LeadAbandoned:
		res.ErrorKind = apperrors.ErrTypeMaxAttemptsExceeded
		res.Message = "lead was abandoned after exhausting retry attempts"
	default:
		res.ErrorKind = apperrors.ErrTypeInvalidLead
		res.Message = fmt.Sprintf("lead has unknown status %q", lead.Status)
	}
	return res
}

func (r *Router) replayByID(ctx context.Context, logger logging.Logger, leadID string, res RoutingResult) RoutingResult {
	lead, err := r.store.GetLead(ctx, leadID)
	if err != nil {
		return r.fault(logger, res, err)
	}
	if lead.Status.Routable() {
		// Conflict without a visible transition; let the queue try again.
		return r.queue(ctx, logger, lead, res, apperrors.TransientError("commit route", fmt.Errorf("lead %s changed concurrently", leadID)))
	}
	replayed := r.replay(ctx, lead)
	replayed.Attempts, replayed.LockAcquired = res.Attempts, res.LockAcquired
	return replayed
}

func (r *Router) queueByID(ctx context.Context, logger logging.Logger, leadID, workspaceID string, res RoutingResult, cause error) RoutingResult {
	return r.queue(ctx, logger, &models.Lead{ID: leadID, WorkspaceID: workspaceID}, res, cause)
}

// queue records a routing failure for a routable lead: the lead becomes
// failed and gets one open retry entry.
func (r *Router) queue(ctx context.Context, logger logging.Logger, lead *models.Lead, res RoutingResult, cause error) RoutingResult {
	res = withError(res, classify(cause))
	if res.ErrorKind == apperrors.ErrTypeTransientStore {
		logger.Error("Routing failed on a store fault", cause)
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()

	entry, created, err := r.store.RecordRouteFailure(qctx, models.EnqueueRequest{
		LeadID:        lead.ID,
		WorkspaceID:   lead.WorkspaceID,
		MaxAttempts:   r.cfg.QueueMaxAttempts,
		NextRetryAt:   r.now().UTC().Add(r.cfg.QueueBackoff.Delay(0)),
		LastError:     res.Message,
		LastErrorKind: string(res.ErrorKind),
	})
	if err != nil {
		logger.Error("Failed to queue lead for retry", err, logging.String("error_kind", string(res.ErrorKind)))
		return res
	}
	if entry == nil {
		logger.Debug("Lead settled before it could be queued")
		return r.replayByID(qctx, logger, lead.ID, res)
	}

	res.Queued = true
	res.QueueEntryID = entry.ID
	if created {
		logger.Info("Lead queued for retry",
			logging.String("queue_entry_id", entry.ID),
			logging.String("error_kind", string(res.ErrorKind)),
		)
		r.publish(qctx, logger, events.Event{
			Kind:              events.KindQueued,
			LeadID:            lead.ID,
			SourceWorkspaceID: lead.WorkspaceID,
			ErrorKind:         string(res.ErrorKind),
		})
	}
	return res
}

// fault reports an error that happened before the lead could be queued.
func (r *Router) fault(logger logging.Logger, res RoutingResult, err error) RoutingResult {
	err = classify(err)
	if apperrors.IsType(err, apperrors.ErrTypeTransientStore) {
		logger.Error("Routing failed before the lead was loaded", err)
	}
	return withError(res, err)
}

func (r *Router) publish(ctx context.Context, logger logging.Logger, e events.Event) {
	e.OccurredAt = r.now().UTC()
	if err := r.publisher.Publish(ctx, e); err != nil {
		logger.Warn("Failed to publish routing event",
			logging.String("kind", string(e.Kind)),
			logging.Err(err),
		)
	}
}

// classify maps arbitrary errors into the routing taxonomy. Anything that
// is not already an AppError is treated as a transient store fault.
func classify(err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.TransientError("routing interrupted", err)
	}
	return apperrors.TransientError("routing", err)
}

func withError(res RoutingResult, err error) RoutingResult {
	res.Success = false
	res.ErrorKind = apperrors.GetType(err)
	res.Message = err.Error()
	return res
}
