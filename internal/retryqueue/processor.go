// Package retryqueue drains the routing retry queue. Each pass leases due
// entries, re-routes their leads against the current rule set and moves
// every entry to resolved, back to queued with a later retry time, or to
// abandoned once it has used up its attempts.
package retryqueue

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"lead-router/internal/common/logging"
	"lead-router/internal/common/utils"
	"lead-router/internal/events"
	"lead-router/internal/models"
	"lead-router/internal/routing"
	"lead-router/internal/storage"
)

// Router is the part of routing.Router the processor drives.
type Router interface {
	RouteLead(ctx context.Context, leadID, sourceWorkspaceID, userID string, maxRetries int) routing.RoutingResult
}

type Config struct {
	// BatchSize is the default limit when a pass is asked for 0 entries.
	BatchSize int
	// LeaseTTL is how long an entry stays leased before another pass may requeue it.
	LeaseTTL time.Duration
	Backoff  utils.Backoff
	// RateLimit caps re-route calls per second; 0 disables pacing.
	RateLimit float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize: 50,
		LeaseTTL:  5 * time.Minute,
		Backoff:   utils.Backoff{Base: 30 * time.Second, Max: time.Hour, Factor: 2, Jitter: 0.2},
	}
}

// RetrySummary counts what one pass did. Succeeded and Duplicates are both
// resolved entries; Failed counts entries put back for another try.
type RetrySummary struct {
	Requeued   int           `json:"requeued"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Abandoned  int           `json:"abandoned"`
	Duration   time.Duration `json:"duration_ns"`
}

type Processor struct {
	store     storage.Storage
	router    Router
	publisher events.Publisher
	cfg       Config
	limiter   *rate.Limiter
	logger    logging.Logger
	now       func() time.Time
}

// NewProcessor wires a processor. publisher may be nil.
func NewProcessor(store storage.Storage, router Router, publisher events.Publisher, cfg Config, logger logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Component("retry_processor")
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}

	p := &Processor{
		store:     store,
		router:    router,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return p
}

// ProcessRetryQueue runs one pass over at most limit due entries; limit <= 0
// uses the configured batch size. The returned error is only set when the
// queue itself could not be read or leased. Entries left unprocessed
// because ctx ended keep their lease and are requeued once it expires.
func (p *Processor) ProcessRetryQueue(ctx context.Context, limit int) (RetrySummary, error) {
	start := p.now()
	var summary RetrySummary
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}

	requeued, err := p.store.RequeueStale(ctx, start)
	if err != nil {
		return summary, err
	}
	summary.Requeued = requeued
	if requeued > 0 {
		p.logger.Warn("Requeued entries with expired leases", logging.Int("count", requeued))
	}

	owner := utils.NewOwnerID()
	entries, err := p.store.ClaimDueEntries(ctx, start, limit, owner, start.Add(p.cfg.LeaseTTL))
	if err != nil {
		return summary, err
	}

	for _, entry := range entries {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		p.process(ctx, owner, entry, &summary)
	}

	summary.Duration = p.now().Sub(start)
	p.logger.Info("Retry queue pass finished",
		logging.Int("claimed", len(entries)),
		logging.Int("processed", summary.Processed),
		logging.Int("succeeded", summary.Succeeded),
		logging.Int("duplicates", summary.Duplicates),
		logging.Int("failed", summary.Failed),
		logging.Int("abandoned", summary.Abandoned),
		logging.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (p *Processor) process(ctx context.Context, owner string, entry *models.QueueEntry, summary *RetrySummary) {
	logger := p.logger.WithFields(
		logging.String("queue_entry_id", entry.ID),
		logging.String("lead_id", entry.LeadID),
	)
	summary.Processed++

	res := p.router.RouteLead(ctx, entry.LeadID, entry.WorkspaceID, "retry-processor", -1)

	// Bookkeeping must land even if the pass is being cancelled.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if res.Resolved() {
		if err := p.store.ResolveEntry(wctx, entry.ID, owner, p.now()); err != nil {
			logger.Error("Failed to resolve queue entry", err)
			return
		}
		if res.IsDuplicate {
			summary.Duplicates++
		} else {
			summary.Succeeded++
		}
		logger.Debug("Queue entry resolved", logging.Bool("duplicate", res.IsDuplicate))
		return
	}

	updated, err := p.store.RecordAttemptFailure(wctx, models.RetryUpdate{
		EntryID:       entry.ID,
		Owner:         owner,
		NextRetryAt:   p.now().Add(p.cfg.Backoff.Delay(entry.Attempts)),
		LastError:     res.Message,
		LastErrorKind: string(res.ErrorKind),
	})
	if err != nil {
		logger.Error("Failed to record retry attempt", err)
		return
	}

	if updated.Status == models.QueueAbandoned {
		summary.Abandoned++
		logger.Warn("Queue entry abandoned",
			logging.Int("attempts", updated.Attempts),
			logging.String("error_kind", updated.LastErrorKind),
		)
		if err := p.publisher.Publish(wctx, events.Event{
			Kind:              events.KindAbandoned,
			LeadID:            entry.LeadID,
			SourceWorkspaceID: entry.WorkspaceID,
			ErrorKind:         updated.LastErrorKind,
			Attempts:          updated.Attempts,
			OccurredAt:        p.now().UTC(),
		}); err != nil {
			logger.Warn("Failed to publish abandoned event", logging.Err(err))
		}
		return
	}

	summary.Failed++
	logger.Debug("Queue entry rescheduled",
		logging.Int("attempts", updated.Attempts),
		logging.Time("next_retry_at", updated.NextRetryAt),
	)
}
