package retryqueue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/locks"
)

// SchedulerLockKey serializes passes across instances sharing a lock backend.
const SchedulerLockKey = "scheduler:retry-queue"

// Scheduler runs processor passes on a cron schedule. A tick that finds
// another instance (or a slow previous tick) holding the scheduler lock is
// skipped.
type Scheduler struct {
	processor *Processor
	locks     locks.Manager
	schedule  string
	limit     int
	logger    logging.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	last   RetrySummary
	runs   int
}

// NewScheduler validates schedule (standard five-field cron or a
// descriptor such as "@every 1m").
func NewScheduler(processor *Processor, lockManager locks.Manager, schedule string, limit int, logger logging.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, apperrors.ConfigError(fmt.Sprintf("invalid queue schedule %q: %v", schedule, err))
	}
	if logger == nil {
		logger = logging.Component("retry_scheduler")
	}
	return &Scheduler{
		processor: processor,
		locks:     lockManager,
		schedule:  schedule,
		limit:     limit,
		logger:    logger,
	}, nil
}

// Start begins ticking. Passes run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return apperrors.ConflictError("retry scheduler already started")
	}

	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(s.schedule, func() { s.Tick() }); err != nil {
		return apperrors.ConfigError(fmt.Sprintf("schedule retry queue: %v", err))
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = c
	c.Start()
	s.logger.Info("Retry scheduler started", logging.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.ctx, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("Retry scheduler stopped")
}

// Tick runs one guarded pass. It reports false when the pass was skipped
// because the scheduler lock is held elsewhere.
func (s *Scheduler) Tick() bool {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	lock, err := s.locks.TryAcquire(ctx, SchedulerLockKey, s.processor.cfg.LeaseTTL, 0)
	if err != nil {
		if stderrors.Is(err, locks.ErrNotAcquired) {
			s.logger.Debug("Retry pass skipped, scheduler lock held elsewhere")
		} else {
			s.logger.Error("Failed to acquire scheduler lock", err)
		}
		return false
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Scheduler lock release failed", logging.Err(err))
		}
	}()

	summary, err := s.processor.ProcessRetryQueue(ctx, s.limit)
	if err != nil {
		s.logger.Error("Retry pass failed", err)
	}

	s.mu.Lock()
	s.last = summary
	s.runs++
	s.mu.Unlock()
	return true
}

// Last returns the most recent pass summary and the number of passes run.
func (s *Scheduler) Last() (RetrySummary, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, err, kvFields(keysAndValues)...)
}

func kvFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if t, ok := kv[i+1].(time.Time); ok {
			fields = append(fields, logging.Time(key, t))
			continue
		}
		fields = append(fields, logging.Any(key, kv[i+1]))
	}
	return fields
}
