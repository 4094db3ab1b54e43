// Package handlers exposes the router, the retry processor and the
// operator views over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"lead-router/internal/circuitbreaker"
	"lead-router/internal/common/logging"
	"lead-router/internal/retryqueue"
	"lead-router/internal/routing"
	"lead-router/internal/storage"
)

const version = "1.0.0"

type Handlers struct {
	store     storage.Storage
	router    *routing.Router
	processor *retryqueue.Processor
	breaker   *circuitbreaker.Breaker
	validate  *validator.Validate
	logger    logging.Logger
	started   time.Time
	// bucket is the dedupe hash time bucket for leads created over HTTP.
	bucket time.Duration
}

// New builds the handler set. breaker may be nil when the store is not guarded.
func New(store storage.Storage, router *routing.Router, processor *retryqueue.Processor, breaker *circuitbreaker.Breaker, dedupeBucket time.Duration, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Component("http")
	}
	return &Handlers{
		store:     store,
		router:    router,
		processor: processor,
		breaker:   breaker,
		validate:  validator.New(),
		logger:    logger,
		started:   time.Now(),
		bucket:    dedupeBucket,
	}
}

// HealthCheck reports store reachability and breaker state.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	health := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"version":        version,
		"storage_status": "healthy",
	}
	if err := h.store.Health(ctx); err != nil {
		h.logger.Warn("Storage health check failed", logging.Err(err))
		health["status"] = "unhealthy"
		health["storage_status"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.breaker != nil {
		health["breaker_state"] = h.breaker.State().String()
		if h.breaker.IsOpen() {
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, health)
}

// GetMetrics returns router counters since start.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"router":         h.router.Metrics(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.breaker != nil {
		body["breaker"] = h.breaker.Stats()
	}
	respondJSON(w, http.StatusOK, body)
}
