package routing

import "sync/atomic"

// Metrics counts router outcomes since start.
type Metrics struct {
	calls        atomic.Int64
	routed       atomic.Int64
	duplicates   atomic.Int64
	failed       atomic.Int64
	queued       atomic.Int64
	lockFailures atomic.Int64
}

type MetricsSnapshot struct {
	Calls        int64 `json:"calls"`
	Routed       int64 `json:"routed"`
	Duplicates   int64 `json:"duplicates"`
	Failed       int64 `json:"failed"`
	Queued       int64 `json:"queued"`
	LockFailures int64 `json:"lock_failures"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Calls:        m.calls.Load(),
		Routed:       m.routed.Load(),
		Duplicates:   m.duplicates.Load(),
		Failed:       m.failed.Load(),
		Queued:       m.queued.Load(),
		LockFailures: m.lockFailures.Load(),
	}
}

func (m *Metrics) record(res RoutingResult) {
	m.calls.Add(1)
	switch {
	case res.Success:
		m.routed.Add(1)
	case res.IsDuplicate:
		m.duplicates.Add(1)
	default:
		m.failed.Add(1)
	}
	if res.Queued {
		m.queued.Add(1)
	}
	if !res.LockAcquired && !res.Replayed && res.Attempts > 0 {
		m.lockFailures.Add(1)
	}
}
