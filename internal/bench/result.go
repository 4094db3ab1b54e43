package bench

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"lead-router/internal/retryqueue"
)

// SLO is the acceptance contract a scenario is judged against.
type SLO struct {
	MaxP95         time.Duration
	MinSuccessRate float64
	MinLockRate    float64
}

func DefaultSLO() SLO {
	return SLO{
		MaxP95:         2 * time.Second,
		MinSuccessRate: 0.95,
		MinLockRate:    0.90,
	}
}

// Attempt is one measured RouteLead call.
type Attempt struct {
	Latency      time.Duration
	Success      bool
	Duplicate    bool
	LockAcquired bool
	// Expected is true when the outcome is the one the scenario is built to
	// produce: routed for fresh leads, duplicate for repeats, queued for
	// leads no rule matches.
	Expected  bool
	ErrorKind string
}

type Result struct {
	Scenario      string        `json:"scenario"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Duplicates    int           `json:"duplicates"`
	Expected      int           `json:"expected"`
	LocksAcquired int           `json:"locks_acquired"`
	Avg           time.Duration `json:"avg_ns"`
	P50           time.Duration `json:"p50_ns"`
	P95           time.Duration `json:"p95_ns"`
	P99           time.Duration `json:"p99_ns"`
	Max           time.Duration `json:"max_ns"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	// Throughput is leads per second.
	Throughput float64                  `json:"throughput"`
	QueueDepth int                      `json:"queue_depth"`
	Retry      *retryqueue.RetrySummary `json:"retry,omitempty"`
}

// SuccessRate is the share of attempts that ended the way the scenario
// intends. For plain routing scenarios that is the routed share.
func (r Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Expected) / float64(r.Total)
}

func (r Result) LockRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.LocksAcquired) / float64(r.Total)
}

type Assessment struct {
	LatencyOK bool `json:"latency_ok"`
	SuccessOK bool `json:"success_ok"`
	LockOK    bool `json:"lock_ok"`
}

// Met reports the pass/fail verdict. Lock health is advisory.
func (a Assessment) Met() bool {
	return a.LatencyOK && a.SuccessOK
}

func (r Result) Assess(slo SLO) Assessment {
	return Assessment{
		LatencyOK: r.P95 < slo.MaxP95,
		SuccessOK: r.SuccessRate() >= slo.MinSuccessRate,
		LockOK:    r.LockRate() >= slo.MinLockRate,
	}
}

// Percentile returns the nearest-rank p-th percentile of sorted.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func analyze(scenario string, attempts []Attempt, elapsed time.Duration) Result {
	res := Result{Scenario: scenario, Total: len(attempts), Elapsed: elapsed}
	if len(attempts) == 0 {
		return res
	}

	latencies := make([]time.Duration, 0, len(attempts))
	var sum time.Duration
	for _, a := range attempts {
		latencies = append(latencies, a.Latency)
		sum += a.Latency
		switch {
		case a.Success:
			res.Succeeded++
		case a.Duplicate:
			res.Duplicates++
		default:
			res.Failed++
		}
		if a.Expected {
			res.Expected++
		}
		if a.LockAcquired {
			res.LocksAcquired++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	res.Avg = sum / time.Duration(len(attempts))
	res.P50 = Percentile(latencies, 50)
	res.P95 = Percentile(latencies, 95)
	res.P99 = Percentile(latencies, 99)
	res.Max = latencies[len(latencies)-1]
	if elapsed > 0 {
		res.Throughput = float64(len(attempts)) / elapsed.Seconds()
	}
	return res
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

func mark(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

// Report writes a human readable report of results followed by a summary.
func Report(w io.Writer, results []Result, slo SLO) {
	for _, r := range results {
		a := r.Assess(slo)
		fmt.Fprintf(w, "\n%s\n%s\n", r.Scenario, strings.Repeat("-", 60))
		fmt.Fprintf(w, "Total leads:        %d\n", r.Total)
		fmt.Fprintf(w, "Routed:             %d (%.1f%%)\n", r.Succeeded, pct(r.Succeeded, r.Total))
		fmt.Fprintf(w, "Failed:             %d (%.1f%%)\n", r.Failed, pct(r.Failed, r.Total))
		fmt.Fprintf(w, "Duplicates:         %d (%.1f%%)\n", r.Duplicates, pct(r.Duplicates, r.Total))
		fmt.Fprintf(w, "Latency avg/p50/p95/p99/max: %s / %s / %s / %s / %s\n",
			ms(r.Avg), ms(r.P50), ms(r.P95), ms(r.P99), ms(r.Max))
		fmt.Fprintf(w, "Throughput:         %.1f leads/s\n", r.Throughput)
		fmt.Fprintf(w, "Lock success rate:  %.1f%%\n", r.LockRate()*100)
		fmt.Fprintf(w, "Retry queue depth:  %d\n", r.QueueDepth)
		if r.Retry != nil {
			fmt.Fprintf(w, "Retry pass:         processed=%d succeeded=%d failed=%d abandoned=%d\n",
				r.Retry.Processed, r.Retry.Succeeded, r.Retry.Failed, r.Retry.Abandoned)
		}
		fmt.Fprintf(w, "  [%s] p95 latency < %s\n", mark(a.LatencyOK), slo.MaxP95)
		fmt.Fprintf(w, "  [%s] success rate %.1f%% >= %.0f%%\n", mark(a.SuccessOK), r.SuccessRate()*100, slo.MinSuccessRate*100)
		fmt.Fprintf(w, "  [%s] lock success rate >= %.0f%%\n", mark(a.LockOK), slo.MinLockRate*100)
	}

	fmt.Fprintf(w, "\nSUMMARY\n%s\n", strings.Repeat("=", 60))
	for _, r := range results {
		fmt.Fprintf(w, "[%s] %-28s p95 %s | success %.1f%% | %.1f leads/s\n",
			mark(r.Assess(slo).Met()), r.Scenario, ms(r.P95), r.SuccessRate()*100, r.Throughput)
	}
}
