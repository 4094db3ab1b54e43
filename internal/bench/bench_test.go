package bench

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-router/internal/common/logging"
	"lead-router/internal/locks"
	"lead-router/internal/retryqueue"
	"lead-router/internal/routing"
	"lead-router/internal/storage/memory"
)

func TestPercentile(t *testing.T) {
	ms := func(n ...int) []time.Duration {
		out := make([]time.Duration, len(n))
		for i, v := range n {
			out[i] = time.Duration(v) * time.Millisecond
		}
		return out
	}

	tests := []struct {
		name   string
		sorted []time.Duration
		p      float64
		want   time.Duration
	}{
		{"empty", nil, 95, 0},
		{"single", ms(7), 99, 7 * time.Millisecond},
		{"median of ten", ms(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), 50, 5 * time.Millisecond},
		{"p95 of ten", ms(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), 95, 10 * time.Millisecond},
		{"p0 clamps", ms(3, 4), 0, 3 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.sorted, tt.p))
		})
	}
}

func TestAssess(t *testing.T) {
	slo := DefaultSLO()
	attempts := make([]Attempt, 20)
	for i := range attempts {
		attempts[i] = Attempt{Latency: time.Millisecond, Success: true, Expected: true, LockAcquired: true}
	}
	res := analyze("ok", attempts, time.Second)
	assert.True(t, res.Assess(slo).Met())
	assert.InDelta(t, 20.0, res.Throughput, 0.001)

	attempts[0] = Attempt{Latency: 3 * time.Second}
	attempts[1] = Attempt{Latency: 3 * time.Second}
	res = analyze("slow", attempts, time.Second)
	a := res.Assess(slo)
	assert.False(t, a.LatencyOK)
	assert.False(t, a.SuccessOK)
	assert.True(t, a.LockOK)
	assert.Equal(t, 2, res.Failed)
	assert.False(t, a.Met())
}

func TestRunnerScenarios(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	cfg := routing.DefaultConfig()
	cfg.LockWait = 100 * time.Millisecond
	runner := NewRunner(store, locks.NewLocalManager(), cfg, retryqueue.DefaultConfig(), logging.NopLogger{})

	results, err := runner.Run(ctx, Options{
		Sequential:  10,
		Concurrent:  12,
		Concurrency: 4,
		Duplicates:  6,
		Retry:       5,
		MaxRetries:  3,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	seq, conc, dup, retry := results[0], results[1], results[2], results[3]

	assert.Equal(t, 10, seq.Succeeded)
	assert.Equal(t, 0, seq.QueueDepth)
	assert.Equal(t, 12, conc.Succeeded)
	assert.Equal(t, 1.0, conc.LockRate())

	assert.Equal(t, 1, dup.Succeeded)
	assert.Equal(t, 5, dup.Duplicates)
	assert.Equal(t, 1.0, dup.SuccessRate())

	assert.Equal(t, 5, retry.Failed)
	assert.Equal(t, 5, retry.Expected)
	require.NotNil(t, retry.Retry)
	assert.Equal(t, 5, retry.Retry.Processed)
	assert.Equal(t, 5, retry.Retry.Failed)
	assert.Equal(t, 5, retry.QueueDepth)

	slo := DefaultSLO()
	for _, r := range results {
		assert.True(t, r.Assess(slo).Met(), r.Scenario)
	}

	var buf bytes.Buffer
	Report(&buf, results, slo)
	assert.Contains(t, buf.String(), "Duplicate detection")
	assert.Contains(t, buf.String(), "SUMMARY")
	assert.NotContains(t, buf.String(), "[FAIL]")
}

func TestRunSkipsZeroCounts(t *testing.T) {
	runner := NewRunner(memory.New(), locks.NewLocalManager(), routing.DefaultConfig(), retryqueue.DefaultConfig(), logging.NopLogger{})
	results, err := runner.Run(context.Background(), Options{Sequential: 2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Sequential routing", results[0].Scenario)
}
