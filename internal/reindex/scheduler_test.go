package reindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func realms(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("http://realm-%02d/", i)
	}
	return out
}

// recordingSleeper records pauses instead of sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses = append(r.pauses, d)
	return ctx.Err()
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		batchSize int
		sizes     []int
	}{
		{"ten by four", 10, 4, []int{4, 4, 2}},
		{"exact", 8, 4, []int{4, 4}},
		{"one batch", 3, 4, []int{3}},
		{"empty", 0, 4, []int{}},
		{"non-positive batch size", 2, 0, []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := Plan(realms(tt.n), tt.batchSize)
			sizes := make([]int, len(batches))
			for i, b := range batches {
				sizes[i] = len(b)
			}
			assert.Equal(t, tt.sizes, sizes)
			assert.Equal(t, len(tt.sizes), BatchCount(tt.n, tt.batchSize))
		})
	}
}

func TestRunBatchesWithCooldown(t *testing.T) {
	sleeper := &recordingSleeper{}
	var running, peak atomic.Int32
	var order []string
	var mu sync.Mutex

	rebuild := func(ctx context.Context, realm string) (ir.Stats, error) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "every rebuild is bounded")
		assert.WithinDuration(t, time.Now().Add(DefaultJobTimeout), deadline, time.Minute)
		mu.Lock()
		order = append(order, realm)
		mu.Unlock()
		return ir.Stats{TotalIndexEntries: 1}, nil
	}

	s := NewScheduler(rebuild, Config{BatchSize: 4, Concurrency: 1, Cooldown: 10 * time.Second},
		WithSleeper(sleeper.sleep), WithLogger(quietLogger()))
	report, err := s.Run(context.Background(), realms(10))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 2, report.Cooldowns)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeper.pauses)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, realms(10), order, "concurrency 1 keeps realm order")
	require.Len(t, report.Results, 10)
	assert.Equal(t, 1, report.Results[0].Batch)
	assert.Equal(t, 3, report.Results[9].Batch)
	assert.Zero(t, report.Failed)
}

func TestRunBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	rebuild := func(ctx context.Context, realm string) (ir.Stats, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return ir.Stats{}, nil
	}
	s := NewScheduler(rebuild, Config{BatchSize: 6, Concurrency: 2, Cooldown: 0}, WithLogger(quietLogger()))
	report, err := s.Run(context.Background(), realms(6))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Zero(t, report.Cooldowns)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunRecordsTimeoutsAndFailures(t *testing.T) {
	rebuild := func(ctx context.Context, realm string) (ir.Stats, error) {
		switch realm {
		case "http://realm-00/":
			<-ctx.Done()
			return ir.Stats{}, ctx.Err()
		case "http://realm-01/":
			return ir.Stats{}, errors.New("compiler crashed")
		}
		return ir.Stats{}, nil
	}
	s := NewScheduler(rebuild, Config{BatchSize: 4, Concurrency: 3, JobTimeout: 20 * time.Millisecond},
		WithLogger(quietLogger()))
	report, err := s.Run(context.Background(), realms(3))
	require.NoError(t, err, "failed realms do not stop the run")

	assert.Equal(t, 2, report.Failed)
	assert.True(t, report.Results[0].TimedOut)
	assert.Contains(t, report.Results[0].Error, string(index.ErrCodeJobTimeout))
	assert.False(t, report.Results[1].TimedOut)
	assert.Equal(t, "compiler crashed", report.Results[1].Error)
	assert.Empty(t, report.Results[2].Error)
}

func TestRunStopsWhenCancelledDuringCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	rebuild := func(ctx context.Context, realm string) (ir.Stats, error) {
		calls.Add(1)
		return ir.Stats{}, nil
	}
	cancelling := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	s := NewScheduler(rebuild, Config{BatchSize: 2, Concurrency: 1, Cooldown: time.Second},
		WithSleeper(cancelling), WithLogger(quietLogger()))
	report, err := s.Run(ctx, realms(6))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConfigDefaults(t *testing.T) {
	s := NewScheduler(nil, Config{BatchSize: -1, Concurrency: 0, Cooldown: -time.Second, JobTimeout: 0})
	assert.Equal(t, DefaultConfig(), s.Config())
}
