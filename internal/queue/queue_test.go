package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/realmindex/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStartedQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithIDGenerator(testutil.NewSequentialIDGenerator("job").Generate),
		WithDebounce(time.Millisecond),
	}, opts...)
	q := New(opts...)
	require.NoError(t, q.Start())
	t.Cleanup(q.Destroy)
	return q
}

func waitJob(t *testing.T, job *Job) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := job.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %s never settled", job.ID)
	return result, err
}

func echo(ctx context.Context, arg json.RawMessage) (json.RawMessage, error) {
	return arg, nil
}

func TestQueueMisuse(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New(WithLogger(quietLogger()))
	_, err := q.Publish("from-scratch", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, q.Register("from-scratch", echo), ErrNotStarted)

	require.NoError(t, q.Start())
	require.NoError(t, q.Start(), "start is idempotent")
	q.Destroy()
	q.Destroy()

	_, err = q.Publish("from-scratch", nil)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, q.Register("from-scratch", echo), ErrDestroyed)
	assert.ErrorIs(t, q.Start(), ErrDestroyed)
}

func TestRegisterNilHandler(t *testing.T) {
	q := newStartedQueue(t)
	assert.Error(t, q.Register("x", nil))
}

func TestPublishResolvesJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newStartedQueue(t)
	require.NoError(t, q.Register("echo", echo))

	job, err := q.Publish("echo", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, "job-000001", job.ID)
	assert.Equal(t, `{"a":1,"b":2}`, string(job.Arg))

	result, err := waitJob(t, job)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(result))
	assert.Equal(t, StatusResolved, job.Status())
	q.Destroy()
}

func TestJobWithoutHandlerIsRetained(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newStartedQueue(t)
	require.NoError(t, q.Register("other", echo))

	job, err := q.Publish("late", "payload")
	require.NoError(t, err)
	other, err := q.Publish("other", "x")
	require.NoError(t, err)

	_, err = waitJob(t, other)
	require.NoError(t, err)
	assert.Equal(t, StatusUnfulfilled, job.Status(), "no handler yet, job waits")
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Register("late", echo))
	result, err := waitJob(t, job)
	require.NoError(t, err)
	assert.Equal(t, `"payload"`, string(result))
	assert.Equal(t, 0, q.Len())
	q.Destroy()
}

func TestDrainBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newStartedQueue(t, WithWorkers(2))

	var running, peak atomic.Int32
	require.NoError(t, q.Register("slow", func(ctx context.Context, arg json.RawMessage) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}))

	jobs := make([]*Job, 0, 10)
	for i := 0; i < 10; i++ {
		job, err := q.Publish("slow", i)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		_, err := waitJob(t, job)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	q.Destroy()
}

func TestSingleDrainInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newStartedQueue(t, WithWorkers(8), WithDebounce(0))

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	require.NoError(t, q.Register("step", Typed(func(ctx context.Context, name string) (string, error) {
		if name == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return name, nil
	})))

	first, err := q.Publish("step", "first")
	require.NoError(t, err)
	second, err := q.Publish("step", "second")
	require.NoError(t, err)

	// The second publish lands while the first drain is blocked; it must wait
	// for that drain to finish rather than start a parallel one.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StatusUnfulfilled, second.Status())

	close(release)
	_, err = waitJob(t, first)
	require.NoError(t, err)
	result, err := waitJob(t, second)
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(result))
	assert.Equal(t, []string{"first", "second"}, order)
	q.Destroy()
}

func TestJobTimeoutRejects(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newStartedQueue(t, WithTimeout("from-scratch", 20*time.Millisecond))
	before := promtest.ToFloat64(JobsTimedOut.WithLabelValues("from-scratch"))

	require.NoError(t, q.Register("from-scratch", func(ctx context.Context, arg json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	job, err := q.Publish("from-scratch", map[string]any{"realm_url": "http://r/"})
	require.NoError(t, err)

	_, err = waitJob(t, job)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "from-scratch", te.Category)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
	assert.Equal(t, StatusRejected, job.Status())
	assert.Equal(t, before+1, promtest.ToFloat64(JobsTimedOut.WithLabelValues("from-scratch")))
	q.Destroy()
}

func TestHandlerErrorRejects(t *testing.T) {
	q := newStartedQueue(t)
	boom := errors.New("boom")
	require.NoError(t, q.Register("fail", func(ctx context.Context, arg json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	}))
	job, err := q.Publish("fail", nil)
	require.NoError(t, err)
	_, err = waitJob(t, job)
	assert.ErrorIs(t, err, boom)
}

func TestHandlerPanicRejects(t *testing.T) {
	q := newStartedQueue(t)
	require.NoError(t, q.Register("panic", func(ctx context.Context, arg json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	}))
	job, err := q.Publish("panic", nil)
	require.NoError(t, err)
	_, err = waitJob(t, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestDestroyRejectsPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := newStartedQueue(t)
	job, err := q.Publish("nobody", nil)
	require.NoError(t, err)

	q.Destroy()
	_, err = waitJob(t, job)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestPublishRejectsUnencodableArg(t *testing.T) {
	q := newStartedQueue(t)
	_, err := q.Publish("x", make(chan int))
	assert.Error(t, err)
}

func TestPublishCountsMetric(t *testing.T) {
	q := newStartedQueue(t)
	before := promtest.ToFloat64(JobsPublished.WithLabelValues("metric-test"))
	_, err := q.Publish("metric-test", nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, promtest.ToFloat64(JobsPublished.WithLabelValues("metric-test")))
	assert.Len(t, Collectors(), 5)
}
