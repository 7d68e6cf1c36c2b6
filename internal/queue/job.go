package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/realmindex/internal/ir"
)

var (
	// ErrNotStarted is returned by Register and Publish before Start.
	ErrNotStarted = errors.New("queue: not started")

	// ErrDestroyed is returned by Register and Publish after Destroy, and
	// rejects jobs still pending when the queue is destroyed.
	ErrDestroyed = errors.New("queue: destroyed")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusUnfulfilled Status = "unfulfilled"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Handler processes one job argument and returns its result.
type Handler func(ctx context.Context, arg json.RawMessage) (json.RawMessage, error)

// Typed adapts a function over decoded argument and result types.
func Typed[A, R any](fn func(ctx context.Context, arg A) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var arg A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &arg); err != nil {
				return nil, fmt.Errorf("decode job arg: %w", err)
			}
		}
		result, err := fn(ctx, arg)
		if err != nil {
			return nil, err
		}
		return ir.MarshalCanonical(result)
	}
}

// TimeoutError reports a job whose handler did not finish in time.
type TimeoutError struct {
	JobID    string
	Category string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s (%s) timed out after %s", e.JobID, e.Category, e.Timeout)
}

// JobError carries a rejected durable job's recorded message.
type JobError struct {
	JobID   string
	Message string
	Timeout bool
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s rejected: %s", e.JobID, e.Message)
}

// Job is a handle on published work. Its result future settles exactly once.
type Job struct {
	ID       string
	Category string
	Arg      json.RawMessage

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	status Status
	result json.RawMessage
	err    error
}

func newJob(id, category string, arg json.RawMessage) *Job {
	return &Job{
		ID:       id,
		Category: category,
		Arg:      arg,
		done:     make(chan struct{}),
		status:   StatusUnfulfilled,
	}
}

// Done is closed once the job settles.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status reports the job's current state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the settled result. Before settlement it returns nil, nil.
func (j *Job) Result() (json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Wait blocks until the job settles or ctx is done.
func (j *Job) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return j.Result()
	}
}

// resolve and reject settle the job; later calls are ignored.
func (j *Job) resolve(result json.RawMessage) {
	j.settle(StatusResolved, result, nil)
}

func (j *Job) reject(err error) {
	j.settle(StatusRejected, nil, err)
}

func (j *Job) settle(status Status, result json.RawMessage, err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.status = status
		j.result = result
		j.err = err
		j.mu.Unlock()
		close(j.done)
	})
}

// runHandler runs h for job, racing it against timeout (none when zero).
// The handler's context carries the same deadline. Handler panics reject
// the job instead of crashing the worker.
func runHandler(ctx context.Context, h Handler, id, category string, arg json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}

	hctx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("job %s (%s) panicked: %v", id, category, r)}
			}
		}()
		result, err := h(hctx, arg)
		ch <- outcome{result: result, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case o := <-ch:
		return o.result, o.err
	case <-timer:
		return nil, &TimeoutError{JobID: id, Category: category, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// marshalArg converts a publish argument to canonical JSON.
func marshalArg(arg any) (json.RawMessage, error) {
	data, err := ir.MarshalCanonical(arg)
	if err != nil {
		return nil, fmt.Errorf("job arg: %w", err)
	}
	return data, nil
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
