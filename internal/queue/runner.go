package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/store"
)

// Default durable runner settings.
const (
	DefaultPollInterval = time.Second
	DefaultMaxTimeout   = 20 * time.Minute
)

// Runner is a durable worker: it reserves jobs from the store's job table,
// runs the registered handler, and records the outcome.
type Runner struct {
	store      *store.Store
	handlers   *xsync.MapOf[string, Handler]
	workerID   string
	poll       time.Duration
	maxTimeout time.Duration
	now        func() int64
	logger     *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkerID sets the id recorded on reservations.
func WithWorkerID(id string) RunnerOption {
	return func(r *Runner) {
		if id != "" {
			r.workerID = id
		}
	}
}

// WithPollInterval sets how long an idle runner waits between reservation
// attempts.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithMaxTimeout caps every job's reservation and handler timeout.
func WithMaxTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.maxTimeout = d
		}
	}
}

// WithRunnerClock sets the unix-millisecond time source.
func WithRunnerClock(now func() int64) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a durable worker over s.
func NewRunner(s *store.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:      s,
		handlers:   xsync.NewMapOf[string, Handler](),
		workerID:   "worker-" + uuid.NewString(),
		poll:       DefaultPollInterval,
		maxTimeout: DefaultMaxTimeout,
		now:        func() int64 { return time.Now().UnixMilli() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns the id this runner reserves jobs under.
func (r *Runner) WorkerID() string {
	return r.workerID
}

// Register attaches h to category. Only categories with a handler are
// reserved.
func (r *Runner) Register(category string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", category)
	}
	r.handlers.Store(category, h)
	return nil
}

func (r *Runner) categories() []string {
	var cats []string
	r.handlers.Range(func(k string, _ Handler) bool {
		cats = append(cats, k)
		return true
	})
	return cats
}

// RunOnce reserves and runs at most one job. Reports whether a job ran.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	rec, res, err := r.store.ReserveJob(ctx, r.workerID, r.categories(), r.now(), int64(r.maxTimeout/time.Second))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	h, ok := r.handlers.Load(rec.Category)
	if !ok {
		return false, fmt.Errorf("reserved job %s with unregistered category %q", rec.ID, rec.Category)
	}

	timeout := time.Duration(rec.TimeoutSec) * time.Second
	if timeout <= 0 || timeout > r.maxTimeout {
		timeout = r.maxTimeout
	}

	r.logger.Debug("running job",
		"job", rec.ID,
		"category", rec.Category,
		"worker", r.workerID,
		"timeout", timeout,
	)

	start := time.Now()
	result, runErr := runHandler(ctx, h, rec.ID, rec.Category, rec.Args, timeout)
	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		// Shutting down: leave the reservation to expire so another worker
		// picks the job up.
		return true, ctx.Err()
	}

	status := store.JobResolved
	if runErr != nil {
		status = store.JobRejected
		result, err = ir.MarshalCanonical(map[string]any{
			"message": runErr.Error(),
			"timeout": isTimeout(runErr),
		})
		if err != nil {
			return true, err
		}
		r.logger.Warn("job rejected",
			"job", rec.ID,
			"category", rec.Category,
			"error", runErr,
		)
	}
	observeFinish(rec.Category, Status(status), runErr, time.Since(start).Seconds())

	recorded, err := r.store.FinishJob(ctx, *res, status, result, r.now())
	if err != nil {
		return true, err
	}
	if !recorded {
		r.logger.Warn("job outcome discarded, reservation no longer held",
			"job", rec.ID,
			"reservation", res.ID,
		)
	}
	return true, nil
}

// Run polls for jobs until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started", "worker", r.workerID, "categories", r.categories())
	for {
		ran, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("worker iteration failed", "worker", r.workerID, "error", err)
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.poll):
		}
	}
}

// decodeFailure extracts the recorded rejection of a durable job.
func decodeFailure(rec store.JobRecord) error {
	var failure struct {
		Message string `json:"message"`
		Timeout bool   `json:"timeout"`
	}
	if len(rec.Result) > 0 {
		_ = json.Unmarshal(rec.Result, &failure)
	}
	if failure.Message == "" {
		failure.Message = "unknown failure"
	}
	return &JobError{JobID: rec.ID, Message: failure.Message, Timeout: failure.Timeout}
}
