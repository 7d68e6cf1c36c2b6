package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Default queue settings.
const (
	DefaultDebounce = 10 * time.Millisecond
	DefaultWorkers  = 4
)

// Queue is the in-process Reindex Queue.
//
// Thread-safety: all methods are safe for concurrent use. At most one drain
// is in flight; a drain requested while one runs is folded into it.
type Queue struct {
	handlers *xsync.MapOf[string, Handler]
	timeouts map[string]time.Duration
	debounce time.Duration
	workers  int
	newID    func() string
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	destroyed bool
	pending   []*Job
	timer     *time.Timer
	draining  bool
	again     bool
	drains    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithDebounce sets how long publishes are coalesced before a drain.
func WithDebounce(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.debounce = d
		}
	}
}

// WithWorkers bounds how many handlers a drain runs at once.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithTimeout sets the handler timeout for category.
func WithTimeout(category string, d time.Duration) Option {
	return func(q *Queue) {
		q.timeouts[category] = d
	}
}

// WithIDGenerator sets the job id source.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) {
		if gen != nil {
			q.newID = gen
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates an unstarted queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		handlers: xsync.NewMapOf[string, Handler](),
		timeouts: make(map[string]time.Duration),
		debounce: DefaultDebounce,
		workers:  DefaultWorkers,
		newID:    newJobID,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Start opens the queue for Register and Publish. Starting a started queue
// is a no-op; a destroyed queue cannot be restarted.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return ErrDestroyed
	}
	q.started = true
	return nil
}

func (q *Queue) checkOpenLocked() error {
	if q.destroyed {
		return ErrDestroyed
	}
	if !q.started {
		return ErrNotStarted
	}
	return nil
}

// Register attaches h to category, replacing any previous handler, and
// drains immediately so jobs already waiting for the category run.
func (q *Queue) Register(category string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpenLocked(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("queue: nil handler for %q", category)
	}
	q.handlers.Store(category, h)
	q.requestDrainLocked()
	return nil
}

// Publish enqueues arg (encoded as canonical JSON) under category and
// returns the job handle. The job runs on the next drain once a handler
// for category is registered.
func (q *Queue) Publish(category string, arg any) (*Job, error) {
	raw, err := marshalArg(arg)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOpenLocked(); err != nil {
		return nil, err
	}

	job := newJob(q.newID(), category, raw)
	q.pending = append(q.pending, job)
	JobsPublished.WithLabelValues(category).Inc()
	JobsPending.WithLabelValues(category).Inc()
	q.scheduleLocked()
	return job, nil
}

// Len returns the number of jobs not yet dispatched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Destroy closes the queue: no further Register or Publish, in-flight
// handlers see a cancelled context, and jobs still pending are rejected with
// ErrDestroyed. Destroy waits for the in-flight drain to finish.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.drains.Wait()

	for _, job := range pending {
		JobsPending.WithLabelValues(job.Category).Dec()
		job.reject(ErrDestroyed)
	}
}

// scheduleLocked arms the debounce timer; each publish pushes it back.
func (q *Queue) scheduleLocked() {
	if q.debounce == 0 {
		q.requestDrainLocked()
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.debounce, q.requestDrain)
}

func (q *Queue) requestDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requestDrainLocked()
}

// requestDrainLocked starts a drain, or marks the running one to go again.
func (q *Queue) requestDrainLocked() {
	if q.destroyed {
		return
	}
	if q.draining {
		q.again = true
		return
	}
	q.draining = true
	q.drains.Add(1)
	go q.drain()
}

// takeRunnableLocked removes pending jobs that have a handler, keeping the
// rest in publish order.
func (q *Queue) takeRunnableLocked() []*Job {
	var runnable []*Job
	kept := q.pending[:0]
	for _, job := range q.pending {
		if _, ok := q.handlers.Load(job.Category); ok {
			runnable = append(runnable, job)
		} else {
			kept = append(kept, job)
		}
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return runnable
}

func (q *Queue) drain() {
	defer q.drains.Done()
	for {
		q.mu.Lock()
		if q.destroyed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.again = false
		batch := q.takeRunnableLocked()
		q.mu.Unlock()

		if len(batch) > 0 {
			q.runBatch(batch)
		}

		q.mu.Lock()
		if !q.again || q.destroyed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

func (q *Queue) runBatch(batch []*Job) {
	var g errgroup.Group
	g.SetLimit(q.workers)
	for _, job := range batch {
		g.Go(func() error {
			q.run(job)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue) run(job *Job) {
	JobsPending.WithLabelValues(job.Category).Dec()

	h, ok := q.handlers.Load(job.Category)
	if !ok {
		job.reject(fmt.Errorf("queue: no handler for %q", job.Category))
		return
	}

	start := time.Now()
	result, err := runHandler(q.ctx, h, job.ID, job.Category, job.Arg, q.timeouts[job.Category])
	status := StatusResolved
	if err != nil {
		status = StatusRejected
		q.logger.Warn("job rejected",
			"job", job.ID,
			"category", job.Category,
			"error", err,
		)
		job.reject(err)
	} else {
		job.resolve(result)
	}
	observeFinish(job.Category, status, err, time.Since(start).Seconds())
}
