package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/realmindex/internal/store"
)

// DurablePublisher inserts jobs into the store's job table and settles
// their futures by polling for finished rows.
type DurablePublisher struct {
	store    *store.Store
	newID    func() string
	now      func() int64
	timeouts map[string]time.Duration
	group    func(category string, arg json.RawMessage) string
	poll     time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	waiting map[string]*Job
}

// PublisherOption configures a DurablePublisher.
type PublisherOption func(*DurablePublisher)

// WithJobTimeout sets the timeout recorded on jobs of category.
func WithJobTimeout(category string, d time.Duration) PublisherOption {
	return func(p *DurablePublisher) {
		p.timeouts[category] = d
	}
}

// WithConcurrencyGroup derives a job's concurrency group from its category
// and argument. Jobs sharing a group never run at the same time.
func WithConcurrencyGroup(fn func(category string, arg json.RawMessage) string) PublisherOption {
	return func(p *DurablePublisher) {
		p.group = fn
	}
}

// WithPublisherIDs sets the job id source.
func WithPublisherIDs(gen func() string) PublisherOption {
	return func(p *DurablePublisher) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// WithPublisherClock sets the unix-millisecond time source.
func WithPublisherClock(now func() int64) PublisherOption {
	return func(p *DurablePublisher) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPublisherPoll sets how often Run checks for finished jobs.
func WithPublisherPoll(d time.Duration) PublisherOption {
	return func(p *DurablePublisher) {
		if d > 0 {
			p.poll = d
		}
	}
}

// NewDurablePublisher creates a publisher over s.
func NewDurablePublisher(s *store.Store, opts ...PublisherOption) *DurablePublisher {
	p := &DurablePublisher{
		store:    s,
		newID:    newJobID,
		now:      func() int64 { return time.Now().UnixMilli() },
		timeouts: make(map[string]time.Duration),
		group:    func(string, json.RawMessage) string { return "" },
		poll:     DefaultPollInterval,
		logger:   slog.Default(),
		waiting:  make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish inserts a job. The returned handle settles once a Runner finishes
// the job and Poll (or Run) observes it.
func (p *DurablePublisher) Publish(category string, arg any) (*Job, error) {
	return p.PublishContext(context.Background(), category, arg)
}

// PublishContext is Publish with a context for the insert.
func (p *DurablePublisher) PublishContext(ctx context.Context, category string, arg any) (*Job, error) {
	raw, err := marshalArg(arg)
	if err != nil {
		return nil, err
	}
	timeout := p.timeouts[category]
	if timeout <= 0 {
		timeout = DefaultMaxTimeout
	}

	job := newJob(p.newID(), category, raw)
	rec := store.JobRecord{
		ID:               job.ID,
		Category:         category,
		ConcurrencyGroup: p.group(category, raw),
		Args:             raw,
		TimeoutSec:       int64(timeout / time.Second),
		CreatedAt:        p.now(),
	}
	if err := p.store.InsertJob(ctx, rec); err != nil {
		return nil, err
	}
	JobsPublished.WithLabelValues(category).Inc()

	p.mu.Lock()
	p.waiting[job.ID] = job
	p.mu.Unlock()
	return job, nil
}

// Poll settles every waiting job whose row has finished.
func (p *DurablePublisher) Poll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.waiting))
	for id := range p.waiting {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		rec, err := p.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil || rec.Status == store.JobUnfulfilled {
			continue
		}

		p.mu.Lock()
		job := p.waiting[id]
		delete(p.waiting, id)
		p.mu.Unlock()
		if job == nil {
			continue
		}

		if rec.Status == store.JobResolved {
			job.resolve(rec.Result)
		} else {
			job.reject(decodeFailure(*rec))
		}
	}
	return nil
}

// Waiting returns the number of published jobs not yet settled.
func (p *DurablePublisher) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// Run polls until ctx is done.
func (p *DurablePublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll finished jobs", "error", err)
			}
		}
	}
}
