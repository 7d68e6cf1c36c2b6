package reindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
)

// Defaults for a full reindex.
const (
	DefaultBatchSize   = 4
	DefaultConcurrency = 1
	DefaultCooldown    = 10 * time.Second
	DefaultJobTimeout  = 1200 * time.Second
)

// Config bounds a full reindex.
type Config struct {
	BatchSize   int
	Concurrency int
	Cooldown    time.Duration
	JobTimeout  time.Duration
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
		Cooldown:    DefaultCooldown,
		JobTimeout:  DefaultJobTimeout,
	}
}

// withDefaults replaces non-positive fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Cooldown < 0 {
		c.Cooldown = d.Cooldown
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}

// RebuildFunc rebuilds one realm from scratch.
type RebuildFunc func(ctx context.Context, realmURL string) (ir.Stats, error)

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealmResult is the outcome of one realm's rebuild.
type RealmResult struct {
	RealmURL string        `json:"realm_url"`
	Batch    int           `json:"batch"`
	Stats    ir.Stats      `json:"stats"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	Batches   int           `json:"batches"`
	Cooldowns int           `json:"cooldowns"`
	Results   []RealmResult `json:"results"`
	Failed    int           `json:"failed"`
}

// Scheduler runs full reindex passes.
type Scheduler struct {
	rebuild RebuildFunc
	cfg     Config
	sleep   Sleeper
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSleeper replaces the cooldown pause.
func WithSleeper(s Sleeper) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.sleep = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sc *Scheduler) {
		if l != nil {
			sc.logger = l
		}
	}
}

// NewScheduler creates a scheduler. Non-positive fields of cfg fall back
// to their defaults.
func NewScheduler(rebuild RebuildFunc, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		rebuild: rebuild,
		cfg:     cfg.withDefaults(),
		sleep:   sleep,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective bounds.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Run rebuilds every realm. A realm that fails or times out is recorded in
// the report and the run continues; only cancellation of ctx stops it.
func (s *Scheduler) Run(ctx context.Context, realms []string) (Report, error) {
	batches := Plan(realms, s.cfg.BatchSize)
	report := Report{Results: make([]RealmResult, 0, len(realms))}
	s.logger.Info("full reindex started",
		"realms", len(realms),
		"batches", len(batches),
		"batch_size", s.cfg.BatchSize,
		"concurrency", s.cfg.Concurrency,
	)

	for i, batch := range batches {
		if i > 0 && s.cfg.Cooldown > 0 {
			s.logger.Debug("cooldown", "batch", i+1, "duration", s.cfg.Cooldown)
			if err := s.sleep(ctx, s.cfg.Cooldown); err != nil {
				return report, err
			}
			report.Cooldowns++
			CooldownSeconds.Add(s.cfg.Cooldown.Seconds())
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		BatchesRun.Inc()
		report.Batches++
		results := s.runBatch(ctx, i+1, batch)
		for _, r := range results {
			if r.Error != "" {
				report.Failed++
			}
		}
		report.Results = append(report.Results, results...)
	}

	s.logger.Info("full reindex finished",
		"realms", len(realms),
		"batches", report.Batches,
		"failed", report.Failed,
	)
	return report, ctx.Err()
}

func (s *Scheduler) runBatch(ctx context.Context, batch int, realms []string) []RealmResult {
	results := make([]RealmResult, len(realms))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, realm := range realms {
		g.Go(func() error {
			r := s.rebuildOne(ctx, batch, realm)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) rebuildOne(ctx context.Context, batch int, realm string) RealmResult {
	InFlight.Inc()
	defer InFlight.Dec()

	jctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	stats, err := s.rebuild(jctx, realm)
	r := RealmResult{RealmURL: realm, Batch: batch, Stats: stats, Duration: time.Since(start)}
	RebuildDuration.Observe(r.Duration.Seconds())

	switch {
	case err == nil:
		RealmsRebuilt.WithLabelValues("ok").Inc()
		s.logger.Info("realm reindexed", "realm", realm, "batch", batch, "entries", stats.TotalIndexEntries)
	case index.IsJobTimeout(err) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil):
		r.TimedOut = true
		r.Error = timeoutError(realm, s.cfg.JobTimeout, err).Error()
		RealmsRebuilt.WithLabelValues("timeout").Inc()
		s.logger.Error("realm reindex timed out", "realm", realm, "batch", batch, "timeout", s.cfg.JobTimeout)
	default:
		r.Error = err.Error()
		RealmsRebuilt.WithLabelValues("error").Inc()
		s.logger.Error("realm reindex failed", "realm", realm, "batch", batch, "error", err)
	}
	return r
}

// timeoutError wraps err as JOB_TIMEOUT unless it already is one.
func timeoutError(realm string, timeout time.Duration, err error) error {
	if index.IsJobTimeout(err) {
		return err
	}
	return &index.IndexError{
		Code:     index.ErrCodeJobTimeout,
		Message:  fmt.Sprintf("from-scratch rebuild exceeded %s", timeout),
		RealmURL: realm,
		Err:      err,
	}
}
