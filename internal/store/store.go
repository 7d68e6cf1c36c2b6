package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrConflict reports that a realm transaction lost a race and could not
	// be completed within the retry budget.
	ErrConflict = errors.New("store: write conflict")

	// ErrNoGeneration reports an operation that needs an open working
	// generation when the realm has none.
	ErrNoGeneration = errors.New("store: no working generation")
)

// Table names one of the two logical index tables.
type Table string

const (
	Working    Table = "index_working"
	Production Table = "index_production"
)

// Store provides durable storage for the realm index on top of an Adapter.
type Store struct {
	adapter     Adapter
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets how many times a conflicting realm transaction is attempted
// and the initial backoff between attempts (doubled each retry).
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an adapter.
func New(a Adapter, opts ...Option) *Store {
	s := &Store{
		adapter:     a,
		maxAttempts: 5,
		backoff:     10 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates or opens a SQLite-backed store at path.
func Open(path string, opts ...Option) (*Store, error) {
	a, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return New(a, opts...), nil
}

// OpenPostgresStore connects to a Postgres-backed store.
func OpenPostgresStore(dsn string, opts ...Option) (*Store, error) {
	a, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return New(a, opts...), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.adapter == nil {
		return nil
	}
	return s.adapter.Close()
}

// Adapter returns the backend adapter.
func (s *Store) Adapter() Adapter {
	return s.adapter
}

// WithRealm runs fn in a transaction holding realmURL's exclusive lock.
//
// A lost race (adapter.IsConflict) rolls the transaction back and reruns fn
// from the start, so fn observes the refreshed state. fn must not have side
// effects outside the transaction. When every attempt conflicts the error
// wraps ErrConflict.
func (s *Store) WithRealm(ctx context.Context, realmURL string, fn func(tx *RealmTx) error) error {
	return s.retry(ctx, "realm "+realmURL, func() error {
		return s.adapter.RealmTransaction(ctx, realmURL, func(q Querier) error {
			return fn(&RealmTx{q: q, adapter: s.adapter, realm: realmURL})
		})
	})
}

// retry reruns attempt while it fails with a conflict, backing off
// exponentially between attempts.
func (s *Store) retry(ctx context.Context, label string, attempt func() error) error {
	backoff := s.backoff
	var lastErr error
	for n := 1; n <= s.maxAttempts; n++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if !s.adapter.IsConflict(err) {
			return err
		}
		lastErr = err
		s.logger.Debug("transaction conflict, retrying",
			"scope", label,
			"attempt", n,
			"error", err,
		)
		if n == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConflict, label, s.maxAttempts, lastErr)
}
