package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
)

//go:embed schema_postgres.sql
var postgresSchema string

// SQLSTATE codes treated as lost races.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
)

// PostgresAdapter is the relational server backend.
type PostgresAdapter struct {
	db *sql.DB
}

var _ Adapter = (*PostgresAdapter)(nil)

// OpenPostgres connects to the Postgres server at dsn and applies the schema.
func OpenPostgres(dsn string) (*PostgresAdapter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresAdapter{db: db}, nil
}

func (a *PostgresAdapter) Kind() Kind { return KindPostgres }

func (a *PostgresAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, rebindDollar(query), args...)
}

func (a *PostgresAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, rebindDollar(query), args...)
}

func (a *PostgresAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.db.QueryRowContext(ctx, rebindDollar(query), args...)
}

// Transaction runs fn in a SERIALIZABLE transaction.
func (a *PostgresAdapter) Transaction(ctx context.Context, fn func(q Querier) error) error {
	return runTx(ctx, a.db, &sql.TxOptions{Isolation: sql.LevelSerializable}, rebindDollar, fn)
}

// RealmTransaction takes a transaction-scoped advisory lock keyed by the
// realm URL, then runs fn at READ COMMITTED so every statement after the
// lock sees the previous holder's commit. (A SERIALIZABLE snapshot would be
// taken by the lock statement itself, before the lock is granted.)
func (a *PostgresAdapter) RealmTransaction(ctx context.Context, realmURL string, fn func(q Querier) error) error {
	return runTx(ctx, a.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, rebindDollar, func(q Querier) error {
		if _, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", RealmLockKey(realmURL)); err != nil {
			return fmt.Errorf("lock realm %s: %w", realmURL, err)
		}
		return fn(q)
	})
}

func (a *PostgresAdapter) DepsContains(column string) string {
	return column + " @> jsonb_build_array(?::text)"
}

func (a *PostgresAdapter) BinaryOrder(column string) string {
	return column + ` COLLATE "C"`
}

func (a *PostgresAdapter) IsConflict(err error) bool {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation, pgLockNotAvailable:
		return true
	}
	return false
}

func (a *PostgresAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RealmLockKey maps a realm URL onto the int64 advisory lock keyspace.
func RealmLockKey(realmURL string) int64 {
	return int64(xxhash.Sum64String(realmURL))
}
