package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/realmindex/internal/ir"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteAdapter is the embedded single-process backend.
type SQLiteAdapter struct {
	db *sql.DB
}

var _ Adapter = (*SQLiteAdapter)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// Transactions are opened with BEGIN IMMEDIATE, so a writer holds the
// database write lock from its first statement; that lock is the realm lock
// on this backend.
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteAdapter, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate"
	} else {
		dsn += "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteAdapter{db: db}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySQLiteSchema creates tables if they don't exist and records the
// schema version in user_version.
func applySQLiteSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if version < ir.SchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", ir.SchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (a *SQLiteAdapter) Kind() Kind { return KindSQLite }

func (a *SQLiteAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a *SQLiteAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

func (a *SQLiteAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.db.QueryRowContext(ctx, query, args...)
}

// Transaction runs fn in an IMMEDIATE transaction. SQLite transactions are
// serializable: there is exactly one writer at a time.
func (a *SQLiteAdapter) Transaction(ctx context.Context, fn func(q Querier) error) error {
	return runTx(ctx, a.db, nil, noRebind, fn)
}

// RealmTransaction is an IMMEDIATE transaction: it excludes every other
// writer, which is stronger than a per-realm lock.
func (a *SQLiteAdapter) RealmTransaction(ctx context.Context, realmURL string, fn func(q Querier) error) error {
	return runTx(ctx, a.db, nil, noRebind, fn)
}

func (a *SQLiteAdapter) DepsContains(column string) string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", column)
}

func (a *SQLiteAdapter) BinaryOrder(column string) string {
	return column + " COLLATE BINARY"
}

// IsConflict classifies SQLITE_BUSY, SQLITE_LOCKED and primary-key or
// unique collisions as lost races.
func (a *SQLiteAdapter) IsConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	case sqlite3.ErrConstraint:
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (a *SQLiteAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (a *SQLiteAdapter) DB() *sql.DB {
	return a.db
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (a *SQLiteAdapter) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := a.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
