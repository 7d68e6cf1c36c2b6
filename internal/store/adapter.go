package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Kind names a storage backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Querier is the execute/query surface shared by connections and
// transactions. Queries are written with '?' placeholders; adapters rebind
// them for their driver.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Adapter is the backend contract the index, invalidation and generation
// logic depends on. Nothing above this package touches backend-specific
// primitives.
type Adapter interface {
	Querier

	// Kind reports which backend this is.
	Kind() Kind

	// Transaction runs fn inside a transaction with serializable isolation
	// (or the backend's equivalent). fn must use only the Querier it is
	// given. The transaction commits if fn returns nil.
	Transaction(ctx context.Context, fn func(q Querier) error) error

	// RealmTransaction runs fn inside a transaction that holds an exclusive
	// lock scoped to realmURL from before fn's first statement until commit
	// or rollback. Concurrent realm transactions on the same realm run one
	// after another, each observing the previous one's committed writes.
	RealmTransaction(ctx context.Context, realmURL string, fn func(q Querier) error) error

	// DepsContains returns a SQL predicate that is true when the JSON array
	// in column contains the next bound string parameter.
	DepsContains(column string) string

	// BinaryOrder returns column with a byte-order collation for
	// deterministic ORDER BY.
	BinaryOrder(column string) string

	// IsConflict reports whether err is a lost race: serialization failure,
	// lock timeout, or a unique-constraint collision.
	IsConflict(err error) bool

	// Close releases the underlying connection pool.
	Close() error
}

// txQuerier adapts *sql.Tx with placeholder rebinding.
type txQuerier struct {
	tx     *sql.Tx
	rebind func(string) string
}

func (t txQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rebind(query), args...)
}

func (t txQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rebind(query), args...)
}

func (t txQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(query), args...)
}

// runTx is the shared begin/commit/rollback sequence.
func runTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, rebind func(string) string, fn func(q Querier) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(txQuerier{tx: tx, rebind: rebind}); err != nil {
		return err
	}
	return tx.Commit()
}

// noRebind leaves '?' placeholders as they are (SQLite).
func noRebind(query string) string {
	return query
}

// rebindDollar converts '?' placeholders to $1..$n, skipping quoted text.
func rebindDollar(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
