package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/ir"
)

const testRealm = "http://test-realm/"

// createTestStore creates a new temp-dir SQLite store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createPostgresStore connects to REALMINDEX_TEST_DATABASE_URL or skips.
func createPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REALMINDEX_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REALMINDEX_TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgresStore(dsn)
	require.NoError(t, err)
	for _, table := range []string{"job_reservations", "jobs", "index_working", "index_production", "realm_versions"} {
		_, err := s.Adapter().ExecContext(context.Background(), "DELETE FROM "+table)
		require.NoError(t, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEntry creates an index entry with minimal required fields.
func testEntry(url string, version int64, deps ...string) ir.IndexEntry {
	return ir.IndexEntry{
		URL:          url,
		RealmURL:     testRealm,
		Type:         ir.EntryTypeFor(url),
		RealmVersion: version,
		Deps:         ir.DepSet(deps),
		IndexedAt:    1000,
	}
}

// putRows writes entries directly into table inside one realm transaction.
func putRows(t *testing.T, s *Store, table Table, entries ...ir.IndexEntry) {
	t.Helper()
	err := s.WithRealm(context.Background(), testRealm, func(tx *RealmTx) error {
		for _, e := range entries {
			if err := tx.Upsert(context.Background(), table, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

var errFlaky = errors.New("flaky: simulated serialization failure")

// flakyAdapter fails the first n realm transactions with a conflict.
type flakyAdapter struct {
	*SQLiteAdapter
	failures int
	calls    int
}

func (f *flakyAdapter) RealmTransaction(ctx context.Context, realmURL string, fn func(q Querier) error) error {
	f.calls++
	if f.calls <= f.failures {
		return errFlaky
	}
	return f.SQLiteAdapter.RealmTransaction(ctx, realmURL, fn)
}

func (f *flakyAdapter) IsConflict(err error) bool {
	return errors.Is(err, errFlaky) || f.SQLiteAdapter.IsConflict(err)
}
