package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/ir"
)

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)
	a := s.Adapter().(*SQLiteAdapter)

	assert.NoError(t, a.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, a.verifyPragma("synchronous", "1"))
	assert.NoError(t, a.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, a.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, a.verifyPragma("user_version", "1"))
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	putRows(t, s1, Production, testEntry(testRealm+"a.json", 1))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), Production, testRealm, testRealm+"a.json")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, KindSQLite, s2.Adapter().Kind())
}

func TestCloseNilAdapter(t *testing.T) {
	var s Store
	assert.NoError(t, s.Close())
}

func TestRebindDollar(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"a = ? AND b = ?", "a = $1 AND b = $2"},
		{"deps @> jsonb_build_array(?::text)", "deps @> jsonb_build_array($1::text)"},
		{"x = '?' AND y = ?", "x = '?' AND y = $1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rebindDollar(tt.in))
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestRealmLockKeyStable(t *testing.T) {
	assert.Equal(t, RealmLockKey("http://a/"), RealmLockKey("http://a/"))
	assert.NotEqual(t, RealmLockKey("http://a/"), RealmLockKey("http://b/"))
}

func TestWithRealmRetriesConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := OpenSQLite(path)
	require.NoError(t, err)
	flaky := &flakyAdapter{SQLiteAdapter: a, failures: 2}
	s := New(flaky, WithRetry(5, time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer s.Close()

	runs := 0
	err = s.WithRealm(context.Background(), testRealm, func(tx *RealmTx) error {
		runs++
		_, err := tx.Versions(context.Background())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, runs)
}

func TestWithRealmConflictExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := OpenSQLite(path)
	require.NoError(t, err)
	flaky := &flakyAdapter{SQLiteAdapter: a, failures: 10}
	s := New(flaky, WithRetry(3, 0), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer s.Close()

	err = s.WithRealm(context.Background(), testRealm, func(tx *RealmTx) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, flaky.calls)
}

func TestWithRealmRollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithRealm(ctx, testRealm, func(tx *RealmTx) error {
		if err := tx.Upsert(ctx, Working, testEntry(testRealm+"a.json", 1)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := s.Get(ctx, Working, testRealm, testRealm+"a.json")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertRejectsForeignRealm(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithRealm(ctx, testRealm, func(tx *RealmTx) error {
		e := testEntry("http://other/a.json", 1)
		e.RealmURL = "http://other/"
		return tx.Upsert(ctx, Working, e)
	})
	assert.Error(t, err)
}

func TestVersionsCreatedOnFirstUse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v, err := s.Versions(ctx, testRealm)
	require.NoError(t, err)
	assert.Equal(t, ir.RealmVersions{RealmURL: testRealm}, v)

	err = s.WithRealm(ctx, testRealm, func(tx *RealmTx) error {
		v, err := tx.Versions(ctx)
		if err != nil {
			return err
		}
		v.Allocated = 3
		v.Working = 3
		v.Current = 2
		return tx.SaveVersions(ctx, v)
	})
	require.NoError(t, err)

	v, err = s.Versions(ctx, testRealm)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Current)
	assert.Equal(t, int64(3), v.Working)
	assert.Equal(t, int64(3), v.Allocated)

	realms, err := s.Realms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testRealm}, realms)
}
