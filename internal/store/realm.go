package store

import (
	"context"
	"fmt"

	"github.com/roach88/realmindex/internal/ir"
)

// RealmTx is the view of one realm inside a WithRealm transaction. Every
// method runs on the transaction that holds the realm lock.
type RealmTx struct {
	q       Querier
	adapter Adapter
	realm   string
}

// Realm returns the realm URL this transaction is scoped to.
func (tx *RealmTx) Realm() string {
	return tx.realm
}

// Versions reads the realm's version row, creating it at zero on first use.
func (tx *RealmTx) Versions(ctx context.Context) (ir.RealmVersions, error) {
	if _, err := tx.q.ExecContext(ctx, `
		INSERT INTO realm_versions (realm_url, current_version, working_version, allocated_version)
		VALUES (?, 0, 0, 0)
		ON CONFLICT (realm_url) DO NOTHING
	`, tx.realm); err != nil {
		return ir.RealmVersions{}, fmt.Errorf("init versions for %s: %w", tx.realm, err)
	}
	return readVersions(ctx, tx.q, tx.realm)
}

// SaveVersions writes the realm's version row.
func (tx *RealmTx) SaveVersions(ctx context.Context, v ir.RealmVersions) error {
	_, err := tx.q.ExecContext(ctx, `
		UPDATE realm_versions
		SET current_version = ?, working_version = ?, allocated_version = ?
		WHERE realm_url = ?
	`, v.Current, v.Working, v.Allocated, tx.realm)
	if err != nil {
		return fmt.Errorf("save versions for %s: %w", tx.realm, err)
	}
	return nil
}

// MaxWorkingVersion returns the highest realm_version present in the working
// table for this realm, or 0.
func (tx *RealmTx) MaxWorkingVersion(ctx context.Context) (int64, error) {
	var v int64
	err := tx.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(realm_version), 0) FROM index_working WHERE realm_url = ?
	`, tx.realm).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max working version for %s: %w", tx.realm, err)
	}
	return v, nil
}

// NextVersion returns the version a new working generation must take: one
// above both the allocation high-water mark and any version still present
// in the working table, so left-over rows of an abandoned pass are always
// superseded.
func (tx *RealmTx) NextVersion(ctx context.Context, v ir.RealmVersions) (int64, error) {
	maxWorking, err := tx.MaxWorkingVersion(ctx)
	if err != nil {
		return 0, err
	}
	return max(v.Allocated, v.Current, maxWorking) + 1, nil
}

// EnsureWorking returns the realm's versions with a working generation
// open, allocating one when none is.
func (tx *RealmTx) EnsureWorking(ctx context.Context) (ir.RealmVersions, error) {
	v, err := tx.Versions(ctx)
	if err != nil {
		return v, err
	}
	if v.HasWorking() {
		return v, nil
	}
	next, err := tx.NextVersion(ctx, v)
	if err != nil {
		return v, err
	}
	v.Working = next
	v.Allocated = next
	if err := tx.SaveVersions(ctx, v); err != nil {
		return v, err
	}
	return v, nil
}

// Get returns the raw row for url in table, or nil.
func (tx *RealmTx) Get(ctx context.Context, table Table, url string) (*ir.IndexEntry, error) {
	return getEntry(ctx, tx.q, table, tx.realm, url)
}

// Upsert writes e into table by (url, realm_url).
func (tx *RealmTx) Upsert(ctx context.Context, table Table, e ir.IndexEntry) error {
	if e.RealmURL != tx.realm {
		return fmt.Errorf("upsert %s: realm %s does not match transaction realm %s", e.URL, e.RealmURL, tx.realm)
	}
	return upsertEntry(ctx, tx.q, table, e)
}

// QueryByDeps returns rows of table at version whose deps contain key.
func (tx *RealmTx) QueryByDeps(ctx context.Context, table Table, key string, version int64) ([]ir.IndexEntry, error) {
	return queryByDeps(ctx, tx.q, tx.adapter, table, tx.realm, key, version)
}

// List returns every row of table in this realm.
func (tx *RealmTx) List(ctx context.Context, table Table) ([]ir.IndexEntry, error) {
	return listEntries(ctx, tx.q, tx.adapter, table, tx.realm)
}

// Stub marks each url as needing rebuild in the working generation at
// version: a row with IsStale set and no payload. URLs that already carry a
// stale stub at version are left alone. Returns the URLs newly stubbed, in
// input order.
func (tx *RealmTx) Stub(ctx context.Context, urls []string, version, now int64) ([]string, error) {
	stubbed := []string{}
	for _, u := range urls {
		existing, err := tx.Get(ctx, Working, u)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.IsStale && existing.RealmVersion == version {
			continue
		}

		typ := ir.EntryTypeFor(u)
		if existing != nil {
			typ = existing.Type
		} else {
			prod, err := tx.Get(ctx, Production, u)
			if err != nil {
				return nil, err
			}
			if prod != nil {
				typ = prod.Type
			}
		}

		stub := ir.IndexEntry{
			URL:          u,
			RealmURL:     tx.realm,
			Type:         typ,
			RealmVersion: version,
			Deps:         []string{},
			IndexedAt:    now,
			IsStale:      true,
		}
		if err := upsertEntry(ctx, tx.q, Working, stub); err != nil {
			return nil, err
		}
		stubbed = append(stubbed, u)
	}
	return stubbed, nil
}

// DeleteStubs removes the stale stubs at version for urls, leaving any row
// that has since been rebuilt or re-tagged. Returns the number removed.
func (tx *RealmTx) DeleteStubs(ctx context.Context, urls []string, version int64) (int64, error) {
	var n int64
	for _, u := range urls {
		res, err := tx.q.ExecContext(ctx, `
			DELETE FROM index_working
			WHERE url = ? AND realm_url = ? AND realm_version = ? AND is_stale = TRUE
		`, u, tx.realm, version)
		if err != nil {
			return n, fmt.Errorf("delete stub %s: %w", u, err)
		}
		d, err := res.RowsAffected()
		if err != nil {
			return n, err
		}
		n += d
	}
	return n, nil
}

// SeedTombstones writes a deleted marker at version into the working table
// for every live production row, so a from-scratch pass that does not
// rebuild a URL promotes it as a deletion. Returns the number seeded.
func (tx *RealmTx) SeedTombstones(ctx context.Context, version, now int64) (int64, error) {
	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO index_working (url, realm_url, type, realm_version, indexed_at, is_deleted)
		SELECT url, realm_url, type, CAST(? AS BIGINT), CAST(? AS BIGINT), TRUE
		FROM index_production
		WHERE realm_url = ? AND is_deleted = FALSE
		ON CONFLICT (url, realm_url) DO NOTHING
	`, version, now, tx.realm)
	if err != nil {
		return 0, fmt.Errorf("seed tombstones for %s: %w", tx.realm, err)
	}
	return res.RowsAffected()
}

// DeleteWorkingAt removes working rows tagged exactly version.
func (tx *RealmTx) DeleteWorkingAt(ctx context.Context, version int64) (int64, error) {
	return tx.deleteWorking(ctx, "realm_version = ?", version)
}

// DeleteWorkingBelow removes working rows tagged below version.
func (tx *RealmTx) DeleteWorkingBelow(ctx context.Context, version int64) (int64, error) {
	return tx.deleteWorking(ctx, "realm_version < ?", version)
}

func (tx *RealmTx) deleteWorking(ctx context.Context, cond string, version int64) (int64, error) {
	res, err := tx.q.ExecContext(ctx, `
		DELETE FROM index_working WHERE realm_url = ? AND `+cond, tx.realm, version)
	if err != nil {
		return 0, fmt.Errorf("delete working rows for %s: %w", tx.realm, err)
	}
	return res.RowsAffected()
}

// RetagWorking moves every working row tagged below version up to version,
// carrying pending stubs, tombstones and rebuilt rows into a new generation.
func (tx *RealmTx) RetagWorking(ctx context.Context, version int64) (int64, error) {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE index_working SET realm_version = ?
		WHERE realm_url = ? AND realm_version < ?
	`, version, tx.realm, version)
	if err != nil {
		return 0, fmt.Errorf("retag working rows for %s: %w", tx.realm, err)
	}
	return res.RowsAffected()
}

// PromoteResult reports the row counts touched by a promotion.
//
// Pending lists the URLs whose stale stubs were still waiting for a rebuild
// at promotion time. They stay in the working table; NextWorking is the
// generation they were carried into, or 0.
type PromoteResult struct {
	Upserted    int64    `json:"upserted"`
	Purged      int64    `json:"purged"`
	Retagged    int64    `json:"retagged"`
	Cleared     int64    `json:"cleared"`
	Pending     []string `json:"pending,omitempty"`
	NextWorking int64    `json:"next_working,omitempty"`
}

// Promote copies the working generation at version into production.
//
// Within the caller's transaction:
//  1. working rows at version (except stale stubs) are upserted into production
//  2. production tombstones from older generations are purged
//  3. remaining production rows are retagged to version
//  4. working rows at or below version are cleared, except stale stubs at
//     version, which are reported as Pending
//
// After step 3 every live production row carries the promoted version,
// so production dependency queries match on equality with the current
// version.
func (tx *RealmTx) Promote(ctx context.Context, version int64) (PromoteResult, error) {
	var r PromoteResult

	res, err := tx.q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO index_production (%s)
		SELECT %s FROM index_working
		WHERE realm_url = ? AND realm_version = ? AND is_stale = FALSE
		ON CONFLICT (url, realm_url) DO UPDATE SET %s
	`, entryColumns, entryColumns, entryUpdates), tx.realm, version)
	if err != nil {
		return r, fmt.Errorf("promote %s@%d: upsert: %w", tx.realm, version, err)
	}
	if r.Upserted, err = res.RowsAffected(); err != nil {
		return r, err
	}

	res, err = tx.q.ExecContext(ctx, `
		DELETE FROM index_production
		WHERE realm_url = ? AND is_deleted = TRUE AND realm_version < ?
	`, tx.realm, version)
	if err != nil {
		return r, fmt.Errorf("promote %s@%d: purge: %w", tx.realm, version, err)
	}
	if r.Purged, err = res.RowsAffected(); err != nil {
		return r, err
	}

	res, err = tx.q.ExecContext(ctx, `
		UPDATE index_production SET realm_version = ?
		WHERE realm_url = ? AND realm_version < ?
	`, version, tx.realm, version)
	if err != nil {
		return r, fmt.Errorf("promote %s@%d: retag: %w", tx.realm, version, err)
	}
	if r.Retagged, err = res.RowsAffected(); err != nil {
		return r, err
	}

	res, err = tx.q.ExecContext(ctx, `
		DELETE FROM index_working
		WHERE realm_url = ? AND (realm_version < ? OR (realm_version = ? AND is_stale = FALSE))
	`, tx.realm, version, version)
	if err != nil {
		return r, fmt.Errorf("promote %s@%d: clear working: %w", tx.realm, version, err)
	}
	if r.Cleared, err = res.RowsAffected(); err != nil {
		return r, err
	}

	if r.Pending, err = tx.staleURLs(ctx, version); err != nil {
		return r, fmt.Errorf("promote %s@%d: %w", tx.realm, version, err)
	}
	return r, nil
}

func (tx *RealmTx) staleURLs(ctx context.Context, version int64) ([]string, error) {
	rows, err := tx.q.QueryContext(ctx, `
		SELECT url FROM index_working
		WHERE realm_url = ? AND realm_version = ? AND is_stale = TRUE
		ORDER BY url
	`, tx.realm, version)
	if err != nil {
		return nil, fmt.Errorf("list stale stubs: %w", err)
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// Counts returns the number of live production rows and of working rows.
func (tx *RealmTx) Counts(ctx context.Context) (production, working int64, err error) {
	return countRows(ctx, tx.q, tx.realm)
}

// Counts returns the number of live production rows and of working rows
// for realmURL outside any transaction.
func (s *Store) Counts(ctx context.Context, realmURL string) (production, working int64, err error) {
	return countRows(ctx, s.adapter, realmURL)
}

func countRows(ctx context.Context, q Querier, realmURL string) (production, working int64, err error) {
	if err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM index_production WHERE realm_url = ? AND is_deleted = FALSE
	`, realmURL).Scan(&production); err != nil {
		return 0, 0, fmt.Errorf("count production rows for %s: %w", realmURL, err)
	}
	if err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM index_working WHERE realm_url = ?
	`, realmURL).Scan(&working); err != nil {
		return 0, 0, fmt.Errorf("count working rows for %s: %w", realmURL, err)
	}
	return production, working, nil
}
