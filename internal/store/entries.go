package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/realmindex/internal/ir"
)

// entryColumns is the column list shared by every index row read and write.
// Order must match scanEntry and entryArgs.
var entryColumnList = []string{
	"url", "realm_url", "type", "realm_version",
	"pristine_doc", "search_doc", "error_doc",
	"deps", "types",
	"isolated_html", "embedded_html", "fitted_html", "atom_html", "icon_html", "display_names",
	"indexed_at", "last_modified", "resource_created_at",
	"is_deleted", "has_error", "is_stale",
	"source", "transpiled_code",
}

var (
	entryColumns = strings.Join(entryColumnList, ", ")
	entryUpdates = buildEntryUpdates()
)

func buildEntryUpdates() string {
	sets := make([]string, 0, len(entryColumnList)-2)
	for _, c := range entryColumnList[2:] {
		sets = append(sets, c+" = excluded."+c)
	}
	return strings.Join(sets, ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// docColumn converts a doc to canonical JSON TEXT, or NULL when absent.
func docColumn(d ir.Doc) (any, error) {
	if d == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// mapColumn converts a per-format HTML map to canonical JSON TEXT, or NULL
// when empty.
func mapColumn(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// listColumn converts a string list to canonical JSON TEXT, or NULL when
// empty.
func listColumn(l []string) (any, error) {
	if len(l) == 0 {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// entryArgs flattens an entry into insert arguments in entryColumnList order.
func entryArgs(e ir.IndexEntry) ([]any, error) {
	pristine, err := docColumn(e.PristineDoc)
	if err != nil {
		return nil, fmt.Errorf("pristine_doc: %w", err)
	}
	search, err := docColumn(e.SearchDoc)
	if err != nil {
		return nil, fmt.Errorf("search_doc: %w", err)
	}
	errorDoc, err := docColumn(e.ErrorDoc)
	if err != nil {
		return nil, fmt.Errorf("error_doc: %w", err)
	}
	deps, err := ir.MarshalCanonical(ir.DepSet(e.Deps))
	if err != nil {
		return nil, fmt.Errorf("deps: %w", err)
	}
	types, err := listColumn(e.Types)
	if err != nil {
		return nil, fmt.Errorf("types: %w", err)
	}
	embedded, err := mapColumn(e.EmbeddedHTML)
	if err != nil {
		return nil, fmt.Errorf("embedded_html: %w", err)
	}
	fitted, err := mapColumn(e.FittedHTML)
	if err != nil {
		return nil, fmt.Errorf("fitted_html: %w", err)
	}
	names, err := listColumn(e.DisplayNames)
	if err != nil {
		return nil, fmt.Errorf("display_names: %w", err)
	}

	return []any{
		e.URL, e.RealmURL, string(e.Type), e.RealmVersion,
		pristine, search, errorDoc,
		string(deps), types,
		e.IsolatedHTML, embedded, fitted, e.AtomHTML, e.IconHTML, names,
		e.IndexedAt, e.LastModified, e.ResourceCreatedAt,
		e.IsDeleted, e.HasError, e.IsStale,
		e.Source, e.TranspiledCode,
	}, nil
}

// decodeJSON decodes a nullable JSON column. Numbers decode as json.Number
// to avoid float64 precision loss.
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// scanEntry scans one index row selected with entryColumns.
func scanEntry(row rowScanner) (ir.IndexEntry, error) {
	var (
		e                                ir.IndexEntry
		typ                              string
		pristine, search, errorDoc, deps []byte
		types, embedded, fitted, names   []byte
	)
	err := row.Scan(
		&e.URL, &e.RealmURL, &typ, &e.RealmVersion,
		&pristine, &search, &errorDoc,
		&deps, &types,
		&e.IsolatedHTML, &embedded, &fitted, &e.AtomHTML, &e.IconHTML, &names,
		&e.IndexedAt, &e.LastModified, &e.ResourceCreatedAt,
		&e.IsDeleted, &e.HasError, &e.IsStale,
		&e.Source, &e.TranspiledCode,
	)
	if err != nil {
		return ir.IndexEntry{}, err
	}
	e.Type = ir.EntryType(typ)

	decodes := []struct {
		name string
		data []byte
		dst  any
	}{
		{"pristine_doc", pristine, &e.PristineDoc},
		{"search_doc", search, &e.SearchDoc},
		{"error_doc", errorDoc, &e.ErrorDoc},
		{"deps", deps, &e.Deps},
		{"types", types, &e.Types},
		{"embedded_html", embedded, &e.EmbeddedHTML},
		{"fitted_html", fitted, &e.FittedHTML},
		{"display_names", names, &e.DisplayNames},
	}
	for _, d := range decodes {
		if err := decodeJSON(d.data, d.dst); err != nil {
			return ir.IndexEntry{}, fmt.Errorf("decode %s for %s: %w", d.name, e.URL, err)
		}
	}
	if e.Deps == nil {
		e.Deps = []string{}
	}
	return e, nil
}

// scanEntries drains rows into a non-nil slice.
func scanEntries(rows *sql.Rows) ([]ir.IndexEntry, error) {
	defer rows.Close()

	entries := []ir.IndexEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// getEntry returns the raw row for (url, realmURL), including tombstones and
// stale stubs. Returns nil when absent.
func getEntry(ctx context.Context, q Querier, table Table, realmURL, url string) (*ir.IndexEntry, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE url = ? AND realm_url = ?
	`, entryColumns, table), url, realmURL)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s from %s: %w", url, table, err)
	}
	return &e, nil
}

// upsertEntry writes e by (url, realm_url), replacing every other column.
func upsertEntry(ctx context.Context, q Querier, table Table, e ir.IndexEntry) error {
	args, err := entryArgs(e)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", e.URL, err)
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (url, realm_url) DO UPDATE SET %s
	`, table, entryColumns, placeholders(len(entryColumnList)), entryUpdates), args...)
	if err != nil {
		return fmt.Errorf("upsert %s into %s: %w", e.URL, table, err)
	}
	return nil
}

// queryByDeps returns rows of table in realmURL at version whose deps
// contain key, ordered by url.
func queryByDeps(ctx context.Context, q Querier, a Adapter, table Table, realmURL, key string, version int64) ([]ir.IndexEntry, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE realm_url = ? AND realm_version = ? AND %s
		ORDER BY %s
	`, entryColumns, table, a.DepsContains("deps"), a.BinaryOrder("url")), realmURL, version, key)
	if err != nil {
		return nil, fmt.Errorf("query %s by deps %s: %w", table, key, err)
	}
	return scanEntries(rows)
}

// listEntries returns every row of table in realmURL ordered by url.
func listEntries(ctx context.Context, q Querier, a Adapter, table Table, realmURL string) ([]ir.IndexEntry, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE realm_url = ? ORDER BY %s
	`, entryColumns, table, a.BinaryOrder("url")), realmURL)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return scanEntries(rows)
}

// Get returns the raw row for (url, realmURL) in table outside any realm
// transaction. Tombstones and stale stubs are returned as stored; nil when
// absent.
func (s *Store) Get(ctx context.Context, table Table, realmURL, url string) (*ir.IndexEntry, error) {
	return getEntry(ctx, s.adapter, table, realmURL, url)
}

// QueryByDeps returns rows of table in realmURL at version whose deps
// contain key.
func (s *Store) QueryByDeps(ctx context.Context, table Table, realmURL, key string, version int64) ([]ir.IndexEntry, error) {
	return queryByDeps(ctx, s.adapter, s.adapter, table, realmURL, key, version)
}

// List returns every row of table in realmURL, ordered by url.
func (s *Store) List(ctx context.Context, table Table, realmURL string) ([]ir.IndexEntry, error) {
	return listEntries(ctx, s.adapter, s.adapter, table, realmURL)
}

// Versions returns the version row for realmURL; a realm that has never been
// written reports all zeros.
func (s *Store) Versions(ctx context.Context, realmURL string) (ir.RealmVersions, error) {
	return readVersions(ctx, s.adapter, realmURL)
}

// Realms returns every realm with a version row, ordered by url.
func (s *Store) Realms(ctx context.Context) ([]string, error) {
	rows, err := s.adapter.QueryContext(ctx, fmt.Sprintf(`
		SELECT realm_url FROM realm_versions ORDER BY %s
	`, s.adapter.BinaryOrder("realm_url")))
	if err != nil {
		return nil, fmt.Errorf("list realms: %w", err)
	}
	defer rows.Close()

	realms := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan realm: %w", err)
		}
		realms = append(realms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate realms: %w", err)
	}
	return realms, nil
}

func readVersions(ctx context.Context, q Querier, realmURL string) (ir.RealmVersions, error) {
	v := ir.RealmVersions{RealmURL: realmURL}
	err := q.QueryRowContext(ctx, `
		SELECT current_version, working_version, allocated_version
		FROM realm_versions WHERE realm_url = ?
	`, realmURL).Scan(&v.Current, &v.Working, &v.Allocated)
	if errors.Is(err, sql.ErrNoRows) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("read versions for %s: %w", realmURL, err)
	}
	return v, nil
}
