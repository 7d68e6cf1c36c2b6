package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/ir"
)

func fullEntry() ir.IndexEntry {
	return ir.IndexEntry{
		URL:          testRealm + "person-1.json",
		RealmURL:     testRealm,
		Type:         ir.EntryInstance,
		RealmVersion: 4,
		PristineDoc:  ir.Doc{"data": map[string]any{"type": "card", "attributes": map[string]any{"name": "Mango"}}},
		SearchDoc:    ir.Doc{"name": "Mango"},
		Deps:         []string{testRealm + "person", "https://cardstack.com/base/card-api"},
		Types:        []string{testRealm + "person/Person", "https://cardstack.com/base/card-api/CardDef"},
		IsolatedHTML: "<div>Mango</div>",
		EmbeddedHTML: map[string]string{testRealm + "person/Person": "<span>Mango</span>"},
		FittedHTML:   map[string]string{testRealm + "person/Person": "<b>Mango</b>"},
		AtomHTML:     "Mango",
		IconHTML:     "<svg/>",
		DisplayNames: []string{"Person", "Card"},
		IndexedAt:    1700000000000,
		LastModified: 1699999999000,
		Source:       `{"data":{}}`,
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	e := fullEntry()
	e.Normalize()

	putRows(t, s, Working, e)

	got, err := s.Get(ctx, Working, testRealm, e.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e, *got)
}

func TestUpsertReplacesRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := testEntry(testRealm+"a.json", 1, testRealm+"b")
	first.IsolatedHTML = "old"
	second := testEntry(testRealm+"a.json", 2)
	second.IsolatedHTML = "new"

	putRows(t, s, Production, first)
	putRows(t, s, Production, second)

	got, err := s.Get(ctx, Production, testRealm, first.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.IsolatedHTML)
	assert.Equal(t, int64(2), got.RealmVersion)
	assert.Equal(t, []string{}, got.Deps)

	all, err := s.List(ctx, Production, testRealm)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	s := createTestStore(t)
	got, err := s.Get(context.Background(), Production, testRealm, testRealm+"missing.json")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStructuredColumnsAreCanonical(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := testEntry(testRealm+"a.json", 1, testRealm+"z", testRealm+"b", testRealm+"b")
	e.SearchDoc = ir.Doc{"zeta": "<b>", "alpha": 1}
	putRows(t, s, Production, e)

	var deps, search string
	err := s.Adapter().QueryRowContext(ctx,
		`SELECT deps, search_doc FROM index_production WHERE url = ?`, e.URL,
	).Scan(&deps, &search)
	require.NoError(t, err)
	assert.Equal(t, `["http://test-realm/b","http://test-realm/z"]`, deps)
	assert.Equal(t, `{"alpha":1,"zeta":"<b>"}`, search)
}

func TestNumbersDecodeWithoutPrecisionLoss(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := testEntry(testRealm+"a.json", 1)
	e.PristineDoc = ir.Doc{"big": int64(9007199254740993)}
	putRows(t, s, Production, e)

	got, err := s.Get(ctx, Production, testRealm, e.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, json.Number("9007199254740993"), got.PristineDoc["big"])
}

func TestQueryByDepsScopesByKeyAndVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	m := testRealm + "m"

	putRows(t, s, Production,
		testEntry(testRealm+"b.json", 3, m),
		testEntry(testRealm+"a.json", 3, m, testRealm+"other"),
		testEntry(testRealm+"old.json", 2, m),
		testEntry(testRealm+"unrelated.json", 3, testRealm+"other"),
	)

	matched, err := s.QueryByDeps(ctx, Production, testRealm, m, 3)
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, testRealm+"a.json", matched[0].URL)
	assert.Equal(t, testRealm+"b.json", matched[1].URL)

	none, err := s.QueryByDeps(ctx, Production, testRealm, testRealm+"nobody", 3)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestQueryByDepsIsRealmScoped(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	m := testRealm + "m"
	putRows(t, s, Production, testEntry(testRealm+"a.json", 1, m))

	other, err := s.QueryByDeps(ctx, Production, "http://other-realm/", m, 1)
	require.NoError(t, err)
	assert.Empty(t, other)
}
