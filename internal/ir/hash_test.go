package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryHashIgnoresBookkeeping(t *testing.T) {
	e := IndexEntry{
		URL:          "http://r/a.json",
		RealmURL:     "http://r/",
		Type:         EntryInstance,
		Deps:         []string{"http://r/m", "http://r/n"},
		RealmVersion: 3,
		IndexedAt:    1000,
	}
	later := e
	later.RealmVersion = 4
	later.IndexedAt = 2000
	later.Deps = []string{"http://r/n", "http://r/m", "http://r/m"}

	h1, err := EntryHash(e)
	require.NoError(t, err)
	h2, err := EntryHash(later)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestEntryHashChangesWithPayload(t *testing.T) {
	e := IndexEntry{URL: "http://r/a.json", RealmURL: "http://r/", Type: EntryInstance}
	changed := e
	changed.SearchDoc = Doc{"name": "Mango"}

	h1, err := EntryHash(e)
	require.NoError(t, err)
	h2, err := EntryHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashWithDomainSeparator(t *testing.T) {
	// "ab" + 0x00 + "c" must differ from "a" + 0x00 + "bc"
	assert.NotEqual(t,
		hashWithDomain("ab", []byte("c")),
		hashWithDomain("a", []byte("bc")),
	)
}
