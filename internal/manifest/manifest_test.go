package manifest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/ir"
)

const demoRealm = "http://localhost:4201/demo/"

func TestLoadDemoManifest(t *testing.T) {
	m, err := Load("testdata/demo")
	require.NoError(t, err)
	assert.Equal(t, demoRealm, m.RealmURL)
	assert.Equal(t, []string{
		demoRealm + "README.md",
		demoRealm + "mango.json",
		demoRealm + "person.gts",
	}, m.URLs())

	person := m.Artifacts[demoRealm+"person.gts"]
	assert.Equal(t, ir.EntryModule, person.Type, "type follows the extension")
	assert.Equal(t, []string{"https://cardstack.com/base/card-api"}, person.Deps)

	mango := m.Artifacts[demoRealm+"mango.json"]
	assert.Equal(t, ir.EntryInstance, mango.Type)
	assert.Equal(t, []string{demoRealm + "person"}, mango.Deps, "relative deps resolve against the file")
	assert.Equal(t, "<h1>Mango</h1>", mango.IsolatedHTML)
	assert.Equal(t, "Mango", mango.SearchDoc["name"])
	assert.Equal(t, ir.EntryFile, m.Artifacts[demoRealm+"README.md"].Type)

	entries := m.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, demoRealm, entries[0].RealmURL)
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing realm", `files: "a.json": {}`},
		{"realm without trailing slash", `realm: "http://r", files: {}`},
		{"unknown type", `realm: "http://r/", files: "a.json": type: "widget"`},
		{"unknown field", `realm: "http://r/", files: "a.json": colour: "red"`},
		{"escapes realm", `realm: "http://r/x/", files: "../y.json": {}`},
		{"syntax", `realm: `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", tt.src)
			require.Error(t, err)
			var le *LoadError
			assert.ErrorAs(t, err, &le)
		})
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := Load("testdata/absent")
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)

	_, err = Load(t.TempDir())
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestCompilerServesManifest(t *testing.T) {
	m, err := Load("testdata/demo")
	require.NoError(t, err)
	c := NewCompiler(m)
	ctx := context.Background()

	urls, err := c.URLs(ctx, demoRealm)
	require.NoError(t, err)
	assert.Len(t, urls, 3)

	art, err := c.Compile(ctx, demoRealm, demoRealm+"person.gts")
	require.NoError(t, err)
	assert.Equal(t, ir.EntryModule, art.Type)

	_, err = c.Compile(ctx, demoRealm, demoRealm+"gone.json")
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	_, err = c.URLs(ctx, "http://other/")
	assert.Error(t, err)
}

func TestSwapReportsChanges(t *testing.T) {
	old, err := Parse("old.cue", `
realm: "http://r/"
files: "a.json": search: title: "a"
files: "b.json": search: title: "b"
files: "c.json": search: title: "c"
`)
	require.NoError(t, err)
	next, err := Parse("new.cue", `
realm: "http://r/"
files: "a.json": search: title: "a"
files: "b.json": search: title: "B"
files: "d.json": search: title: "d"
`)
	require.NoError(t, err)

	c := NewCompiler(old)
	changed, removed, err := c.Swap(next)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://r/b.json", "http://r/d.json"}, changed)
	assert.Equal(t, []string{"http://r/c.json"}, removed)
	assert.Same(t, next, c.Manifest())

	other, err := Parse("other.cue", `realm: "http://other/", files: {}`)
	require.NoError(t, err)
	_, _, err = c.Swap(other)
	assert.Error(t, err)
}
