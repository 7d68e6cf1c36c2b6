package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlias(t *testing.T) {
	assert.Equal(t, "http://r/person", Alias("http://r/person.gts"))
	assert.Equal(t, "http://r/util", Alias("http://r/util.js"))
	assert.Equal(t, "http://r/1.json", Alias("http://r/1.json"))
}

func TestDepKeys(t *testing.T) {
	assert.Equal(t, []string{"http://r/person.gts", "http://r/person"}, DepKeys("http://r/person.gts"))
	assert.Equal(t, []string{"http://r/1.json"}, DepKeys("http://r/1.json"))
}

func TestInRealm(t *testing.T) {
	assert.True(t, InRealm("http://r/", "http://r/a.json"))
	assert.True(t, InRealm("http://r", "http://r/a.json"))
	assert.False(t, InRealm("http://r/", "http://other/a.json"))
	assert.False(t, InRealm("http://r/sub/", "http://r/a.json"))
}

func TestEntryTypeFor(t *testing.T) {
	assert.Equal(t, EntryModule, EntryTypeFor("http://r/person.gts"))
	assert.Equal(t, EntryInstance, EntryTypeFor("http://r/1.json"))
	assert.Equal(t, EntryFile, EntryTypeFor("http://r/readme.md"))
}
