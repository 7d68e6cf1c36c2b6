package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One put"
flow:
  - op: put
    url: http://test-realm/a.json
    type: instance
assertions:
  - type: trace_count
    op: put
    count: 1
`

func TestParseScenarioDefaults(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, DefaultRealm, s.Realm)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, OpPut, s.Flow[0].Op)
}

func TestLoadScenarioFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseScenarioRejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "\nassertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nflow: [{op: versions}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: "name is required",
		},
		{
			name: "missing flow",
			yaml: "name: n\ndescription: d\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: "flow list is required",
		},
		{
			name: "unknown op",
			yaml: "name: n\ndescription: d\nflow: [{op: explode}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: `unknown op "explode"`,
		},
		{
			name: "url required",
			yaml: "name: n\ndescription: d\nflow: [{op: invalidate}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: "url is required for invalidate",
		},
		{
			name: "put type",
			yaml: "name: n\ndescription: d\nflow: [{op: put, url: u, type: card}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: `invalid type "card"`,
		},
		{
			name: "expect in setup",
			yaml: "name: n\ndescription: d\nsetup: [{op: versions, expect: {outcome: ok}}]\nflow: [{op: versions}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: "expect is not allowed in setup",
		},
		{
			name: "expect outcome",
			yaml: "name: n\ndescription: d\nflow: [{op: versions, expect: {result: {current: 0}}}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: "outcome is required",
		},
		{
			name: "entry table",
			yaml: "name: n\ndescription: d\nflow: [{op: versions}]\nassertions: [{type: entry, table: staging, url: u, expect: {type: file}}]",
			want: "table must be production or working",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nflow: [{op: versions}]\nassertions: [{type: vibes}]",
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "artifact type",
			yaml: "name: n\ndescription: d\nartifacts: {u: {type: card}}\nflow: [{op: versions}]\nassertions: [{type: trace_count, op: versions, count: 1}]",
			want: "invalid type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStepArgs(t *testing.T) {
	assert.Nil(t, Step{Op: OpRunJobs}.Args())
	assert.Equal(t, map[string]any{
		"url":             "u",
		"version":         int64(3),
		"include_changed": true,
	}, Step{Op: OpInvalidate, URL: "u", Version: 3, IncludeChanged: true}.Args())
}
