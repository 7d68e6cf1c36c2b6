package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(s.Setup)+len(s.Flow))
		})
	}
}

func TestRunReportsUnexpectedOutcome(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_outcome
description: "Expects success from a stale write"
setup:
  - op: put
    url: http://test-realm/a.json
    type: instance
  - op: create_generation
flow:
  - op: put
    url: http://test-realm/a.json
    type: instance
    version: 1
    expect:
      outcome: ok
assertions:
  - type: trace_count
    op: put
    count: 2
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected outcome ok, got STALE_GENERATION")
}

func TestRunReportsResultMismatch(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_result
description: "Expects the wrong version"
flow:
  - op: create_generation
    expect:
      outcome: ok
      result: { version: 7 }
assertions:
  - type: versions
    expect: { working: 1 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `result field "version" = 1, expected 7`)
}

func TestRunFailsOnSetupError(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_setup
description: "Promotes with nothing open"
setup:
  - op: promote
flow:
  - op: versions
assertions:
  - type: trace_count
    op: versions
    count: 1
`))
	require.NoError(t, err)

	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0 (promote)")
}

func TestRunIsDeterministic(t *testing.T) {
	s := loadTestScenario(t, "remove_tombstone")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestRunFailingAssertionsAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing_assertions
description: "Every state assertion is wrong"
flow:
  - op: put
    url: http://test-realm/a.json
    type: instance
assertions:
  - type: entry
    table: production
    url: http://test-realm/a.json
    expect: { type: instance }
  - type: no_entry
    table: working
    url: http://test-realm/a.json
  - type: versions
    expect: { current: 1 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "row not found")
	assert.Contains(t, result.Errors[1], "no row for http://test-realm/a.json in working")
	assert.Contains(t, result.Errors[2], `"current":0`)
}
