package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Op: OpRebuildRealm, Outcome: OutcomeOK},
		{Seq: 2, Op: OpInvalidate, Args: map[string]any{"url": "http://r/a.gts", "include_changed": true}, Outcome: OutcomeOK},
		{Seq: 3, Op: OpRunJobs, Outcome: OutcomeOK},
		{Seq: 4, Op: OpInvalidate, Args: map[string]any{"url": "http://r/b.json"}, Outcome: OutcomeOK},
		{Seq: 5, Op: OpPromote, Outcome: OutcomeOK},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpInvalidate, Args: map[string]any{"url": "http://r/b.json"}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpInvalidate, Args: map[string]any{"include_changed": true}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpRunJobs}))

	err := assertTraceContains(trace, Assertion{Op: OpInvalidate, Args: map[string]any{"url": "http://r/c.json"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "[2] invalidate")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{OpRebuildRealm, OpRunJobs, OpPromote}}))

	err := assertTraceOrder(trace, Assertion{Ops: []string{OpPromote, OpRunJobs}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Ops: []string{OpRebuildRealm, OpAbandon}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing op: abandon")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpInvalidate, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpAbandon, Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{Op: OpInvalidate, Count: 1}))
}

func TestCanonicalEqual(t *testing.T) {
	assert.True(t, canonicalEqual(int64(2), 2))
	assert.True(t, canonicalEqual([]string{"a", "b"}, []any{"a", "b"}))
	assert.True(t, canonicalEqual(map[string]any{"x": 1, "y": true}, map[string]any{"y": true, "x": int64(1)}))
	assert.False(t, canonicalEqual([]string{"a"}, []string{"b"}))
	assert.False(t, canonicalEqual(make(chan int), 1))
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{"current": int64(2), "working": int64(0)}
	assert.True(t, matchSubset(actual, map[string]any{"current": 2}))
	assert.True(t, matchSubset(actual, nil))
	assert.False(t, matchSubset(actual, map[string]any{"allocated": 2}))
	assert.False(t, matchSubset(nil, map[string]any{"current": 2}))
}

func TestEvaluateAssertionsWithoutStore(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: AssertVersions, Expect: map[string]any{"current": 1}}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires a store")
}
