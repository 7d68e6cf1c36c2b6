package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", ev.Seq, ev.Op, canonicalString(ev.Args), ev.Outcome)
		}
	}
	return buf.String()
}

// AssertionContext provides the store for state assertions.
type AssertionContext struct {
	Store *store.Store
	Realm string
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result and
// returns a message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertEntry, AssertNoEntry, AssertVersions:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a store", i, a.Type)
				break
			}
			switch a.Type {
			case AssertEntry:
				err = assertEntry(actx, a)
			case AssertNoEntry:
				err = assertNoEntry(actx, a)
			default:
				err = assertVersions(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertTraceContains checks for a successful op whose args contain the
// expected args.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Op == a.Op && matchSubset(ev.Args, a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("op %s with args %s", a.Op, canonicalString(a.Args)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of ops are in order.
// Intervening ops are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Op]; !seen {
			positions[ev.Op] = i + 1
		}
	}
	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Op == a.Op {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func tableOf(name string) store.Table {
	if name == "working" {
		return store.Working
	}
	return store.Production
}

func assertEntry(actx *AssertionContext, a Assertion) error {
	e, err := actx.Store.Get(actx.Ctx, tableOf(a.Table), actx.Realm, a.URL)
	if err != nil {
		return fmt.Errorf("entry %s: %w", a.URL, err)
	}
	if e == nil {
		return &AssertionError{
			Type:     AssertEntry,
			Expected: fmt.Sprintf("row for %s in %s", a.URL, a.Table),
			Actual:   "row not found",
		}
	}
	actual := entryMap(e)
	for _, key := range sortedKeys(a.Expect) {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertEntry,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields: %v", sortedKeys(actual)),
			}
		}
		if !canonicalEqual(got, a.Expect[key]) {
			return &AssertionError{
				Type:     AssertEntry,
				Expected: fmt.Sprintf("%s %s = %s", a.URL, key, canonicalString(a.Expect[key])),
				Actual:   fmt.Sprintf("%s %s = %s", a.URL, key, canonicalString(got)),
			}
		}
	}
	return nil
}

func assertNoEntry(actx *AssertionContext, a Assertion) error {
	e, err := actx.Store.Get(actx.Ctx, tableOf(a.Table), actx.Realm, a.URL)
	if err != nil {
		return fmt.Errorf("entry %s: %w", a.URL, err)
	}
	if e != nil {
		return &AssertionError{
			Type:     AssertNoEntry,
			Expected: fmt.Sprintf("no row for %s in %s", a.URL, a.Table),
			Actual:   canonicalString(entryMap(e)),
		}
	}
	return nil
}

func assertVersions(actx *AssertionContext, a Assertion) error {
	v, err := actx.Store.Versions(actx.Ctx, actx.Realm)
	if err != nil {
		return fmt.Errorf("versions: %w", err)
	}
	actual := versionsMap(v)
	if !matchSubset(actual, a.Expect) {
		return &AssertionError{
			Type:     AssertVersions,
			Expected: canonicalString(a.Expect),
			Actual:   canonicalString(actual),
		}
	}
	return nil
}

// matchSubset reports whether actual carries every expected key with an
// equal value. Extra keys in actual are ignored.
func matchSubset(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !canonicalEqual(got, want) {
			return false
		}
	}
	return true
}

// canonicalEqual compares values by canonical JSON, so YAML ints equal
// stored int64s and []any equals []string.
func canonicalEqual(a, b any) bool {
	ab, err := ir.MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

func canonicalString(v any) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
