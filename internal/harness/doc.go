// Package harness runs YAML scenarios of index operations against a fresh
// in-memory index and records a deterministic trace.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	realm: http://test-realm/
//	artifacts:
//	  http://test-realm/person.gts: { type: module }
//	  http://test-realm/mango.json: { type: instance, deps: [http://test-realm/person] }
//	setup:
//	  - op: rebuild_realm
//	flow:
//	  - op: invalidate
//	    url: http://test-realm/person.gts
//	    expect:
//	      outcome: ok
//	      result: { stubbed: [http://test-realm/mango.json, http://test-realm/person.gts] }
//	assertions:
//	  - type: entry
//	    table: working
//	    url: http://test-realm/mango.json
//	    expect: { is_stale: true }
//
// Artifacts are what the compiler serves; set_artifact, drop_artifact and
// fail_artifact change them mid-scenario.
//
// # Operations
//
//   - put, get, remove, invalidate: index reads and writes
//   - create_generation, promote, abandon, versions: generation control
//   - run_jobs: runs every published rebuild job in order
//   - rebuild_realm: a whole-realm from-scratch pass
//   - set_artifact, drop_artifact, fail_artifact: compiler fixtures
//
// # Assertion Types
//
//   - trace_contains: an op appears in the trace with matching args
//   - trace_order: ops appear in the given order
//   - trace_count: an op appears exactly N times
//   - entry: a stored row matches expected fields
//   - no_entry: a table has no row for a URL
//   - versions: the realm version row matches expected fields
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store and a deterministic clock,
// so the same scenario always yields the same trace. RunWithGolden compares
// that trace with testdata/golden/{name}.golden.
package harness
