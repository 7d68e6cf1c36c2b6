// Package store provides durable storage for the realm index behind one
// adapter interface with two implementations: embedded SQLite and a
// Postgres server.
//
// The store holds:
//   - index_working: the open (not yet promoted) generation per realm
//   - index_production: the last promoted generation per realm
//   - realm_versions: the per-realm version counter
//   - jobs / job_reservations: the durable job table
//
// # Critical Patterns
//
// Realm lock: every mutation of a realm's index rows or version row runs
// inside WithRealm, which opens a transaction holding the realm's exclusive
// lock (IMMEDIATE transaction on SQLite, advisory transaction lock on
// Postgres) before reading the version row. A losing
// transaction surfaces as ErrConflict and is retried against the refreshed
// version; work is never silently dropped.
//
// Deterministic structured columns: deps, types, docs and rendered
// variants are written as canonical JSON (ir.MarshalCanonical).
//
// Deterministic query results: list queries ORDER BY url COLLATE BINARY
// (SQLite) / "C" (Postgres).
//
// # SQLite Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Writers take the database lock at BEGIN
//   - single connection: SQLite only supports one writer at a time
package store
