// Package ir provides the shared data types for the realm index.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - An IndexEntry is identified by (URL, RealmURL); RealmVersion says which
//     generation it belongs to
//   - Deps is the authoritative edge set used by invalidation
//   - Structured columns (deps, types, docs, rendered variants) are stored as
//     canonical JSON so both backends hold byte-identical text
//   - All JSON tags use snake_case
package ir
