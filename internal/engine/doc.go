// Package engine coordinates the realm index: invalidation, generations and
// the rebuild handlers that run on the Reindex Queue.
//
// Write path:
//
//	changed URL -> Invalidator (realm lock, closure, stubs) -> publish from-scratch job
//	from-scratch job -> Indexer (Compiler) -> index.Put -> working generation
//	Generations.Promote -> production
//
// Every mutation of a realm runs inside store.Store.WithRealm, so batches
// for one realm are linearized and batches for different realms proceed
// independently. A batch that loses the race is retried against the
// refreshed version and surfaces as WRITE_CONFLICT only when every attempt
// failed.
package engine
