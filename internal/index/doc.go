// Package index is the Index Store: entry reads and writes keyed by
// (url, realm) across the working and production generations.
//
// Reads either resolve against production (the last promoted generation)
// or, with WorkInProgress, against the open working generation falling back
// to production. Writes always land in the working generation; nothing in
// this package writes production rows. Promotion is owned by the engine.
//
// Production reads are cached in an LRU keyed by (realm, url, version).
// Promotion bumps the realm's current version, so cached rows of a previous
// generation are never served again.
package index
