package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainEntry = "realmindex/entry/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EntryHash computes the content hash of an entry's computed payload.
//
// Bookkeeping fields (RealmVersion, IndexedAt) are excluded so that writing
// the same artifact into a later generation yields the same hash.
func EntryHash(e IndexEntry) (string, error) {
	e.RealmVersion = 0
	e.IndexedAt = 0
	e.Deps = DepSet(e.Deps)

	canonical, err := MarshalCanonical(e)
	if err != nil {
		return "", fmt.Errorf("EntryHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntry, canonical), nil
}
