package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator generates predictable job and worker ids.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario with a fresh generator produces identical ids.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDGenerator creates a generator producing prefix-000001,
// prefix-000002, ... If prefix is empty, "test-id" is used.
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "test-id"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
