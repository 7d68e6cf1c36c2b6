package testutil

import (
	"sync"
	"time"
)

// DeterministicClock provides a thread-safe monotonic millisecond clock for
// tests.
//
// Every NowMillis call advances the clock by Step, so two rows written in
// sequence always carry distinct, predictable timestamps. The clock can be
// reset for test reuse, so the same scenario run twice stamps identical
// values.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

// DefaultEpochMillis is the start of every default deterministic clock
// (2024-01-01T00:00:00Z).
const DefaultEpochMillis int64 = 1704067200000

// NewDeterministicClock creates a clock at DefaultEpochMillis that advances
// 1ms per call.
//
// The first call to NowMillis() returns DefaultEpochMillis+1.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(DefaultEpochMillis, 1)
}

// NewDeterministicClockAt creates a clock at start that advances step ms per
// call.
func NewDeterministicClockAt(start, step int64) *DeterministicClock {
	return &DeterministicClock{start: start, step: step, now: start}
}

// NowMillis advances the clock by one step and returns the new time.
func (c *DeterministicClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Current returns the current time without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without a read.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

// Reset returns the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
