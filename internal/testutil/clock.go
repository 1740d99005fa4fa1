// Package testutil provides deterministic clocks, IDs and randomness for
// tests and the scenario harness.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed start time used by deterministic runs.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// StepClock is a wall clock that only moves when told to.
//
// Each Now() returns the current time and then advances by step, so
// successive reads are strictly increasing when step > 0. With step 0 the
// clock is fully manual (Advance/Set).
//
// Unlike the store's logical clock, StepClock stands in for time.Now and
// produces the millisecond timestamps written into records.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock creates a clock starting at start.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{now: start, step: step}
}

// Now returns the current time, then advances by step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current time without advancing.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps to t. Used to replay scenarios with explicit timestamps.
func (c *StepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
