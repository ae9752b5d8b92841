// Package testutil provides deterministic clocks and ID generators for
// tests that need stable timelines and job identities.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// Clock is a thread-safe fake time source. Each call to Now advances
// time by the configured step, so timelines are strictly monotonic and
// fully reproducible.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock starting at a fixed epoch with a 1ms step.
func NewClock() *Clock {
	return &Clock{
		now:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		step: time.Millisecond,
	}
}

// Now returns the current time and advances it by one step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward without producing a reading.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Current returns the current time without advancing.
func (c *Clock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// IDGen hands out sequential job IDs like "job-0001". Thread-safe.
type IDGen struct {
	mu  sync.Mutex
	seq int
}

// NewIDGen creates a generator starting at job-0001.
func NewIDGen() *IDGen {
	return &IDGen{}
}

// Next returns the next ID.
func (g *IDGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("job-%04d", g.seq)
}
