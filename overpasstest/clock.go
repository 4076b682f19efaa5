// Package overpasstest provides test doubles for github.com/timwie/go-overpass,
// mirroring the internal/testhelper convention of keeping test-only
// machinery out of the package it supports.
package overpasstest

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a deterministic overpass.Clock: Now never advances on its
// own, only when Sleep is called (or Advance is called directly), so tests
// exercising retry/backoff/cooldown timing don't need to sleep in real
// time.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at the given instant. A zero
// start is fine; only relative differences matter to this package.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Sleep advances the clock by d and returns immediately, unless ctx is
// already done.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.Advance(d)

	return nil
}

// Advance moves the clock forward by d (d may be negative, though no
// caller in this package relies on that).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
