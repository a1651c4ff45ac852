// Package clock provides an injectable wall clock so components that
// reason about time (grant expiry, task scheduling, write locks) can be
// driven deterministically in tests.
package clock

import "time"

// Clock returns the current time. Production code uses Wall; tests
// substitute a Fixed or Offset clock to control elapsed time exactly,
// the same shape as satellite/jobq/jobqueue's injectable Queue.Now.
type Clock interface {
	Now() time.Time
}

// Wall is the production Clock backed by time.Now.
type Wall struct{}

// Now returns time.Now().
func (Wall) Now() time.Time { return time.Now() }

// Fixed is a Clock that always returns the same instant.
type Fixed time.Time

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return time.Time(f) }

// Offset is a Clock that returns a base time advanced by a mutable
// delta, letting tests fast-forward without sleeping.
type Offset struct {
	Base  time.Time
	Delta time.Duration
}

// Now returns Base+Delta.
func (o *Offset) Now() time.Time { return o.Base.Add(o.Delta) }

// Advance moves the clock forward by d.
func (o *Offset) Advance(d time.Duration) { o.Delta += d }
