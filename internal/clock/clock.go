// Package clock provides the monotonic nanosecond time source used for poll
// cadence, heartbeat timeout, and response-time statistics.
package clock

import (
	"context"
	"time"
)

// Instant is a single monotonic sample, compared or subtracted against
// another Instant from the same Clock. WallClock is the only formatter.
type Instant struct {
	t time.Time
}

// Sub returns the duration elapsed between two instants (i - other).
func (i Instant) Sub(other Instant) time.Duration {
	return i.t.Sub(other.t)
}

// IsZero reports whether the instant was never set.
func (i Instant) IsZero() bool {
	return i.t.IsZero()
}

// Add returns the instant offset by d.
func (i Instant) Add(d time.Duration) Instant {
	return Instant{t: i.t.Add(d)}
}

// Before reports whether i occurred strictly before other.
func (i Instant) Before(other Instant) bool {
	return i.t.Before(other.t)
}

// Clock is the seam the arbiter, heartbeat state machine, and response-time
// stats are built against so tests can drive time manually.
type Clock interface {
	Now() Instant
}

// real is the production clock, backed by time.Now's monotonic reading.
type real struct{}

// New returns the production monotonic clock.
func New() Clock { return real{} }

func (real) Now() Instant { return Instant{t: time.Now()} }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	now time.Time
}

// NewFake returns a fake clock starting at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() Instant { return Instant{t: f.now} }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// ContextWithDeadline derives a context that expires at i. Only meaningful
// against the real clock — passing a Fake clock's Instant produces a
// context keyed to the actual wall clock, which is fine for tests that
// never let it expire but would be wrong for anything that waits on it.
func ContextWithDeadline(parent context.Context, i Instant) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, i.t)
}

// WallClock renders an Instant the way publish timestamps need it
// ("MM-DD-YYYY HH:MM:SS.ffffff", per §4.7); called only when rendering
// pub/get bodies, never to make scheduling decisions.
func WallClock(i Instant) string {
	return i.t.Format("01-02-2006 15:04:05.000000")
}
