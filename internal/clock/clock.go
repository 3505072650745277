// Package clock abstracts the time operations used by the mailbox, the
// long-poll loop and the session sweeper so tests can drive them
// deterministically.
package clock

import "time"

// Clock is the subset of the time package the relay depends on.
type Clock interface {
	Now() time.Time

	// NewTimer returns a Timer that delivers once on C after d.
	NewTimer(d time.Duration) *Timer

	// NewTicker returns a Ticker that delivers on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot timer. C receives the fire time.
type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// an active timer.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. Ticks are dropped if the reader falls
// behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
