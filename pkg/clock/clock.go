// Package clock provides the engine's sole source of time: monotonic
// nanosecond timestamps.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock yields monotonic nanosecond timestamps.
type Clock interface {
	Now() uint64
}

// Monotonic measures nanoseconds elapsed since construction using the
// runtime's monotonic reading, so wall-clock steps never move it backwards.
type Monotonic struct {
	base time.Time
}

// NewMonotonic constructs a Monotonic clock anchored at the current instant.
func NewMonotonic() *Monotonic {
	return &Monotonic{base: time.Now()}
}

// Now implements Clock.
func (m *Monotonic) Now() uint64 {
	return uint64(time.Since(m.base).Nanoseconds())
}

// Manual is a hand-driven clock for tests.
type Manual struct {
	now atomic.Uint64
}

// NewManual constructs a Manual clock starting at now.
func NewManual(now uint64) *Manual {
	manual := new(Manual)
	manual.now.Store(now)

	return manual
}

// Now implements Clock.
func (m *Manual) Now() uint64 {
	return m.now.Load()
}

// Set moves the clock to now.
func (m *Manual) Set(now uint64) {
	m.now.Store(now)
}

// Advance moves the clock forward by delta nanoseconds.
func (m *Manual) Advance(delta uint64) {
	m.now.Add(delta)
}
