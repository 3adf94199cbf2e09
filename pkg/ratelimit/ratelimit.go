// Package ratelimit bounds miss-event emission with a per-CPU fixed-window
// counter so observability cannot become a denial-of-service vector.
package ratelimit

import (
	"sync"

	"slo-sched/pkg/slo"
)

// shard holds one CPU's window state. Padded so neighboring shards do not
// share a cache line.
type shard struct {
	mu          sync.Mutex
	windowStart uint64
	count       uint64
	_           [96]byte
}

// Limiter is a per-CPU fixed-window event limiter. Each shard is owned by one
// CPU; distribution across shards is the caller's concern.
type Limiter struct {
	shards    []shard
	windowNS  uint64
	maxEvents uint64
}

// New constructs a Limiter with numCPUs shards and the authoritative window
// parameters.
func New(numCPUs int) *Limiter {
	return NewWithLimits(numCPUs, slo.MaxEventsPerWindow, slo.WindowNS)
}

// NewWithLimits constructs a Limiter with explicit window parameters.
func NewWithLimits(numCPUs int, maxEvents, windowNS uint64) *Limiter {
	if numCPUs <= 0 {
		numCPUs = 1
	}

	return &Limiter{
		shards:    make([]shard, numCPUs),
		windowNS:  windowNS,
		maxEvents: maxEvents,
	}
}

// Allow reports whether one more event may be emitted on cpu at time now,
// consuming a slot when it may. A cpu outside the shard range fails closed:
// the event is suppressed rather than emitted unbounded.
func (l *Limiter) Allow(cpu int, now uint64) bool {
	if cpu < 0 || cpu >= len(l.shards) {
		return false
	}

	s := &l.shards[cpu]

	s.mu.Lock()
	defer s.mu.Unlock()

	if now < s.windowStart || now-s.windowStart > l.windowNS {
		s.windowStart = now
		s.count = 0
	}

	if s.count >= l.maxEvents {
		return false
	}

	s.count++

	return true
}
