// Package events carries deadline-miss records from the engine's stop path to
// external consumers: a bounded multi-producer single-consumer ring, the wire
// codec for serialized records, and an HTTP forwarder.
package events

import (
	"time"

	"slo-sched/pkg/slo"
)

// DefaultCapacity holds well over 64 KiB of 24-byte records.
const DefaultCapacity = 8192

// Ring is a bounded MPSC queue of deadline events. Producers never block: an
// offer against a full ring drops the incoming event and reports it so the
// caller can count the drop.
type Ring struct {
	ch chan slo.DeadlineEvent
}

// NewRing constructs a Ring with the given capacity, or DefaultCapacity when
// capacity is not positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Ring{ch: make(chan slo.DeadlineEvent, capacity)}
}

// Offer enqueues ev without blocking. It reports false when the ring is full
// and the event was dropped.
func (r *Ring) Offer(ev slo.DeadlineEvent) bool {
	select {
	case r.ch <- ev:
		return true
	default:
		return false
	}
}

// Poll collects up to max events, waiting at most timeout for the first one.
// Once any event is available the remainder of the batch is drained without
// further waiting.
func (r *Ring) Poll(max int, timeout time.Duration) []slo.DeadlineEvent {
	if max <= 0 {
		return nil
	}

	var out []slo.DeadlineEvent

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case ev := <-r.ch:
			out = append(out, ev)
		case <-timer.C:
			return nil
		}
	}

	for len(out) < max {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}

	return out
}

// Len reports the number of buffered events.
func (r *Ring) Len() int {
	return len(r.ch)
}
