// Package edfq implements the deadline queue: a min-heap of runnable tasks
// keyed by absolute deadline, with ascending task id as a deterministic
// tie-breaker.
package edfq

import (
	"container/heap"
	"sync"

	"slo-sched/pkg/slo"
)

type entry struct {
	tid      slo.TaskID
	deadline uint64
	index    int
}

// deadlineHeap implements heap.Interface over entries.
type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}

	return h[i].tid < h[j].tid
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	item := x.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]

	return item
}

// Queue is a concurrency-safe deadline min-heap. Each runnable task id is
// present at most once; inserting a present id updates its key.
type Queue struct {
	mu      sync.Mutex
	heap    deadlineHeap
	entries map[slo.TaskID]*entry
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{
		heap:    make(deadlineHeap, 0),
		entries: make(map[slo.TaskID]*entry),
	}
}

// Insert adds tid with the given deadline, or re-keys it if already present.
func (q *Queue) Insert(tid slo.TaskID, deadline uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.entries[tid]
	if exists {
		item.deadline = deadline
		heap.Fix(&q.heap, item.index)

		return
	}

	item = &entry{tid: tid, deadline: deadline, index: -1}
	q.entries[tid] = item
	heap.Push(&q.heap, item)
}

// PopMin removes and returns the entry with the earliest deadline. Deadline
// ties resolve to the smaller task id.
func (q *Queue) PopMin() (slo.TaskID, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return 0, 0, false
	}

	item := heap.Pop(&q.heap).(*entry)
	delete(q.entries, item.tid)

	return item.tid, item.deadline, true
}

// Remove deletes tid from the queue and reports whether it was present.
func (q *Queue) Remove(tid slo.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.entries[tid]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, item.index)
	delete(q.entries, tid)

	return true
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.heap)
}

// IsEmpty reports whether the queue holds no tasks.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear drops every entry. Used on detach.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	clear(q.entries)
}
