// Package status renders engine health information as JSON.
package status

import (
	"encoding/json"
	"net/http"

	"slo-sched/pkg/counters"
)

// Engine exposes the status surface required by the health handler.
type Engine interface {
	ReadCounters() counters.Snapshot
	QueueDepth() int
	TrackedTasks() int
	Workloads() int
}

// Forwarder reports the event-sink breaker state. Optional.
type Forwarder interface {
	BreakerState() string
}

// Snapshot captures the engine status returned by the handler.
type Snapshot struct {
	QueueDepth       int    `json:"queueDepth"`
	TrackedTasks     int    `json:"trackedTasks"`
	Workloads        int    `json:"workloads"`
	GlobalEnqueues   uint64 `json:"globalEnqueues"`
	DeadlineMisses   uint64 `json:"deadlineMisses"`
	RateLimitedDrops uint64 `json:"rateLimitedDrops"`
	SinkBreaker      string `json:"sinkBreaker,omitempty"`
}

// Handler renders engine health information as JSON.
type Handler struct {
	engine    Engine
	forwarder Forwarder
}

// NewHandler constructs a Handler over engine. forwarder may be nil when no
// event sink is configured.
func NewHandler(engine Engine, forwarder Forwarder) *Handler {
	return &Handler{engine: engine, forwarder: forwarder}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if h == nil || h.engine == nil {
		http.Error(writer, "engine unavailable", http.StatusServiceUnavailable)

		return
	}

	snap := h.engine.ReadCounters()

	payload := Snapshot{
		QueueDepth:       h.engine.QueueDepth(),
		TrackedTasks:     h.engine.TrackedTasks(),
		Workloads:        h.engine.Workloads(),
		GlobalEnqueues:   snap.GlobalEnqueues,
		DeadlineMisses:   snap.DeadlineMisses,
		RateLimitedDrops: snap.RateLimitedDrops,
	}

	if h.forwarder != nil {
		payload.SinkBreaker = h.forwarder.BreakerState()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(writer, "marshal status", http.StatusInternalServerError)

		return
	}

	writer.Header().Set("Content-Type", "application/json")

	_, _ = writer.Write(body)
}
