// Package slo defines the data model of the SLO scheduling engine: workload
// and task identifiers, per-workload latency configuration, per-task
// scheduling context, miss events, and the authoritative limits every other
// package bound-checks against.
package slo

// WorkloadID is an opaque 64-bit key supplied by the host. The engine never
// derives semantics from it.
type WorkloadID uint64

// TaskID identifies a currently-tracked task. The host may reuse an id after
// the task is terminated.
type TaskID uint32

// Authoritative limits. All validation in this module derives from these.
const (
	// MinBudgetNS is the smallest accepted latency budget (1 ms).
	MinBudgetNS uint64 = 1_000_000
	// MaxBudgetNS is the largest accepted latency budget (10 s).
	MaxBudgetNS uint64 = 10_000_000_000
	// DefaultBudgetNS is applied when a workload has no valid config (100 ms).
	DefaultBudgetNS uint64 = 100_000_000

	// MinImportance and MaxImportance bound the relative weight. Higher
	// importance yields an earlier deadline.
	MinImportance uint32 = 1
	MaxImportance uint32 = 100
	// DefaultImportance is assumed for workloads without stored config.
	DefaultImportance uint32 = 50

	// MaxWorkloads bounds the config store. Exceeding it is a rejection,
	// never an eviction.
	MaxWorkloads = 10_000
	// MaxTasks bounds the task context store. When full, enqueues fall back
	// to the host's global queue.
	MaxTasks = 100_000

	// MaxEventsPerWindow and WindowNS parameterize the per-CPU miss-event
	// rate limiter.
	MaxEventsPerWindow uint64 = 1_000
	WindowNS           uint64 = 1_000_000_000
)

// Cfg is the per-workload latency configuration.
type Cfg struct {
	// BudgetNS is the latency budget in nanoseconds.
	BudgetNS uint64
	// Importance is the relative priority in [MinImportance, MaxImportance].
	Importance uint32
	// Flags is reserved and must be zero.
	Flags uint32
}

// TaskCtx is the per-task scheduling state. Deadline and StartTime are kept
// independent: miss detection consults the absolute deadline stored at
// enqueue, never the task's runtime.
type TaskCtx struct {
	// Deadline is the absolute nanosecond timestamp by which the task must
	// complete to be on time.
	Deadline uint64
	// StartTime is when the task last entered Running; zero means not
	// currently running.
	StartTime uint64
	// BudgetNS is the un-weighted budget attributed at last enqueue, kept
	// for observability.
	BudgetNS uint64
	// Valid reports whether the context has been initialized by an enqueue
	// since the last cleanup.
	Valid bool
}

// DeadlineEvent records a single deadline miss.
type DeadlineEvent struct {
	// WorkloadID is the workload observed at the stop transition.
	WorkloadID WorkloadID
	// MissNS is Timestamp minus the original deadline.
	MissNS uint64
	// Timestamp is the time observed at stop.
	Timestamp uint64
}
