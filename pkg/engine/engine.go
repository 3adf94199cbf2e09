// Package engine implements the SLO scheduling state machine: it derives
// earliest-deadline-first ordering from per-workload latency budgets and
// importance weights, detects deadline misses at stop transitions, and emits
// rate-limited miss events.
package engine

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"slo-sched/pkg/clock"
	"slo-sched/pkg/counters"
	"slo-sched/pkg/edfq"
	"slo-sched/pkg/events"
	"slo-sched/pkg/ratelimit"
	"slo-sched/pkg/slo"
)

const transitionStripes = 128 // power of two

// Host is the scheduling substrate the engine reports into. The engine never
// runs tasks itself; it orders them and signals the host.
type Host interface {
	// CandidateCPU proposes a CPU for a waking task and reports whether that
	// CPU is idle.
	CandidateCPU(tid slo.TaskID, prevCPU int32, wakeFlags uint64) (int32, bool)
	// QueueGlobal receives tasks the engine could not track; the host must
	// still dispatch them fairly.
	QueueGlobal(tid slo.TaskID)
}

// noopHost satisfies Host when no real host is attached.
type noopHost struct{}

func (noopHost) CandidateCPU(_ slo.TaskID, prevCPU int32, _ uint64) (int32, bool) {
	return prevCPU, false
}

func (noopHost) QueueGlobal(slo.TaskID) {}

// Options configure an Engine. Zero values select production defaults.
type Options struct {
	// NumCPUs sizes the per-CPU counter and rate-limiter shards. Defaults to
	// runtime.NumCPU().
	NumCPUs int
	// Clock is the engine's sole time source. Defaults to a monotonic clock.
	Clock clock.Clock
	// Host answers CPU selection and absorbs fallback enqueues.
	Host Host
	// CPUFunc selects the shard a hot-path caller charges. The default
	// distributes callers round-robin; hosts that know the current CPU
	// should supply it here.
	CPUFunc func() int
	// Logger is used only on cold paths. Defaults to zap.NewNop().
	Logger *zap.Logger
	// EventCapacity overrides the miss-event ring capacity.
	EventCapacity int
}

// Engine is the SLO scheduling core. All host callbacks are safe for
// concurrent use; operations on a single task id and a single workload id are
// serializable.
type Engine struct {
	configs *slo.ConfigStore
	tasks   *slo.TaskStore
	queue   *edfq.Queue
	limiter *ratelimit.Limiter
	ring    *events.Ring
	stats   *counters.Counters
	clock   clock.Clock
	host    Host
	logger  *zap.Logger

	cpuFunc func() int
	numCPUs int

	// locks serializes transitions per task id.
	locks [transitionStripes]sync.Mutex
}

// New constructs an Engine. Every option has a safe default, so construction
// cannot fail.
func New(opts Options) *Engine {
	numCPUs := opts.NumCPUs
	if numCPUs <= 0 {
		numCPUs = runtime.NumCPU()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewMonotonic()
	}

	host := opts.Host
	if host == nil {
		host = noopHost{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	eng := &Engine{
		queue:   edfq.New(),
		limiter: ratelimit.New(numCPUs),
		ring:    events.NewRing(opts.EventCapacity),
		stats:   counters.New(numCPUs),
		clock:   clk,
		host:    host,
		logger:  logger,
		numCPUs: numCPUs,
	}

	eng.configs = slo.NewConfigStore()
	eng.tasks = slo.NewTaskStore()

	cpuFunc := opts.CPUFunc
	if cpuFunc == nil {
		cpuFunc = roundRobinCPU(numCPUs)
	}

	eng.cpuFunc = cpuFunc

	return eng
}

// roundRobinCPU spreads callers across shards when the host cannot report the
// current CPU.
func roundRobinCPU(numCPUs int) func() int {
	var next atomic.Uint64

	return func() int {
		return int(next.Add(1) % uint64(numCPUs))
	}
}

func (e *Engine) lockFor(tid slo.TaskID) *sync.Mutex {
	return &e.locks[uint32(tid)&(transitionStripes-1)]
}

// Upsert validates and stores a workload config (config source surface).
func (e *Engine) Upsert(wid slo.WorkloadID, cfg slo.Cfg) error {
	err := e.configs.Upsert(wid, cfg)
	if err != nil {
		return err
	}

	e.logger.Debug("workload config stored",
		zap.Uint64("workloadId", uint64(wid)),
		zap.Uint64("budgetNs", cfg.BudgetNS),
		zap.Uint32("importance", cfg.Importance),
	)

	return nil
}

// Remove deletes a workload config and reports whether one existed.
func (e *Engine) Remove(wid slo.WorkloadID) bool {
	return e.configs.Remove(wid)
}

// SelectCPU answers the host's CPU selection callback. When the host reports
// the candidate CPU idle, the engine counts a local dispatch; the actual local
// insertion is the host's business.
func (e *Engine) SelectCPU(tid slo.TaskID, prevCPU int32, wakeFlags uint64) int32 {
	cpu, idle := e.host.CandidateCPU(tid, prevCPU, wakeFlags)
	if idle {
		e.stats.Inc(e.cpuFunc(), counters.LocalDispatches)
	}

	return cpu
}

// Enqueue handles a task becoming runnable: it derives the task's absolute
// deadline from the workload's budget and importance and inserts the task
// into the deadline queue. Tasks that cannot be tracked fall back to the
// host's global queue; they are never dropped.
func (e *Engine) Enqueue(tid slo.TaskID, wid slo.WorkloadID, enqFlags uint64) {
	_ = enqFlags // reserved by the callback ABI

	cpu := e.cpuFunc()
	e.stats.Inc(cpu, counters.GlobalEnqueues)

	now := e.clock.Now()
	budget := e.configs.SafeBudget(wid)

	imp := slo.DefaultImportance
	if cfg, ok := e.configs.Get(wid); ok {
		imp = cfg.Importance
	}

	imp = slo.ClampImportance(imp)

	deadline := saturatingAdd(now, effectiveBudget(budget, imp))

	mu := e.lockFor(tid)
	mu.Lock()
	defer mu.Unlock()

	ctx := e.tasks.GetOrCreate(tid)
	if ctx == nil {
		e.stats.Inc(cpu, counters.TaskStoreExhausted)
		e.host.QueueGlobal(tid)

		return
	}

	ctx.Deadline = deadline
	ctx.BudgetNS = budget
	ctx.StartTime = 0
	ctx.Valid = true

	e.queue.Insert(tid, deadline)
}

// Running records the task's entry into the Running state. It has no queue
// effects.
func (e *Engine) Running(tid slo.TaskID) {
	mu := e.lockFor(tid)
	mu.Lock()
	defer mu.Unlock()

	ctx := e.tasks.Get(tid)
	if ctx == nil || !ctx.Valid {
		return
	}

	ctx.StartTime = e.clock.Now()
}

// Stopping handles a task leaving the CPU. A miss is detected strictly
// against the absolute deadline stored at enqueue, so delay spent queued or
// preempted counts, not merely runtime. When runnable is false the task's
// context and queue entry are released.
func (e *Engine) Stopping(tid slo.TaskID, wid slo.WorkloadID, runnable bool) {
	mu := e.lockFor(tid)
	mu.Lock()
	defer mu.Unlock()

	ctx := e.tasks.Get(tid)
	if ctx == nil || !ctx.Valid {
		return
	}

	now := e.clock.Now()

	// now == deadline is on time.
	if now > ctx.Deadline {
		e.recordMiss(wid, now, now-ctx.Deadline)
	}

	if !runnable {
		e.queue.Remove(tid)
		e.tasks.Remove(tid)
	}
}

func (e *Engine) recordMiss(wid slo.WorkloadID, now, missNS uint64) {
	cpu := e.cpuFunc()

	if !e.limiter.Allow(cpu, now) {
		e.stats.Inc(cpu, counters.RateLimitedDrops)

		return
	}

	ev := slo.DeadlineEvent{WorkloadID: wid, MissNS: missNS, Timestamp: now}
	if !e.ring.Offer(ev) {
		e.stats.Inc(cpu, counters.RateLimitedDrops)

		return
	}

	e.stats.Inc(cpu, counters.DeadlineMisses)
	e.stats.Add(cpu, counters.MissDurationNS, missNS)
}

// PopNext produces the next dispatch order: the runnable task with the
// earliest deadline, ties broken by ascending task id.
func (e *Engine) PopNext() (slo.TaskID, uint64, bool) {
	return e.queue.PopMin()
}

// Events exposes the miss-event ring (event consumer surface).
func (e *Engine) Events() *events.Ring {
	return e.ring
}

// ReadCounters returns a coherent sum of the per-CPU counters.
func (e *Engine) ReadCounters() counters.Snapshot {
	return e.stats.Read()
}

// QueueDepth reports the number of queued runnable tasks.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// TrackedTasks reports the number of live task contexts.
func (e *Engine) TrackedTasks() int {
	return e.tasks.Len()
}

// Workloads reports the number of stored workload configs.
func (e *Engine) Workloads() int {
	return e.configs.Len()
}

// Detach releases every queue and store. The host must have stopped invoking
// callbacks before detaching.
func (e *Engine) Detach() {
	e.queue.Clear()
	e.tasks.Clear()
	e.configs.Clear()
}

// effectiveBudget applies the importance weighting: eff = budget·(101−imp)/100
// in 64-bit integer arithmetic, truncation included.
func effectiveBudget(budget uint64, imp uint32) uint64 {
	// budget is bound-checked to MaxBudgetNS, so the product cannot overflow.
	return budget * uint64(101-imp) / 100
}

func saturatingAdd(a, b uint64) uint64 {
	if b > math.MaxUint64-a {
		return math.MaxUint64
	}

	return a + b
}
