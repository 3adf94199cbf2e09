// Package hostsim provides a synthetic scheduling host: a fixed set of
// virtual CPUs that drive enqueue/running/stopping traffic through the
// engine. The daemon's simulate mode and the integration tests use it in
// place of a real operating-system host.
package hostsim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"slo-sched/pkg/slo"
)

// Engine is the scheduling surface the simulator drives.
type Engine interface {
	SelectCPU(tid slo.TaskID, prevCPU int32, wakeFlags uint64) int32
	Enqueue(tid slo.TaskID, wid slo.WorkloadID, enqFlags uint64)
	Running(tid slo.TaskID)
	Stopping(tid slo.TaskID, wid slo.WorkloadID, runnable bool)
	PopNext() (slo.TaskID, uint64, bool)
}

// DefaultPeriod is used when a zero or negative wake period is supplied.
const DefaultPeriod = 10 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("hostsim: simulator already started")
	ErrNoWorkloads    = errors.New("hostsim: no workloads configured")
	ErrNoCPUs         = errors.New("hostsim: virtual CPU count must be positive")
)

// Simulator drives synthetic task lifecycles through an Engine.
type Simulator struct {
	engine    Engine
	workloads []slo.WorkloadID
	cpus      int
	period    time.Duration
	service   time.Duration

	sleepFunc func(time.Duration)

	started  atomic.Bool
	nextTID  atomic.Uint32
	nextWID  atomic.Uint64
	idle     []atomic.Bool
	overflow chan slo.TaskID

	mu     sync.Mutex
	owners map[slo.TaskID]slo.WorkloadID
}

// New constructs a Simulator with cpus virtual CPUs waking a task per period
// on each, with the given on-CPU service time per task.
func New(engine Engine, workloads []slo.WorkloadID, cpus int, period, service time.Duration) (*Simulator, error) {
	if engine == nil {
		return nil, errors.New("hostsim: engine is nil")
	}

	if len(workloads) == 0 {
		return nil, ErrNoWorkloads
	}

	if cpus <= 0 {
		return nil, ErrNoCPUs
	}

	if period <= 0 {
		period = DefaultPeriod
	}

	if service < 0 {
		service = 0
	}

	return &Simulator{
		engine:    engine,
		workloads: workloads,
		cpus:      cpus,
		period:    period,
		service:   service,
		sleepFunc: time.Sleep,
		idle:      make([]atomic.Bool, cpus),
		overflow:  make(chan slo.TaskID, cpus*4),
		owners:    make(map[slo.TaskID]slo.WorkloadID),
	}, nil
}

// Run launches one goroutine per virtual CPU until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	var wg sync.WaitGroup

	for cpu := 0; cpu < s.cpus; cpu++ {
		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()
			s.virtualCPU(ctx, cpu)
		}(cpu)
	}

	wg.Wait()

	return nil
}

// CandidateCPU implements the host side of select_cpu: the previous CPU is
// proposed, idle iff that virtual CPU is currently parked.
func (s *Simulator) CandidateCPU(_ slo.TaskID, prevCPU int32, _ uint64) (int32, bool) {
	if prevCPU < 0 || int(prevCPU) >= s.cpus {
		return 0, false
	}

	return prevCPU, s.idle[prevCPU].Load()
}

// QueueGlobal absorbs fallback enqueues; the next free virtual CPU runs them.
func (s *Simulator) QueueGlobal(tid slo.TaskID) {
	select {
	case s.overflow <- tid:
	default:
		// Overflow saturated; the simulated task evaporates. Real hosts keep
		// their own run queue, the simulator just bounds memory.
	}
}

func (s *Simulator) virtualCPU(ctx context.Context, cpu int) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		s.idle[cpu].Store(true)

		select {
		case <-ctx.Done():
			return
		case tid := <-s.overflow:
			s.idle[cpu].Store(false)
			s.runFallback(tid)
		case <-ticker.C:
			s.idle[cpu].Store(false)
			s.wakeAndRun(cpu)
		}
	}
}

// wakeAndRun performs one full lifecycle: a fresh task wakes, is enqueued
// under a round-robin workload, and whichever task the engine orders first is
// run to completion.
func (s *Simulator) wakeAndRun(cpu int) {
	tid := slo.TaskID(s.nextTID.Add(1))
	wid := s.workloads[int(s.nextWID.Add(1)-1)%len(s.workloads)]

	s.setOwner(tid, wid)

	s.engine.SelectCPU(tid, int32(cpu), 0)
	s.engine.Enqueue(tid, wid, 0)

	next, _, ok := s.engine.PopNext()
	if !ok {
		return
	}

	s.engine.Running(next)

	if s.service > 0 {
		s.sleepFunc(s.service)
	}

	s.engine.Stopping(next, s.owner(next), false)
	s.clearOwner(next)
}

// runFallback executes an untracked task. The engine holds no context for it,
// so Stopping is a no-op there; the simulator just burns its service time.
func (s *Simulator) runFallback(tid slo.TaskID) {
	s.engine.Running(tid)

	if s.service > 0 {
		s.sleepFunc(s.service)
	}

	s.engine.Stopping(tid, s.owner(tid), false)
	s.clearOwner(tid)
}

func (s *Simulator) setOwner(tid slo.TaskID, wid slo.WorkloadID) {
	s.mu.Lock()
	s.owners[tid] = wid
	s.mu.Unlock()
}

func (s *Simulator) owner(tid slo.TaskID) slo.WorkloadID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.owners[tid]
}

func (s *Simulator) clearOwner(tid slo.TaskID) {
	s.mu.Lock()
	delete(s.owners, tid)
	s.mu.Unlock()
}
