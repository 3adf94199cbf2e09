//nolint:testpackage // tests reach into unexported stores to observe context state
package engine

import (
	"sync"
	"testing"

	"slo-sched/pkg/clock"
	"slo-sched/pkg/slo"
)

type fakeHost struct {
	mu        sync.Mutex
	idleCPUs  map[int32]bool
	global    []slo.TaskID
	candidate int32
}

func newFakeHost() *fakeHost {
	return &fakeHost{idleCPUs: make(map[int32]bool)}
}

func (h *fakeHost) CandidateCPU(_ slo.TaskID, prevCPU int32, _ uint64) (int32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cpu := h.candidate
	if cpu == 0 {
		cpu = prevCPU
	}

	return cpu, h.idleCPUs[cpu]
}

func (h *fakeHost) QueueGlobal(tid slo.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = append(h.global, tid)
}

func (h *fakeHost) globalLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.global)
}

func newTestEngine(t *testing.T, clk clock.Clock, host Host) *Engine {
	t.Helper()

	if host == nil {
		host = newFakeHost()
	}

	return New(Options{
		NumCPUs: 1,
		Clock:   clk,
		Host:    host,
		CPUFunc: func() int { return 0 },
	})
}

func TestOnTimeCompletionEmitsNothing(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	err := eng.Upsert(12345, slo.Cfg{BudgetNS: 50_000_000, Importance: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng.Enqueue(1001, 12345, 0)

	clk.Set(1_005_000_000)
	eng.Running(1001)

	clk.Set(1_040_000_000)
	eng.Stopping(1001, 12345, false)

	if got := eng.Events().Len(); got != 0 {
		t.Fatalf("on-time stop emitted %d events", got)
	}

	snap := eng.ReadCounters()
	if snap.GlobalEnqueues != 1 {
		t.Fatalf("GlobalEnqueues = %d, want 1", snap.GlobalEnqueues)
	}

	if snap.DeadlineMisses != 0 {
		t.Fatalf("DeadlineMisses = %d, want 0", snap.DeadlineMisses)
	}

	if eng.tasks.Get(1001) != nil {
		t.Fatalf("context must be removed after stopping(runnable=false)")
	}
}

func TestMissBySchedulingDelay(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	err := eng.Upsert(99999, slo.Cfg{BudgetNS: 20_000_000, Importance: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng.Enqueue(2001, 99999, 0)

	// eff = 20_000_000 · 51 / 100 = 10_200_000.
	ctx := eng.tasks.Get(2001)
	if ctx == nil || ctx.Deadline != 1_010_200_000 {
		t.Fatalf("deadline = %+v, want 1010200000", ctx)
	}

	clk.Set(1_015_000_000)
	eng.Running(2001)

	clk.Set(1_025_000_000)
	eng.Stopping(2001, 99999, false)

	got := eng.Events().Poll(4, 0)
	if len(got) != 1 {
		t.Fatalf("expected one miss event, got %d", len(got))
	}

	ev := got[0]
	if ev.WorkloadID != 99999 || ev.MissNS != 14_800_000 || ev.Timestamp != 1_025_000_000 {
		t.Fatalf("event wrong: %+v", ev)
	}

	snap := eng.ReadCounters()
	if snap.DeadlineMisses != 1 || snap.MissDurationNS != 14_800_000 {
		t.Fatalf("miss counters = (%d,%d)", snap.DeadlineMisses, snap.MissDurationNS)
	}
}

func TestUnknownWorkloadUsesDefaultBudget(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	eng.Enqueue(3001, 777777, 0)

	ctx := eng.tasks.Get(3001)
	if ctx == nil {
		t.Fatalf("context missing")
	}

	if ctx.BudgetNS != slo.DefaultBudgetNS {
		t.Fatalf("BudgetNS = %d, want default %d", ctx.BudgetNS, slo.DefaultBudgetNS)
	}

	// deadline = 1_000_000_000 + 100_000_000·51/100.
	if ctx.Deadline != 1_051_000_000 {
		t.Fatalf("Deadline = %d, want 1051000000", ctx.Deadline)
	}
}

func TestBoundaryIsOnTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	err := eng.Upsert(5, slo.Cfg{BudgetNS: 20_000_000, Importance: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng.Enqueue(4001, 5, 0)

	// Land exactly on the deadline.
	clk.Set(1_010_200_000)
	eng.Stopping(4001, 5, false)

	if got := eng.Events().Len(); got != 0 {
		t.Fatalf("boundary completion emitted %d events", got)
	}

	if eng.ReadCounters().DeadlineMisses != 0 {
		t.Fatalf("boundary completion counted as a miss")
	}
}

func TestDeadlineSaturates(t *testing.T) {
	t.Parallel()

	const maxUint64 = ^uint64(0)

	clk := clock.NewManual(maxUint64 - 1_000)
	eng := newTestEngine(t, clk, nil)

	eng.Enqueue(6001, 1, 0)

	ctx := eng.tasks.Get(6001)
	if ctx == nil || ctx.Deadline != maxUint64 {
		t.Fatalf("deadline must saturate: %+v", ctx)
	}
}

func TestImportanceWeighting(t *testing.T) {
	t.Parallel()

	// want is the deadline offset for a 100ms budget: budget·(101−imp)/100.
	cases := []struct {
		importance uint32
		want       uint64
	}{
		{importance: 100, want: 1_000_000},
		{importance: 1, want: 100_000_000},
		{importance: 50, want: 51_000_000},
		{importance: 99, want: 2_000_000},
		{importance: 51, want: 50_000_000},
	}

	for _, tc := range cases {
		clk := clock.NewManual(1_000_000_000)
		eng := newTestEngine(t, clk, nil)

		err := eng.Upsert(7, slo.Cfg{BudgetNS: 100_000_000, Importance: tc.importance})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		eng.Enqueue(1, 7, 0)

		ctx := eng.tasks.Get(1)
		if ctx == nil {
			t.Fatalf("context missing")
		}

		got := ctx.Deadline - 1_000_000_000
		if got != tc.want {
			t.Fatalf("importance %d: offset %d, want %d", tc.importance, got, tc.want)
		}
	}
}

func TestReEnqueueReinitializesContext(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	err := eng.Upsert(8, slo.Cfg{BudgetNS: 10_000_000, Importance: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng.Enqueue(9001, 8, 0)
	eng.Running(9001)

	// Still runnable at stop: the context survives.
	clk.Set(1_001_000_000)
	eng.Stopping(9001, 8, true)

	if eng.tasks.Get(9001) == nil {
		t.Fatalf("context must survive stopping(runnable=true)")
	}

	// The next enqueue re-derives the deadline from the new now.
	clk.Set(2_000_000_000)
	eng.Enqueue(9001, 8, 0)

	ctx := eng.tasks.Get(9001)
	if ctx.Deadline != 2_000_000_000+5_100_000 {
		t.Fatalf("re-enqueue deadline = %d", ctx.Deadline)
	}

	if ctx.StartTime != 0 {
		t.Fatalf("re-enqueue must clear StartTime")
	}
}

func TestStoppingUnknownTaskIsNoOp(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	eng.Stopping(12345, 1, false)
	eng.Running(12345)

	if got := eng.ReadCounters(); got.DeadlineMisses != 0 || got.GlobalEnqueues != 0 {
		t.Fatalf("unexpected counter movement: %+v", got)
	}
}

func TestSelectCPULocalDispatchCounting(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.idleCPUs[3] = true
	host.candidate = 3

	clk := clock.NewManual(0)
	eng := newTestEngine(t, clk, host)

	if got := eng.SelectCPU(1, 2, 0); got != 3 {
		t.Fatalf("SelectCPU returned %d, want 3", got)
	}

	if eng.ReadCounters().LocalDispatches != 1 {
		t.Fatalf("idle candidate must count a local dispatch")
	}

	host.mu.Lock()
	host.idleCPUs[3] = false
	host.mu.Unlock()

	eng.SelectCPU(1, 2, 0)

	if eng.ReadCounters().LocalDispatches != 1 {
		t.Fatalf("busy candidate must not count a local dispatch")
	}
}

func TestFallbackEnqueueAtTaskCapacity(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, host)

	for tid := slo.TaskID(0); tid < slo.MaxTasks; tid++ {
		eng.Enqueue(tid, 1, 0)
	}

	if host.globalLen() != 0 {
		t.Fatalf("no fallback expected below capacity")
	}

	eng.Enqueue(slo.MaxTasks, 1, 0)

	if host.globalLen() != 1 {
		t.Fatalf("overflow enqueue must reach the host's global queue")
	}

	snap := eng.ReadCounters()
	if snap.TaskStoreExhausted != 1 {
		t.Fatalf("TaskStoreExhausted = %d, want 1", snap.TaskStoreExhausted)
	}

	// The untracked task is counted as enqueued too; it is never dropped.
	if snap.GlobalEnqueues != slo.MaxTasks+1 {
		t.Fatalf("GlobalEnqueues = %d, want %d", snap.GlobalEnqueues, slo.MaxTasks+1)
	}

	if eng.TrackedTasks() != slo.MaxTasks {
		t.Fatalf("tracked tasks = %d, want %d", eng.TrackedTasks(), slo.MaxTasks)
	}
}

func TestPopNextFollowsEDFOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	// Identical enqueue time; order comes from budget/importance.
	cfgs := map[slo.WorkloadID]slo.Cfg{
		1: {BudgetNS: 100_000_000, Importance: 50},
		2: {BudgetNS: 50_000_000, Importance: 50},
		3: {BudgetNS: 100_000_000, Importance: 99},
	}

	for wid, cfg := range cfgs {
		err := eng.Upsert(wid, cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	eng.Enqueue(11, 1, 0) // offset 51ms
	eng.Enqueue(12, 2, 0) // offset 25.5ms
	eng.Enqueue(13, 3, 0) // offset 2ms

	want := []slo.TaskID{13, 12, 11}

	for _, expected := range want {
		tid, _, ok := eng.PopNext()
		if !ok || tid != expected {
			t.Fatalf("popped %d (ok=%v), want %d", tid, ok, expected)
		}
	}
}

func TestStoppingRunnableFalseRemovesQueueEntry(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	eng.Enqueue(21, 1, 0)
	eng.Enqueue(22, 1, 0)

	eng.Stopping(21, 1, false)

	tid, _, ok := eng.PopNext()
	if !ok || tid != 22 {
		t.Fatalf("popped %d (ok=%v), want 22", tid, ok)
	}

	if _, _, ok = eng.PopNext(); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestDetachEmptiesEverything(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := newTestEngine(t, clk, nil)

	err := eng.Upsert(1, slo.Cfg{BudgetNS: 2_000_000, Importance: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng.Enqueue(31, 1, 0)
	eng.Enqueue(32, 1, 0)

	eng.Detach()

	if eng.QueueDepth() != 0 || eng.TrackedTasks() != 0 || eng.Workloads() != 0 {
		t.Fatalf("detach left state behind: queue=%d tasks=%d workloads=%d",
			eng.QueueDepth(), eng.TrackedTasks(), eng.Workloads())
	}
}

func TestConcurrentTransitionsKeepBounds(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(1_000_000_000)
	eng := New(Options{
		NumCPUs: 4,
		Clock:   clk,
		Host:    newFakeHost(),
	})

	err := eng.Upsert(1, slo.Cfg{BudgetNS: 2_000_000, Importance: 90})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			base := slo.TaskID(worker * 10_000)
			for i := slo.TaskID(0); i < 500; i++ {
				tid := base + i

				eng.Enqueue(tid, 1, 0)
				eng.Running(tid)
				eng.Stopping(tid, 1, false)
			}
		}(worker)
	}

	wg.Wait()

	if eng.TrackedTasks() != 0 {
		t.Fatalf("all contexts should be cleaned up, %d left", eng.TrackedTasks())
	}

	snap := eng.ReadCounters()
	if snap.GlobalEnqueues != 4_000 {
		t.Fatalf("GlobalEnqueues = %d, want 4000", snap.GlobalEnqueues)
	}
}
