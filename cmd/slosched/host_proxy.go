package main

import (
	"sync/atomic"

	"slo-sched/pkg/engine"
	"slo-sched/pkg/slo"
	"slo-sched/pkg/slocfg"
)

// hostProxy breaks the construction cycle between the engine and the
// simulator: the engine is built against the proxy, the simulator is bound
// afterwards. Unbound, the proxy behaves like a host with no idle CPUs and no
// global queue.
type hostProxy struct {
	inner atomic.Pointer[boundHost]
}

type boundHost struct {
	host engine.Host
}

func newHostProxy() *hostProxy {
	return new(hostProxy)
}

func (p *hostProxy) bind(host engine.Host) {
	p.inner.Store(&boundHost{host: host})
}

func (p *hostProxy) CandidateCPU(tid slo.TaskID, prevCPU int32, wakeFlags uint64) (int32, bool) {
	bound := p.inner.Load()
	if bound == nil {
		return prevCPU, false
	}

	return bound.host.CandidateCPU(tid, prevCPU, wakeFlags)
}

func (p *hostProxy) QueueGlobal(tid slo.TaskID) {
	bound := p.inner.Load()
	if bound == nil {
		return
	}

	bound.host.QueueGlobal(tid)
}

// simWorkloads picks the workload ids the simulator cycles through: the
// configured ids when a workloads file was loaded, a small synthetic set
// otherwise (unknown ids schedule under the default budget).
func simWorkloads(source *slocfg.Source) []slo.WorkloadID {
	if source != nil {
		ids := source.Applied()
		if len(ids) > 0 {
			return ids
		}
	}

	return []slo.WorkloadID{1, 2, 3, 4}
}
