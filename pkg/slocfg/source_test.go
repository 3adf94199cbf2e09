//nolint:testpackage // tests exercise internal entry resolution
package slocfg

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"slo-sched/pkg/slo"
)

type fakeSink struct {
	mu      sync.Mutex
	configs map[slo.WorkloadID]slo.Cfg
	removed []slo.WorkloadID
}

func newFakeSink() *fakeSink {
	return &fakeSink{configs: make(map[slo.WorkloadID]slo.Cfg)}
}

func (f *fakeSink) Upsert(wid slo.WorkloadID, cfg slo.Cfg) error {
	err := slo.Validate(cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.configs[wid] = cfg
	f.mu.Unlock()

	return nil
}

func (f *fakeSink) Remove(wid slo.WorkloadID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.configs[wid]
	delete(f.configs, wid)

	f.removed = append(f.removed, wid)

	return ok
}

func writeWorkloads(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "workloads.yaml")

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("write workloads file: %v", err)
	}

	return path
}

func TestSourceLoadsWorkloads(t *testing.T) {
	t.Parallel()

	path := writeWorkloads(t, `
workloads:
  - id: 12345
    budgetNs: 50000000
    importance: 50
  - id: 99999
    budgetNs: 20000000
    importance: 90
`)

	sink := newFakeSink()

	source, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = source.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(sink.configs) != 2 {
		t.Fatalf("applied %d workloads, want 2", len(sink.configs))
	}

	got := sink.configs[12345]
	if got.BudgetNS != 50_000_000 || got.Importance != 50 {
		t.Fatalf("workload 12345 wrong: %+v", got)
	}

	if len(source.Applied()) != 2 {
		t.Fatalf("Applied() reported %d ids", len(source.Applied()))
	}
}

func TestSourceDefaultsOmittedFields(t *testing.T) {
	t.Parallel()

	path := writeWorkloads(t, `
workloads:
  - id: 7
`)

	sink := newFakeSink()

	source, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = source.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	got := sink.configs[7]
	if got.BudgetNS != slo.DefaultBudgetNS || got.Importance != slo.DefaultImportance {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestSourceSkipsRejectedEntries(t *testing.T) {
	t.Parallel()

	path := writeWorkloads(t, `
workloads:
  - id: 1
    budgetNs: 50000000
    importance: 50
  - budgetNs: 1000
  - id: 2
    budgetNs: 999
    importance: 50
`)

	sink := newFakeSink()

	source, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = source.Load()
	if err != nil {
		t.Fatalf("load must tolerate bad entries: %v", err)
	}

	if len(sink.configs) != 1 {
		t.Fatalf("applied %d workloads, want 1", len(sink.configs))
	}

	if _, ok := sink.configs[1]; !ok {
		t.Fatalf("valid entry must survive its bad neighbours")
	}
}

func TestSourceReloadRemovesVanishedWorkloads(t *testing.T) {
	t.Parallel()

	path := writeWorkloads(t, `
workloads:
  - id: 1
    budgetNs: 50000000
    importance: 50
  - id: 2
    budgetNs: 20000000
    importance: 40
`)

	sink := newFakeSink()

	source, err := New(path, sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = source.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	err = os.WriteFile(path, []byte(`
workloads:
  - id: 1
    budgetNs: 60000000
    importance: 50
`), 0o600)
	if err != nil {
		t.Fatalf("rewrite workloads file: %v", err)
	}

	err = source.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if _, ok := sink.configs[2]; ok {
		t.Fatalf("vanished workload must be removed from the sink")
	}

	if got := sink.configs[1].BudgetNS; got != 60_000_000 {
		t.Fatalf("changed workload not re-applied: %d", got)
	}
}

func TestSourceLoadErrors(t *testing.T) {
	t.Parallel()

	sink := newFakeSink()

	source, err := New(filepath.Join(t.TempDir(), "missing.yaml"), sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = source.Load()
	if err == nil {
		t.Fatalf("missing file must fail the load")
	}

	path := writeWorkloads(t, "workloads: [broken")

	source, err = New(path, sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = source.Load()
	if err == nil {
		t.Fatalf("unparsable file must fail the load")
	}
}

func TestResolveEntryRequiresID(t *testing.T) {
	t.Parallel()

	_, _, err := resolveEntry(fileWorkload{})
	if !errors.Is(err, errMissingID) {
		t.Fatalf("expected errMissingID, got %v", err)
	}
}
