// Package slocfg feeds validated workload configuration into the engine from
// a YAML file. It owns the translation from the file's identifier space into
// opaque workload ids; the engine never interprets them.
package slocfg

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"slo-sched/pkg/slo"
)

// Sink is the engine surface the source pushes into.
type Sink interface {
	Upsert(wid slo.WorkloadID, cfg slo.Cfg) error
	Remove(wid slo.WorkloadID) bool
}

// fileWorkload is one entry of the workloads file. Flags are intentionally
// not configurable; the reserved field stays zero.
type fileWorkload struct {
	ID         *uint64 `yaml:"id"`
	BudgetNS   *uint64 `yaml:"budgetNs"`
	Importance *uint32 `yaml:"importance"`
}

type fileRoot struct {
	Workloads []fileWorkload `yaml:"workloads"`
}

var errMissingID = errors.New("slocfg: workload entry missing id")

// Source loads a workloads file and applies it to a Sink. Reload applies the
// delta: changed entries are upserted, vanished entries removed. A rejected
// entry is logged and skipped, never fatal; the engine keeps the last valid
// config for that workload.
type Source struct {
	path   string
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	applied map[slo.WorkloadID]struct{}
}

// New constructs a Source reading path into sink.
func New(path string, sink Sink, logger *zap.Logger) (*Source, error) {
	if path == "" {
		return nil, errors.New("slocfg: path is empty")
	}

	if sink == nil {
		return nil, errors.New("slocfg: sink is nil")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Source{
		path:    path,
		sink:    sink,
		logger:  logger,
		applied: make(map[slo.WorkloadID]struct{}),
	}, nil
}

// Load reads the file and applies it. It returns an error only when the file
// itself cannot be read or parsed; per-entry rejections are logged and the
// remaining entries still apply.
func (s *Source) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read workloads file: %w", err)
	}

	var root fileRoot

	err = yaml.Unmarshal(raw, &root)
	if err != nil {
		return fmt.Errorf("parse workloads file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[slo.WorkloadID]struct{}, len(root.Workloads))

	for index, entry := range root.Workloads {
		wid, cfg, entryErr := resolveEntry(entry)
		if entryErr == nil {
			entryErr = s.sink.Upsert(wid, cfg)
			if entryErr != nil {
				// The sink still holds the last valid config; the workload
				// has not vanished.
				if _, ok := s.applied[wid]; ok {
					seen[wid] = struct{}{}
				}
			}
		}

		if entryErr != nil {
			s.logger.Warn("workload entry rejected",
				zap.Int("index", index),
				zap.Error(entryErr),
			)

			continue
		}

		seen[wid] = struct{}{}
		s.applied[wid] = struct{}{}
	}

	for wid := range s.applied {
		if _, ok := seen[wid]; ok {
			continue
		}

		s.sink.Remove(wid)
		delete(s.applied, wid)

		s.logger.Info("workload config removed", zap.Uint64("workloadId", uint64(wid)))
	}

	s.logger.Info("workload config applied",
		zap.String("path", s.path),
		zap.Int("workloads", len(seen)),
	)

	return nil
}

// Applied returns the workload ids currently applied to the sink.
func (s *Source) Applied() []slo.WorkloadID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]slo.WorkloadID, 0, len(s.applied))
	for wid := range s.applied {
		ids = append(ids, wid)
	}

	return ids
}

func resolveEntry(entry fileWorkload) (slo.WorkloadID, slo.Cfg, error) {
	if entry.ID == nil {
		return 0, slo.Cfg{}, errMissingID
	}

	cfg := slo.Cfg{
		BudgetNS:   slo.DefaultBudgetNS,
		Importance: slo.DefaultImportance,
	}

	if entry.BudgetNS != nil {
		cfg.BudgetNS = *entry.BudgetNS
	}

	if entry.Importance != nil {
		cfg.Importance = *entry.Importance
	}

	return slo.WorkloadID(*entry.ID), cfg, nil
}
