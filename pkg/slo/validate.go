package slo

import "errors"

// Rejection reasons returned by Validate and the config store. These are the
// only errors the configuration surface produces.
var (
	ErrZeroOrBelowMin       = errors.New("slo: budget is zero or below minimum")
	ErrAboveMax             = errors.New("slo: budget exceeds maximum")
	ErrImportanceOutOfRange = errors.New("slo: importance outside [1,100]")
	ErrReservedFlags        = errors.New("slo: reserved flags must be zero")
	ErrMissing              = errors.New("slo: config missing")
	ErrCapacityExhausted    = errors.New("slo: workload capacity exhausted")
)

// Validate bound-checks a candidate config. It is pure and total: no I/O, no
// side effects, and every input maps to nil or exactly one rejection reason.
func Validate(cfg Cfg) error {
	if cfg.BudgetNS < MinBudgetNS {
		return ErrZeroOrBelowMin
	}

	if cfg.BudgetNS > MaxBudgetNS {
		return ErrAboveMax
	}

	if cfg.Importance < MinImportance || cfg.Importance > MaxImportance {
		return ErrImportanceOutOfRange
	}

	if cfg.Flags != 0 {
		return ErrReservedFlags
	}

	return nil
}

// ClampImportance forces a weight into the accepted range.
func ClampImportance(imp uint32) uint32 {
	if imp < MinImportance {
		return MinImportance
	}

	if imp > MaxImportance {
		return MaxImportance
	}

	return imp
}
