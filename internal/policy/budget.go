package policy

import (
	"fmt"
	"time"
)

// Budget accumulates a session's resource consumption. The session manager
// owns the instance and mutates it under the session's serialisation; the
// evaluator only reads it through Check.
type Budget struct {
	StartedAt        time.Time `json:"started_at"`
	ActionsEvaluated int       `json:"actions_evaluated"`
	ActionsDenied    int       `json:"actions_denied"`
	FilesChanged     int       `json:"files_changed"`
	TotalOutputBytes int64     `json:"total_output_bytes"`
	Retries          int       `json:"retries"`
	CostUSD          float64   `json:"cost_usd"`
}

// NewBudget returns a zeroed budget with the session start time set.
func NewBudget(now time.Time) *Budget {
	return &Budget{StartedAt: now}
}

// Check compares the accumulated consumption against the policy ceilings
// and returns one denial per exceeded ceiling. Zero-valued ceilings are
// not enforced. Runtime is exceeded when strictly over the limit; counters
// are exceeded at the limit.
func (b *Budget) Check(l *Limits) []DenyReason {
	if l == nil {
		return nil
	}
	var out []DenyReason
	deny := func(msg string) {
		out = append(out, DenyReason{Kind: DenyBudget, Message: msg})
	}

	if l.MaxRuntimeMS > 0 {
		elapsed := time.Since(b.StartedAt).Milliseconds()
		if elapsed > l.MaxRuntimeMS {
			deny(fmt.Sprintf("Runtime budget exceeded: %dms elapsed (max %dms)", elapsed, l.MaxRuntimeMS))
		}
	}
	if l.MaxFilesChanged > 0 && b.FilesChanged >= l.MaxFilesChanged {
		deny(fmt.Sprintf("File change budget exceeded: %d files changed (max %d)", b.FilesChanged, l.MaxFilesChanged))
	}
	if l.MaxOutputBytes > 0 && b.TotalOutputBytes >= l.MaxOutputBytes {
		deny(fmt.Sprintf("Output budget exceeded: %d bytes written (max %d)", b.TotalOutputBytes, l.MaxOutputBytes))
	}
	if l.MaxRetries > 0 && b.Retries >= l.MaxRetries {
		deny(fmt.Sprintf("Retry budget exceeded: %d retries (max %d)", b.Retries, l.MaxRetries))
	}
	if l.MaxCostUSD > 0 && b.CostUSD >= l.MaxCostUSD {
		deny(fmt.Sprintf("Cost budget exceeded: $%.4f spent (max $%.4f)", b.CostUSD, l.MaxCostUSD))
	}
	return out
}

// BudgetSnapshot is the read-only copy returned to callers after each
// evaluation, with remaining headroom pre-computed against the limits.
type BudgetSnapshot struct {
	StartedAt        time.Time `json:"started_at"`
	RuntimeMS        int64     `json:"runtime_ms"`
	ActionsEvaluated int       `json:"actions_evaluated"`
	ActionsDenied    int       `json:"actions_denied"`
	FilesChanged     int       `json:"files_changed"`
	TotalOutputBytes int64     `json:"total_output_bytes"`
	Retries          int       `json:"retries"`
	CostUSD          float64   `json:"cost_usd"`

	RemainingFiles   *int     `json:"remaining_files,omitempty"`
	RemainingBytes   *int64   `json:"remaining_bytes,omitempty"`
	RemainingRetries *int     `json:"remaining_retries,omitempty"`
	RemainingCostUSD *float64 `json:"remaining_cost_usd,omitempty"`
	RemainingMS      *int64   `json:"remaining_ms,omitempty"`
}

// Snapshot copies the budget and computes remaining headroom for every
// ceiling the limits define. Remaining values clamp at zero.
func (b *Budget) Snapshot(l *Limits, now time.Time) BudgetSnapshot {
	snap := BudgetSnapshot{
		StartedAt:        b.StartedAt,
		RuntimeMS:        now.Sub(b.StartedAt).Milliseconds(),
		ActionsEvaluated: b.ActionsEvaluated,
		ActionsDenied:    b.ActionsDenied,
		FilesChanged:     b.FilesChanged,
		TotalOutputBytes: b.TotalOutputBytes,
		Retries:          b.Retries,
		CostUSD:          b.CostUSD,
	}
	if l == nil {
		return snap
	}
	if l.MaxFilesChanged > 0 {
		v := clampInt(l.MaxFilesChanged - b.FilesChanged)
		snap.RemainingFiles = &v
	}
	if l.MaxOutputBytes > 0 {
		v := clampInt64(l.MaxOutputBytes - b.TotalOutputBytes)
		snap.RemainingBytes = &v
	}
	if l.MaxRetries > 0 {
		v := clampInt(l.MaxRetries - b.Retries)
		snap.RemainingRetries = &v
	}
	if l.MaxCostUSD > 0 {
		v := l.MaxCostUSD - b.CostUSD
		if v < 0 {
			v = 0
		}
		snap.RemainingCostUSD = &v
	}
	if l.MaxRuntimeMS > 0 {
		v := clampInt64(l.MaxRuntimeMS - snap.RuntimeMS)
		snap.RemainingMS = &v
	}
	return snap
}

func clampInt(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func clampInt64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
