package performance

import "sync/atomic"

// IterationBudget caps the total number of iterations across all VUs.
// A nil budget, or one with a limit <= 0, is unlimited.
type IterationBudget struct {
	limit int64
	used  atomic.Int64
}

// NewIterationBudget creates a budget of limit iterations.
func NewIterationBudget(limit int64) *IterationBudget {
	return &IterationBudget{limit: limit}
}

// Acquire takes one iteration from the budget. It returns false once the
// budget is exhausted.
func (b *IterationBudget) Acquire() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	for {
		used := b.used.Load()
		if used >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// Exhausted reports whether no iterations remain.
func (b *IterationBudget) Exhausted() bool {
	if b == nil || b.limit <= 0 {
		return false
	}
	return b.used.Load() >= b.limit
}

// Used returns the number of iterations acquired.
func (b *IterationBudget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Limit returns the configured limit, 0 when unlimited.
func (b *IterationBudget) Limit() int64 {
	if b == nil || b.limit <= 0 {
		return 0
	}
	return b.limit
}
