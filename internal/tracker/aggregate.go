package tracker

import (
	"git.home.luguber.info/inful/timekeeper/internal/model"
)

// The helpers below derive the numbers the UI layer renders: totals,
// effective estimates, the currently-running scope, and storage usage.
// They are pure over the metadata document except StorageUsage, which
// reads the bounded adapter's accounting.

// RunningRef identifies which scope, if any, holds the active timer.
type RunningRef struct {
	Global bool
	ItemID string
}

// RunningScope returns the active scope. Global wins when both somehow
// report active; among items the lexically first wins, matching the
// engine's deterministic close-out order.
func RunningScope(data *model.TimerData) (RunningRef, bool) {
	items, globalActive := data.ActiveScopes()
	if globalActive {
		return RunningRef{Global: true}, true
	}
	if len(items) > 0 {
		return RunningRef{ItemID: items[0]}, true
	}
	return RunningRef{}, false
}

// TotalTracked returns the task's full persisted total: the global scope
// plus every item scope.
func TotalTracked(data *model.TimerData) int64 {
	total := data.Global().TotalTime
	for _, s := range data.ChecklistTotals {
		total += s.TotalTime
	}
	return total
}

// DerivedEstimate is the fallback estimate: the sum of per-item estimates.
func DerivedEstimate(data *model.TimerData) int64 {
	var sum int64
	for _, s := range data.ChecklistTotals {
		sum += s.EstimatedTime
	}
	return sum
}

// EffectiveEstimate returns the manual task estimate when one is set,
// otherwise the derived estimate.
func EffectiveEstimate(data *model.TimerData) int64 {
	if data.ManualEstimate {
		return data.EstimatedTime
	}
	return DerivedEstimate(data)
}

// ScopeTotalWithLive returns a scope's persisted total plus its live
// elapsed time at nowMS ("" = global).
func ScopeTotalWithLive(data *model.TimerData, itemID string, nowMS int64) int64 {
	scope := data.Global()
	if itemID != "" {
		scope = data.Item(itemID)
		if scope == nil {
			return 0
		}
	}
	return scope.TotalTime + scope.Elapsed(nowMS)
}

// StorageUsage describes how full a task's storage keys are.
type StorageUsage struct {
	// PerKey is the last written size per key, in bytes.
	PerKey map[string]int
	// TotalBytes sums every key's size.
	TotalBytes int
	// FullestKeyPercent is the fullest single key as a percentage of the
	// per-key ceiling — the number shown as "storage used".
	FullestKeyPercent float64
	// LimitBytes is the per-key ceiling.
	LimitBytes int
}

// Usage reports the storage footprint of one task.
func (a *Archive) Usage(scopeID string) StorageUsage {
	perKey := a.store.Usage(scopeID)
	total := 0
	for _, size := range perKey {
		total += size
	}
	return StorageUsage{
		PerKey:            perKey,
		TotalBytes:        total,
		FullestKeyPercent: a.store.UsagePercent(scopeID),
		LimitBytes:        a.store.Limit(),
	}
}
