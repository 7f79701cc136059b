package model

import (
	"encoding/json"
	"sort"
)

// SchemaVersion is the current timerData document version. Version 0 (the
// field absent) is the legacy single-key format that embedded the entry
// list directly in the metadata document; the paginated format strips it.
const SchemaVersion = 2

// MaxTrackedItems caps how many distinct checklist-item scopes a task may
// track. Items already present are exempt so tracking can always continue
// for scopes in use.
const MaxTrackedItems = 32

// TimerData is the metadata document persisted under the timerData key.
// The global scope's fields are flattened at the top level and per-item
// scopes live under checklistTotals; the entry list is never embedded in
// the current format.
type TimerData struct {
	ScopeState
	Version         int                    `json:"version,omitempty"`
	ChecklistTotals map[string]*ScopeState `json:"checklistTotals,omitempty"`
	// LegacyEntries holds codec arrays from the pre-pagination format.
	// Populated only when reading an unmigrated document; stripped by the
	// next save.
	LegacyEntries []json.RawMessage `json:"entries,omitempty"`
}

// NewTimerData returns an empty current-format document.
func NewTimerData() *TimerData {
	return &TimerData{
		ScopeState: ScopeState{State: PhaseIdle},
		Version:    SchemaVersion,
	}
}

// Normalize coerces a freshly-decoded document into a usable shape:
// missing phases become idle and nil maps are allocated. It does not touch
// LegacyEntries; migration is the archive store's job.
func (d *TimerData) Normalize() {
	if d.State == "" {
		d.State = PhaseIdle
	}
	if d.ChecklistTotals == nil {
		d.ChecklistTotals = make(map[string]*ScopeState)
	}
	for _, s := range d.ChecklistTotals {
		if s.State == "" {
			s.State = PhaseIdle
		}
	}
}

// Global returns the global scope.
func (d *TimerData) Global() *ScopeState {
	return &d.ScopeState
}

// Item returns the scope for itemID, or nil when the item is untracked.
func (d *TimerData) Item(itemID string) *ScopeState {
	return d.ChecklistTotals[itemID]
}

// EnsureItem returns the scope for itemID, creating it when absent.
func (d *TimerData) EnsureItem(itemID string) *ScopeState {
	if d.ChecklistTotals == nil {
		d.ChecklistTotals = make(map[string]*ScopeState)
	}
	if s, ok := d.ChecklistTotals[itemID]; ok {
		return s
	}
	s := NewScopeState()
	d.ChecklistTotals[itemID] = s
	return s
}

// ActiveScopes returns the item IDs of every non-idle item scope plus
// whether the global scope is active. Under the single-active-timer
// invariant at most one scope is active; callers handle longer lists
// defensively.
func (d *TimerData) ActiveScopes() (itemIDs []string, globalActive bool) {
	for id, s := range d.ChecklistTotals {
		if s.Active() {
			itemIDs = append(itemIDs, id)
		}
	}
	sort.Strings(itemIDs) // deterministic pick when several are active
	return itemIDs, d.ScopeState.Active()
}
