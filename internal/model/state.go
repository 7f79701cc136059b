package model

// Phase is the lifecycle state of one timer scope.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
)

// CurrentEntry is the open interval owned by a running or paused scope.
// It exists exactly while the scope is not idle and is destroyed the moment
// the corresponding stop completes.
type CurrentEntry struct {
	StartTime      int64 `json:"startTime"`
	PausedDuration int64 `json:"pausedDuration"`
	// PausedAt is set only while the scope is paused.
	PausedAt int64 `json:"pausedAt,omitempty"`
}

// ScopeState is one timer scope: either the global task timer or one
// checklist-item timer. State and CurrentEntry always move together: idle
// scopes carry no CurrentEntry, running and paused scopes always carry one.
// Use the transition methods rather than mutating fields directly.
type ScopeState struct {
	State          Phase         `json:"state"`
	CurrentEntry   *CurrentEntry `json:"currentEntry,omitempty"`
	EstimatedTime  int64         `json:"estimatedTime,omitempty"`
	ManualEstimate bool          `json:"manualEstimateSet,omitempty"`
	TotalTime      int64         `json:"totalTime"`
	EntryCount     int           `json:"entryCount,omitempty"`
}

// NewScopeState returns an idle scope with zeroed aggregates.
func NewScopeState() *ScopeState {
	return &ScopeState{State: PhaseIdle}
}

// Active reports whether the scope holds the single active timer slot
// (running or paused).
func (s *ScopeState) Active() bool {
	return s.State == PhaseRunning || s.State == PhasePaused
}

// Start transitions an idle scope to running with a fresh open interval.
// The caller is responsible for having verified the scope is idle.
func (s *ScopeState) Start(nowMS int64) {
	s.State = PhaseRunning
	s.CurrentEntry = &CurrentEntry{StartTime: nowMS, PausedDuration: 0}
}

// Pause freezes a running scope. No-op unless running.
func (s *ScopeState) Pause(nowMS int64) {
	if s.State != PhaseRunning || s.CurrentEntry == nil {
		return
	}
	s.State = PhasePaused
	s.CurrentEntry.PausedAt = nowMS
}

// Resume unfreezes a paused scope, folding the pause interval into
// PausedDuration. No-op unless paused.
func (s *ScopeState) Resume(nowMS int64) {
	if s.State != PhasePaused || s.CurrentEntry == nil {
		return
	}
	if paused := nowMS - s.CurrentEntry.PausedAt; paused > 0 {
		s.CurrentEntry.PausedDuration += paused
	}
	s.CurrentEntry.PausedAt = 0
	s.State = PhaseRunning
}

// Stop closes the open interval and returns its start time and net
// duration (wall time minus paused time, clamped at zero). Stopping a
// paused scope first folds the open pause interval. The scope returns to
// idle and the open interval is destroyed.
func (s *ScopeState) Stop(nowMS int64) (startMS, durationMS int64) {
	ce := s.CurrentEntry
	if ce == nil {
		s.State = PhaseIdle
		return 0, 0
	}
	if s.State == PhasePaused && ce.PausedAt > 0 {
		if paused := nowMS - ce.PausedAt; paused > 0 {
			ce.PausedDuration += paused
		}
	}
	startMS = ce.StartTime
	durationMS = nowMS - ce.StartTime - ce.PausedDuration
	if durationMS < 0 {
		durationMS = 0
	}
	s.State = PhaseIdle
	s.CurrentEntry = nil
	return startMS, durationMS
}

// Elapsed returns the live elapsed time of the open interval at nowMS.
// Zero for idle scopes; frozen at the pause point for paused scopes.
// Never negative.
func (s *ScopeState) Elapsed(nowMS int64) int64 {
	if s == nil || !s.Active() || s.CurrentEntry == nil {
		return 0
	}
	ce := s.CurrentEntry
	ref := nowMS
	if s.State == PhasePaused && ce.PausedAt > 0 {
		ref = ce.PausedAt
	}
	elapsed := ref - ce.StartTime - ce.PausedDuration
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
