package tracker

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/timekeeper/internal/logfields"
	"git.home.luguber.info/inful/timekeeper/internal/model"
	"git.home.luguber.info/inful/timekeeper/internal/notify"
	"git.home.luguber.info/inful/timekeeper/internal/trackerr"
)

// Service owns the timer state machine. All mutating operations load the
// current aggregate state, apply one transition, and write back through
// the archive; failures are returned as typed errors, never panicked.
type Service struct {
	archive  *Archive
	now      func() time.Time
	notifier notify.Publisher
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithNotifier publishes timer transition events after successful writes.
func WithNotifier(p notify.Publisher) ServiceOption {
	return func(s *Service) { s.notifier = p }
}

// NewService creates a timer service over the given archive.
func NewService(archive *Archive, opts ...ServiceOption) *Service {
	s := &Service{
		archive:  archive,
		now:      time.Now,
		notifier: notify.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpResult is the UI-facing outcome of a mutating operation: the
// post-mutation aggregate state plus, where one exists, the entry the
// operation created or modified. Callers branch on the returned error's
// kind, not on message strings.
type OpResult struct {
	Data     *model.TimerData
	Entry    *model.TimeEntry
	Warnings []*trackerr.TrackerError
}

// Archive exposes the underlying archive (for usage reporting).
func (s *Service) Archive() *Archive {
	return s.archive
}

func (s *Service) nowMS() int64 {
	return s.now().UnixMilli()
}

// StartGlobal starts the task-level timer. Any running checklist-item
// timer is closed out first (global always wins); if several items are
// somehow running (a state that cannot arise under correct usage), only
// the first is closed and the rest are left untouched, so callers must
// not assume all were stopped.
func (s *Service) StartGlobal(ctx context.Context, scopeID string) (*OpResult, error) {
	entries, data, _ := s.archive.LoadAll(ctx, scopeID)

	if data.Global().Active() {
		return nil, trackerr.New(trackerr.KindAlreadyRunning, "global timer is already running")
	}

	now := s.nowMS()
	if active, _ := data.ActiveScopes(); len(active) > 0 {
		itemID := active[0]
		entry := closeScope(data.Item(itemID), itemID, "", "", now)
		entries = append(entries, entry)
	}

	data.Global().Start(now)

	res := s.archive.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return nil, res.Err
	}
	s.publish(scopeID, notify.EventGlobalStarted, "", "")
	return &OpResult{Data: data, Warnings: res.Warnings}, nil
}

// StopGlobal stops the task-level timer, creating one entry with the given
// description and member attribution.
func (s *Service) StopGlobal(ctx context.Context, scopeID, description, memberID string) (*OpResult, error) {
	entries, data, _ := s.archive.LoadAll(ctx, scopeID)

	if !data.Global().Active() {
		return nil, trackerr.New(trackerr.KindNoActiveTimer, "no active global timer")
	}

	entry := closeScope(data.Global(), "", description, memberID, s.nowMS())
	entries = append(entries, entry)

	res := s.archive.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return nil, res.Err
	}
	s.publish(scopeID, notify.EventGlobalStopped, "", entry.ID)
	return &OpResult{Data: data, Entry: &entry, Warnings: res.Warnings}, nil
}

// StartItem starts a checklist-item timer, closing out the global timer
// and every other running item first. New items beyond the tracked-item
// cap are rejected; items already tracked are exempt so their tracking can
// always continue.
func (s *Service) StartItem(ctx context.Context, scopeID, itemID string) (*OpResult, error) {
	entries, data, _ := s.archive.LoadAll(ctx, scopeID)

	if data.Item(itemID) == nil && len(data.ChecklistTotals) >= model.MaxTrackedItems {
		return nil, trackerr.New(trackerr.KindMaxItemsExceeded, "tracked item limit reached").
			WithContext("limit", model.MaxTrackedItems)
	}
	if item := data.Item(itemID); item != nil && item.Active() {
		return nil, trackerr.New(trackerr.KindAlreadyRunning, "item timer is already running").
			WithContext("item_id", itemID)
	}

	now := s.nowMS()
	if data.Global().Active() {
		entries = append(entries, closeScope(data.Global(), "", "", "", now))
	}
	// Defensively close every other active item, not just the one the
	// invariant says can exist.
	active, _ := data.ActiveScopes()
	for _, other := range active {
		if other == itemID {
			continue
		}
		entries = append(entries, closeScope(data.Item(other), other, "", "", now))
	}

	data.EnsureItem(itemID).Start(now)

	res := s.archive.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return nil, res.Err
	}
	s.publish(scopeID, notify.EventItemStarted, itemID, "")
	return &OpResult{Data: data, Warnings: res.Warnings}, nil
}

// StopItem stops a checklist-item timer, creating one entry linked to it.
func (s *Service) StopItem(ctx context.Context, scopeID, itemID, description, memberID string) (*OpResult, error) {
	entries, data, _ := s.archive.LoadAll(ctx, scopeID)

	item := data.Item(itemID)
	if item == nil || !item.Active() {
		return nil, trackerr.New(trackerr.KindNoActiveTimerForItem, "no active timer for item").
			WithContext("item_id", itemID)
	}

	entry := closeScope(item, itemID, description, memberID, s.nowMS())
	entries = append(entries, entry)

	res := s.archive.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return nil, res.Err
	}
	s.publish(scopeID, notify.EventItemStopped, itemID, entry.ID)
	return &OpResult{Data: data, Entry: &entry, Warnings: res.Warnings}, nil
}

// PauseGlobal freezes the running global timer without closing it.
func (s *Service) PauseGlobal(ctx context.Context, scopeID string) (*OpResult, error) {
	return s.pauseResume(ctx, scopeID, "", true)
}

// ResumeGlobal unfreezes a paused global timer.
func (s *Service) ResumeGlobal(ctx context.Context, scopeID string) (*OpResult, error) {
	return s.pauseResume(ctx, scopeID, "", false)
}

// PauseItem freezes a running checklist-item timer.
func (s *Service) PauseItem(ctx context.Context, scopeID, itemID string) (*OpResult, error) {
	return s.pauseResume(ctx, scopeID, itemID, true)
}

// ResumeItem unfreezes a paused checklist-item timer.
func (s *Service) ResumeItem(ctx context.Context, scopeID, itemID string) (*OpResult, error) {
	return s.pauseResume(ctx, scopeID, itemID, false)
}

func (s *Service) pauseResume(ctx context.Context, scopeID, itemID string, pause bool) (*OpResult, error) {
	entries, data, _ := s.archive.LoadAll(ctx, scopeID)

	scope := data.Global()
	kind := trackerr.KindNoActiveTimer
	if itemID != "" {
		scope = data.Item(itemID)
		kind = trackerr.KindNoActiveTimerForItem
	}

	now := s.nowMS()
	switch {
	case pause:
		if scope == nil || scope.State != model.PhaseRunning {
			return nil, trackerr.New(kind, "timer is not running").WithContext("item_id", itemID)
		}
		scope.Pause(now)
	default:
		if scope == nil || scope.State != model.PhasePaused {
			return nil, trackerr.New(kind, "timer is not paused").WithContext("item_id", itemID)
		}
		scope.Resume(now)
	}

	res := s.archive.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return nil, res.Err
	}
	event := notify.EventPaused
	if !pause {
		event = notify.EventResumed
	}
	s.publish(scopeID, event, itemID, "")
	return &OpResult{Data: data, Warnings: res.Warnings}, nil
}

// SetEstimate sets or clears the task-level manual estimate. Values <= 0
// clear the manual flag so consumers fall back to the estimate derived
// from the per-item estimates.
func (s *Service) SetEstimate(ctx context.Context, scopeID string, ms int64) (*OpResult, error) {
	_, data, _ := s.archive.LoadAll(ctx, scopeID)
	applyEstimate(data.Global(), ms)
	if err := s.archive.SaveMeta(ctx, scopeID, data); err != nil {
		return nil, err
	}
	return &OpResult{Data: data}, nil
}

// SetItemEstimate sets or clears one item's manual estimate.
func (s *Service) SetItemEstimate(ctx context.Context, scopeID, itemID string, ms int64) (*OpResult, error) {
	_, data, _ := s.archive.LoadAll(ctx, scopeID)

	if data.Item(itemID) == nil && len(data.ChecklistTotals) >= model.MaxTrackedItems {
		return nil, trackerr.New(trackerr.KindMaxItemsExceeded, "tracked item limit reached").
			WithContext("limit", model.MaxTrackedItems)
	}
	applyEstimate(data.EnsureItem(itemID), ms)

	if err := s.archive.SaveMeta(ctx, scopeID, data); err != nil {
		return nil, err
	}
	return &OpResult{Data: data}, nil
}

// DeleteEntry removes one completed entry, adjusting the owning scope's
// aggregates by the removed duration.
func (s *Service) DeleteEntry(ctx context.Context, scopeID, entryID string) (*OpResult, error) {
	removed, res, err := s.archive.DeleteEntry(ctx, scopeID, entryID)
	if err != nil {
		return nil, err
	}
	_, data, _ := s.archive.LoadAll(ctx, scopeID)
	s.publish(scopeID, notify.EventEntryDeleted, removed.ChecklistItemID, removed.ID)
	return &OpResult{Data: data, Entry: &removed, Warnings: res.Warnings}, nil
}

// UpdateEntry patches one completed entry, adjusting aggregates by the
// signed duration delta.
func (s *Service) UpdateEntry(ctx context.Context, scopeID, entryID string, patch EntryPatch) (*OpResult, error) {
	updated, res, err := s.archive.UpdateEntry(ctx, scopeID, entryID, patch)
	if err != nil {
		return nil, err
	}
	_, data, _ := s.archive.LoadAll(ctx, scopeID)
	s.publish(scopeID, notify.EventEntryUpdated, updated.ChecklistItemID, updated.ID)
	return &OpResult{Data: data, Entry: &updated, Warnings: res.Warnings}, nil
}

// Entries returns the full reassembled history, newest first.
func (s *Service) Entries(ctx context.Context, scopeID string) ([]model.TimeEntry, LoadInfo) {
	entries, _, info := s.archive.LoadAll(ctx, scopeID)
	return entries, info
}

// State returns the current metadata document without the entry history.
func (s *Service) State(ctx context.Context, scopeID string) *model.TimerData {
	_, data, _ := s.archive.LoadAll(ctx, scopeID)
	return data
}

// Elapsed returns the live elapsed time of a scope ("" = global) right
// now. Zero when the scope is idle or unknown; never negative.
func (s *Service) Elapsed(data *model.TimerData, itemID string) int64 {
	scope := data.Global()
	if itemID != "" {
		scope = data.Item(itemID)
	}
	return scope.Elapsed(s.nowMS())
}

// Migrate rewrites a legacy-format task into the paginated format.
func (s *Service) Migrate(ctx context.Context, scopeID string) (bool, error) {
	return s.archive.Migrate(ctx, scopeID)
}

func (s *Service) publish(scopeID string, event notify.EventType, itemID, entryID string) {
	if err := s.notifier.Publish(notify.Event{
		Scope:   scopeID,
		Type:    event,
		ItemID:  itemID,
		EntryID: entryID,
		At:      s.now(),
	}); err != nil {
		// Notification is best effort; the write already succeeded.
		slog.Debug("transition event not published",
			logfields.Scope(scopeID), logfields.Error(err))
	}
}

// closeScope stops a scope's open interval and materializes it as an
// entry. CreatedAt defaults to the end time, which is the sole sort key.
func closeScope(scope *model.ScopeState, itemID, description, memberID string, nowMS int64) model.TimeEntry {
	start, duration := scope.Stop(nowMS)
	entry := model.TimeEntry{
		ID:              model.NewEntryID(),
		StartTime:       start,
		EndTime:         nowMS,
		Duration:        duration,
		Description:     model.TruncateDescription(description),
		CreatedAt:       nowMS,
		ChecklistItemID: itemID,
		MemberID:        memberID,
	}
	scope.TotalTime += duration
	scope.EntryCount++
	return entry
}

func applyEstimate(scope *model.ScopeState, ms int64) {
	if ms <= 0 {
		scope.EstimatedTime = 0
		scope.ManualEstimate = false
		return
	}
	scope.EstimatedTime = ms
	scope.ManualEstimate = true
}
