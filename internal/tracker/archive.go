package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.home.luguber.info/inful/timekeeper/internal/codec"
	"git.home.luguber.info/inful/timekeeper/internal/kv"
	"git.home.luguber.info/inful/timekeeper/internal/logfields"
	"git.home.luguber.info/inful/timekeeper/internal/metrics"
	"git.home.luguber.info/inful/timekeeper/internal/observability"
	"git.home.luguber.info/inful/timekeeper/internal/model"
	"git.home.luguber.info/inful/timekeeper/internal/trackerr"
)

// Storage key layout. This surface is persisted state and must remain
// stable across versions.
const (
	// KeyTimerData holds the metadata document (timer state, estimates,
	// aggregates). Entries are never embedded here in the current format.
	KeyTimerData = "timerData"

	// KeyRecentEntries holds the codec-encoded recent slice. It is written
	// unconditionally, even when empty: its presence is what distinguishes
	// "new format in use" from "not yet migrated".
	KeyRecentEntries = "timerEntries_recent"

	// ArchiveBase prefixes the numbered archive page keys
	// (timerEntries_archive_0, timerEntries_archive_1, ...).
	ArchiveBase = "timerEntries_archive"
)

// Default sharding parameters, sized so each key clears the 4 KiB
// ceiling with margin.
const (
	DefaultRecentLimit   = 10
	DefaultPageSize      = 30
	DefaultMaxPageScan   = 20
	DefaultCleanupWindow = 10
)

// Options tunes the archive's sharding. Zero values take the defaults.
type Options struct {
	// RecentLimit is how many of the newest entries stay in the fast
	// recent key.
	RecentLimit int

	// PageSize is how many entries one archive page holds.
	PageSize int

	// MaxPageScan bounds how many page indices a read will probe.
	MaxPageScan int

	// CleanupWindow bounds how many stale page indices a write clears
	// beyond the new page count.
	CleanupWindow int
}

func (o Options) withDefaults() Options {
	if o.RecentLimit <= 0 {
		o.RecentLimit = DefaultRecentLimit
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPageScan <= 0 {
		o.MaxPageScan = DefaultMaxPageScan
	}
	if o.CleanupWindow <= 0 {
		o.CleanupWindow = DefaultCleanupWindow
	}
	return o
}

// Archive splits a task's entry history into a recent slice in a fast
// primary key and older entries spread across numbered pages, and
// reassembles the whole history on read. Pages are fully rebuilt, never
// appended to, on every archival write.
type Archive struct {
	store *kv.Bounded
	opts  Options
	rec   metrics.Recorder
}

// NewArchive creates an archive over the bounded adapter. A nil recorder
// uses the noop recorder.
func NewArchive(store *kv.Bounded, opts Options, rec metrics.Recorder) *Archive {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Archive{store: store, opts: opts.withDefaults(), rec: rec}
}

// Store exposes the underlying bounded adapter (for usage accounting).
func (a *Archive) Store() *kv.Bounded {
	return a.store
}

// LoadInfo describes degradations encountered while reassembling history.
type LoadInfo struct {
	// MigrationPending is set when the history was read from the legacy
	// single-key format; the next save rewrites it in the current format.
	MigrationPending bool

	// DroppedEntries counts persisted entries that failed to decode and
	// were silently dropped.
	DroppedEntries int

	// PagesRead is how many archive pages contributed entries.
	PagesRead int
}

// LoadAll reassembles the full entry history for a task, newest first,
// along with its metadata document. It is safe to call with zero prior
// writes (empty history, default metadata) and never fails for a
// plausible corrupted-store scenario: unreadable pages end the scan,
// undecodable entries are dropped and counted.
func (a *Archive) LoadAll(ctx context.Context, scopeID string) ([]model.TimeEntry, *model.TimerData, LoadInfo) {
	started := time.Now()
	defer func() { a.rec.ObserveLoadDuration(time.Since(started)) }()
	ctx = observability.WithScopeID(observability.WithOperation(ctx, "load"), scopeID)

	var info LoadInfo

	data := model.NewTimerData()
	a.store.GetJSON(ctx, scopeID, KeyTimerData, data)
	data.Normalize()

	var entries []model.TimeEntry

	var rawRecent []any
	haveRecent := a.store.GetJSON(ctx, scopeID, KeyRecentEntries, &rawRecent)
	if haveRecent {
		recent, dropped := codec.DecodeAll(rawRecent)
		entries = append(entries, recent...)
		info.DroppedEntries += dropped
	} else if len(data.LegacyEntries) > 0 {
		// Legacy single-key format: entries embedded in the metadata
		// document. Treat them as the recent set and migrate on next write.
		legacy, dropped := decodeLegacyEntries(data.LegacyEntries)
		entries = append(entries, legacy...)
		info.DroppedEntries += dropped
		info.MigrationPending = true
		observability.InfoContext(ctx, "legacy entry format detected, migration pending",
			logfields.Count(len(legacy)))
	}

	// Scan pages until one is missing or unreadable. A partially populated
	// archive is preferable to a crash.
	for i := 0; i < a.opts.MaxPageScan; i++ {
		var rawPage []any
		if !a.store.GetJSON(ctx, scopeID, pageKey(i), &rawPage) {
			break
		}
		page, dropped := codec.DecodeAll(rawPage)
		entries = append(entries, page...)
		info.DroppedEntries += dropped
		info.PagesRead++
	}

	if info.DroppedEntries > 0 {
		a.rec.IncDecodeDropped(info.DroppedEntries)
		observability.WarnContext(ctx, "dropped undecodable entries",
			logfields.Count(info.DroppedEntries))
	}

	model.SortEntries(entries)
	return entries, data, info
}

// SaveResult reports the outcome of a SaveAll: the split sizes, plus any
// non-fatal degradations as typed warnings.
type SaveResult struct {
	OK            bool
	RecentCount   int
	ArchivedCount int
	PageCount     int
	Warnings      []*trackerr.TrackerError
	Err           error
}

// SaveAll persists the full candidate entry set and metadata. Metadata is
// the source of truth for "is anything running", so a metadata write
// failure aborts the save; page-level failures degrade to warnings
// (partial data loss is accepted over total failure).
func (a *Archive) SaveAll(ctx context.Context, scopeID string, entries []model.TimeEntry, data *model.TimerData) SaveResult {
	started := time.Now()
	defer func() { a.rec.ObserveSaveDuration(time.Since(started)) }()
	ctx = observability.WithScopeID(observability.WithOperation(ctx, "save"), scopeID)

	model.SortEntries(entries)

	recent := entries
	var old []model.TimeEntry
	if len(entries) > a.opts.RecentLimit {
		recent = entries[:a.opts.RecentLimit]
		old = entries[a.opts.RecentLimit:]
	}

	// Metadata first. The current format never embeds entries; stripping
	// the legacy field here is what completes a migration.
	data.LegacyEntries = nil
	data.Version = model.SchemaVersion
	if res := a.store.SetJSON(ctx, scopeID, KeyTimerData, data); !res.OK {
		a.rec.IncSaveOutcome(metrics.OutcomeFailed)
		return SaveResult{Err: fmt.Errorf("persist timer metadata: %w", res.Err)}
	}

	// Recent slice, written unconditionally even when empty.
	if res := a.store.SetJSON(ctx, scopeID, KeyRecentEntries, codec.EncodeAll(recent)); !res.OK {
		a.rec.IncSaveOutcome(metrics.OutcomeFailed)
		return SaveResult{Err: fmt.Errorf("persist recent entries: %w", res.Err)}
	}

	result := SaveResult{
		OK:            true,
		RecentCount:   len(recent),
		ArchivedCount: len(old),
	}

	// Archive pages, fully rebuilt.
	pageCount := 0
	for start := 0; start < len(old); start += a.opts.PageSize {
		end := start + a.opts.PageSize
		if end > len(old) {
			end = len(old)
		}
		idx := pageCount
		pageCount++

		res := a.store.SetJSON(ctx, scopeID, pageKey(idx), codec.EncodeAll(old[start:end]))
		if res.OK {
			continue
		}
		// Best-effort persistence: log, count, carry on.
		warn := trackerr.Warn(trackerr.KindLimitExceeded, "archive page not persisted").
			WithContext("page", idx).
			WithContext("size", res.Size)
		if !trackerr.Is(res.Err, trackerr.KindLimitExceeded) {
			warn = trackerr.Warn(trackerr.KindStorage, "archive page not persisted").
				WithContext("page", idx)
			warn.Cause = res.Err
		} else {
			a.rec.IncOversizedPage()
		}
		result.Warnings = append(result.Warnings, warn)
		observability.WarnContext(ctx, "archive page write failed",
			logfields.Page(idx), logfields.Bytes(res.Size), logfields.Error(res.Err))
	}
	result.PageCount = pageCount
	a.rec.SetArchivePages(pageCount)

	// Clear stale page indices beyond the new count so shrinkage doesn't
	// leave unbounded orphans. Failures here only affect storage hygiene,
	// not read correctness, so they are swallowed.
	for i := pageCount; i < pageCount+a.opts.CleanupWindow; i++ {
		if !a.store.Remove(ctx, scopeID, pageKey(i)) {
			a.rec.IncCleanupFailure()
			result.Warnings = append(result.Warnings,
				trackerr.Warn(trackerr.KindStorage, "stale page cleanup failed").
					WithContext("page", i))
		}
	}

	if len(result.Warnings) > 0 {
		a.rec.IncSaveOutcome(metrics.OutcomeWarning)
	} else {
		a.rec.IncSaveOutcome(metrics.OutcomeSuccess)
	}
	return result
}

// SaveMeta persists only the metadata document. Used by estimate updates,
// which never touch the entry set.
func (a *Archive) SaveMeta(ctx context.Context, scopeID string, data *model.TimerData) error {
	data.Version = model.SchemaVersion
	if res := a.store.SetJSON(ctx, scopeID, KeyTimerData, data); !res.OK {
		return fmt.Errorf("persist timer metadata: %w", res.Err)
	}
	return nil
}

// EntryPatch replaces entry fields in place. Nil fields are left alone.
// When StartTime or EndTime change without an explicit Duration, the
// duration is re-derived as EndTime - StartTime.
type EntryPatch struct {
	Description     *string
	StartTime       *int64
	EndTime         *int64
	Duration        *int64
	CreatedAt       *int64
	ChecklistItemID *string
	MemberID        *string
}

func (p EntryPatch) apply(e model.TimeEntry) model.TimeEntry {
	boundsChanged := false
	if p.StartTime != nil {
		e.StartTime = *p.StartTime
		boundsChanged = true
	}
	if p.EndTime != nil {
		e.EndTime = *p.EndTime
		boundsChanged = true
	}
	if p.Duration != nil {
		e.Duration = *p.Duration
	} else if boundsChanged {
		e.Duration = e.EndTime - e.StartTime
		if e.Duration < 0 {
			e.Duration = 0
		}
	}
	if p.Description != nil {
		e.Description = model.TruncateDescription(*p.Description)
	}
	if p.CreatedAt != nil {
		e.CreatedAt = *p.CreatedAt
	}
	if p.ChecklistItemID != nil {
		e.ChecklistItemID = *p.ChecklistItemID
	}
	if p.MemberID != nil {
		e.MemberID = *p.MemberID
	}
	return e
}

// DeleteEntry removes one entry by ID and re-shards the remaining set,
// adjusting the affected scope's aggregates by the removed duration.
// Every delete is O(total entries) in I/O; writes are infrequent relative
// to reads, so that trade is deliberate.
func (a *Archive) DeleteEntry(ctx context.Context, scopeID, entryID string) (model.TimeEntry, SaveResult, error) {
	entries, data, _ := a.LoadAll(ctx, scopeID)

	idx := findEntry(entries, entryID)
	if idx < 0 {
		return model.TimeEntry{}, SaveResult{}, trackerr.New(trackerr.KindEntryNotFound, "entry not found").
			WithContext("entry_id", entryID)
	}
	removed := entries[idx]
	entries = append(entries[:idx], entries[idx+1:]...)

	adjustAggregate(data, removed.ChecklistItemID, -removed.Duration, -1)

	res := a.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return model.TimeEntry{}, res, res.Err
	}
	return removed, res, nil
}

// UpdateEntry patches one entry by ID and re-shards, adjusting aggregates
// by the signed duration delta (and moving the aggregate between scopes if
// the checklist link changed).
func (a *Archive) UpdateEntry(ctx context.Context, scopeID, entryID string, patch EntryPatch) (model.TimeEntry, SaveResult, error) {
	entries, data, _ := a.LoadAll(ctx, scopeID)

	idx := findEntry(entries, entryID)
	if idx < 0 {
		return model.TimeEntry{}, SaveResult{}, trackerr.New(trackerr.KindEntryNotFound, "entry not found").
			WithContext("entry_id", entryID)
	}
	old := entries[idx]
	updated := patch.apply(old)
	entries[idx] = updated

	if old.ChecklistItemID == updated.ChecklistItemID {
		adjustAggregate(data, old.ChecklistItemID, updated.Duration-old.Duration, 0)
	} else {
		adjustAggregate(data, old.ChecklistItemID, -old.Duration, -1)
		adjustAggregate(data, updated.ChecklistItemID, updated.Duration, 1)
	}

	res := a.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return model.TimeEntry{}, res, res.Err
	}
	return updated, res, nil
}

// Migrate rewrites a task persisted in the legacy single-key format into
// the paginated format. It is the explicit one-time migration step; tasks
// already in the current format are left untouched.
func (a *Archive) Migrate(ctx context.Context, scopeID string) (bool, error) {
	entries, data, info := a.LoadAll(ctx, scopeID)
	if !info.MigrationPending {
		return false, nil
	}
	res := a.SaveAll(ctx, scopeID, entries, data)
	if !res.OK {
		return false, res.Err
	}
	observability.InfoContext(observability.WithScopeID(ctx, scopeID),
		"migrated task to paginated format", logfields.Count(len(entries)))
	return true, nil
}

func pageKey(index int) string {
	return fmt.Sprintf("%s_%d", ArchiveBase, index)
}

func findEntry(entries []model.TimeEntry, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

// adjustAggregate applies a signed duration/count delta to the scope an
// entry belongs to, keeping totals incremental so no operation ever needs
// a full recompute.
func adjustAggregate(data *model.TimerData, itemID string, durationDelta int64, countDelta int) {
	scope := data.Global()
	if itemID != "" {
		scope = data.EnsureItem(itemID)
	}
	scope.TotalTime += durationDelta
	if scope.TotalTime < 0 {
		scope.TotalTime = 0
	}
	scope.EntryCount += countDelta
	if scope.EntryCount < 0 {
		scope.EntryCount = 0
	}
}

// decodeLegacyEntries decodes the embedded entry list of the legacy
// format. Elements may be positional arrays or, in the oldest documents,
// field-named objects; anything unreadable is dropped.
func decodeLegacyEntries(raws []json.RawMessage) ([]model.TimeEntry, int) {
	entries := make([]model.TimeEntry, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		var arr any
		if err := json.Unmarshal(raw, &arr); err == nil {
			if e := codec.Decode(arr); e != nil {
				entries = append(entries, *e)
				continue
			}
		}
		var named model.TimeEntry
		if err := json.Unmarshal(raw, &named); err == nil && named.ID != "" {
			entries = append(entries, named)
			continue
		}
		dropped++
	}
	return entries, dropped
}
