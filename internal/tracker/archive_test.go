package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"git.home.luguber.info/inful/timekeeper/internal/kv"
	"git.home.luguber.info/inful/timekeeper/internal/model"
	"git.home.luguber.info/inful/timekeeper/internal/trackerr"
)

const testScope = "card-1"

func testArchive(t *testing.T, opts Options) (*Archive, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	bounded := kv.NewBounded(store, 0, nil)
	return NewArchive(bounded, opts, nil), store
}

func makeEntries(n int) []model.TimeEntry {
	entries := make([]model.TimeEntry, 0, n)
	for i := 0; i < n; i++ {
		created := int64(1000 * (i + 1))
		entries = append(entries, model.TimeEntry{
			ID:          fmt.Sprintf("e-%d", i),
			StartTime:   created - 500,
			EndTime:     created,
			Duration:    500,
			Description: fmt.Sprintf("work %d", i),
			CreatedAt:   created,
		})
	}
	return entries
}

func TestLoadAllEmptyStore(t *testing.T) {
	a, _ := testArchive(t, Options{})
	entries, data, info := a.LoadAll(context.Background(), testScope)

	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
	if data.State != model.PhaseIdle {
		t.Errorf("state = %q, want idle", data.State)
	}
	if info.MigrationPending || info.DroppedEntries != 0 || info.PagesRead != 0 {
		t.Errorf("info = %+v", info)
	}
}

func TestPaginationRoundTrip(t *testing.T) {
	a, _ := testArchive(t, Options{RecentLimit: 5, PageSize: 15})
	ctx := context.Background()

	res := a.SaveAll(ctx, testScope, makeEntries(100), model.NewTimerData())
	if !res.OK {
		t.Fatalf("save failed: %v", res.Err)
	}
	if res.RecentCount != 5 || res.ArchivedCount != 95 {
		t.Errorf("split = recent %d / archived %d, want 5 / 95", res.RecentCount, res.ArchivedCount)
	}
	if res.PageCount != 7 { // ceil(95/15)
		t.Errorf("pages = %d, want 7", res.PageCount)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}

	loaded, _, info := a.LoadAll(ctx, testScope)
	if len(loaded) != 100 {
		t.Fatalf("loaded %d entries, want 100", len(loaded))
	}
	if info.PagesRead != 7 {
		t.Errorf("pages read = %d, want 7", info.PagesRead)
	}

	// No duplicates, no loss, newest first.
	seen := make(map[string]bool, len(loaded))
	for i, e := range loaded {
		if seen[e.ID] {
			t.Fatalf("duplicate entry %s", e.ID)
		}
		seen[e.ID] = true
		if i > 0 && loaded[i-1].CreatedAt < e.CreatedAt {
			t.Fatalf("entries not sorted desc at index %d", i)
		}
	}
}

func TestRecentKeyWrittenWhenEmpty(t *testing.T) {
	a, store := testArchive(t, Options{})
	ctx := context.Background()

	res := a.SaveAll(ctx, testScope, nil, model.NewTimerData())
	if !res.OK {
		t.Fatalf("save failed: %v", res.Err)
	}

	if _, err := store.Get(ctx, testScope, KeyRecentEntries); err != nil {
		t.Error("recent key must exist even with zero entries, its presence marks the format")
	}
}

func TestOrphanPagesClearedAfterShrink(t *testing.T) {
	a, store := testArchive(t, Options{RecentLimit: 5, PageSize: 15, CleanupWindow: 10})
	ctx := context.Background()

	if res := a.SaveAll(ctx, testScope, makeEntries(100), model.NewTimerData()); !res.OK {
		t.Fatal(res.Err)
	}
	// Shrink to a recent-only set; all 7 pages become stale.
	if res := a.SaveAll(ctx, testScope, makeEntries(3), model.NewTimerData()); !res.OK {
		t.Fatal(res.Err)
	}

	for i := 0; i < 7; i++ {
		if _, err := store.Get(ctx, testScope, pageKey(i)); !kv.IsNotFound(err) {
			t.Errorf("page %d not cleaned up", i)
		}
	}

	loaded, _, _ := a.LoadAll(ctx, testScope)
	if len(loaded) != 3 {
		t.Errorf("loaded %d entries after shrink, want 3", len(loaded))
	}
}

func TestMetadataWriteFailureAborts(t *testing.T) {
	store := kv.NewMemoryStore()
	bounded := kv.NewBounded(store, 0, nil)
	a := NewArchive(bounded, Options{}, nil)
	ctx := context.Background()

	store.FailSet(testScope, KeyTimerData, fmt.Errorf("io fault"))

	res := a.SaveAll(ctx, testScope, makeEntries(3), model.NewTimerData())
	if res.OK {
		t.Fatal("expected failure")
	}
	if !trackerr.Is(res.Err, trackerr.KindStorage) {
		t.Errorf("kind = %q, want storage", trackerr.KindOf(res.Err))
	}
	// Metadata is written first; nothing else may have landed.
	if store.Len() != 0 {
		t.Errorf("store has %d keys after aborted save", store.Len())
	}
}

func TestCorruptedPageEndsScan(t *testing.T) {
	a, store := testArchive(t, Options{RecentLimit: 2, PageSize: 2})
	ctx := context.Background()

	if res := a.SaveAll(ctx, testScope, makeEntries(8), model.NewTimerData()); !res.OK {
		t.Fatal(res.Err)
	}
	// 2 recent + 3 pages of 2. Corrupt page 1: pages 2+ become unreachable,
	// but the read must still succeed with partial data.
	if err := store.Set(ctx, testScope, pageKey(1), []byte("{corrupt")); err != nil {
		t.Fatal(err)
	}

	loaded, _, info := a.LoadAll(ctx, testScope)
	if len(loaded) != 4 { // recent 2 + page 0
		t.Errorf("loaded %d entries, want 4 (partial archive)", len(loaded))
	}
	if info.PagesRead != 1 {
		t.Errorf("pages read = %d, want 1", info.PagesRead)
	}
}

func TestUndecodableEntriesDropped(t *testing.T) {
	a, store := testArchive(t, Options{})
	ctx := context.Background()

	if res := a.SaveAll(ctx, testScope, makeEntries(3), model.NewTimerData()); !res.OK {
		t.Fatal(res.Err)
	}
	// Replace the recent key with a mix of valid and garbage elements.
	mixed := []any{
		[]any{"good", 1.0, 2.0, 1.0, "d", 2.0},
		"garbage",
		[]any{"tiny"},
	}
	raw, _ := json.Marshal(mixed)
	if err := store.Set(ctx, testScope, KeyRecentEntries, raw); err != nil {
		t.Fatal(err)
	}

	loaded, _, info := a.LoadAll(ctx, testScope)
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Errorf("loaded = %v", loaded)
	}
	if info.DroppedEntries != 2 {
		t.Errorf("dropped = %d, want 2", info.DroppedEntries)
	}
}

func TestLegacyFormatMigration(t *testing.T) {
	a, store := testArchive(t, Options{RecentLimit: 5})
	ctx := context.Background()

	// Legacy document: entries embedded in the metadata key, no recent key.
	legacy := map[string]any{
		"state":     "idle",
		"totalTime": 1500,
		"entries": []any{
			[]any{"l-1", 0, 1000, 1000, "old one", 1000},
			[]any{"l-2", 1000, 1500, 500, "old two", 1500},
		},
	}
	raw, _ := json.Marshal(legacy)
	if err := store.Set(ctx, testScope, KeyTimerData, raw); err != nil {
		t.Fatal(err)
	}

	entries, data, info := a.LoadAll(ctx, testScope)
	if !info.MigrationPending {
		t.Fatal("legacy format not detected")
	}
	if len(entries) != 2 || entries[0].ID != "l-2" {
		t.Fatalf("legacy entries = %v", entries)
	}
	if data.TotalTime != 1500 {
		t.Errorf("totalTime = %d, want 1500", data.TotalTime)
	}

	// Explicit migration rewrites in the paginated format.
	migrated, err := a.Migrate(ctx, testScope)
	if err != nil || !migrated {
		t.Fatalf("migrate = (%v, %v)", migrated, err)
	}

	_, _, info = a.LoadAll(ctx, testScope)
	if info.MigrationPending {
		t.Error("migration still pending after Migrate")
	}
	var meta map[string]any
	rawMeta, _ := store.Get(ctx, testScope, KeyTimerData)
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		t.Fatal(err)
	}
	if _, ok := meta["entries"]; ok {
		t.Error("migrated metadata still embeds entries")
	}

	// Migrating twice is a no-op.
	migrated, err = a.Migrate(ctx, testScope)
	if err != nil || migrated {
		t.Errorf("second migrate = (%v, %v), want (false, nil)", migrated, err)
	}
}

func TestLegacyNamedObjectEntries(t *testing.T) {
	a, store := testArchive(t, Options{})
	ctx := context.Background()

	legacy := map[string]any{
		"state": "idle",
		"entries": []any{
			map[string]any{"id": "n-1", "startTime": 0, "endTime": 900, "duration": 900, "createdAt": 900},
		},
	}
	raw, _ := json.Marshal(legacy)
	if err := store.Set(ctx, testScope, KeyTimerData, raw); err != nil {
		t.Fatal(err)
	}

	entries, _, info := a.LoadAll(ctx, testScope)
	if !info.MigrationPending || len(entries) != 1 || entries[0].Duration != 900 {
		t.Errorf("entries = %v, info = %+v", entries, info)
	}
}

func TestDeleteEntryFromArchivePage(t *testing.T) {
	a, _ := testArchive(t, Options{RecentLimit: 5, PageSize: 15})
	ctx := context.Background()

	entries := makeEntries(30)
	data := model.NewTimerData()
	for _, e := range entries {
		data.Global().TotalTime += e.Duration
		data.Global().EntryCount++
	}
	if res := a.SaveAll(ctx, testScope, entries, data); !res.OK {
		t.Fatal(res.Err)
	}

	// e-3 is old enough to live in an archive page, not the recent slice.
	removed, _, err := a.DeleteEntry(ctx, testScope, "e-3")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removed.ID != "e-3" {
		t.Errorf("removed = %s", removed.ID)
	}

	loaded, after, _ := a.LoadAll(ctx, testScope)
	if len(loaded) != 29 {
		t.Errorf("count = %d, want 29", len(loaded))
	}
	if findEntry(loaded, "e-3") >= 0 {
		t.Error("deleted entry still reachable")
	}
	if after.Global().TotalTime != 29*500 {
		t.Errorf("totalTime = %d, want %d", after.Global().TotalTime, 29*500)
	}
	if after.Global().EntryCount != 29 {
		t.Errorf("entry count = %d, want 29", after.Global().EntryCount)
	}
}

func TestDeleteEntryNotFound(t *testing.T) {
	a, _ := testArchive(t, Options{})
	_, _, err := a.DeleteEntry(context.Background(), testScope, "nope")
	if !trackerr.Is(err, trackerr.KindEntryNotFound) {
		t.Errorf("kind = %q, want entry_not_found", trackerr.KindOf(err))
	}
}

func TestUpdateEntryDurationDelta(t *testing.T) {
	a, _ := testArchive(t, Options{})
	ctx := context.Background()

	entries := makeEntries(3) // 3 x 500ms
	data := model.NewTimerData()
	data.Global().TotalTime = 1500
	data.Global().EntryCount = 3
	if res := a.SaveAll(ctx, testScope, entries, data); !res.OK {
		t.Fatal(res.Err)
	}

	newDur := int64(2000)
	updated, _, err := a.UpdateEntry(ctx, testScope, "e-1", EntryPatch{Duration: &newDur})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Duration != 2000 {
		t.Errorf("duration = %d", updated.Duration)
	}

	_, after, _ := a.LoadAll(ctx, testScope)
	if after.Global().TotalTime != 3000 { // 1500 - 500 + 2000
		t.Errorf("totalTime = %d, want 3000", after.Global().TotalTime)
	}
	if after.Global().EntryCount != 3 {
		t.Errorf("entryCount = %d, want 3", after.Global().EntryCount)
	}
}

func TestUpdateEntryMovesBetweenScopes(t *testing.T) {
	a, _ := testArchive(t, Options{})
	ctx := context.Background()

	entries := makeEntries(2)
	data := model.NewTimerData()
	data.Global().TotalTime = 1000
	data.Global().EntryCount = 2
	if res := a.SaveAll(ctx, testScope, entries, data); !res.OK {
		t.Fatal(res.Err)
	}

	item := "item-7"
	_, _, err := a.UpdateEntry(ctx, testScope, "e-0", EntryPatch{ChecklistItemID: &item})
	if err != nil {
		t.Fatal(err)
	}

	_, after, _ := a.LoadAll(ctx, testScope)
	if after.Global().TotalTime != 500 || after.Global().EntryCount != 1 {
		t.Errorf("global = %d/%d, want 500/1", after.Global().TotalTime, after.Global().EntryCount)
	}
	moved := after.Item(item)
	if moved == nil || moved.TotalTime != 500 || moved.EntryCount != 1 {
		t.Errorf("item scope = %+v", moved)
	}
}

func TestUpdateEntryRederivesDuration(t *testing.T) {
	a, _ := testArchive(t, Options{})
	ctx := context.Background()

	if res := a.SaveAll(ctx, testScope, makeEntries(1), model.NewTimerData()); !res.OK {
		t.Fatal(res.Err)
	}

	newEnd := int64(5000)
	updated, _, err := a.UpdateEntry(ctx, testScope, "e-0", EntryPatch{EndTime: &newEnd})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Duration != newEnd-updated.StartTime {
		t.Errorf("duration = %d, want re-derived %d", updated.Duration, newEnd-updated.StartTime)
	}
}

func TestOversizedPageIsWarningNotFailure(t *testing.T) {
	store := kv.NewMemoryStore()
	// Ceiling big enough for metadata and recent, too small for a page of
	// long-description entries.
	bounded := kv.NewBounded(store, 600, nil)
	a := NewArchive(bounded, Options{RecentLimit: 1, PageSize: 50}, nil)
	ctx := context.Background()

	entries := makeEntries(10)
	for i := range entries {
		entries[i].Description = "a much longer description to inflate the serialized page size well past the ceiling"
	}

	res := a.SaveAll(ctx, testScope, entries, model.NewTimerData())
	if !res.OK {
		t.Fatalf("save must not fail on an oversized page: %v", res.Err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected an oversized-page warning")
	}
	found := false
	for _, w := range res.Warnings {
		if w.Kind == trackerr.KindLimitExceeded {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestUsageAccounting(t *testing.T) {
	a, _ := testArchive(t, Options{RecentLimit: 5, PageSize: 15})
	ctx := context.Background()

	if res := a.SaveAll(ctx, testScope, makeEntries(40), model.NewTimerData()); !res.OK {
		t.Fatal(res.Err)
	}

	usage := a.Usage(testScope)
	if usage.PerKey[KeyTimerData] == 0 || usage.PerKey[KeyRecentEntries] == 0 {
		t.Errorf("per-key usage missing: %v", usage.PerKey)
	}
	if usage.TotalBytes == 0 || usage.FullestKeyPercent <= 0 {
		t.Errorf("usage = %+v", usage)
	}
	if usage.LimitBytes != kv.DefaultLimitBytes {
		t.Errorf("limit = %d", usage.LimitBytes)
	}
}
