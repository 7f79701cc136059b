package tracker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/timekeeper/internal/kv"
	"git.home.luguber.info/inful/timekeeper/internal/model"
	"git.home.luguber.info/inful/timekeeper/internal/trackerr"
)

// fakeClock is an adjustable time source starting at the Unix epoch.
type fakeClock struct {
	ms int64
}

func (c *fakeClock) now() time.Time {
	return time.UnixMilli(c.ms)
}

func (c *fakeClock) advance(ms int64) {
	c.ms += ms
}

func testService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	store := kv.NewMemoryStore()
	archive := NewArchive(kv.NewBounded(store, 0, nil), Options{}, nil)
	clk := &fakeClock{}
	return NewService(archive, WithClock(clk.now)), clk
}

func TestBasicCycle(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)

	clk.advance(5000)
	res, err := s.StopGlobal(ctx, testScope, "build feature", "member-1")
	require.NoError(t, err)
	require.NotNil(t, res.Entry)

	assert.Equal(t, int64(5000), res.Entry.Duration)
	assert.Equal(t, "build feature", res.Entry.Description)
	assert.Equal(t, "member-1", res.Entry.MemberID)
	assert.Equal(t, "", res.Entry.ChecklistItemID)
	assert.Equal(t, model.PhaseIdle, res.Data.State)
	assert.Nil(t, res.Data.CurrentEntry)
	assert.Equal(t, int64(5000), res.Data.Global().TotalTime)
	assert.Equal(t, 1, res.Data.Global().EntryCount)
}

func TestSwitchOverItemToGlobal(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	_, err := s.StartItem(ctx, testScope, "A")
	require.NoError(t, err)

	clk.advance(3000)
	res, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)

	// Item A is idle with one 3000ms entry linked to it.
	itemA := res.Data.Item("A")
	require.NotNil(t, itemA)
	assert.Equal(t, model.PhaseIdle, itemA.State)
	assert.Equal(t, int64(3000), itemA.TotalTime)

	entries, _ := s.Entries(ctx, testScope)
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].ChecklistItemID)
	assert.Equal(t, int64(3000), entries[0].Duration)

	// Global is freshly running.
	assert.Equal(t, model.PhaseRunning, res.Data.State)
	require.NotNil(t, res.Data.CurrentEntry)
	assert.Equal(t, int64(3000), res.Data.CurrentEntry.StartTime)
}

func TestSwitchOverGlobalToItem(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)

	clk.advance(2000)
	res, err := s.StartItem(ctx, testScope, "B")
	require.NoError(t, err)

	assert.Equal(t, model.PhaseIdle, res.Data.State)
	assert.Equal(t, model.PhaseRunning, res.Data.Item("B").State)

	entries, _ := s.Entries(ctx, testScope)
	require.Len(t, entries, 1)
	assert.Equal(t, "", entries[0].ChecklistItemID, "global close-out entry is unlinked")
	assert.Equal(t, int64(2000), entries[0].Duration)
}

func TestSingleActiveTimerInvariant(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	// An arbitrary start sequence; after every step at most one scope is active.
	steps := []func() error{
		func() error { _, err := s.StartItem(ctx, testScope, "A"); return err },
		func() error { _, err := s.StartItem(ctx, testScope, "B"); return err },
		func() error { _, err := s.StartGlobal(ctx, testScope); return err },
		func() error { _, err := s.StartItem(ctx, testScope, "C"); return err },
		func() error { _, err := s.StartItem(ctx, testScope, "A"); return err },
	}
	for i, step := range steps {
		clk.advance(1000)
		require.NoError(t, step(), "step %d", i)

		data := s.State(ctx, testScope)
		items, globalActive := data.ActiveScopes()
		active := len(items)
		if globalActive {
			active++
		}
		assert.LessOrEqual(t, active, 1, "after step %d", i)
	}
}

func TestStartGlobalAlreadyRunning(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)

	_, err = s.StartGlobal(ctx, testScope)
	assert.True(t, trackerr.Is(err, trackerr.KindAlreadyRunning), "got %v", err)
}

func TestStopGlobalWithoutTimer(t *testing.T) {
	s, _ := testService(t)
	_, err := s.StopGlobal(context.Background(), testScope, "", "")
	assert.True(t, trackerr.Is(err, trackerr.KindNoActiveTimer), "got %v", err)
}

func TestStopItemWithoutTimer(t *testing.T) {
	s, _ := testService(t)
	_, err := s.StopItem(context.Background(), testScope, "A", "", "")
	assert.True(t, trackerr.Is(err, trackerr.KindNoActiveTimerForItem), "got %v", err)
}

func TestMaxTrackedItems(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	for i := 0; i < model.MaxTrackedItems; i++ {
		_, err := s.SetItemEstimate(ctx, testScope, fmt.Sprintf("item-%d", i), 1000)
		require.NoError(t, err)
	}

	_, err := s.StartItem(ctx, testScope, "one-too-many")
	assert.True(t, trackerr.Is(err, trackerr.KindMaxItemsExceeded), "got %v", err)

	// Existing items are exempt from the cap.
	_, err = s.StartItem(ctx, testScope, "item-0")
	assert.NoError(t, err)
}

func TestPauseResumeGlobal(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)

	clk.advance(2000)
	res, err := s.PauseGlobal(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePaused, res.Data.State)

	// Paused time does not count.
	clk.advance(3000)
	res, err = s.ResumeGlobal(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseRunning, res.Data.State)
	assert.Equal(t, int64(3000), res.Data.CurrentEntry.PausedDuration)

	clk.advance(1000)
	stop, err := s.StopGlobal(ctx, testScope, "paused work", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), stop.Entry.Duration, "6000 wall - 3000 paused")
}

func TestPauseResumeErrors(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	_, err := s.PauseGlobal(ctx, testScope)
	assert.True(t, trackerr.Is(err, trackerr.KindNoActiveTimer))

	_, err = s.ResumeItem(ctx, testScope, "A")
	assert.True(t, trackerr.Is(err, trackerr.KindNoActiveTimerForItem))

	_, err = s.StartGlobal(ctx, testScope)
	require.NoError(t, err)
	_, err = s.ResumeGlobal(ctx, testScope)
	assert.True(t, trackerr.Is(err, trackerr.KindNoActiveTimer), "resume requires paused state")
}

func TestPausedGlobalBlocksRestart(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)
	_, err = s.PauseGlobal(ctx, testScope)
	require.NoError(t, err)

	// A paused timer still holds the active slot.
	_, err = s.StartGlobal(ctx, testScope)
	assert.True(t, trackerr.Is(err, trackerr.KindAlreadyRunning))
}

func TestEstimates(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	_, err := s.SetItemEstimate(ctx, testScope, "A", 60000)
	require.NoError(t, err)
	_, err = s.SetItemEstimate(ctx, testScope, "B", 30000)
	require.NoError(t, err)

	data := s.State(ctx, testScope)
	assert.False(t, data.ManualEstimate)
	assert.Equal(t, int64(90000), EffectiveEstimate(data), "derived fallback")

	res, err := s.SetEstimate(ctx, testScope, 120000)
	require.NoError(t, err)
	assert.True(t, res.Data.ManualEstimate)
	assert.Equal(t, int64(120000), EffectiveEstimate(res.Data))

	// Clearing falls back to derived.
	res, err = s.SetEstimate(ctx, testScope, 0)
	require.NoError(t, err)
	assert.False(t, res.Data.ManualEstimate)
	assert.Equal(t, int64(90000), EffectiveEstimate(res.Data))
}

func TestDescriptionTruncatedAtWrite(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)
	clk.advance(1000)

	res, err := s.StopGlobal(ctx, testScope, strings.Repeat("x", model.MaxDescriptionLen+100), "")
	require.NoError(t, err)
	assert.Len(t, res.Entry.Description, model.MaxDescriptionLen)
}

func TestAggregateConsistency(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	// A sequence of stops, an update and a delete; afterwards the scope
	// totals must equal the sum of durations over the surviving entries.
	var entryIDs []string
	for i := 0; i < 4; i++ {
		_, err := s.StartGlobal(ctx, testScope)
		require.NoError(t, err)
		clk.advance(int64(1000 * (i + 1)))
		res, err := s.StopGlobal(ctx, testScope, fmt.Sprintf("round %d", i), "")
		require.NoError(t, err)
		entryIDs = append(entryIDs, res.Entry.ID)
		clk.advance(10)
	}

	newDur := int64(500)
	_, err := s.UpdateEntry(ctx, testScope, entryIDs[1], EntryPatch{Duration: &newDur})
	require.NoError(t, err)

	_, err = s.DeleteEntry(ctx, testScope, entryIDs[2])
	require.NoError(t, err)

	entries, _ := s.Entries(ctx, testScope)
	var sum int64
	for _, e := range entries {
		require.Equal(t, "", e.ChecklistItemID)
		sum += e.Duration
	}

	data := s.State(ctx, testScope)
	assert.Equal(t, sum, data.Global().TotalTime)
	assert.Equal(t, len(entries), data.Global().EntryCount)
	assert.Equal(t, sum, TotalTracked(data))
}

func TestRunningScopeLookup(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	data := s.State(ctx, testScope)
	_, active := RunningScope(data)
	assert.False(t, active)

	_, err := s.StartItem(ctx, testScope, "A")
	require.NoError(t, err)
	ref, active := RunningScope(s.State(ctx, testScope))
	assert.True(t, active)
	assert.Equal(t, "A", ref.ItemID)
	assert.False(t, ref.Global)

	_, err = s.StartGlobal(ctx, testScope)
	require.NoError(t, err)
	ref, active = RunningScope(s.State(ctx, testScope))
	assert.True(t, active)
	assert.True(t, ref.Global)
}

func TestElapsedLive(t *testing.T) {
	s, clk := testService(t)
	ctx := context.Background()

	data := s.State(ctx, testScope)
	assert.Zero(t, s.Elapsed(data, ""), "idle scope has no elapsed time")

	_, err := s.StartGlobal(ctx, testScope)
	require.NoError(t, err)
	clk.advance(4200)

	data = s.State(ctx, testScope)
	assert.Equal(t, int64(4200), s.Elapsed(data, ""))
	assert.Equal(t, int64(4200), ScopeTotalWithLive(data, "", clk.ms))
}

func TestMetadataFailureSurfacesTypedError(t *testing.T) {
	store := kv.NewMemoryStore()
	bounded := kv.NewBounded(store, 0, nil)
	s := NewService(NewArchive(bounded, Options{}, nil), WithClock((&fakeClock{}).now))
	ctx := context.Background()

	store.FailSet(testScope, KeyTimerData, fmt.Errorf("io fault"))

	_, err := s.StartGlobal(ctx, testScope)
	require.Error(t, err)
	assert.True(t, trackerr.Is(err, trackerr.KindStorage), "got %v", err)
}

func TestEntriesSurviveManyCycles(t *testing.T) {
	store := kv.NewMemoryStore()
	archive := NewArchive(kv.NewBounded(store, 0, nil), Options{RecentLimit: 5, PageSize: 15}, nil)
	clk := &fakeClock{}
	s := NewService(archive, WithClock(clk.now))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := s.StartGlobal(ctx, testScope)
		require.NoError(t, err)
		clk.advance(1000)
		_, err = s.StopGlobal(ctx, testScope, fmt.Sprintf("cycle %d", i), "")
		require.NoError(t, err)
		clk.advance(10)
	}

	entries, info := s.Entries(ctx, testScope)
	assert.Len(t, entries, 60)
	assert.Zero(t, info.DroppedEntries)
	assert.Greater(t, info.PagesRead, 1, "history must have spilled into archive pages")

	data := s.State(ctx, testScope)
	assert.Equal(t, int64(60000), data.Global().TotalTime)
	assert.Equal(t, 60, data.Global().EntryCount)
}
