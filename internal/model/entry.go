// Package model holds the shared domain types for the timekeeper engine:
// completed work entries and per-scope timer state.
package model

import (
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxDescriptionLen is the longest description persisted with an entry.
// Longer inputs are truncated at write time, never rejected.
const MaxDescriptionLen = 256

// TimeEntry is an immutable record of one completed work interval.
// Times are epoch milliseconds. Entries are created only when a timer is
// stopped; edits replace fields in place by ID, deletes remove by ID.
type TimeEntry struct {
	ID          string `json:"id"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
	Duration    int64  `json:"duration"`
	Description string `json:"description"`
	// CreatedAt defaults to EndTime and is the sole sort key, newest first.
	CreatedAt int64 `json:"createdAt"`
	// ChecklistItemID links the entry to a sub-timer scope; empty = unlinked.
	ChecklistItemID string `json:"checklistItemId,omitempty"`
	// MemberID attributes the entry to a member; empty = unattributed.
	MemberID string `json:"memberId,omitempty"`
}

// NewEntryID returns an opaque unique entry identifier.
func NewEntryID() string {
	return uuid.NewString()
}

// TruncateDescription clips a description to MaxDescriptionLen bytes.
func TruncateDescription(s string) string {
	if len(s) <= MaxDescriptionLen {
		return s
	}
	// Back the cut off to a rune boundary so truncation never produces
	// invalid UTF-8: a dangling partial rune would be rewritten as U+FFFD
	// by the JSON layer and the stored description would stop
	// round-tripping. Runes that fit completely are kept.
	cut := MaxDescriptionLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SortEntries orders entries by CreatedAt descending (newest first).
// Ties keep their relative order so repeated saves are stable.
func SortEntries(entries []TimeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt > entries[j].CreatedAt
	})
}
