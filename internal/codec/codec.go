// Package codec converts TimeEntry records to and from a compact
// positional-array form. Dropping field names shrinks the serialized size
// substantially, which matters because archive pages must fit under the
// store's per-key ceiling.
//
// The field order is fixed and part of the persisted storage surface:
//
//	[id, startTime, endTime, duration, description, createdAt, checklistItemId, memberId?]
//
// The trailing memberId element is written only when attribution is
// present; readers tolerate both lengths. Malformed input is treated as
// silently unrecoverable data: Decode returns nil rather than an error and
// batch helpers drop nil decodes, reporting the drop count so callers can
// surface it as a metric.
package codec

import (
	"encoding/json"

	"git.home.luguber.info/inful/timekeeper/internal/model"
)

// minFields is the shortest array Decode accepts; checklistItemId and
// memberId are optional trailing elements.
const minFields = 6

// Encode converts an entry to its positional-array form. Missing optional
// fields encode as "".
func Encode(e model.TimeEntry) []any {
	arr := []any{
		e.ID,
		e.StartTime,
		e.EndTime,
		e.Duration,
		e.Description,
		e.CreatedAt,
		e.ChecklistItemID,
	}
	if e.MemberID != "" {
		arr = append(arr, e.MemberID)
	}
	return arr
}

// Decode converts a positional array back to an entry. It returns nil for
// anything that is not an array of at least 6 elements or whose slots do
// not coerce to the expected types; callers must filter nil decodes out of
// any batch.
func Decode(raw any) *model.TimeEntry {
	arr, ok := raw.([]any)
	if !ok || len(arr) < minFields {
		return nil
	}

	id, ok := asString(arr[0])
	if !ok || id == "" {
		return nil
	}
	start, ok := asInt64(arr[1])
	if !ok {
		return nil
	}
	end, ok := asInt64(arr[2])
	if !ok {
		return nil
	}
	duration, ok := asInt64(arr[3])
	if !ok {
		return nil
	}
	description, ok := asString(arr[4])
	if !ok {
		return nil
	}
	createdAt, ok := asInt64(arr[5])
	if !ok {
		return nil
	}

	e := &model.TimeEntry{
		ID:          id,
		StartTime:   start,
		EndTime:     end,
		Duration:    duration,
		Description: description,
		CreatedAt:   createdAt,
	}
	if len(arr) > 6 {
		if item, ok := asString(arr[6]); ok {
			e.ChecklistItemID = item
		}
	}
	if len(arr) > 7 {
		if member, ok := asString(arr[7]); ok {
			e.MemberID = member
		}
	}
	return e
}

// EncodeAll converts a batch of entries to positional arrays.
func EncodeAll(entries []model.TimeEntry) [][]any {
	out := make([][]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, Encode(e))
	}
	return out
}

// DecodeAll converts a batch of positional arrays, dropping anything that
// fails to decode. The second return is the number of dropped elements.
func DecodeAll(raws []any) ([]model.TimeEntry, int) {
	entries := make([]model.TimeEntry, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		e := Decode(raw)
		if e == nil {
			dropped++
			continue
		}
		entries = append(entries, *e)
	}
	return entries, dropped
}

// asString accepts string slots, mapping JSON null to "".
func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// asInt64 accepts the numeric representations a JSON round-trip can
// produce for an epoch-millisecond slot.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
