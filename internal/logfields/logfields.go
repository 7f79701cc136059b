package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyScope      = "scope"
	KeyItemID     = "item_id"
	KeyEntryID    = "entry_id"
	KeyKey        = "key"
	KeyPage       = "page"
	KeyBytes      = "bytes"
	KeyCount      = "count"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Scope(id string) slog.Attr     { return slog.String(KeyScope, id) }
func ItemID(id string) slog.Attr    { return slog.String(KeyItemID, id) }
func EntryID(id string) slog.Attr   { return slog.String(KeyEntryID, id) }
func Key(k string) slog.Attr        { return slog.String(KeyKey, k) }
func Page(i int) slog.Attr          { return slog.Int(KeyPage, i) }
func Bytes(n int) slog.Attr         { return slog.Int(KeyBytes, n) }
func Count(n int) slog.Attr         { return slog.Int(KeyCount, n) }
func DurationMS(ms int64) slog.Attr { return slog.Int64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
