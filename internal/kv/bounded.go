package kv

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/timekeeper/internal/logfields"
	"git.home.luguber.info/inful/timekeeper/internal/metrics"
	"git.home.luguber.info/inful/timekeeper/internal/trackerr"
)

// Bounded wraps a Store with per-key size validation, usage accounting and
// error normalization. It computes the serialized size of every write
// before attempting it: payloads over the ceiling fail fast with
// KindLimitExceeded and never touch the underlying store, so callers can
// decide to shard further rather than retry blindly.
//
// Bounded carries no retry policy of its own.
type Bounded struct {
	store Store
	limit int
	rec   metrics.Recorder

	mu    sync.Mutex
	usage map[string]map[string]int // scope -> key -> last written size
}

// SetResult reports the outcome of a bounded write. Size is the serialized
// payload size whether or not the write succeeded.
type SetResult struct {
	OK   bool
	Size int
	Err  error
}

// NewBounded creates a bounded adapter over the given store. A limit of 0
// uses DefaultLimitBytes; a nil recorder uses the noop recorder.
func NewBounded(store Store, limit int, rec metrics.Recorder) *Bounded {
	if limit <= 0 {
		limit = DefaultLimitBytes
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Bounded{
		store: store,
		limit: limit,
		rec:   rec,
		usage: make(map[string]map[string]int),
	}
}

// Limit returns the per-key size ceiling in bytes.
func (b *Bounded) Limit() int {
	return b.limit
}

// GetJSON reads and unmarshals (scope, key) into v. On any fault (missing
// key, store error, undecodable payload) it returns false and leaves v
// untouched, so the caller's pre-populated default survives. Faults other
// than absence are logged, never propagated.
func (b *Bounded) GetJSON(ctx context.Context, scope, key string, v any) bool {
	raw, err := b.store.Get(ctx, scope, key)
	if err != nil {
		if !IsNotFound(err) {
			slog.Warn("kv get failed, using default",
				logfields.Scope(scope), logfields.Key(key), logfields.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("kv value undecodable, using default",
			logfields.Scope(scope), logfields.Key(key), logfields.Error(err))
		return false
	}
	// Reads refresh the accounting too, so usage is meaningful for data
	// written by an earlier process.
	b.recordUsage(scope, key, len(raw))
	return true
}

// SetJSON marshals v and writes it under (scope, key), enforcing the size
// ceiling first. The last written size is recorded for usage accounting.
func (b *Bounded) SetJSON(ctx context.Context, scope, key string, v any) SetResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return SetResult{Err: trackerr.Wrap(err, trackerr.KindInternal, "serialize value")}
	}

	size := len(raw)
	if size > b.limit {
		b.rec.IncLimitExceeded()
		return SetResult{
			Size: size,
			Err: trackerr.New(trackerr.KindLimitExceeded, "serialized payload exceeds per-key ceiling").
				WithContext("key", key).
				WithContext("size", size).
				WithContext("limit", b.limit),
		}
	}

	if err := b.store.Set(ctx, scope, key, raw); err != nil {
		return SetResult{Size: size, Err: trackerr.Wrap(err, trackerr.KindStorage, "write value")}
	}

	b.recordUsage(scope, key, size)
	return SetResult{OK: true, Size: size}
}

// Remove deletes (scope, key), reporting faults as false plus a log line.
func (b *Bounded) Remove(ctx context.Context, scope, key string) bool {
	if err := b.store.Remove(ctx, scope, key); err != nil {
		slog.Warn("kv remove failed",
			logfields.Scope(scope), logfields.Key(key), logfields.Error(err))
		return false
	}
	b.recordUsage(scope, key, 0)
	return true
}

// Usage returns the last written size per key for a scope. Keys removed or
// never written through this adapter report zero / are absent.
func (b *Bounded) Usage(scope string) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.usage[scope]))
	for k, size := range b.usage[scope] {
		if size > 0 {
			out[k] = size
		}
	}
	return out
}

// UsagePercent returns the fullest key's size as a percentage of the
// ceiling — the number the UI layer shows as "storage used".
func (b *Bounded) UsagePercent(scope string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	max := 0
	for _, size := range b.usage[scope] {
		if size > max {
			max = size
		}
	}
	return float64(max) / float64(b.limit) * 100
}

func (b *Bounded) recordUsage(scope, key string, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.usage[scope]
	if !ok {
		m = make(map[string]int)
		b.usage[scope] = m
	}
	if size == 0 {
		delete(m, key)
		return
	}
	m[key] = size
}
