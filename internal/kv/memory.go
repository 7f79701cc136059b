package kv

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for tests and
// ephemeral use. It tracks call counts and supports fault injection so the
// layers above can be exercised against a misbehaving store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	calls  MemoryCalls

	// failGet/failSet/failRemove inject a fault for a specific composite
	// key; a "*" key fails every call.
	failGet    map[string]error
	failSet    map[string]error
	failRemove map[string]error
}

// MemoryCalls tracks method invocations for test verification.
type MemoryCalls struct {
	Get    int
	Set    int
	Remove int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:     make(map[string][]byte),
		failGet:    make(map[string]error),
		failSet:    make(map[string]error),
		failRemove: make(map[string]error),
	}
}

func composite(scope, key string) string {
	return scope + "\x00" + key
}

// Get retrieves the value under (scope, key).
func (m *MemoryStore) Get(ctx context.Context, scope, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Get++

	if err := m.injected(m.failGet, scope, key); err != nil {
		return nil, err
	}

	v, ok := m.values[composite(scope, key)]
	if !ok {
		return nil, ErrNotFound{Scope: scope, Key: key}
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set writes the value under (scope, key).
func (m *MemoryStore) Set(ctx context.Context, scope, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Set++

	if err := m.injected(m.failSet, scope, key); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[composite(scope, key)] = stored
	return nil
}

// Remove deletes (scope, key). Absent keys are not an error.
func (m *MemoryStore) Remove(ctx context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Remove++

	if err := m.injected(m.failRemove, scope, key); err != nil {
		return err
	}

	delete(m.values, composite(scope, key))
	return nil
}

// Close releases resources (no-op for memory).
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) injected(faults map[string]error, scope, key string) error {
	if err, ok := faults["*"]; ok {
		return err
	}
	if err, ok := faults[composite(scope, key)]; ok {
		return err
	}
	return nil
}

// FailGet injects a fault for Get on (scope, key); use scope="*" to fail all gets.
func (m *MemoryStore) FailGet(scope, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet[faultKey(scope, key)] = err
}

// FailSet injects a fault for Set on (scope, key); use scope="*" to fail all sets.
func (m *MemoryStore) FailSet(scope, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet[faultKey(scope, key)] = err
}

// FailRemove injects a fault for Remove on (scope, key); use scope="*" to fail all removes.
func (m *MemoryStore) FailRemove(scope, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRemove[faultKey(scope, key)] = err
}

// ClearFaults removes all injected faults.
func (m *MemoryStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = make(map[string]error)
	m.failSet = make(map[string]error)
	m.failRemove = make(map[string]error)
}

func faultKey(scope, key string) string {
	if scope == "*" {
		return "*"
	}
	return composite(scope, key)
}

// Calls returns the number of times each method was called.
func (m *MemoryStore) Calls() MemoryCalls {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Keys returns the stored keys for a scope (for test assertions).
func (m *MemoryStore) Keys(scope string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := scope + "\x00"
	var keys []string
	for k := range m.values {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(prefix):])
		}
	}
	return keys
}

// String returns a string representation for debugging.
func (m *MemoryStore) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("MemoryStore{keys: %d, calls: %+v}", len(m.values), m.calls)
}
