package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	record    Record
	expiresAt time.Time
}

type memLock struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Store with the same semantics as the Redis
// implementation. It backs tests and single-node development runs.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]memEntry
	locks   map[string]memLock
}

// NewMemory creates a Memory store using the wall clock
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates a Memory store with an injected clock so tests
// can drive TTL expiry deterministically.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:     now,
		records: make(map[string]memEntry),
		locks:   make(map[string]memLock),
	}
}

// get returns the live entry for key, dropping it if the TTL elapsed.
// Caller must hold mu.
func (m *Memory) get(key string) (memEntry, bool) {
	e, ok := m.records[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.records, key)
		return memEntry{}, false
	}
	return e, true
}

// Get retrieves a record by key
func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	rec := e.record
	return &rec, nil
}

// CompareAndSwap writes payload at key iff the stored version still equals
// expectedVersion. expectedVersion 0 creates the key and fails if it exists.
func (m *Memory) CompareAndSwap(_ context.Context, key string, expectedVersion int64, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		if expectedVersion != 0 {
			return ErrVersionConflict
		}
	} else if e.record.Version != expectedVersion {
		return ErrVersionConflict
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	m.records[key] = memEntry{
		record: Record{
			Version: expectedVersion + 1,
			Payload: json.RawMessage(append([]byte(nil), payload...)),
		},
		expiresAt: expiresAt,
	}
	return nil
}

// Delete removes a key
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	return nil
}

// Expire adjusts the TTL of an existing key
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = m.now().Add(ttl)
	m.records[key] = e
	return nil
}

// Acquire takes the lock at key for the given lease
func (m *Memory) Acquire(_ context.Context, key string, lease time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && m.now().Before(l.expiresAt) {
		return "", ErrLockHeld
	}

	token := uuid.NewString()
	m.locks[key] = memLock{token: token, expiresAt: m.now().Add(lease)}
	return token, nil
}

// Release frees the lock if the caller still owns it
func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.token != token || m.now().After(l.expiresAt) {
		return ErrLockNotHeld
	}
	delete(m.locks, key)
	return nil
}

// Extend renews the lease if the caller still owns the lock
func (m *Memory) Extend(_ context.Context, key, token string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.token != token || m.now().After(l.expiresAt) {
		return ErrLockNotHeld
	}
	l.expiresAt = m.now().Add(lease)
	m.locks[key] = l
	return nil
}
