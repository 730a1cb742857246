package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found")
	// ErrVersionConflict is returned when a conditional write loses a race
	ErrVersionConflict = errors.New("version conflict")
	// ErrLockHeld is returned when a lock is already held by another owner
	ErrLockHeld = errors.New("lock held")
	// ErrLockNotHeld is returned when releasing or extending a lock that the
	// caller no longer owns
	ErrLockNotHeld = errors.New("lock not held")
	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("store unavailable")
)

// Record is the versioned envelope every entry is stored in. Version starts
// at 1 and increases by one on each successful CompareAndSwap.
type Record struct {
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// KV is the narrow contract the session and family stores depend on. Every
// mutation goes through CompareAndSwap so that no writer can assume it is the
// only one; a create is a CompareAndSwap with expectedVersion 0.
type KV interface {
	Get(ctx context.Context, key string) (*Record, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Locker is a distributed lock with a lease. The token returned by Acquire
// proves ownership; Release and Extend are no-ops with ErrLockNotHeld if the
// lease already expired and someone else took the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) error
	Extend(ctx context.Context, key, token string, lease time.Duration) error
}

// Store combines the two capabilities a single backend provides.
type Store interface {
	KV
	Locker
}

// Key layout. All composition across records happens in the domain services,
// never in the store.
const (
	sessionKeyPrefix      = "session:"
	familyKeyPrefix       = "family:"
	familyLockKeyPrefix   = "lock:family:"
	userSessionsKeyPrefix = "usersessions:"
)

// SessionKey returns the store key for a session record
func SessionKey(id string) string {
	return sessionKeyPrefix + id
}

// FamilyKey returns the store key for a token family record
func FamilyKey(id string) string {
	return familyKeyPrefix + id
}

// FamilyLockKey returns the lock key guarding refresh of a token family
func FamilyLockKey(id string) string {
	return familyLockKeyPrefix + id
}

// UserSessionsKey returns the store key for a user's session index
func UserSessionsKey(userID string) string {
	return userSessionsKeyPrefix + userID
}
