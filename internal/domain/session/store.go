package session

import (
	"context"
	"crypto/rand"
	"crypto/sha3"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/fablemill/sessiond/internal/store"
)

var (
	// ErrNotFound is returned when a session does not exist or has expired
	ErrNotFound = errors.New("session not found")
	// ErrStorageUnavailable is returned when the backing store cannot be
	// written after retry
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

const casRetries = 3

// Store owns session records. No other component writes them directly; the
// refresh coordinator goes through RecordRefresh and Touch.
type Store struct {
	kv     store.KV
	policy config.SecurityPolicy
	now    func() time.Time
}

// NewStore creates a session Store
func NewStore(kv store.KV, policy config.SecurityPolicy) *Store {
	return &Store{kv: kv, policy: policy, now: time.Now}
}

// generateToken returns n cryptographically random bytes, base64url encoded
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashSecret hashes the binding secret using SHA-3-256
func hashSecret(secret string) string {
	h := sha3.Sum256([]byte(secret))
	return base64.RawStdEncoding.EncodeToString(h[:])
}

// Create persists a new active session with a 256-bit id and binding secret.
// The returned secret is shown to the caller exactly once; only its hash is
// stored. Retries the write once before giving up with ErrStorageUnavailable.
func (s *Store) Create(ctx context.Context, userID string, roles []string, ip, userAgent string) (*Session, string, error) {
	id, err := generateToken(32)
	if err != nil {
		return nil, "", err
	}
	secret, err := generateToken(32)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	sess := &Session{
		ID:                id,
		UserID:            userID,
		Roles:             slices.Clone(roles),
		Status:            StatusActive,
		CreatedAt:         now,
		LastActivityAt:    now,
		IPAddress:         ip,
		UserAgent:         userAgent,
		BindingSecretHash: hashSecret(secret),
		AAL:               1,
	}

	if err := s.write(ctx, sess, 0); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			time.Sleep(s.policy.StorageRetryDelay.Std())
			err = s.write(ctx, sess, 0)
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	if err := s.indexAdd(ctx, userID, id); err != nil {
		slog.Warn("Failed to index session for user", "error", err, "user_id", userID)
	}

	return sess, secret, nil
}

// Get loads a session record. Returns ErrNotFound for missing or TTL-expired
// records.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, _, err := s.load(ctx, id)
	return sess, err
}

// Touch updates lastActivityAt. Best-effort: failures are logged, never
// propagated, so a flaky store does not take down authenticated traffic.
func (s *Store) Touch(ctx context.Context, id string) {
	sess, version, err := s.load(ctx, id)
	if err != nil {
		slog.Debug("Touch skipped", "error", err, "session_id", id)
		return
	}

	sess.LastActivityAt = s.now().UTC()
	if err := s.write(ctx, sess, version); err != nil {
		slog.Debug("Touch lost a write race", "error", err, "session_id", id)
	}
}

// RecordRefresh bumps refreshCount and lastActivityAt. Called by the refresh
// coordinator under the family lock; the CAS loop covers writers that touch
// the record concurrently.
func (s *Store) RecordRefresh(ctx context.Context, id string) error {
	for i := 0; i < casRetries; i++ {
		sess, version, err := s.load(ctx, id)
		if err != nil {
			return err
		}

		sess.RefreshCount++
		sess.LastActivityAt = s.now().UTC()

		err = s.write(ctx, sess, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return store.ErrVersionConflict
}

// LinkFamily records the token family spawned for this session at login
func (s *Store) LinkFamily(ctx context.Context, id, familyID string) error {
	for i := 0; i < casRetries; i++ {
		sess, version, err := s.load(ctx, id)
		if err != nil {
			return err
		}

		sess.FamilyID = familyID
		err = s.write(ctx, sess, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return store.ErrVersionConflict
}

// Revoke marks the session revoked and shortens its TTL so the record acts as
// a negative cache before disappearing.
func (s *Store) Revoke(ctx context.Context, id string) error {
	for i := 0; i < casRetries; i++ {
		rec, err := s.kv.Get(ctx, store.SessionKey(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		var sess Session
		if err := json.Unmarshal(rec.Payload, &sess); err != nil {
			return err
		}
		if sess.Status == StatusRevoked {
			return nil
		}
		sess.Status = StatusRevoked

		payload, err := json.Marshal(&sess)
		if err != nil {
			return err
		}

		err = s.kv.CompareAndSwap(ctx, store.SessionKey(id), rec.Version, payload, s.policy.RevokedRecordTTL.Std())
		if err == nil {
			if err := s.indexRemove(ctx, sess.UserID, id); err != nil {
				slog.Warn("Failed to unindex session", "error", err, "user_id", sess.UserID)
			}
			slog.Warn("Session revoked", "session_id", id, "user_id", sess.UserID)
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return store.ErrVersionConflict
}

// IsActive reports whether the session exists, is active, and has seen
// activity within the idle timeout.
func (s *Store) IsActive(ctx context.Context, id string) (bool, error) {
	sess, _, err := s.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.Active(sess), nil
}

// Active applies the status and idle-timeout checks to an already loaded
// session record.
func (s *Store) Active(sess *Session) bool {
	if sess.Status != StatusActive {
		return false
	}
	return s.now().UTC().Sub(sess.LastActivityAt) < s.policy.IdleTimeout.Std()
}

// SetAAL records the session's authenticator assurance level. Step-up flows
// raise it after the client presents an additional factor.
func (s *Store) SetAAL(ctx context.Context, id string, level int) error {
	for i := 0; i < casRetries; i++ {
		sess, version, err := s.load(ctx, id)
		if err != nil {
			return err
		}

		sess.AAL = level
		err = s.write(ctx, sess, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return store.ErrVersionConflict
}

// VerifyBindingSecret checks a presented binding secret against the stored
// hash in constant time.
func (s *Store) VerifyBindingSecret(ctx context.Context, id, secret string) (bool, error) {
	sess, _, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	match := subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(sess.BindingSecretHash)) == 1
	return match, nil
}

// SessionsForUser returns the ids of the user's known sessions
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]string, error) {
	rec, err := s.kv.Get(ctx, store.UserSessionsKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(rec.Payload, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// load returns the session and its record version for CAS writes
func (s *Store) load(ctx context.Context, id string) (*Session, int64, error) {
	rec, err := s.kv.Get(ctx, store.SessionKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	var sess Session
	if err := json.Unmarshal(rec.Payload, &sess); err != nil {
		return nil, 0, err
	}
	return &sess, rec.Version, nil
}

// write persists the session preserving its absolute TTL
func (s *Store) write(ctx context.Context, sess *Session, version int64) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	ttl := sess.CreatedAt.Add(s.policy.SessionTTL.Std()).Sub(s.now().UTC())
	if ttl <= 0 {
		return ErrNotFound
	}
	return s.kv.CompareAndSwap(ctx, store.SessionKey(sess.ID), version, payload, ttl)
}

// indexAdd appends a session id to the user's session index
func (s *Store) indexAdd(ctx context.Context, userID, id string) error {
	return s.indexUpdate(ctx, userID, func(ids []string) []string {
		if slices.Contains(ids, id) {
			return ids
		}
		return append(ids, id)
	})
}

// indexRemove drops a session id from the user's session index
func (s *Store) indexRemove(ctx context.Context, userID, id string) error {
	return s.indexUpdate(ctx, userID, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(e string) bool { return e == id })
	})
}

func (s *Store) indexUpdate(ctx context.Context, userID string, fn func([]string) []string) error {
	key := store.UserSessionsKey(userID)

	for i := 0; i < casRetries; i++ {
		var ids []string
		var version int64

		rec, err := s.kv.Get(ctx, key)
		if err == nil {
			version = rec.Version
			if err := json.Unmarshal(rec.Payload, &ids); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		payload, err := json.Marshal(fn(ids))
		if err != nil {
			return err
		}

		err = s.kv.CompareAndSwap(ctx, key, version, payload, s.policy.SessionTTL.Std())
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return store.ErrVersionConflict
}
