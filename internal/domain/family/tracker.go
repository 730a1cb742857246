package family

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/fablemill/sessiond/internal/store"
)

var (
	// ErrReuseDetected is returned when the presented jti is superseded or
	// unknown. The two cases are deliberately indistinguishable to callers so
	// the tracker cannot be used as an oracle; the audit log tells them apart.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrFamilyRevoked is returned once a family has been revoked
	ErrFamilyRevoked = errors.New("token family revoked")
	// ErrFamilyNotFound is returned when the family record does not exist
	ErrFamilyNotFound = errors.New("token family not found")
	// ErrConflict is returned when AdvanceGeneration loses the CAS race
	ErrConflict = errors.New("token family write conflict")
)

const casRetries = 3

// Tracker owns token family records. Validate and AdvanceGeneration are
// split on purpose: the refresh coordinator holds the family lock between
// them, which is what closes the double-refresh race.
type Tracker struct {
	kv     store.KV
	policy config.SecurityPolicy
	now    func() time.Time
}

// NewTracker creates a Tracker
func NewTracker(kv store.KV, policy config.SecurityPolicy) *Tracker {
	return &Tracker{kv: kv, policy: policy, now: time.Now}
}

// Create persists a family at generation 0 with the jti of the first refresh
// token. Called once per login, alongside session creation.
func (t *Tracker) Create(ctx context.Context, familyID, sessionID, initialJTI string) (*Family, error) {
	now := t.now().UTC()
	fam := &Family{
		ID:             familyID,
		SessionID:      sessionID,
		Generation:     0,
		CurrentTokenID: initialJTI,
		Status:         StatusValid,
		CreatedAt:      now,
		LastRotationAt: now,
	}

	payload, err := json.Marshal(fam)
	if err != nil {
		return nil, err
	}
	if err := t.kv.CompareAndSwap(ctx, store.FamilyKey(familyID), 0, payload, t.policy.RefreshTokenTTL.Std()); err != nil {
		return nil, err
	}
	return fam, nil
}

// Get loads a family record
func (t *Tracker) Get(ctx context.Context, familyID string) (*Family, error) {
	fam, _, err := t.load(ctx, familyID)
	return fam, err
}

// Validate checks a presented jti against the family's current generation.
// It never mutates the record; advancing is the coordinator's job, under
// lock.
func (t *Tracker) Validate(ctx context.Context, familyID, presentedJTI string) error {
	fam, _, err := t.load(ctx, familyID)
	if err != nil {
		return err
	}

	if fam.Status == StatusRevoked {
		return ErrFamilyRevoked
	}

	if presentedJTI == fam.CurrentTokenID {
		return nil
	}

	for _, used := range fam.UsedTokenIDs {
		if used.JTI == presentedJTI {
			slog.Warn("Refresh token reuse",
				"family_id", familyID,
				"session_id", fam.SessionID,
				"generation", fam.Generation,
				"jti", presentedJTI,
				"reason", "superseded")
			return ErrReuseDetected
		}
	}

	// Unknown jti: treated exactly like reuse so a forged or stale token
	// cannot probe family state.
	slog.Warn("Refresh token reuse",
		"family_id", familyID,
		"session_id", fam.SessionID,
		"generation", fam.Generation,
		"jti", presentedJTI,
		"reason", "unknown")
	return ErrReuseDetected
}

// AdvanceGeneration atomically moves the family to the next generation:
// current becomes newJTI, oldJTI joins the used set, generation increments by
// exactly one. Fails with ErrConflict if the record changed underneath or if
// oldJTI is no longer current.
func (t *Tracker) AdvanceGeneration(ctx context.Context, familyID, oldJTI, newJTI string) (int, error) {
	fam, version, err := t.load(ctx, familyID)
	if err != nil {
		return 0, err
	}

	if fam.Status == StatusRevoked {
		return 0, ErrFamilyRevoked
	}
	if fam.CurrentTokenID != oldJTI {
		return 0, ErrConflict
	}

	now := t.now().UTC()
	fam.UsedTokenIDs = append(t.pruneUsed(fam.UsedTokenIDs, now), UsedToken{JTI: oldJTI, RotatedAt: now})
	fam.CurrentTokenID = newJTI
	fam.Generation++
	fam.LastRotationAt = now

	payload, err := json.Marshal(fam)
	if err != nil {
		return 0, err
	}

	err = t.kv.CompareAndSwap(ctx, store.FamilyKey(familyID), version, payload, t.policy.RefreshTokenTTL.Std())
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return 0, ErrConflict
		}
		return 0, err
	}
	return fam.Generation, nil
}

// Revoke marks the family revoked. Irreversible; the record lingers under a
// short TTL so late refresh attempts fail fast.
func (t *Tracker) Revoke(ctx context.Context, familyID string) error {
	for i := 0; i < casRetries; i++ {
		fam, version, err := t.load(ctx, familyID)
		if err != nil {
			if errors.Is(err, ErrFamilyNotFound) {
				return nil
			}
			return err
		}
		if fam.Status == StatusRevoked {
			return nil
		}

		fam.Status = StatusRevoked
		payload, err := json.Marshal(fam)
		if err != nil {
			return err
		}

		err = t.kv.CompareAndSwap(ctx, store.FamilyKey(familyID), version, payload, t.policy.RevokedRecordTTL.Std())
		if err == nil {
			slog.Warn("Token family revoked", "family_id", familyID, "session_id", fam.SessionID)
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return ErrConflict
}

// pruneUsed drops used entries older than the refresh token lifetime; tokens
// that old can no longer pass signature verification anyway.
func (t *Tracker) pruneUsed(used []UsedToken, now time.Time) []UsedToken {
	horizon := now.Add(-t.policy.RefreshTokenTTL.Std())
	out := used[:0]
	for _, u := range used {
		if u.RotatedAt.After(horizon) {
			out = append(out, u)
		}
	}
	return out
}

func (t *Tracker) load(ctx context.Context, familyID string) (*Family, int64, error) {
	rec, err := t.kv.Get(ctx, store.FamilyKey(familyID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrFamilyNotFound
		}
		return nil, 0, err
	}

	var fam Family
	if err := json.Unmarshal(rec.Payload, &fam); err != nil {
		return nil, 0, err
	}
	return &fam, rec.Version, nil
}
