package family

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/fablemill/sessiond/internal/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *store.Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryWithClock(clock.Now)

	tr := NewTracker(kv, config.DefaultSecurityPolicy())
	tr.now = clock.Now
	return tr, kv, clock
}

func TestTracker_Create(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	fam, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)
	assert.Equal(t, 0, fam.Generation)
	assert.Equal(t, "jti-0", fam.CurrentTokenID)
	assert.Equal(t, StatusValid, fam.Status)

	got, err := tr.Get(ctx, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Empty(t, got.UsedTokenIDs)

	// Creating the same family twice fails
	_, err = tr.Create(ctx, "fam-1", "sess-1", "jti-x")
	assert.Error(t, err)
}

func TestTracker_ValidateCurrent(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)

	assert.NoError(t, tr.Validate(ctx, "fam-1", "jti-0"))
}

func TestTracker_ValidateSuperseded(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)
	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-0", "jti-1")
	require.NoError(t, err)

	// The superseded jti is now reuse
	assert.ErrorIs(t, tr.Validate(ctx, "fam-1", "jti-0"), ErrReuseDetected)

	// The new current jti still validates
	assert.NoError(t, tr.Validate(ctx, "fam-1", "jti-1"))
}

func TestTracker_ValidateUnknown(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)

	// A jti the family has never seen is indistinguishable from reuse
	assert.ErrorIs(t, tr.Validate(ctx, "fam-1", "jti-forged"), ErrReuseDetected)
}

func TestTracker_ValidateMissing(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	assert.ErrorIs(t, tr.Validate(context.Background(), "fam-x", "jti-0"), ErrFamilyNotFound)
}

func TestTracker_AdvanceGeneration(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)

	gen, err := tr.AdvanceGeneration(ctx, "fam-1", "jti-0", "jti-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	gen, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-1", "jti-2")
	require.NoError(t, err)
	assert.Equal(t, 2, gen)

	got, err := tr.Get(ctx, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, "jti-2", got.CurrentTokenID)
	require.Len(t, got.UsedTokenIDs, 2)
	assert.Equal(t, "jti-0", got.UsedTokenIDs[0].JTI)
	assert.Equal(t, "jti-1", got.UsedTokenIDs[1].JTI)
}

func TestTracker_AdvanceStaleToken(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)
	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-0", "jti-1")
	require.NoError(t, err)

	// A second advance with the already-rotated jti loses
	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-0", "jti-2")
	assert.ErrorIs(t, err, ErrConflict)

	// Generation did not move
	got, err := tr.Get(ctx, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, "jti-1", got.CurrentTokenID)
}

func TestTracker_Revoke(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)

	require.NoError(t, tr.Revoke(ctx, "fam-1"))

	assert.ErrorIs(t, tr.Validate(ctx, "fam-1", "jti-0"), ErrFamilyRevoked)

	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-0", "jti-1")
	assert.ErrorIs(t, err, ErrFamilyRevoked)

	// Idempotent, and revoking a missing family is not an error
	require.NoError(t, tr.Revoke(ctx, "fam-1"))
	require.NoError(t, tr.Revoke(ctx, "fam-missing"))
}

func TestTracker_RevokedRecordExpires(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)
	require.NoError(t, tr.Revoke(ctx, "fam-1"))

	clock.Advance(config.DefaultSecurityPolicy().RevokedRecordTTL.Std() + time.Second)

	assert.ErrorIs(t, tr.Validate(ctx, "fam-1", "jti-0"), ErrFamilyNotFound)
}

func TestTracker_PruneUsed(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	policy := config.DefaultSecurityPolicy()

	_, err := tr.Create(ctx, "fam-1", "sess-1", "jti-0")
	require.NoError(t, err)
	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-0", "jti-1")
	require.NoError(t, err)

	// Rotations keep the record's TTL fresh while the used set ages out
	half := policy.RefreshTokenTTL.Std() / 2
	clock.Advance(half)
	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-1", "jti-2")
	require.NoError(t, err)

	clock.Advance(half + time.Minute)
	_, err = tr.AdvanceGeneration(ctx, "fam-1", "jti-2", "jti-3")
	require.NoError(t, err)

	got, err := tr.Get(ctx, "fam-1")
	require.NoError(t, err)

	// jti-0 rotated a full refresh lifetime ago and is gone; a token that old
	// cannot verify anyway
	jtis := make([]string, 0, len(got.UsedTokenIDs))
	for _, u := range got.UsedTokenIDs {
		jtis = append(jtis, u.JTI)
	}
	assert.NotContains(t, jtis, "jti-0")
	assert.Contains(t, jtis, "jti-2")
	assert.Equal(t, 3, got.Generation)
}
