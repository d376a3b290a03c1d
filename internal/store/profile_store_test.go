package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transfa/session-service/internal/domain"
)

func TestMemoryProfileStore_PatchMergesAndRemovesKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProfileStore()

	expiry := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Set(ctx, "user-1", domain.ProfilePatch{
		domain.FieldLogoutTimeoutMs:  int64(300000),
		domain.FieldPinHash:          []byte{1, 2, 3},
		domain.FieldPinSalt:          []byte{9, 9},
		domain.FieldPinAttempts:      5,
		domain.FieldPinLockoutExpiry: expiry,
	}))

	fields, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, fields.LogoutTimeoutMs)
	require.Equal(t, int64(300000), *fields.LogoutTimeoutMs)
	require.Equal(t, []byte{1, 2, 3}, fields.PinHash)
	require.Equal(t, 5, fields.PinAttempts)
	require.NotNil(t, fields.PinLockoutExpiry)
	require.True(t, fields.PinLockoutExpiry.Equal(expiry))

	require.NoError(t, s.Set(ctx, "user-1", domain.ProfilePatch{
		domain.FieldPinAttempts:      0,
		domain.FieldPinLockoutExpiry: nil,
	}))

	fields, err = s.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, fields.PinAttempts)
	require.Nil(t, fields.PinLockoutExpiry)
	require.Equal(t, []byte{1, 2, 3}, fields.PinHash, "untouched keys survive a patch")
}

func TestMemoryProfileStore_SubscribeReceivesPatchesForIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProfileStore()

	var got []domain.ProfilePatch
	unsubscribe := s.Subscribe("user-1", func(p domain.ProfilePatch) { got = append(got, p) })

	require.NoError(t, s.Set(ctx, "user-2", domain.ProfilePatch{domain.FieldPinTimeoutMs: int64(1)}))
	require.NoError(t, s.Set(ctx, "user-1", domain.ProfilePatch{domain.FieldPinTimeoutMs: int64(2)}))
	unsubscribe()
	require.NoError(t, s.Set(ctx, "user-1", domain.ProfilePatch{domain.FieldPinTimeoutMs: int64(3)}))

	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0][domain.FieldPinTimeoutMs])
}

type failingProfileStore struct {
	ProfileStore
	getErr error
	setErr error
	sets   int
}

func (f *failingProfileStore) Get(ctx context.Context, identityID string) (domain.ProfileFields, error) {
	return domain.ProfileFields{}, f.getErr
}

func (f *failingProfileStore) Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error {
	f.sets++
	return f.setErr
}

func TestCachedProfileStore_FallsBackToCacheOnRemoteReadFailure(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryProfileStore()
	cache := NewMemoryProfileStore()
	cached := NewCachedProfileStore(remote, cache)

	require.NoError(t, cached.Set(ctx, "user-1", domain.ProfilePatch{domain.FieldLogoutTimeoutMs: int64(60000)}))
	_, err := cached.Get(ctx, "user-1")
	require.NoError(t, err)

	broken := NewCachedProfileStore(&failingProfileStore{getErr: errors.New("network down")}, cache)
	fields, err := broken.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, fields.LogoutTimeoutMs)
	require.Equal(t, int64(60000), *fields.LogoutTimeoutMs)
}

func TestCachedProfileStore_ReadErrorWithoutCache(t *testing.T) {
	ctx := context.Background()
	cached := NewCachedProfileStore(&failingProfileStore{getErr: errors.New("network down")}, NewMemoryProfileStore())

	_, err := cached.Get(ctx, "user-1")
	var readErr *StorageReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, "user-1", readErr.IdentityID)
}

func TestCachedProfileStore_WriteFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryProfileStore()
	cached := NewCachedProfileStore(&failingProfileStore{setErr: errors.New("timeout")}, cache)

	notified := false
	cached.Subscribe("user-1", func(domain.ProfilePatch) { notified = true })

	err := cached.Set(ctx, "user-1", domain.ProfilePatch{domain.FieldPinTimeoutMs: int64(5)})
	var writeErr *StorageWriteError
	require.ErrorAs(t, err, &writeErr)
	require.False(t, notified)

	_, found, err := cache.Lookup(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestScopedSharedState_FiltersOtherScopes(t *testing.T) {
	ctx := context.Background()
	shared := NewMemorySharedState()
	alice := Scoped(shared, "alice")
	bob := Scoped(shared, "bob")

	var seen []string
	alice.Subscribe(func(key, value string) { seen = append(seen, key+"="+value) })

	require.NoError(t, bob.Set(ctx, "scheduledLogoutDeadline", "1"))
	require.NoError(t, alice.Set(ctx, "scheduledLogoutDeadline", "2"))
	require.NoError(t, alice.Delete(ctx, "scheduledLogoutDeadline"))

	require.Equal(t, []string{"scheduledLogoutDeadline=2", "scheduledLogoutDeadline="}, seen)

	v, ok, err := bob.Get(ctx, "scheduledLogoutDeadline")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
}
