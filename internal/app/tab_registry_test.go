package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

type registryFixture struct {
	clock    *clock.Mock
	identity *stubIdentity
	events   *recordingEvents
	shared   *store.MemorySharedState
	registry *TabRegistry
}

func newRegistryFixture(t *testing.T, cfg RegistryConfig) *registryFixture {
	t.Helper()
	f := &registryFixture{
		clock:    newTestClock(),
		identity: &stubIdentity{},
		events:   &recordingEvents{},
		shared:   store.NewMemorySharedState(),
	}
	f.registry = NewTabRegistry(cfg, RegistryDeps{
		Clock:    f.clock,
		Profiles: store.NewMemoryProfileStore(),
		Shared:   f.shared,
		Hasher:   testHasher,
		Identity: f.identity,
		Events:   f.events,
	})
	t.Cleanup(func() { f.registry.Shutdown(context.Background()) })
	return f
}

func defaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		LogoutTimeout: DefaultLogoutTimeout,
		PinTimeout:    DefaultPinTimeout,
	}
}

func TestTabRegistry_LogoutInOneTabSignsOutSiblings(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, defaultRegistryConfig())

	tabA, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	tabB, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	require.NotEqual(t, tabA.ID, tabB.ID)

	require.True(t, tabA.Facade.Logout(domain.ReasonUserLogout))

	require.True(t, tabA.Facade.SignedOut())
	require.True(t, tabB.Facade.SignedOut())
	require.Equal(t, 1, f.identity.count())

	redirectA := tabA.Redirect()
	require.NotNil(t, redirectA)
	require.Equal(t, SignInRoute, redirectA.Route)
	require.Equal(t, domain.ReasonUserLogout, redirectA.Reason)

	redirectB := tabB.Redirect()
	require.NotNil(t, redirectB)
	require.Equal(t, domain.ReasonIdentityChanged, redirectB.Reason)
}

func TestTabRegistry_IdleExpiryAcrossTabsCallsProviderOnce(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, RegistryConfig{LogoutTimeout: 10 * time.Second, WarningLead: 2 * time.Second})

	tabA, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	tabB, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)

	require.True(t, tabA.Facade.SignedOut())
	require.True(t, tabB.Facade.SignedOut())
	require.Equal(t, 1, f.identity.count())
}

func TestTabRegistry_ActivityInOneTabKeepsOthersAlive(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, RegistryConfig{LogoutTimeout: 10 * time.Second, WarningLead: 2 * time.Second})

	tabA, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	tabB, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)

	f.clock.Advance(6 * time.Second)
	require.True(t, tabA.Monitor.RecordActivity(domain.ActivityKey))

	f.clock.Advance(5 * time.Second)
	require.False(t, tabB.Facade.SignedOut())
	require.WithinDuration(t, testEpoch.Add(16*time.Second), *tabB.Scheduler.Snapshot().Deadline, 0)

	f.clock.Advance(5 * time.Second)
	require.True(t, tabA.Facade.SignedOut())
	require.True(t, tabB.Facade.SignedOut())
}

func TestTabRegistry_CloseIdentityOnlyTouchesThatIdentity(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, defaultRegistryConfig())

	_, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	other, err := f.registry.Open(ctx, "user-2")
	require.NoError(t, err)

	require.Equal(t, 2, f.registry.CloseIdentity("user-1", domain.ReasonIdentityChanged))
	require.Zero(t, f.identity.count())
	require.False(t, other.Facade.SignedOut())
	require.Zero(t, f.registry.CloseIdentity("user-1", domain.ReasonIdentityChanged))
}

func TestTabRegistry_GetChecksOwnership(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, defaultRegistryConfig())

	tab, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.registry.Get("user-2", tab.ID)
	require.ErrorIs(t, err, ErrTabNotFound)
	_, err = f.registry.Get("user-1", uuid.New())
	require.ErrorIs(t, err, ErrTabNotFound)
	require.ErrorIs(t, f.registry.Close(ctx, "user-2", tab.ID), ErrTabNotFound)

	got, err := f.registry.Get("user-1", tab.ID)
	require.NoError(t, err)
	require.Same(t, tab, got)

	require.NoError(t, f.registry.Close(ctx, "user-1", tab.ID))
	require.Zero(t, f.registry.Count())
	require.False(t, tab.Facade.SignedOut())
}

func TestTabRegistry_OpenRequiresIdentity(t *testing.T) {
	f := newRegistryFixture(t, defaultRegistryConfig())
	_, err := f.registry.Open(context.Background(), "")
	require.Error(t, err)
}

func TestTabRegistry_ReapClosesIdleTabs(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, RegistryConfig{LogoutTimeout: 2 * time.Hour, TabIdleTTL: time.Hour})

	seen, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	idle, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	_, err = f.registry.Get("user-1", seen.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	require.Equal(t, 1, f.registry.Reap(ctx))
	require.Equal(t, 1, f.registry.Count())

	_, err = f.registry.Get("user-1", idle.ID)
	require.ErrorIs(t, err, ErrTabNotFound)
	require.False(t, idle.Facade.SignedOut())
}

func TestTabRegistry_ReapDropsSignedOutTabsAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, defaultRegistryConfig())

	tabA, err := f.registry.Open(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.registry.Open(ctx, "user-1")
	require.NoError(t, err)

	tabA.Facade.Logout(domain.ReasonUserLogout)
	require.Zero(t, f.registry.Reap(ctx))

	f.clock.Advance(DefaultSignedOutGrace)
	require.Equal(t, 2, f.registry.Reap(ctx))
	require.Zero(t, f.registry.Count())
}
