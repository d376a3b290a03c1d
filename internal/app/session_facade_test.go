package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

type facadeFixture struct {
	clock     *clock.Mock
	shared    *store.MemorySharedState
	profiles  *store.MemoryProfileStore
	identity  *stubIdentity
	navigator *recordingNavigator
	events    *recordingEvents
	scheduler *LogoutScheduler
	pins      *PinLockController
	facade    *SessionFacade
}

func newFacadeFixture(t *testing.T, timeout time.Duration, limiter *rate.Limiter, opts ...func(*FacadeDeps)) *facadeFixture {
	t.Helper()
	f := &facadeFixture{
		clock:     newTestClock(),
		shared:    store.NewMemorySharedState(),
		profiles:  store.NewMemoryProfileStore(),
		identity:  &stubIdentity{},
		navigator: &recordingNavigator{},
		events:    &recordingEvents{},
	}
	f.scheduler = NewLogoutScheduler(f.clock, store.Scoped(f.shared, "user-1"), domain.LogoutConfig{Timeout: timeout, WarningLead: 2 * time.Second})
	f.pins = newTestPins(f.clock, f.profiles, &sync.Mutex{}, f.events, testTabID)
	deps := FacadeDeps{
		Clock:          f.clock,
		Identity:       f.identity,
		Navigator:      f.navigator,
		Credentials:    NewTransientCredentials(f.shared, f.profiles),
		Events:         f.events,
		SignOutLimiter: limiter,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.facade = NewSessionFacade(domain.Session{
		ID:         testSessionID,
		IdentityID: "user-1",
		TabID:      testTabID,
		StartedAt:  testEpoch,
	}, f.scheduler, f.pins, deps)
	f.scheduler.Start()
	t.Cleanup(f.scheduler.Stop)
	return f
}

func TestSessionFacade_IsUsableFollowsPinState(t *testing.T) {
	ctx := context.Background()
	f := newFacadeFixture(t, 5*time.Minute, nil)

	require.True(t, f.facade.IsUsable())

	require.NoError(t, f.pins.CreatePin(ctx, "1234"))
	require.True(t, f.facade.IsUsable())

	f.facade.LockNow()
	require.False(t, f.facade.IsUsable())

	require.NoError(t, f.pins.Verify(ctx, "1234"))
	require.True(t, f.facade.IsUsable())

	require.True(t, f.facade.Logout(domain.ReasonUserLogout))
	require.False(t, f.facade.IsUsable())
	_, ok := f.facade.Session()
	require.False(t, ok)
}

func TestSessionFacade_DoubleLogoutSignsOutOnce(t *testing.T) {
	f := newFacadeFixture(t, 5*time.Minute, nil)

	require.True(t, f.facade.Logout(domain.ReasonUserLogout))
	require.False(t, f.facade.Logout(domain.ReasonUserLogout))

	require.Equal(t, []string{"user-1/" + testSessionID.String()}, f.identity.calls)
	require.Equal(t, []navigation{{route: SignInRoute, reason: domain.ReasonUserLogout}}, f.navigator.all())
}

func TestSessionFacade_SharedLimiterSpacesProviderCalls(t *testing.T) {
	limiter := NewSignOutLimiter(2 * time.Second)
	a := newFacadeFixture(t, 5*time.Minute, limiter)
	b := newFacadeFixture(t, 5*time.Minute, limiter)

	require.True(t, a.facade.Logout(domain.ReasonUserLogout))
	require.True(t, b.facade.Logout(domain.ReasonUserLogout))

	require.Equal(t, 1, a.identity.count()+b.identity.count())
	require.Len(t, b.navigator.all(), 1)
}

func withSharedLimiter(limiter RateLimiter) func(*FacadeDeps) {
	return func(deps *FacadeDeps) {
		deps.SharedLimiter = limiter
		deps.SignOutCooldown = 2 * time.Second
	}
}

func TestSessionFacade_SharedLimiterSpansInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := NewRedisRateLimiter(client, "test:")

	// Separate local limiters stand in for two service instances.
	a := newFacadeFixture(t, 5*time.Minute, NewSignOutLimiter(2*time.Second), withSharedLimiter(shared))
	b := newFacadeFixture(t, 5*time.Minute, NewSignOutLimiter(2*time.Second), withSharedLimiter(shared))

	require.True(t, a.facade.Logout(domain.ReasonUserLogout))
	require.True(t, b.facade.Logout(domain.ReasonUserLogout))

	require.Equal(t, 1, a.identity.count()+b.identity.count())
	require.Len(t, a.navigator.all(), 1)
	require.Len(t, b.navigator.all(), 1)

	mr.FastForward(3 * time.Second)
	c := newFacadeFixture(t, 5*time.Minute, NewSignOutLimiter(2*time.Second), withSharedLimiter(shared))
	require.True(t, c.facade.Logout(domain.ReasonUserLogout))
	require.Equal(t, 1, c.identity.count())
}

func TestSessionFacade_SharedLimiterFailureAllowsSignOut(t *testing.T) {
	limiter := &stubRateLimiter{err: errRemoteDown}
	f := newFacadeFixture(t, 5*time.Minute, nil, withSharedLimiter(limiter))

	require.True(t, f.facade.Logout(domain.ReasonUserLogout))
	require.Equal(t, 1, f.identity.count())
	require.Equal(t, []string{SignOutScope + ":user-1"}, limiter.calls)
}

func TestSessionFacade_IdleExpirySignsOut(t *testing.T) {
	ctx := context.Background()
	f := newFacadeFixture(t, 5*time.Second, nil)

	_, ok, err := f.shared.Get(ctx, "user-1:"+SharedDeadlineKey)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(3 * time.Second)
	status := f.facade.WarningStatus()
	require.True(t, status.Visible)
	require.Equal(t, 2*time.Second, status.Remaining)

	f.clock.Advance(2 * time.Second)
	require.Equal(t, []string{"user-1/" + testSessionID.String()}, f.identity.calls)
	require.Equal(t, []navigation{{route: SignInRoute, reason: domain.ReasonIdleTimeout}}, f.navigator.all())
	require.True(t, f.facade.SignedOut())

	_, ok, err = f.shared.Get(ctx, "user-1:"+SharedDeadlineKey)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, []string{
		domain.TopicSessionWarning,
		domain.TopicSessionExpired,
		domain.TopicSessionSignedOut,
	}, f.events.topics())
}

func TestSessionFacade_ProviderFailureStillNavigates(t *testing.T) {
	f := newFacadeFixture(t, 5*time.Minute, nil)
	f.identity.err = errRemoteDown

	require.True(t, f.facade.Logout(domain.ReasonUserLogout))
	require.Equal(t, 1, f.identity.count())
	require.Len(t, f.navigator.all(), 1)
}

func TestSessionFacade_IdentityChangeSkipsProvider(t *testing.T) {
	f := newFacadeFixture(t, 5*time.Minute, nil)

	require.True(t, f.facade.Logout(domain.ReasonIdentityChanged))
	require.Zero(t, f.identity.count())
	require.Equal(t, []navigation{{route: SignInRoute, reason: domain.ReasonIdentityChanged}}, f.navigator.all())
}

func TestSessionFacade_ContinueSessionExtendsDeadline(t *testing.T) {
	f := newFacadeFixture(t, 5*time.Second, nil)

	f.clock.Advance(4 * time.Second)
	require.True(t, f.facade.ContinueSession())
	require.False(t, f.facade.WarningStatus().Visible)

	f.clock.Advance(4 * time.Second)
	require.Zero(t, f.identity.count())

	session, ok := f.facade.Session()
	require.True(t, ok)
	require.True(t, session.WarningActive)
	require.WithinDuration(t, testEpoch.Add(9*time.Second), *session.LogoutDeadline, 0)
}
