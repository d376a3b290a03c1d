package app

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

type schedulerRecorder struct {
	mu       sync.Mutex
	warnings []time.Duration
	warnedAt []time.Duration
	expired  []domain.ExpiryReason
	expireAt []time.Duration
}

func attachRecorder(s *LogoutScheduler, clk clock.Clock) *schedulerRecorder {
	rec := &schedulerRecorder{}
	s.SetCallbacks(func(remaining time.Duration) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.warnings = append(rec.warnings, remaining)
		rec.warnedAt = append(rec.warnedAt, elapsed(clk))
	}, func(reason domain.ExpiryReason) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.expired = append(rec.expired, reason)
		rec.expireAt = append(rec.expireAt, elapsed(clk))
	})
	return rec
}

func newTestScheduler(clk clock.Clock, shared store.SharedState, timeout, lead time.Duration) (*LogoutScheduler, *schedulerRecorder) {
	s := NewLogoutScheduler(clk, shared, domain.LogoutConfig{Timeout: timeout, WarningLead: lead})
	return s, attachRecorder(s, clk)
}

func TestLogoutScheduler_WarnsThenExpiresOnSchedule(t *testing.T) {
	clk := newTestClock()
	shared := store.Scoped(store.NewMemorySharedState(), "user-1")
	s, rec := newTestScheduler(clk, shared, 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(2999 * time.Millisecond)
	require.Empty(t, rec.warnings)

	clk.Advance(time.Millisecond)
	require.Equal(t, []time.Duration{2 * time.Second}, rec.warnings)
	require.Equal(t, []time.Duration{3 * time.Second}, rec.warnedAt)
	require.Equal(t, domain.WarningStatus{Visible: true, Remaining: 2 * time.Second}, s.WarningStatus())

	clk.Advance(1999 * time.Millisecond)
	require.Empty(t, rec.expired)

	clk.Advance(time.Millisecond)
	require.Equal(t, []domain.ExpiryReason{domain.ReasonIdleTimeout}, rec.expired)
	require.Equal(t, []time.Duration{5 * time.Second}, rec.expireAt)
	require.True(t, s.IsExpiring())
	require.Equal(t, domain.LogoutExpired, s.Snapshot().State)
}

func TestLogoutScheduler_ActivityRestartsCountdown(t *testing.T) {
	clk := newTestClock()
	shared := store.Scoped(store.NewMemorySharedState(), "user-1")
	s, rec := newTestScheduler(clk, shared, 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(2500 * time.Millisecond)
	require.True(t, s.RecordActivity(clk.Now()))

	clk.Advance(2999 * time.Millisecond)
	require.Empty(t, rec.warnings)
	clk.Advance(time.Millisecond)
	require.Len(t, rec.warnings, 1)

	raw, ok, err := shared.Get(context.Background(), SharedDeadlineKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strconv.FormatInt(testEpoch.Add(7500*time.Millisecond).UnixMilli(), 10), raw)
}

func TestLogoutScheduler_ContinueDismissesWarning(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(3 * time.Second)
	require.True(t, s.WarningStatus().Visible)

	require.True(t, s.ContinueSession())
	require.False(t, s.WarningStatus().Visible)

	clk.Advance(4 * time.Second)
	require.Empty(t, rec.expired)
	clk.Advance(time.Second)
	require.Equal(t, []domain.ExpiryReason{domain.ReasonIdleTimeout}, rec.expired)
}

func TestLogoutScheduler_ConfigureZeroCancelsEverything(t *testing.T) {
	clk := newTestClock()
	shared := store.Scoped(store.NewMemorySharedState(), "user-1")
	s, rec := newTestScheduler(clk, shared, 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(time.Second)
	s.Configure(0)

	clk.Advance(time.Hour)
	require.Empty(t, rec.warnings)
	require.Empty(t, rec.expired)

	snap := s.Snapshot()
	require.Nil(t, snap.Deadline)
	require.Equal(t, domain.LogoutActive, snap.State)

	_, ok, err := shared.Get(context.Background(), SharedDeadlineKey)
	require.NoError(t, err)
	require.False(t, ok)

	// Activity is still tracked while disabled.
	require.True(t, s.RecordActivity(clk.Now()))
	clk.Advance(time.Hour)
	require.Empty(t, rec.warnings)
	require.Empty(t, rec.expired)
	require.Nil(t, s.Snapshot().Deadline)
}

func TestLogoutScheduler_ConfigureRestartsFromNow(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(4 * time.Second)
	require.Len(t, rec.warnings, 1)

	s.Configure(10 * time.Second)
	require.False(t, s.WarningStatus().Visible)

	clk.Advance(9999 * time.Millisecond)
	require.Empty(t, rec.expired)
	clk.Advance(time.Millisecond)
	require.Len(t, rec.expired, 1)
	require.Len(t, rec.warnings, 2)
}

func TestLogoutScheduler_AdoptsLaterDeadlineFromOtherTab(t *testing.T) {
	clk := newTestClock()
	shared := store.NewMemorySharedState()
	tabA, recA := newTestScheduler(clk, store.Scoped(shared, "user-1"), 5*time.Second, 2*time.Second)
	tabB, recB := newTestScheduler(clk, store.Scoped(shared, "user-1"), 5*time.Second, 2*time.Second)
	tabA.Start()
	tabB.Start()
	t.Cleanup(tabA.Stop)
	t.Cleanup(tabB.Stop)

	clk.Advance(time.Second)
	require.True(t, tabB.RecordActivity(clk.Now()))
	require.WithinDuration(t, testEpoch.Add(6*time.Second), *tabA.Snapshot().Deadline, 0)

	clk.Advance(2999 * time.Millisecond)
	require.Empty(t, recA.warnings)
	clk.Advance(time.Millisecond)
	require.Len(t, recA.warnings, 1)
	require.Len(t, recB.warnings, 1)

	clk.Advance(time.Second)
	require.Empty(t, recA.expired)

	clk.Advance(time.Second)
	require.Equal(t, []time.Duration{6 * time.Second}, recA.expireAt)
	require.Equal(t, []time.Duration{6 * time.Second}, recB.expireAt)
}

func TestLogoutScheduler_IgnoresEarlierDeadlineFromOtherTab(t *testing.T) {
	clk := newTestClock()
	shared := store.NewMemorySharedState()
	s, rec := newTestScheduler(clk, store.Scoped(shared, "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	s.OnSharedChange(SharedDeadlineKey, strconv.FormatInt(testEpoch.Add(time.Second).UnixMilli(), 10))
	s.OnSharedChange(SharedDeadlineKey, "not-a-number")
	s.OnSharedChange(SharedLastActivityKey, strconv.FormatInt(testEpoch.Add(time.Hour).UnixMilli(), 10))

	require.WithinDuration(t, testEpoch.Add(5*time.Second), *s.Snapshot().Deadline, 0)
	clk.Advance(5 * time.Second)
	require.Equal(t, []time.Duration{5 * time.Second}, rec.expireAt)
}

func TestLogoutScheduler_ExpiryRechecksSharedDeadline(t *testing.T) {
	clk := newTestClock()
	mem := store.Scoped(store.NewMemorySharedState(), "user-1")
	s, rec := newTestScheduler(clk, silentSharedState{SharedState: mem}, 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	// Another tab extended the deadline but the change notification never arrived.
	clk.Advance(4 * time.Second)
	require.NoError(t, mem.Set(context.Background(), SharedDeadlineKey, strconv.FormatInt(testEpoch.Add(7*time.Second).UnixMilli(), 10)))

	clk.Advance(time.Second)
	require.Empty(t, rec.expired)
	require.WithinDuration(t, testEpoch.Add(7*time.Second), *s.Snapshot().Deadline, 0)

	clk.Advance(2 * time.Second)
	require.Equal(t, []time.Duration{7 * time.Second}, rec.expireAt)
}

// stalledClock never fires timers inside a test's time window, like a throttled
// background tab.
type stalledClock struct {
	*clock.Mock
}

func (c stalledClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.Mock.AfterFunc(d+24*time.Hour, f)
}

func TestLogoutScheduler_VisibilityCheckExpiresPastDeadline(t *testing.T) {
	manual := newTestClock()
	clk := stalledClock{Mock: manual}
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	manual.Advance(6 * time.Second)
	require.Empty(t, rec.expired)

	s.OnVisible(context.Background())
	require.Equal(t, []domain.ExpiryReason{domain.ReasonVisibilityCheck}, rec.expired)
}

func TestLogoutScheduler_VisibilityCheckReArmsBeforeDeadline(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(time.Second)
	s.OnVisible(context.Background())
	require.Empty(t, rec.expired)

	clk.Advance(4 * time.Second)
	require.Equal(t, []time.Duration{5 * time.Second}, rec.expireAt)
}

func TestLogoutScheduler_ExpireNowRunsOnce(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)

	require.True(t, s.ExpireNow(domain.ReasonUserLogout))
	require.False(t, s.ExpireNow(domain.ReasonUserLogout))
	require.False(t, s.RecordActivity(clk.Now()))

	clk.Advance(time.Minute)
	require.Equal(t, []domain.ExpiryReason{domain.ReasonUserLogout}, rec.expired)
	require.Empty(t, rec.warnings)
}

func TestLogoutScheduler_StopCancelsTimers(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()

	s.Stop()
	clk.Advance(time.Minute)
	require.Empty(t, rec.warnings)
	require.Empty(t, rec.expired)
	require.False(t, s.ExpireNow(domain.ReasonUserLogout))
}

func TestLogoutScheduler_ShortTimeoutWarnsImmediately(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 30*time.Second, time.Minute)
	s.Start()
	t.Cleanup(s.Stop)

	clk.Advance(0)
	require.Equal(t, []time.Duration{30 * time.Second}, rec.warnings)

	clk.Advance(30 * time.Second)
	require.Len(t, rec.expired, 1)
}
