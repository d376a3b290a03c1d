package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

type countingSink struct {
	accepted []time.Time
	expiring bool
}

func (s *countingSink) RecordActivity(at time.Time) bool {
	s.accepted = append(s.accepted, at)
	return true
}

func (s *countingSink) IsExpiring() bool { return s.expiring }

func TestActivityMonitor_BurstProducesOneRecompute(t *testing.T) {
	clk := newTestClock()
	sink := &countingSink{}
	m := NewActivityMonitor(clk, sink, 500*time.Millisecond)

	for i := 0; i < 100; i++ {
		m.RecordActivity(domain.ActivityPointer)
		clk.Advance(2 * time.Millisecond)
	}
	require.Len(t, sink.accepted, 1)
	require.Equal(t, testEpoch, m.LastAccepted())

	clk.Advance(300 * time.Millisecond)
	require.True(t, m.RecordActivity(domain.ActivityKey))
	require.Len(t, sink.accepted, 2)
}

func TestActivityMonitor_DropsEventsWhileExpiring(t *testing.T) {
	clk := newTestClock()
	sink := &countingSink{expiring: true}
	m := NewActivityMonitor(clk, sink, 0)

	require.False(t, m.RecordActivity(domain.ActivityScroll))
	require.Empty(t, sink.accepted)
	require.True(t, m.LastAccepted().IsZero())
}

func TestActivityMonitor_FeedsScheduler(t *testing.T) {
	clk := newTestClock()
	s, rec := newTestScheduler(clk, store.Scoped(store.NewMemorySharedState(), "user-1"), 5*time.Second, 2*time.Second)
	s.Start()
	t.Cleanup(s.Stop)
	m := NewActivityMonitor(clk, s, DefaultActivityDebounce)

	clk.Advance(4 * time.Second)
	require.True(t, m.RecordActivity(domain.ActivityTouch))
	require.WithinDuration(t, testEpoch.Add(9*time.Second), *s.Snapshot().Deadline, 0)

	clk.Advance(5 * time.Second)
	require.Len(t, rec.expired, 1)
	require.False(t, m.RecordActivity(domain.ActivityFocus))
}
