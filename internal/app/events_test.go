package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transfa/session-service/internal/domain"
)

type recordingPublisher struct {
	mu       sync.Mutex
	exchange []string
	keys     []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchange = append(p.exchange, exchange)
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func TestEventBus_FansOutToSubscribers(t *testing.T) {
	bus := NewEventBus()
	audit := &recordingEvents{}
	publisher := &recordingPublisher{}

	require.NoError(t, bus.Subscribe(audit.Emit))
	require.NoError(t, bus.SubscribeAsync(NewEventForwarder(publisher).Forward))

	bus.Emit(domain.SessionEvent{Topic: domain.TopicPinLockedOut, IdentityID: "user-1"})
	bus.Emit(domain.SessionEvent{Topic: domain.TopicSessionSignedOut, IdentityID: "user-1", Reason: domain.ReasonUserLogout})
	bus.Wait()

	require.Equal(t, []string{domain.TopicPinLockedOut, domain.TopicSessionSignedOut}, audit.topics())
	require.ElementsMatch(t, []string{domain.TopicPinLockedOut, domain.TopicSessionSignedOut}, publisher.keys)
	require.Equal(t, []string{SessionEventsExchange, SessionEventsExchange}, publisher.exchange)
}

func TestEventForwarder_NilPublisherFallsBack(t *testing.T) {
	forwarder := NewEventForwarder(nil)
	require.NotPanics(t, func() {
		forwarder.Forward(domain.SessionEvent{Topic: domain.TopicPinChanged, IdentityID: "user-1"})
	})
}

func TestAuditEvent(t *testing.T) {
	remaining := 2
	require.NotPanics(t, func() {
		AuditEvent(domain.SessionEvent{Topic: domain.TopicPinMismatch, IdentityID: "user-1", AttemptsRemaining: &remaining})
	})
}
