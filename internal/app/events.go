package app

import (
	"context"
	"log"
	"strconv"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/pkg/rabbitmq"
)

// SessionEventsExchange is the RabbitMQ exchange session events are forwarded to.
const SessionEventsExchange = "session_events"

var sessionTopics = []string{
	domain.TopicSessionWarning,
	domain.TopicSessionExpired,
	domain.TopicSessionSignedOut,
	domain.TopicPinVerified,
	domain.TopicPinMismatch,
	domain.TopicPinLockedOut,
	domain.TopicPinChanged,
}

// EventSink receives session and PIN events.
type EventSink interface {
	Emit(event domain.SessionEvent)
}

type discardEvents struct{}

func (discardEvents) Emit(domain.SessionEvent) {}

// EventBus publishes session events on an in-process bus.
type EventBus struct {
	bus evbus.Bus
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{bus: evbus.New()}
}

// Emit publishes the event on its topic.
func (b *EventBus) Emit(event domain.SessionEvent) {
	b.bus.Publish(event.Topic, event)
}

// Subscribe attaches a synchronous handler to every session topic.
func (b *EventBus) Subscribe(handler func(domain.SessionEvent)) error {
	for _, topic := range sessionTopics {
		if err := b.bus.Subscribe(topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeAsync attaches a handler that runs off the publisher's goroutine,
// one event at a time per topic.
func (b *EventBus) SubscribeAsync(handler func(domain.SessionEvent)) error {
	for _, topic := range sessionTopics {
		if err := b.bus.SubscribeAsync(topic, handler, true); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until queued async handlers have finished.
func (b *EventBus) Wait() {
	b.bus.WaitAsync()
}

// AuditEvent writes a session event to the service log.
func AuditEvent(event domain.SessionEvent) {
	attempts := ""
	if event.AttemptsRemaining != nil {
		attempts = " attempts_remaining=" + strconv.Itoa(*event.AttemptsRemaining)
	}
	sessionID := "-"
	if event.SessionID.Valid {
		sessionID = event.SessionID.UUID.String()
	}
	log.Printf("level=info component=audit event=%s identity_id=%s tab_id=%s session_id=%s reason=%s remaining_ms=%d%s",
		event.Topic, event.IdentityID, event.TabID, sessionID, event.Reason, event.RemainingMs, attempts)
}

// EventForwarder relays session events to RabbitMQ.
type EventForwarder struct {
	publisher rabbitmq.Publisher
}

// NewEventForwarder creates a forwarder. A nil publisher falls back to the no-op producer.
func NewEventForwarder(publisher rabbitmq.Publisher) *EventForwarder {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	return &EventForwarder{publisher: publisher}
}

// Forward publishes the event with its topic as routing key.
func (f *EventForwarder) Forward(event domain.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.publisher.Publish(ctx, SessionEventsExchange, event.Topic, event); err != nil {
		log.Printf("level=warn component=event_forwarder msg=\"session event publish failed\" topic=%s identity_id=%s err=%v", event.Topic, event.IdentityID, err)
	}
}
