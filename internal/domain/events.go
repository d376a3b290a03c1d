package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session event topics published on the in-process bus and forwarded to RabbitMQ.
const (
	TopicSessionWarning   = "session.warning"
	TopicSessionExpired   = "session.expired"
	TopicSessionSignedOut = "session.signed_out"
	TopicPinVerified      = "pin.verified"
	TopicPinMismatch      = "pin.mismatch"
	TopicPinLockedOut     = "pin.locked_out"
	TopicPinChanged       = "pin.changed"
)

// SessionEvent is the payload for every session and PIN event.
type SessionEvent struct {
	Topic      string    `json:"topic"`
	IdentityID string    `json:"identity_id"`
	TabID      uuid.UUID `json:"tab_id"`
	// SessionID is unset for PIN events.
	SessionID         uuid.NullUUID `json:"session_id"`
	Reason            ExpiryReason  `json:"reason,omitempty"`
	RemainingMs       int64         `json:"remaining_ms,omitempty"`
	AttemptsRemaining *int          `json:"attempts_remaining,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// IdentityEvent is consumed from the identity provider's event stream.
type IdentityEvent struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
