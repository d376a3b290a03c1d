package app

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/transfa/session-service/internal/domain"
)

// Routing keys of identity events that end every tab of the identity.
const (
	IdentitySignedOutKey      = "identity.signed_out"
	IdentitySessionRevokedKey = "identity.session_revoked"
)

// IdentityEventConsumer signs out local tabs when the identity provider reports
// the identity has signed out elsewhere.
type IdentityEventConsumer struct {
	registry *TabRegistry
}

func NewIdentityEventConsumer(registry *TabRegistry) *IdentityEventConsumer {
	return &IdentityEventConsumer{registry: registry}
}

// HandleMessage processes one identity event. Malformed events are acknowledged
// and dropped.
func (c *IdentityEventConsumer) HandleMessage(body []byte) bool {
	var event domain.IdentityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=identity_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	identityID := strings.TrimSpace(event.IdentityID)
	if identityID == "" {
		log.Printf("level=warn component=identity_consumer msg=\"missing identity id\" event=%+v", event)
		return true
	}

	n := c.registry.CloseIdentity(identityID, domain.ReasonIdentityChanged)
	log.Printf("level=info component=identity_consumer msg=\"identity ended\" identity_id=%s reason=%q tabs_signed_out=%d", identityID, event.Reason, n)
	return true
}
