package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transfa/session-service/internal/domain"
)

func TestIdentityEventConsumer_AcksMalformedEvents(t *testing.T) {
	f := newRegistryFixture(t, defaultRegistryConfig())
	consumer := NewIdentityEventConsumer(f.registry)

	require.True(t, consumer.HandleMessage([]byte("{not json")))
	require.True(t, consumer.HandleMessage([]byte(`{"identity_id":"   "}`)))
}

func TestIdentityEventConsumer_SignsOutTabsWithoutProviderCall(t *testing.T) {
	f := newRegistryFixture(t, defaultRegistryConfig())
	consumer := NewIdentityEventConsumer(f.registry)

	tab, err := f.registry.Open(context.Background(), "user-1")
	require.NoError(t, err)

	require.True(t, consumer.HandleMessage([]byte(`{"identity_id":"user-1","reason":"revoked"}`)))
	require.True(t, tab.Facade.SignedOut())
	require.Zero(t, f.identity.count())
	require.Equal(t, domain.ReasonIdentityChanged, tab.Redirect().Reason)
}
