package service

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-relay/pkg/client"
	"support-relay/pkg/config"
	"support-relay/pkg/models"
	"support-relay/pkg/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Port:                          "0",
		InstanceID:                    "test",
		StoreBackend:                  "memory",
		AutomationDefaultDelaySeconds: 10,
		FallbackReply:                 "An agent will be with you shortly.",
		WSSendBuffer:                  16,
	}

	svc, err := NewService(context.Background(), cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc
}

// armed creates an automation-enabled conversation and arms its timer with a
// customer message.
func armed(t *testing.T, svc *Service) *models.Conversation {
	t.Helper()
	ctx := context.Background()

	conv, err := svc.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	conv, err = svc.store.SetConversationAutomation(ctx, conv.ID, true)
	require.NoError(t, err)

	require.NoError(t, svc.router.Route(ctx, protocol.NewMessage(protocol.MessagePayload{
		ConversationID: conv.ID,
		SenderID:       "cust-1",
		Content:        "is anyone there?",
	})))
	_, ok := svc.engine.Remaining(conv.ID)
	require.True(t, ok)
	return conv
}

func TestNewService_UnknownStoreBackend(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewService(context.Background(), &config.Config{StoreBackend: "cassandra"}, logger, prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestSweep_CancelsTimersThatNoLongerQualify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	resolved := armed(t, svc)
	disabled := armed(t, svc)
	untouched := armed(t, svc)

	// Changed directly in the store, bypassing the router and engine.
	_, err := svc.store.UpdateConversationStatus(ctx, resolved.ID, models.StatusResolved)
	require.NoError(t, err)
	_, err = svc.store.SetConversationAutomation(ctx, disabled.ID, false)
	require.NoError(t, err)

	assert.Equal(t, 2, svc.Sweep(ctx))

	_, ok := svc.engine.Remaining(resolved.ID)
	assert.False(t, ok)
	_, ok = svc.engine.Remaining(disabled.ID)
	assert.False(t, ok)
	_, ok = svc.engine.Remaining(untouched.ID)
	assert.True(t, ok)

	assert.Equal(t, 0, svc.Sweep(ctx))
}

func TestRelay_ClientsExchangeMessages(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	conv, err := svc.store.CreateConversation(context.Background(), "cust-1")
	require.NoError(t, err)

	connect := func(identity string) *client.Client {
		c := client.New(client.WebsocketDialer{BaseURL: srv.URL, ClientID: identity}, client.Options{
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  50 * time.Millisecond,
		}, logger)
		require.NoError(t, c.Connect())
		t.Cleanup(func() { c.Disconnect() })
		require.Eventually(t, func() bool { return c.State() == client.StateConnected }, 2*time.Second, 5*time.Millisecond)
		return c
	}

	agent := connect("agent-1")
	customer := connect("cust-1")
	require.Eventually(t, func() bool { return svc.registry.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, customer.Send(protocol.NewMessage(protocol.MessagePayload{
		ConversationID: conv.ID,
		SenderID:       "cust-1",
		Content:        "my parcel is late",
	})))

	select {
	case env := <-agent.Events():
		msg, ok := env.Payload().(protocol.MessagePayload)
		require.True(t, ok)
		assert.Equal(t, "my parcel is late", msg.Content)
		assert.False(t, msg.IsFromAgent)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not receive the customer message")
	}

	require.NoError(t, agent.Send(protocol.NewMessage(protocol.MessagePayload{
		ConversationID: conv.ID,
		SenderID:       "agent-1",
		IsFromAgent:    true,
		Content:        "checking now",
	})))

	select {
	case env := <-customer.Events():
		msg, ok := env.Payload().(protocol.MessagePayload)
		require.True(t, ok)
		assert.Equal(t, "checking now", msg.Content)
		assert.True(t, msg.IsFromAgent)
	case <-time.After(2 * time.Second):
		t.Fatal("customer did not receive the agent reply")
	}

	// The first agent reply claims the conversation.
	require.Eventually(t, func() bool {
		c, err := svc.store.GetConversation(context.Background(), conv.ID)
		return err == nil && c.Status == models.StatusActive && c.AgentID != nil && *c.AgentID == 1
	}, 2*time.Second, 5*time.Millisecond)
}
