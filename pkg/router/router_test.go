package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
	"support-relay/pkg/protocol"
	"support-relay/pkg/registry"
	"support-relay/pkg/store"
)

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (c *recorder) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *recorder) Close() error { return nil }

func (c *recorder) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

type fakeAutomation struct {
	mu        sync.Mutex
	armed     []int64
	cancelled []string
}

func (a *fakeAutomation) Arm(_ context.Context, conv *models.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = append(a.armed, conv.ID)
}

func (a *fakeAutomation) Cancel(conversationID int64, reason string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, reason)
	return true
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) CreateMessage(context.Context, models.NewMessage) (*models.Message, error) {
	return nil, errors.New("disk full")
}

type fixture struct {
	store      store.Store
	registry   *registry.Registry
	router     *Router
	automation *fakeAutomation
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	m := metrics.NewMetrics(prometheus.NewRegistry())
	if st == nil {
		st = store.NewMemoryStore(m)
	}

	reg := registry.New(logger, m)
	r := New(st, reg, logger, m)
	a := &fakeAutomation{}
	r.SetAutomation(a)

	return &fixture{store: st, registry: reg, router: r, automation: a}
}

func (f *fixture) connect(identity string) *recorder {
	c := &recorder{}
	f.registry.Register(identity, c)
	return c
}

func customerMessage(convID int64, content string) protocol.Envelope {
	return protocol.NewMessage(protocol.MessagePayload{
		ConversationID: convID,
		SenderID:       "cust-1",
		IsFromAgent:    false,
		Content:        content,
	})
}

func agentMessage(convID int64, agentID int64, content string) protocol.Envelope {
	return protocol.NewMessage(protocol.MessagePayload{
		ConversationID: convID,
		SenderID:       registry.AgentIdentity(agentID),
		IsFromAgent:    true,
		Content:        content,
	})
}

func TestRoute_CustomerMessageToUnassignedConversationReachesEveryAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)

	customer := f.connect("cust-1")
	agent1 := f.connect("agent-1")
	agent2 := f.connect("agent-2")

	require.NoError(t, f.router.Route(ctx, customerMessage(conv.ID, "hi")))

	got1 := agent1.envelopes()
	got2 := agent2.envelopes()
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, got1[0], got2[0])
	assert.Empty(t, customer.envelopes())

	p := got1[0].Payload().(protocol.MessagePayload)
	assert.Equal(t, "hi", p.Content)
	assert.False(t, p.IsFromAgent)
	assert.Positive(t, p.ID)
	require.NotNil(t, p.CreatedAt)

	msgs, err := f.store.GetMessagesByConversationID(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, p.ID, msgs[0].ID)
}

func TestRoute_CustomerMessageToAssignedConversationReachesOnlyAssignedAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	_, err = f.store.AssignConversation(ctx, conv.ID, 1)
	require.NoError(t, err)

	agent1 := f.connect("agent-1")
	agent2 := f.connect("agent-2")

	require.NoError(t, f.router.Route(ctx, customerMessage(conv.ID, "hi")))

	assert.Len(t, agent1.envelopes(), 1)
	assert.Empty(t, agent2.envelopes())
}

func TestRoute_AssignedButWaitingStillBroadcastsWithoutDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	_, err = f.store.AssignConversation(ctx, conv.ID, 1)
	require.NoError(t, err)
	_, err = f.store.UpdateConversationStatus(ctx, conv.ID, models.StatusWaiting)
	require.NoError(t, err)

	agent1 := f.connect("agent-1")
	agent2 := f.connect("agent-2")

	require.NoError(t, f.router.Route(ctx, customerMessage(conv.ID, "hi")))

	assert.Len(t, agent1.envelopes(), 1)
	assert.Len(t, agent2.envelopes(), 1)
}

func TestRoute_AgentMessageReachesCustomerAndClaimsConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)

	customer := f.connect("cust-1")
	agent1 := f.connect("agent-1")
	agent2 := f.connect("agent-2")

	require.NoError(t, f.router.Route(ctx, agentMessage(conv.ID, 2, "hello, how can I help?")))

	require.Len(t, customer.envelopes(), 1)
	assert.Empty(t, agent1.envelopes())
	assert.Empty(t, agent2.envelopes())
	assert.Equal(t, []string{ReasonAgentMessage}, f.automation.cancelled)

	claimed, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.AgentID)
	assert.Equal(t, int64(2), *claimed.AgentID)
	assert.Equal(t, models.StatusActive, claimed.Status)

	// Once claimed, customer traffic no longer reaches other agents.
	require.NoError(t, f.router.Route(ctx, customerMessage(conv.ID, "thanks")))
	assert.Empty(t, agent1.envelopes())
	assert.Len(t, agent2.envelopes(), 1)
}

func TestRoute_AutomatedAgentMessageDoesNotCancelOrClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	customer := f.connect("cust-1")

	env := protocol.NewMessage(protocol.MessagePayload{
		ConversationID: conv.ID,
		SenderID:       "agent-3",
		IsFromAgent:    true,
		Content:        "auto reply",
		Metadata:       map[string]interface{}{protocol.MetadataAutomated: true},
	})
	require.NoError(t, f.router.Route(ctx, env))

	require.Len(t, customer.envelopes(), 1)
	assert.Empty(t, f.automation.cancelled)

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AgentID)
}

func TestRoute_CustomerMessageArmsAutomationOnlyWhenEnabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	off, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	on, err := f.store.CreateConversation(ctx, "cust-2")
	require.NoError(t, err)
	_, err = f.store.SetConversationAutomation(ctx, on.ID, true)
	require.NoError(t, err)

	require.NoError(t, f.router.Route(ctx, customerMessage(off.ID, "a")))
	require.NoError(t, f.router.Route(ctx, customerMessage(on.ID, "b")))

	assert.Equal(t, []int64{on.ID}, f.automation.armed)
}

func TestRoute_ReadOfCustomerMessageGoesToAssignedAgentOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	_, err = f.store.AssignConversation(ctx, conv.ID, 1)
	require.NoError(t, err)
	msg, err := f.store.CreateMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: "cust-1", Content: "hi"})
	require.NoError(t, err)

	customer := f.connect("cust-1")
	agent1 := f.connect("agent-1")
	agent2 := f.connect("agent-2")

	require.NoError(t, f.router.Route(ctx, protocol.NewRead(msg.ID)))

	got := agent1.envelopes()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ReadPayload{MessageID: msg.ID}, got[0].Payload())
	assert.Empty(t, customer.envelopes())
	assert.Empty(t, agent2.envelopes())

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)
}

func TestRoute_ReadOfAgentMessageGoesToCustomer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	_, err = f.store.AssignConversation(ctx, conv.ID, 1)
	require.NoError(t, err)
	msg, err := f.store.CreateMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: "agent-1", IsFromAgent: true, Content: "hi"})
	require.NoError(t, err)

	customer := f.connect("cust-1")
	agent1 := f.connect("agent-1")

	require.NoError(t, f.router.Route(ctx, protocol.NewRead(msg.ID)))

	assert.Len(t, customer.envelopes(), 1)
	assert.Empty(t, agent1.envelopes())
}

func TestRoute_TypingFollowsAuthorSide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	customer := f.connect("cust-1")
	agent := f.connect("agent-5")

	require.NoError(t, f.router.Route(ctx, protocol.NewTyping(conv.ID, true, false)))
	require.NoError(t, f.router.Route(ctx, protocol.NewTyping(conv.ID, true, true)))

	require.Len(t, agent.envelopes(), 1)
	assert.False(t, agent.envelopes()[0].Payload().(protocol.TypingPayload).IsAgent)
	require.Len(t, customer.envelopes(), 1)
	assert.True(t, customer.envelopes()[0].Payload().(protocol.TypingPayload).IsAgent)

	msgs, err := f.store.GetMessagesByConversationID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRoute_StatusResolvedCancelsAutomationAndNotifiesBothSides(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	customer := f.connect("cust-1")
	agent := f.connect("agent-4")

	agentID := int64(4)
	require.NoError(t, f.router.Route(ctx, protocol.NewStatus(conv.ID, "active", &agentID)))
	require.NoError(t, f.router.Route(ctx, protocol.NewStatus(conv.ID, "resolved", nil)))

	assert.Len(t, customer.envelopes(), 2)
	assert.Len(t, agent.envelopes(), 2)
	assert.Equal(t, []string{ReasonResolved}, f.automation.cancelled)

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, agentID, *got.AgentID)
}

func TestRoute_FlashbackWithoutConversationIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	agent := f.connect("agent-1")

	profile := json.RawMessage(`{"lifePath":7}`)
	require.NoError(t, f.router.Route(ctx, protocol.NewFlashback(profile, nil)))
	assert.Empty(t, agent.envelopes())

	require.NoError(t, f.router.Route(ctx, protocol.NewFlashback(profile, &conv.ID)))
	assert.Len(t, agent.envelopes(), 1)
}

func TestRoute_OfflineRecipientIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)

	assert.NoError(t, f.router.Route(ctx, agentMessage(conv.ID, 1, "anyone?")))
}

func TestRoute_UnknownConversation(t *testing.T) {
	f := newFixture(t, nil)

	err := f.router.Route(context.Background(), customerMessage(404, "hi"))
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRouteRaw_MalformedFrameIsDroppedWithoutDelivery(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.connect("agent-1")

	err := f.router.RouteRaw(context.Background(), "cust-1", []byte(`{"kind":"message","payload":{"content":"x"}}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	err = f.router.RouteRaw(context.Background(), "cust-1", []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	assert.Empty(t, agent.envelopes())
}

func TestRouteRaw_UnknownKindIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	agent := f.connect("agent-1")

	err := f.router.RouteRaw(context.Background(), "cust-1", []byte(`{"kind":"reaction","payload":{"emoji":"+1"}}`))
	assert.NoError(t, err)
	assert.Empty(t, agent.envelopes())
}

func TestRouteRaw_AutomatedMessageFromPeerIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	customer := f.connect("cust-1")

	frame, err := protocol.Encode(protocol.NewMessage(protocol.MessagePayload{
		ConversationID: conv.ID,
		SenderID:       "agent-3",
		IsFromAgent:    true,
		Content:        "pretending to be the bot",
		Metadata:       map[string]interface{}{protocol.MetadataAutomated: true},
	}))
	require.NoError(t, err)

	err = f.router.RouteRaw(ctx, "agent-3", frame)
	assert.ErrorIs(t, err, ErrAutomatedFromPeer)

	assert.Empty(t, customer.envelopes())
	msgs, err := f.store.GetMessagesByConversationID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The same message without the marker is routed normally.
	frame, err = protocol.Encode(agentMessage(conv.ID, 3, "hello from a human"))
	require.NoError(t, err)
	require.NoError(t, f.router.RouteRaw(ctx, "agent-3", frame))
	assert.Len(t, customer.envelopes(), 1)
	assert.Equal(t, []string{ReasonAgentMessage}, f.automation.cancelled)
}

func TestRouteRaw_PersistenceFailureReportsToSenderOnly(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mem := store.NewMemoryStore(m)
	f := newFixture(t, failingStore{mem})
	ctx := context.Background()

	conv, err := mem.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)

	customer := f.connect("cust-1")
	agent := f.connect("agent-1")

	frame, err := protocol.Encode(customerMessage(conv.ID, "hi"))
	require.NoError(t, err)

	err = f.router.RouteRaw(ctx, "cust-1", frame)
	assert.ErrorIs(t, err, ErrPersistence)

	assert.Empty(t, agent.envelopes())
	got := customer.envelopes()
	require.Len(t, got, 1)
	require.Equal(t, protocol.KindError, got[0].Kind())
	p := got[0].Payload().(protocol.ErrorPayload)
	require.NotNil(t, p.ConversationID)
	assert.Equal(t, conv.ID, *p.ConversationID)

	// The sender stays registered.
	_, ok := f.registry.Lookup("cust-1")
	assert.True(t, ok)
}

func TestRoute_SameConversationDeliveriesKeepOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "cust-1")
	require.NoError(t, err)
	_, err = f.store.AssignConversation(ctx, conv.ID, 1)
	require.NoError(t, err)
	agent := f.connect("agent-1")

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, f.router.Route(ctx, customerMessage(conv.ID, "m")))
	}

	got := agent.envelopes()
	require.Len(t, got, n)
	var last int64
	for _, env := range got {
		id := env.Payload().(protocol.MessagePayload).ID
		assert.Greater(t, id, last)
		last = id
	}
}

func TestConversationLocks_SerializesPerKey(t *testing.T) {
	locks := newConversationLocks()

	release := locks.lock(1)
	acquired := make(chan struct{})
	go func() {
		unlock := locks.lock(1)
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held conversation lock")
	case <-time.After(50 * time.Millisecond):
	}

	// Other conversations are not blocked.
	other := locks.lock(2)
	other()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}
