package registry

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-relay/pkg/metrics"
	"support-relay/pkg/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	closed int
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() (*Registry, *metrics.Metrics) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return New(logger, m), m
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r, m := newTestRegistry()
	h := &fakeConn{}

	r.Register("customer-1", h)

	got, ok := r.Lookup("customer-1")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectedClients))

	_, ok = r.Lookup("customer-2")
	assert.False(t, ok)
}

func TestRegistry_ReplaceClosesPrevious(t *testing.T) {
	r, _ := newTestRegistry()
	h1 := &fakeConn{}
	h2 := &fakeConn{}

	r.Register("X", h1)
	r.Register("X", h2)

	got, ok := r.Lookup("X")
	require.True(t, ok)
	assert.Same(t, h2, got)
	assert.Equal(t, 1, h1.closeCount())
	assert.Equal(t, 0, h2.closeCount())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LateUnregisterOfReplacedHandleIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	h1 := &fakeConn{}
	h2 := &fakeConn{}

	r.Register("X", h1)
	r.Register("X", h2)

	assert.False(t, r.Unregister("X", h1))

	got, ok := r.Lookup("X")
	require.True(t, ok)
	assert.Same(t, h2, got)

	assert.True(t, r.Unregister("X", h2))
	_, ok = r.Lookup("X")
	assert.False(t, ok)
	assert.False(t, r.Unregister("X", h2))
}

func TestRegistry_IdentitiesByPrefix(t *testing.T) {
	r, _ := newTestRegistry()

	r.Register(AgentIdentity(2), &fakeConn{})
	r.Register("customer-9", &fakeConn{})
	r.Register(AgentIdentity(1), &fakeConn{})

	assert.Equal(t, []string{"agent-1", "agent-2"}, r.Identities("agent-"))
	assert.Len(t, r.Identities(""), 3)
}

func TestRegistry_CloseAll(t *testing.T) {
	r, m := newTestRegistry()
	h1 := &fakeConn{}
	h2 := &fakeConn{}
	r.Register("a", h1)
	r.Register("b", h2)

	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, h1.closeCount())
	assert.Equal(t, 1, h2.closeCount())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectedClients))
}

func TestRegistry_ConcurrentRegisterKeepsOneEntry(t *testing.T) {
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := &fakeConn{}
			r.Register("X", h)
			r.Unregister("X", h)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 1)
}

func TestAgentIdentity(t *testing.T) {
	assert.Equal(t, "agent-42", AgentIdentity(42))

	id, ok := ParseAgentIdentity("agent-42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"agent-", "agent-x", "agent--1", "customer-42", ""} {
		_, ok := ParseAgentIdentity(bad)
		assert.False(t, ok, bad)
		assert.False(t, IsAgentIdentity(bad), bad)
	}
}
