// Package registry maps participant identities to their live transport
// connection.
package registry

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"support-relay/pkg/constants"
	"support-relay/pkg/metrics"
	"support-relay/pkg/protocol"
)

// Conn is a live transport handle owned by the registry while registered.
type Conn interface {
	Send(env protocol.Envelope) error
	Close() error
}

// Registry holds at most one connection per identity. Reconnecting with the
// same identity replaces the previous entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Conn
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(logger *logrus.Logger, metrics *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]Conn),
		logger:  logger,
		metrics: metrics,
	}
}

// Register installs handle for identity. A previously registered handle for
// the same identity is closed and discarded.
func (r *Registry) Register(identity string, handle Conn) {
	r.mu.Lock()
	prev, replaced := r.entries[identity]
	r.entries[identity] = handle
	total := len(r.entries)
	r.mu.Unlock()

	r.metrics.ConnectedClients.Set(float64(total))

	if replaced && prev != handle {
		if err := prev.Close(); err != nil {
			r.logger.WithError(err).WithField("identity", identity).Debug("Closing replaced connection failed")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"identity":      identity,
		"replaced":      replaced,
		"total_clients": total,
	}).Info("Client registered")
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.entries[identity]
	return handle, ok
}

// Unregister removes identity only while handle is still the registered
// connection, so a late close of a superseded connection cannot evict its
// replacement.
func (r *Registry) Unregister(identity string, handle Conn) bool {
	r.mu.Lock()
	current, ok := r.entries[identity]
	if !ok || current != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, identity)
	total := len(r.entries)
	r.mu.Unlock()

	r.metrics.ConnectedClients.Set(float64(total))
	r.logger.WithFields(logrus.Fields{
		"identity":      identity,
		"total_clients": total,
	}).Info("Client unregistered")
	return true
}

// Identities returns the registered identities starting with prefix, sorted.
func (r *Registry) Identities(prefix string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes and removes every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]Conn)
	r.mu.Unlock()

	for _, handle := range entries {
		handle.Close()
	}
	r.metrics.ConnectedClients.Set(0)
}

// AgentIdentity returns the registry key for an agent.
func AgentIdentity(agentID int64) string {
	return constants.AgentIdentityPrefix + strconv.FormatInt(agentID, 10)
}

func IsAgentIdentity(identity string) bool {
	_, ok := ParseAgentIdentity(identity)
	return ok
}

// ParseAgentIdentity extracts the numeric id from an agent-<id> identity.
func ParseAgentIdentity(identity string) (int64, bool) {
	if !strings.HasPrefix(identity, constants.AgentIdentityPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(identity, constants.AgentIdentityPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
