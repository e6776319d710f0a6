// Package router computes the recipients of every inbound envelope and
// delivers it to the ones currently connected.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"support-relay/pkg/constants"
	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
	"support-relay/pkg/protocol"
	"support-relay/pkg/registry"
	"support-relay/pkg/store"
)

var (
	// ErrMalformedEnvelope aliases the protocol sentinel so callers only need
	// this package to classify routing failures.
	ErrMalformedEnvelope = protocol.ErrMalformedEnvelope

	// ErrPersistence means a message could not be stored; nothing was
	// delivered.
	ErrPersistence = errors.New("persistence failure")

	// ErrConversationNotFound means the envelope references a conversation or
	// message the store does not know.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAutomatedFromPeer rejects a message from a connected endpoint that
	// claims to be an automated reply. Only the automation engine produces
	// those.
	ErrAutomatedFromPeer = errors.New("automated message from peer")
)

// Cancellation reasons reported to the automation engine.
const (
	ReasonAgentMessage = "agent_message"
	ReasonResolved     = "resolved"
)

// Automation is the part of the automation engine the router drives.
type Automation interface {
	Arm(ctx context.Context, conv *models.Conversation)
	Cancel(conversationID int64, reason string) bool
}

type noAutomation struct{}

func (noAutomation) Arm(context.Context, *models.Conversation) {}
func (noAutomation) Cancel(int64, string) bool                { return false }

type Router struct {
	store      store.Store
	registry   *registry.Registry
	automation Automation
	locks      *conversationLocks
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func New(st store.Store, reg *registry.Registry, logger *logrus.Logger, metrics *metrics.Metrics) *Router {
	return &Router{
		store:      st,
		registry:   reg,
		automation: noAutomation{},
		locks:      newConversationLocks(),
		logger:     logger,
		metrics:    metrics,
	}
}

// SetAutomation attaches the automation engine. Must be called before the
// router serves traffic.
func (r *Router) SetAutomation(a Automation) {
	if a == nil {
		a = noAutomation{}
	}
	r.automation = a
}

// RouteRaw decodes a frame received from origin and routes it. Malformed,
// unknown and automation-marked frames are logged and dropped; a persistence
// failure is reported back to origin as an error envelope.
func (r *Router) RouteRaw(ctx context.Context, origin string, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		r.metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		r.logger.WithError(err).WithField("identity", origin).Warn("Dropping malformed envelope")
		return err
	}
	if p, ok := env.Payload().(protocol.MessagePayload); ok && p.Automated() {
		r.metrics.EnvelopesDropped.WithLabelValues("automated_from_peer").Inc()
		r.logger.WithFields(logrus.Fields{
			"identity":        origin,
			"conversation_id": p.ConversationID,
		}).Warn("Dropping automated message sent by a peer")
		return ErrAutomatedFromPeer
	}

	err = r.Route(ctx, env)
	if errors.Is(err, ErrPersistence) {
		r.replyError(origin, env, "message could not be saved")
	}
	return err
}

// Route delivers env to its recipients. Routing of envelopes for the same
// conversation is serialized across resolve, persist and delivery.
func (r *Router) Route(ctx context.Context, env protocol.Envelope) error {
	start := time.Now()
	defer func() {
		r.metrics.RouteDuration.Observe(time.Since(start).Seconds())
	}()

	if !env.Known() {
		r.metrics.EnvelopesDropped.WithLabelValues("unknown_kind").Inc()
		r.logger.WithField("kind", env.Kind()).Info("Dropping envelope of unknown kind")
		return nil
	}

	var err error
	switch p := env.Payload().(type) {
	case protocol.MessagePayload:
		err = r.WithConversation(p.ConversationID, func() error { return r.routeMessage(ctx, p) })
	case protocol.TypingPayload:
		err = r.WithConversation(p.ConversationID, func() error { return r.routeTyping(ctx, env, p) })
	case protocol.StatusPayload:
		err = r.WithConversation(p.ConversationID, func() error { return r.routeStatus(ctx, env, p) })
	case protocol.ReadPayload:
		err = r.routeRead(ctx, env, p)
	case protocol.FlashbackPayload:
		if p.ConversationID == nil {
			r.metrics.EnvelopesDropped.WithLabelValues("unroutable").Inc()
			r.logger.Info("Dropping flashback without conversation")
			return nil
		}
		err = r.WithConversation(*p.ConversationID, func() error { return r.routeFlashback(ctx, env, *p.ConversationID) })
	case protocol.ErrorPayload:
		r.metrics.EnvelopesDropped.WithLabelValues("unroutable").Inc()
		r.logger.Debug("Ignoring inbound error envelope")
		return nil
	}

	if err != nil {
		reason := "failed"
		switch {
		case errors.Is(err, ErrPersistence):
			reason = "persistence"
		case errors.Is(err, ErrConversationNotFound):
			reason = "not_found"
		}
		r.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
		r.logger.WithError(err).WithField("kind", env.Kind()).Warn("Failed to route envelope")
		return err
	}

	r.metrics.EnvelopesRouted.WithLabelValues(string(env.Kind())).Inc()
	return nil
}

// WithConversation runs fn while holding the conversation's routing lock.
// fn must not route envelopes for the same conversation.
func (r *Router) WithConversation(conversationID int64, fn func() error) error {
	unlock := r.locks.lock(conversationID)
	defer unlock()
	return fn()
}

func (r *Router) conversation(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrConversationNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", id, err)
	}
	return conv, nil
}

func (r *Router) routeMessage(ctx context.Context, p protocol.MessagePayload) error {
	conv, err := r.conversation(ctx, p.ConversationID)
	if err != nil {
		return err
	}

	msg, err := r.store.CreateMessage(ctx, models.NewMessage{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		IsFromAgent:    p.IsFromAgent,
		Content:        p.Content,
		Metadata:       p.Metadata,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	createdAt := msg.CreatedAt
	out := protocol.NewMessage(protocol.MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		IsFromAgent:    msg.IsFromAgent,
		Content:        msg.Content,
		Metadata:       msg.Metadata,
		CreatedAt:      &createdAt,
	})

	if p.IsFromAgent {
		r.deliver(out, []string{conv.CustomerID})
		if !p.Automated() {
			r.automation.Cancel(conv.ID, ReasonAgentMessage)
			r.claim(ctx, conv, p.SenderID)
		}
		return nil
	}

	r.deliver(out, r.agentSide(conv))
	if conv.AutomationEnabled && conv.Status != models.StatusResolved {
		r.automation.Arm(ctx, conv)
	}
	return nil
}

// claim assigns an unclaimed conversation to the agent that just answered
// it, which ends the broadcast to every connected agent.
func (r *Router) claim(ctx context.Context, conv *models.Conversation, senderID string) {
	if !conv.Unclaimed() || conv.Status == models.StatusResolved {
		return
	}
	agentID, ok := registry.ParseAgentIdentity(senderID)
	if !ok {
		return
	}
	if _, err := r.store.AssignConversation(ctx, conv.ID, agentID); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"agent_id":        agentID,
		}).Error("Failed to claim conversation")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"agent_id":        agentID,
	}).Info("Conversation claimed by first agent reply")
}

func (r *Router) routeTyping(ctx context.Context, env protocol.Envelope, p protocol.TypingPayload) error {
	conv, err := r.conversation(ctx, p.ConversationID)
	if err != nil {
		return err
	}
	if p.IsAgent {
		r.deliver(env, []string{conv.CustomerID})
	} else {
		r.deliver(env, r.agentSide(conv))
	}
	return nil
}

func (r *Router) routeStatus(ctx context.Context, env protocol.Envelope, p protocol.StatusPayload) error {
	if _, err := r.conversation(ctx, p.ConversationID); err != nil {
		return err
	}

	if p.AgentID != nil {
		if _, err := r.store.AssignConversation(ctx, p.ConversationID, *p.AgentID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	conv, err := r.store.UpdateConversationStatus(ctx, p.ConversationID, models.ConversationStatus(p.Status))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if conv.Status == models.StatusResolved {
		r.automation.Cancel(conv.ID, ReasonResolved)
	}

	r.deliver(env, append([]string{conv.CustomerID}, r.agentSide(conv)...))
	return nil
}

func (r *Router) routeRead(ctx context.Context, env protocol.Envelope, p protocol.ReadPayload) error {
	msg, err := r.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrConversationNotFound, err)
	}
	if err != nil {
		return fmt.Errorf("loading message %d: %w", p.MessageID, err)
	}

	return r.WithConversation(msg.ConversationID, func() error {
		conv, err := r.conversation(ctx, msg.ConversationID)
		if err != nil {
			return err
		}
		if _, err := r.store.MarkMessageRead(ctx, msg.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}

		if msg.IsFromAgent {
			r.deliver(env, []string{conv.CustomerID})
		} else if conv.AgentID != nil {
			r.deliver(env, []string{registry.AgentIdentity(*conv.AgentID)})
		}
		return nil
	})
}

func (r *Router) routeFlashback(ctx context.Context, env protocol.Envelope, conversationID int64) error {
	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	r.deliver(env, r.agentSide(conv))
	return nil
}

// agentSide returns the assigned agent plus, while the conversation is
// unclaimed, every connected agent.
func (r *Router) agentSide(conv *models.Conversation) []string {
	var out []string
	if conv.AgentID != nil {
		out = append(out, registry.AgentIdentity(*conv.AgentID))
	}
	if conv.Unclaimed() {
		out = append(out, r.registry.Identities(constants.AgentIdentityPrefix)...)
	}
	return out
}

func (r *Router) deliver(env protocol.Envelope, identities []string) {
	seen := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		if identity == "" {
			continue
		}
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}

		handle, ok := r.registry.Lookup(identity)
		if !ok {
			r.metrics.Deliveries.WithLabelValues("offline").Inc()
			continue
		}
		if err := handle.Send(env); err != nil {
			r.metrics.Deliveries.WithLabelValues("failed").Inc()
			r.logger.WithError(err).WithFields(logrus.Fields{
				"identity": identity,
				"kind":     env.Kind(),
			}).Warn("Failed to deliver envelope")
			continue
		}
		r.metrics.Deliveries.WithLabelValues("delivered").Inc()
	}
}

func (r *Router) replyError(origin string, env protocol.Envelope, message string) {
	handle, ok := r.registry.Lookup(origin)
	if !ok {
		return
	}
	var convID *int64
	if id, ok := protocol.ConversationID(env); ok {
		convID = &id
	}
	if err := handle.Send(protocol.NewError(message, convID)); err != nil {
		r.logger.WithError(err).WithField("identity", origin).Warn("Failed to report routing error to sender")
	}
}
