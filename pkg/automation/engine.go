// Package automation owns the per-conversation timers that produce an
// automated reply when no agent answers a customer in time.
//
// A timer moves idle → armed → counting-down → fired|cancelled → idle. At most
// one timer per conversation is non-idle; arming again replaces the previous
// one. The transition to fired happens under the engine lock before the reply
// is generated, so a Cancel that wins the lock first suppresses the reply
// and a Cancel that loses it is a no-op.
package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/constants"
	"support-relay/pkg/generator"
	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
	"support-relay/pkg/protocol"
	"support-relay/pkg/registry"
	"support-relay/pkg/store"
)

// ErrInvalidDelay is returned for automation delays outside 1..10 seconds.
var ErrInvalidDelay = errors.New("invalid automation delay")

// Cancellation reasons.
const (
	ReasonRearmed            = "rearmed"
	ReasonTakeOver           = "take_over"
	ReasonAutomationDisabled = "automation_disabled"
	ReasonShutdown           = "shutdown"
)

// SenderID is used as the author of automated replies on conversations with
// no assigned agent.
const SenderID = "automation"

// Router is where fired timers deliver their envelopes. WithConversation
// serializes conversation updates with in-flight routing, which is where
// timers get armed.
type Router interface {
	Route(ctx context.Context, env protocol.Envelope) error
	WithConversation(conversationID int64, fn func() error) error
}

type Options struct {
	// Unit is the length of one delay second. Tests shrink it.
	Unit                time.Duration
	DefaultDelay        int
	HistoryLimit        int
	GenerationTimeout   time.Duration
	FallbackReply       string
	DefaultSystemPrompt string
}

const (
	defaultHistoryLimit        = 10
	defaultGenerationTimeout   = 30 * time.Second
	defaultFallbackReply       = "Sorry, I'm having trouble answering right now. An agent will be with you shortly."
	defaultDefaultSystemPrompt = "You are a friendly customer support agent. Answer the customer's latest message helpfully and concisely."
)

func (o Options) withDefaults() Options {
	if o.Unit <= 0 {
		o.Unit = time.Second
	}
	if !constants.ValidAutomationDelay(o.DefaultDelay) {
		o.DefaultDelay = constants.DefaultAutomationDelaySeconds
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = defaultGenerationTimeout
	}
	if o.FallbackReply == "" {
		o.FallbackReply = defaultFallbackReply
	}
	if o.DefaultSystemPrompt == "" {
		o.DefaultSystemPrompt = defaultDefaultSystemPrompt
	}
	return o
}

type timerState int

const (
	stateArmed timerState = iota
	stateCountingDown
	stateFired
	stateCancelled
)

func (s timerState) String() string {
	switch s {
	case stateArmed:
		return "armed"
	case stateCountingDown:
		return "counting-down"
	case stateFired:
		return "fired"
	case stateCancelled:
		return "cancelled"
	}
	return "idle"
}

type timer struct {
	id             string
	conversationID int64
	armedAt        time.Time
	delaySeconds   int
	deadline       time.Time
	state          timerState
	clock          *time.Timer
}

// TimerView is a read-only snapshot of one pending timer.
type TimerView struct {
	ConversationID   int64     `json:"conversationId"`
	ArmingID         string    `json:"armingId"`
	State            string    `json:"state"`
	ArmedAt          time.Time `json:"armedAt"`
	DelaySeconds     int       `json:"delaySeconds"`
	RemainingSeconds int       `json:"remainingSeconds"`
}

type Engine struct {
	mu      sync.Mutex
	timers  map[int64]*timer
	stopped bool
	fires   sync.WaitGroup

	store     store.Store
	generator generator.Generator
	router    Router
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	opts      Options
}

func NewEngine(st store.Store, gen generator.Generator, logger *logrus.Logger, metrics *metrics.Metrics, opts Options) *Engine {
	return &Engine{
		timers:    make(map[int64]*timer),
		store:     st,
		generator: gen,
		logger:    logger,
		metrics:   metrics,
		opts:      opts.withDefaults(),
	}
}

// SetRouter wires the router fired timers deliver through. Must be called
// before the first Arm.
func (e *Engine) SetRouter(r Router) {
	e.router = r
}

// Arm starts the countdown for conv, replacing any pending timer for the same
// conversation.
func (e *Engine) Arm(ctx context.Context, conv *models.Conversation) {
	delay := e.delayFor(ctx, conv)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if prev, ok := e.timers[conv.ID]; ok {
		e.cancelLocked(prev, ReasonRearmed)
	}

	now := time.Now()
	t := &timer{
		id:             uuid.NewString(),
		conversationID: conv.ID,
		armedAt:        now,
		delaySeconds:   delay,
		deadline:       now.Add(time.Duration(delay) * e.opts.Unit),
		state:          stateArmed,
	}
	e.timers[conv.ID] = t
	t.clock = time.AfterFunc(time.Until(t.deadline), func() { e.fire(t) })
	t.state = stateCountingDown

	e.metrics.PendingAutomationTimers.Set(float64(len(e.timers)))
	e.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"arming_id":       t.id,
		"delay_seconds":   delay,
	}).Info("Automation timer armed")
}

// Cancel stops the pending timer for the conversation. It reports false when
// there was nothing to cancel, including when the timer already fired.
func (e *Engine) Cancel(conversationID int64, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.timers[conversationID]
	if !ok {
		return false
	}
	return e.cancelLocked(t, reason)
}

func (e *Engine) cancelLocked(t *timer, reason string) bool {
	if t.state != stateCountingDown && t.state != stateArmed {
		return false
	}
	t.clock.Stop()
	t.state = stateCancelled
	delete(e.timers, t.conversationID)

	e.metrics.PendingAutomationTimers.Set(float64(len(e.timers)))
	e.metrics.AutomationOutcomes.WithLabelValues("cancelled_" + reason).Inc()
	e.logger.WithFields(logrus.Fields{
		"conversation_id": t.conversationID,
		"arming_id":       t.id,
		"reason":          reason,
	}).Info("Automation timer cancelled")
	return true
}

// Remaining returns the whole seconds left before the conversation's timer
// fires, rounded up.
func (e *Engine) Remaining(conversationID int64) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.timers[conversationID]
	if !ok || t.state != stateCountingDown {
		return 0, false
	}
	return e.remainingLocked(t, time.Now()), true
}

func (e *Engine) remainingLocked(t *timer, now time.Time) int {
	left := t.deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(e.opts.Unit)))
}

// Snapshot lists pending timers ordered by conversation id.
func (e *Engine) Snapshot() []TimerView {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	out := make([]TimerView, 0, len(e.timers))
	for _, t := range e.timers {
		out = append(out, TimerView{
			ConversationID:   t.conversationID,
			ArmingID:         t.id,
			State:            t.state.String(),
			ArmedAt:          t.armedAt,
			DelaySeconds:     t.delaySeconds,
			RemainingSeconds: e.remainingLocked(t, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Stop cancels every pending timer and waits for in-flight replies to be
// delivered. Arm is a no-op afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for _, t := range e.timers {
		e.cancelLocked(t, ReasonShutdown)
	}
	e.mu.Unlock()

	e.fires.Wait()
}

func (e *Engine) fire(t *timer) {
	e.mu.Lock()
	if e.timers[t.conversationID] != t || t.state != stateCountingDown {
		e.mu.Unlock()
		return
	}
	t.state = stateFired
	delete(e.timers, t.conversationID)
	e.fires.Add(1)
	e.metrics.PendingAutomationTimers.Set(float64(len(e.timers)))
	e.mu.Unlock()

	defer e.fires.Done()
	e.deliverReply(context.Background(), t)
}

func (e *Engine) deliverReply(ctx context.Context, t *timer) {
	logger := e.logger.WithFields(logrus.Fields{
		"conversation_id": t.conversationID,
		"arming_id":       t.id,
	})
	convID := t.conversationID

	e.route(ctx, logger, protocol.NewTyping(convID, true, true))

	conv, err := e.store.GetConversation(ctx, convID)
	if err != nil {
		e.route(ctx, logger, protocol.NewTyping(convID, false, true))
		e.metrics.AutomationOutcomes.WithLabelValues("failed").Inc()
		logger.WithError(err).Error("Automated reply aborted: conversation unavailable")
		return
	}

	text, fallback := e.reply(ctx, conv, logger)

	e.route(ctx, logger, protocol.NewTyping(convID, false, true))

	sender := SenderID
	if conv.AgentID != nil {
		sender = registry.AgentIdentity(*conv.AgentID)
	}
	err = e.router.Route(ctx, protocol.NewMessage(protocol.MessagePayload{
		ConversationID: convID,
		SenderID:       sender,
		IsFromAgent:    true,
		Content:        text,
		Metadata:       map[string]interface{}{protocol.MetadataAutomated: true},
	}))
	if err != nil {
		e.metrics.AutomationOutcomes.WithLabelValues("failed").Inc()
		logger.WithError(err).Error("Failed to deliver automated reply")
		return
	}

	outcome := "fired"
	if fallback {
		outcome = "fallback"
	}
	e.metrics.AutomationOutcomes.WithLabelValues(outcome).Inc()
	logger.WithField("fallback", fallback).Info("Automated reply delivered")
}

func (e *Engine) route(ctx context.Context, logger *logrus.Entry, env protocol.Envelope) {
	if err := e.router.Route(ctx, env); err != nil {
		logger.WithError(err).WithField("kind", env.Kind()).Warn("Failed to route automation envelope")
	}
}

// reply generates the response text. It reports true when the fallback text
// was used instead.
func (e *Engine) reply(ctx context.Context, conv *models.Conversation, logger *logrus.Entry) (string, bool) {
	history, err := e.store.GetMessagesByConversationID(ctx, conv.ID)
	if err != nil {
		logger.WithError(err).Error("Failed to load conversation history")
		return e.opts.FallbackReply, true
	}
	if len(history) > e.opts.HistoryLimit {
		history = history[len(history)-e.opts.HistoryLimit:]
	}

	prompt := e.systemPrompt(ctx, conv, logger)

	genCtx, cancel := context.WithTimeout(ctx, e.opts.GenerationTimeout)
	defer cancel()

	start := time.Now()
	text, err := e.generator.Generate(genCtx, conv, history, prompt)
	e.metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.WithError(err).Warn("Response generation failed, using fallback reply")
		return e.opts.FallbackReply, true
	}
	if text == "" {
		return e.opts.FallbackReply, true
	}
	return text, false
}

func (e *Engine) systemPrompt(ctx context.Context, conv *models.Conversation, logger *logrus.Entry) string {
	if conv.AgentID == nil {
		return e.opts.DefaultSystemPrompt
	}
	prompts, err := e.store.GetLLMPromptsByAgentID(ctx, *conv.AgentID)
	if err != nil {
		logger.WithError(err).Warn("Failed to load agent prompts")
		return e.opts.DefaultSystemPrompt
	}
	if p, ok := SelectPrompt(prompts); ok {
		return p.SystemPrompt
	}
	return e.opts.DefaultSystemPrompt
}

// SelectPrompt picks the agent's default template, or else the oldest one.
// Ties on creation time go to the lowest id.
func SelectPrompt(prompts []models.LLMPrompt) (models.LLMPrompt, bool) {
	var (
		best     models.LLMPrompt
		found    bool
		foundDef bool
	)
	for _, p := range prompts {
		switch {
		case !found:
		case p.IsDefault && !foundDef:
		case p.IsDefault == foundDef && older(p, best):
		default:
			continue
		}
		best, found, foundDef = p, true, p.IsDefault
	}
	return best, found
}

func older(a, b models.LLMPrompt) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (e *Engine) delayFor(ctx context.Context, conv *models.Conversation) int {
	if conv.AgentID == nil {
		return e.opts.DefaultDelay
	}
	user, err := e.store.GetUser(ctx, *conv.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.WithError(err).WithField("agent_id", *conv.AgentID).Warn("Failed to load agent delay")
		}
		return e.opts.DefaultDelay
	}
	if !constants.ValidAutomationDelay(user.AutomationDelay) {
		return e.opts.DefaultDelay
	}
	return user.AutomationDelay
}

// SetDelay stores a new automation delay for the agent. Values outside the
// accepted range leave the stored value untouched.
func (e *Engine) SetDelay(ctx context.Context, agentID int64, seconds int) (*models.User, error) {
	if !constants.ValidAutomationDelay(seconds) {
		return nil, fmt.Errorf("%w: %d (must be %d-%d seconds)", ErrInvalidDelay, seconds,
			constants.MinAutomationDelaySeconds, constants.MaxAutomationDelaySeconds)
	}
	return e.store.UpdateUserAutomationDelay(ctx, agentID, seconds)
}

// SetAutomation toggles the conversation's automation flag. Turning it off
// cancels a pending timer.
func (e *Engine) SetAutomation(ctx context.Context, conversationID int64, enabled bool) (*models.Conversation, error) {
	var conv *models.Conversation
	err := e.withConversation(conversationID, func() error {
		var err error
		conv, err = e.store.SetConversationAutomation(ctx, conversationID, enabled)
		if err != nil {
			return err
		}
		if !enabled {
			e.Cancel(conversationID, ReasonAutomationDisabled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// TakeOver hands the conversation to agentID: the pending timer is cancelled,
// automation is switched off and the conversation is assigned. A reply that
// already fired still completes.
func (e *Engine) TakeOver(ctx context.Context, conversationID, agentID int64) (*models.Conversation, bool, error) {
	var (
		conv      *models.Conversation
		cancelled bool
	)
	err := e.withConversation(conversationID, func() error {
		cancelled = e.Cancel(conversationID, ReasonTakeOver)

		if _, err := e.store.SetConversationAutomation(ctx, conversationID, false); err != nil {
			return err
		}
		var err error
		conv, err = e.store.AssignConversation(ctx, conversationID, agentID)
		return err
	})
	if err != nil {
		return nil, cancelled, err
	}

	e.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"agent_id":        agentID,
		"cancelled":       cancelled,
	}).Info("Agent took over conversation")
	return conv, cancelled, nil
}

// withConversation holds the router's lock for the conversation so that a
// message being routed cannot arm a timer between fn's cancel and its store
// update.
func (e *Engine) withConversation(conversationID int64, fn func() error) error {
	if e.router == nil {
		return fn()
	}
	return e.router.WithConversation(conversationID, fn)
}
