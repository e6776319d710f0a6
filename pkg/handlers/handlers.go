package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/automation"
	"support-relay/pkg/constants"
	"support-relay/pkg/models"
	"support-relay/pkg/protocol"
	"support-relay/pkg/registry"
	"support-relay/pkg/router"
	"support-relay/pkg/store"
	"support-relay/pkg/transport"
)

type Handler struct {
	store      store.Store
	registry   *registry.Registry
	router     *router.Router
	engine     *automation.Engine
	upgrader   websocket.Upgrader
	sendBuffer int
	instanceID string
	logger     *logrus.Logger
}

type Options struct {
	SendBuffer int
	InstanceID string
}

func NewHandler(st store.Store, reg *registry.Registry, rt *router.Router, engine *automation.Engine, opts Options, logger *logrus.Logger) *Handler {
	return &Handler{
		store:    st,
		registry: reg,
		router:   rt,
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Authentication happens upstream of the relay.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBuffer: opts.SendBuffer,
		instanceID: opts.InstanceID,
		logger:     logger,
	}
}

// WebSocket upgrades the request and serves the connection as clientId until
// either side closes it.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("clientId")
	if identity == "" {
		http.Error(w, "Missing clientId", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("identity", identity).Warn("Websocket upgrade failed")
		return
	}

	conn := transport.NewConn(ws, identity, h.sendBuffer, h.logger)
	h.registry.Register(identity, conn)

	conn.Serve(r.Context(), func(ctx context.Context, frame []byte) {
		h.router.RouteRaw(ctx, identity, frame)
	})

	h.registry.Unregister(identity, conn)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		CustomerID string `json:"customerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.CustomerID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), request.CustomerID)
	if err != nil {
		h.fail(w, err, "Failed to create conversation")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"customer_id":     conv.CustomerID,
	}).Info("Conversation created")
	respond(w, http.StatusCreated, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	status := models.ConversationStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	convs, err := h.store.ListConversations(r.Context(), status)
	if err != nil {
		h.fail(w, err, "Failed to list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	respond(w, http.StatusOK, convs)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to load conversation")
		return
	}
	respond(w, http.StatusOK, conv)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetConversation(r.Context(), id); err != nil {
		h.fail(w, err, "Failed to load conversation")
		return
	}
	msgs, err := h.store.GetMessagesByConversationID(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respond(w, http.StatusOK, msgs)
}

// SendMessage routes a message on behalf of an HTTP caller, the same way a
// websocket frame would be routed.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request struct {
		SenderID    string                 `json:"senderId"`
		IsFromAgent bool                   `json:"isFromAgent"`
		Content     string                 `json:"content"`
		Metadata    map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.SenderID == "" || request.Content == "" {
		http.Error(w, "senderId and content are required", http.StatusBadRequest)
		return
	}

	payload := protocol.MessagePayload{
		ConversationID: id,
		SenderID:       request.SenderID,
		IsFromAgent:    request.IsFromAgent,
		Content:        request.Content,
		Metadata:       request.Metadata,
	}
	if payload.Automated() {
		http.Error(w, "automated messages cannot be sent by clients", http.StatusBadRequest)
		return
	}
	if err := h.router.Route(r.Context(), protocol.NewMessage(payload)); err != nil {
		h.fail(w, err, "Failed to send message")
		return
	}

	respond(w, http.StatusAccepted, map[string]interface{}{
		"success":         true,
		"conversation_id": id,
	})
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request struct {
		Status  string `json:"status"`
		AgentID *int64 `json:"agentId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !models.ConversationStatus(request.Status).Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	if err := h.router.Route(r.Context(), protocol.NewStatus(id, request.Status, request.AgentID)); err != nil {
		h.fail(w, err, "Failed to update status")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to load conversation")
		return
	}
	respond(w, http.StatusOK, conv)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.router.Route(r.Context(), protocol.NewRead(id)); err != nil {
		h.fail(w, err, "Failed to mark message read")
		return
	}

	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to load message")
		return
	}
	respond(w, http.StatusOK, msg)
}

func (h *Handler) TakeOver(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request struct {
		AgentID int64 `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.AgentID <= 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, cancelled, err := h.engine.TakeOver(r.Context(), id, request.AgentID)
	if err != nil {
		h.fail(w, err, "Failed to take over conversation")
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"conversation":    conv,
		"cancelled_timer": cancelled,
		"taken_over_at":   time.Now(),
	})
}

func (h *Handler) SetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Enabled == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := h.engine.SetAutomation(r.Context(), id, *request.Enabled)
	if err != nil {
		h.fail(w, err, "Failed to update automation")
		return
	}
	respond(w, http.StatusOK, conv)
}

func (h *Handler) GetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	remaining, armed := h.engine.Remaining(id)
	respond(w, http.StatusOK, map[string]interface{}{
		"conversationId":   id,
		"armed":            armed,
		"remainingSeconds": remaining,
	})
}

func (h *Handler) ListTimers(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Username        string `json:"username"`
		AutomationDelay *int   `json:"automationDelay,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Username == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	delay := constants.DefaultAutomationDelaySeconds
	if request.AutomationDelay != nil {
		if !constants.ValidAutomationDelay(*request.AutomationDelay) {
			http.Error(w, "InvalidDelayValue", http.StatusBadRequest)
			return
		}
		delay = *request.AutomationDelay
	}

	user, err := h.store.CreateUser(r.Context(), request.Username, delay)
	if err != nil {
		h.fail(w, err, "Failed to create agent")
		return
	}
	respond(w, http.StatusCreated, user)
}

func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to load agent")
		return
	}
	_, online := h.registry.Lookup(registry.AgentIdentity(id))

	respond(w, http.StatusOK, map[string]interface{}{
		"agent":  user,
		"online": online,
	})
}

func (h *Handler) SetAutomationDelay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request struct {
		Delay int `json:"delay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.engine.SetDelay(r.Context(), id, request.Delay)
	if err != nil {
		h.fail(w, err, "Failed to update automation delay")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"agent_id": id,
		"delay":    user.AutomationDelay,
	}).Info("Automation delay updated")
	respond(w, http.StatusOK, user)
}

func (h *Handler) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request struct {
		Name         string `json:"name"`
		SystemPrompt string `json:"systemPrompt"`
		IsDefault    bool   `json:"isDefault"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Name == "" || request.SystemPrompt == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetUser(r.Context(), id); err != nil {
		h.fail(w, err, "Failed to load agent")
		return
	}
	prompt, err := h.store.CreateLLMPrompt(r.Context(), models.LLMPrompt{
		AgentID:      id,
		Name:         request.Name,
		SystemPrompt: request.SystemPrompt,
		IsDefault:    request.IsDefault,
	})
	if err != nil {
		h.fail(w, err, "Failed to create prompt")
		return
	}
	respond(w, http.StatusCreated, prompt)
}

func (h *Handler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	prompts, err := h.store.GetLLMPromptsByAgentID(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to load prompts")
		return
	}

	var selected *int64
	if p, found := automation.SelectPrompt(prompts); found {
		selected = &p.ID
	}
	if prompts == nil {
		prompts = []models.LLMPrompt{}
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"prompts":          prompts,
		"selectedPromptId": selected,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"connected_clients": h.registry.Len(),
		"timestamp":         time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"instance_id":       h.instanceID,
		"connected_clients": h.registry.Len(),
		"online_agents":     h.registry.Identities(constants.AgentIdentityPrefix),
		"pending_timers":    len(h.engine.Snapshot()),
		"timestamp":         time.Now(),
	})
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, automation.ErrInvalidDelay):
		http.Error(w, "InvalidDelayValue", http.StatusBadRequest)
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, router.ErrConversationNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		h.logger.WithError(err).Error(msg)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
