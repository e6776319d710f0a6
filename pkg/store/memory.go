package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
)

// MemoryStore keeps everything in process memory. It is the default backend
// and the one used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	metrics       *metrics.Metrics
	conversations map[int64]*models.Conversation
	messages      map[int64]*models.Message
	byConv        map[int64][]int64
	users         map[int64]*models.User
	prompts       map[int64][]models.LLMPrompt
	seq           struct{ conv, msg, user, prompt int64 }
	now           func() time.Time
}

func NewMemoryStore(m *metrics.Metrics) *MemoryStore {
	return &MemoryStore{
		metrics:       m,
		conversations: make(map[int64]*models.Conversation),
		messages:      make(map[int64]*models.Message),
		byConv:        make(map[int64][]int64),
		users:         make(map[int64]*models.User),
		prompts:       make(map[int64][]models.LLMPrompt),
		now:           time.Now,
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, customerID string) (*models.Conversation, error) {
	defer observe(s.metrics, "create_conversation")()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.conv++
	now := s.now()
	conv := &models.Conversation{
		ID:         s.seq.conv,
		CustomerID: customerID,
		Status:     models.StatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	defer observe(s.metrics, "get_conversation")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	defer observe(s.metrics, "list_conversations")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if status == "" || conv.Status == status {
			out = append(out, *cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateConversationStatus(ctx context.Context, id int64, status models.ConversationStatus) (*models.Conversation, error) {
	defer observe(s.metrics, "update_conversation_status")()

	return s.mutateConversation(id, func(c *models.Conversation) {
		c.Status = status
	})
}

func (s *MemoryStore) AssignConversation(ctx context.Context, id int64, agentID int64) (*models.Conversation, error) {
	defer observe(s.metrics, "assign_conversation")()

	return s.mutateConversation(id, func(c *models.Conversation) {
		c.AgentID = &agentID
		c.Status = models.StatusActive
	})
}

func (s *MemoryStore) SetConversationAutomation(ctx context.Context, id int64, enabled bool) (*models.Conversation, error) {
	defer observe(s.metrics, "set_conversation_automation")()

	return s.mutateConversation(id, func(c *models.Conversation) {
		c.AutomationEnabled = enabled
	})
}

func (s *MemoryStore) mutateConversation(id int64, fn func(*models.Conversation)) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	fn(conv)
	conv.UpdatedAt = s.now()
	return cloneConversation(conv), nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, data models.NewMessage) (*models.Message, error) {
	defer observe(s.metrics, "create_message")()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[data.ConversationID]; !ok {
		return nil, notFound("conversation", data.ConversationID)
	}

	s.seq.msg++
	msg := &models.Message{
		ID:             s.seq.msg,
		ConversationID: data.ConversationID,
		SenderID:       data.SenderID,
		IsFromAgent:    data.IsFromAgent,
		Content:        data.Content,
		Metadata:       copyMetadata(data.Metadata),
		CreatedAt:      s.now(),
	}
	s.messages[msg.ID] = msg
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return cloneMessage(msg), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	defer observe(s.metrics, "get_message")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) GetMessagesByConversationID(ctx context.Context, conversationID int64) ([]models.Message, error) {
	defer observe(s.metrics, "get_messages")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneMessage(s.messages[id]))
	}
	return out, nil
}

func (s *MemoryStore) MarkMessageRead(ctx context.Context, id int64) (*models.Message, error) {
	defer observe(s.metrics, "mark_message_read")()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	msg.IsRead = true
	return cloneMessage(msg), nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, username string, automationDelay int) (*models.User, error) {
	defer observe(s.metrics, "create_user")()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.user++
	user := &models.User{
		ID:              s.seq.user,
		Username:        username,
		AutomationDelay: automationDelay,
		CreatedAt:       s.now(),
	}
	s.users[user.ID] = user
	out := *user
	return &out, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	defer observe(s.metrics, "get_user")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	out := *user
	return &out, nil
}

func (s *MemoryStore) UpdateUserAutomationDelay(ctx context.Context, id int64, delay int) (*models.User, error) {
	defer observe(s.metrics, "update_user")()

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	user.AutomationDelay = delay
	out := *user
	return &out, nil
}

func (s *MemoryStore) CreateLLMPrompt(ctx context.Context, prompt models.LLMPrompt) (*models.LLMPrompt, error) {
	defer observe(s.metrics, "create_prompt")()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.prompt++
	prompt.ID = s.seq.prompt
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = s.now()
	}
	s.prompts[prompt.AgentID] = append(s.prompts[prompt.AgentID], prompt)
	return &prompt, nil
}

func (s *MemoryStore) GetLLMPromptsByAgentID(ctx context.Context, agentID int64) ([]models.LLMPrompt, error) {
	defer observe(s.metrics, "get_prompts")()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.LLMPrompt(nil), s.prompts[agentID]...), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	if c.AgentID != nil {
		id := *c.AgentID
		out.AgentID = &id
	}
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	out.Metadata = copyMetadata(m.Metadata)
	return &out
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
