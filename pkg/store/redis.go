package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/constants"
	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
)

// Options carries backend specific settings for Open.
type Options struct {
	Redis      *redis.Client
	SQLitePath string
}

const maxWatchRetries = 5

// RedisStore keeps records as JSON documents under per-entity keys and uses
// INCR sequences for ids.
type RedisStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func conversationKey(id int64) string {
	return constants.ConversationKeyPrefix + strconv.FormatInt(id, 10)
}

func messageKey(id int64) string {
	return constants.MessageKeyPrefix + strconv.FormatInt(id, 10)
}

func userKey(id int64) string {
	return constants.UserKeyPrefix + strconv.FormatInt(id, 10)
}

func promptsKey(agentID int64) string {
	return constants.AgentPromptsKeyPrefix + strconv.FormatInt(agentID, 10)
}

func (s *RedisStore) CreateConversation(ctx context.Context, customerID string) (*models.Conversation, error) {
	defer observe(s.metrics, "create_conversation")()

	id, err := s.rdb.Incr(ctx, constants.ConversationIDSequence).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate conversation id: %w", err)
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:         id,
		CustomerID: customerID,
		Status:     models.StatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, conversationKey(id), data, 0)
	pipe.ZAdd(ctx, constants.ConversationsIndexKey, &redis.Z{Score: float64(id), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("conversation_id", id).Error("Failed to create conversation")
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	defer observe(s.metrics, "get_conversation")()

	var conv models.Conversation
	if err := s.getJSON(ctx, conversationKey(id), &conv); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("conversation", id)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *RedisStore) ListConversations(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	defer observe(s.metrics, "list_conversations")()

	ids, err := s.rdb.ZRange(ctx, constants.ConversationsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = constants.ConversationKeyPrefix + id
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	out := make([]models.Conversation, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			return nil, fmt.Errorf("invalid conversation record: %w", err)
		}
		if status == "" || conv.Status == status {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *RedisStore) UpdateConversationStatus(ctx context.Context, id int64, status models.ConversationStatus) (*models.Conversation, error) {
	defer observe(s.metrics, "update_conversation_status")()

	return s.mutateConversation(ctx, id, func(c *models.Conversation) {
		c.Status = status
	})
}

func (s *RedisStore) AssignConversation(ctx context.Context, id int64, agentID int64) (*models.Conversation, error) {
	defer observe(s.metrics, "assign_conversation")()

	return s.mutateConversation(ctx, id, func(c *models.Conversation) {
		c.AgentID = &agentID
		c.Status = models.StatusActive
	})
}

func (s *RedisStore) SetConversationAutomation(ctx context.Context, id int64, enabled bool) (*models.Conversation, error) {
	defer observe(s.metrics, "set_conversation_automation")()

	return s.mutateConversation(ctx, id, func(c *models.Conversation) {
		c.AutomationEnabled = enabled
	})
}

// mutateConversation applies fn under WATCH so concurrent writers retry
// instead of overwriting each other.
func (s *RedisStore) mutateConversation(ctx context.Context, id int64, fn func(*models.Conversation)) (*models.Conversation, error) {
	key := conversationKey(id)
	var out *models.Conversation

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return notFound("conversation", id)
		}
		if err != nil {
			return err
		}

		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return fmt.Errorf("invalid conversation record: %w", err)
		}
		fn(&conv)
		conv.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			out = &conv
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.WithError(err).WithField("conversation_id", id).Error("Failed to update conversation")
			}
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("failed to update conversation %d: too much contention", id)
}

func (s *RedisStore) CreateMessage(ctx context.Context, data models.NewMessage) (*models.Message, error) {
	defer observe(s.metrics, "create_message")()

	exists, err := s.rdb.Exists(ctx, conversationKey(data.ConversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists == 0 {
		return nil, notFound("conversation", data.ConversationID)
	}

	id, err := s.rdb.Incr(ctx, constants.MessageIDSequence).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}

	msg := &models.Message{
		ID:             id,
		ConversationID: data.ConversationID,
		SenderID:       data.SenderID,
		IsFromAgent:    data.IsFromAgent,
		Content:        data.Content,
		Metadata:       copyMetadata(data.Metadata),
		CreatedAt:      time.Now().UTC(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, messageKey(id), encoded, 0)
	pipe.RPush(ctx, constants.MessagesKey(conversationKey(data.ConversationID)), id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("conversation_id", data.ConversationID).Error("Failed to persist message")
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, nil
}

func (s *RedisStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	defer observe(s.metrics, "get_message")()

	var msg models.Message
	if err := s.getJSON(ctx, messageKey(id), &msg); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("message", id)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (s *RedisStore) GetMessagesByConversationID(ctx context.Context, conversationID int64) ([]models.Message, error) {
	defer observe(s.metrics, "get_messages")()

	ids, err := s.rdb.LRange(ctx, constants.MessagesKey(conversationKey(conversationID)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = constants.MessageKeyPrefix + id
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	out := make([]models.Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("invalid message record: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) MarkMessageRead(ctx context.Context, id int64) (*models.Message, error) {
	defer observe(s.metrics, "mark_message_read")()

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.IsRead {
		return msg, nil
	}
	msg.IsRead = true
	if err := s.setJSON(ctx, messageKey(id), msg); err != nil {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}
	return msg, nil
}

func (s *RedisStore) CreateUser(ctx context.Context, username string, automationDelay int) (*models.User, error) {
	defer observe(s.metrics, "create_user")()

	id, err := s.rdb.Incr(ctx, constants.UserIDSequence).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate user id: %w", err)
	}
	user := &models.User{
		ID:              id,
		Username:        username,
		AutomationDelay: automationDelay,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.setJSON(ctx, userKey(id), user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *RedisStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	defer observe(s.metrics, "get_user")()

	var user models.User
	if err := s.getJSON(ctx, userKey(id), &user); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("user", id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *RedisStore) UpdateUserAutomationDelay(ctx context.Context, id int64, delay int) (*models.User, error) {
	defer observe(s.metrics, "update_user")()

	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	user.AutomationDelay = delay
	if err := s.setJSON(ctx, userKey(id), user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

func (s *RedisStore) CreateLLMPrompt(ctx context.Context, prompt models.LLMPrompt) (*models.LLMPrompt, error) {
	defer observe(s.metrics, "create_prompt")()

	id, err := s.rdb.Incr(ctx, constants.PromptIDSequence).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate prompt id: %w", err)
	}
	prompt.ID = id
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.RPush(ctx, promptsKey(prompt.AgentID), encoded).Err(); err != nil {
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}
	return &prompt, nil
}

func (s *RedisStore) GetLLMPromptsByAgentID(ctx context.Context, agentID int64) ([]models.LLMPrompt, error) {
	defer observe(s.metrics, "get_prompts")()

	values, err := s.rdb.LRange(ctx, promptsKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}

	out := make([]models.LLMPrompt, 0, len(values))
	for _, raw := range values {
		var p models.LLMPrompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("invalid prompt record: %w", err)
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}
