// Package store is the durable collaborator for conversations, messages,
// agents and their prompt templates. The relay core only reads conversation
// state through it and writes status/assignment transitions back through it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateConversation(ctx context.Context, customerID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id int64, status models.ConversationStatus) (*models.Conversation, error)
	// AssignConversation sets the agent and moves the conversation to active.
	AssignConversation(ctx context.Context, id int64, agentID int64) (*models.Conversation, error)
	SetConversationAutomation(ctx context.Context, id int64, enabled bool) (*models.Conversation, error)

	CreateMessage(ctx context.Context, data models.NewMessage) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	// GetMessagesByConversationID returns messages oldest first.
	GetMessagesByConversationID(ctx context.Context, conversationID int64) ([]models.Message, error)
	MarkMessageRead(ctx context.Context, id int64) (*models.Message, error)

	CreateUser(ctx context.Context, username string, automationDelay int) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UpdateUserAutomationDelay(ctx context.Context, id int64, delay int) (*models.User, error)

	CreateLLMPrompt(ctx context.Context, prompt models.LLMPrompt) (*models.LLMPrompt, error)
	// GetLLMPromptsByAgentID returns prompts in creation order.
	GetLLMPromptsByAgentID(ctx context.Context, agentID int64) ([]models.LLMPrompt, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend named by kind: "memory", "redis" or "sqlite".
func Open(ctx context.Context, kind string, opts Options, logger *logrus.Logger, m *metrics.Metrics) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(m), nil
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisStore(opts.Redis, logger, m), nil
	case "sqlite":
		return NewSQLiteStore(ctx, opts.SQLitePath, logger, m)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
}

func observe(m *metrics.Metrics, operation string) func() {
	start := time.Now()
	return func() {
		m.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
