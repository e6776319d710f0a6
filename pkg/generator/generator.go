// Package generator turns conversation history into the text of an
// automated reply.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/models"
)

// ErrEmptyResponse is returned when the backend answers without any text.
var ErrEmptyResponse = errors.New("generator returned no content")

// Generator produces a reply for conv given its most recent messages, oldest
// first. Implementations may fail; the caller owns the fallback text.
type Generator interface {
	Generate(ctx context.Context, conv *models.Conversation, recent []models.Message, systemPrompt string) (string, error)
}

// ChatCompleter is the subset of *openai.Client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI generates replies with a chat completion model.
type OpenAI struct {
	client ChatCompleter
	model  string
	logger *logrus.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *logrus.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return NewOpenAIWithClient(openai.NewClientWithConfig(clientConfig), cfg.Model, logger)
}

func NewOpenAIWithClient(client ChatCompleter, model string, logger *logrus.Logger) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: client, model: model, logger: logger}
}

func (g *OpenAI) Generate(ctx context.Context, conv *models.Conversation, recent []models.Message, systemPrompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: ChatMessages(systemPrompt, recent),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion for conversation %d: %w", conv.ID, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}

	g.logger.WithFields(logrus.Fields{
		"conversation_id":   conv.ID,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("Generated automated reply")
	return text, nil
}

// ChatMessages maps history onto chat roles: customer messages become user
// turns and agent messages assistant turns.
func ChatMessages(systemPrompt string, recent []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(recent)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range recent {
		role := openai.ChatMessageRoleUser
		if msg.IsFromAgent {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

// Static always answers with the same reply. Used when no model is
// configured.
type Static struct {
	Reply string
	Err   error
}

func (s Static) Generate(ctx context.Context, conv *models.Conversation, recent []models.Message, systemPrompt string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Reply, nil
}
