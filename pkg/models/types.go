package models

import "time"

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	StatusWaiting  ConversationStatus = "waiting"
	StatusActive   ConversationStatus = "active"
	StatusResolved ConversationStatus = "resolved"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusResolved:
		return true
	}
	return false
}

// Conversation between a customer and, once assigned, an agent
type Conversation struct {
	ID                int64              `json:"id"`
	CustomerID        string             `json:"customerId"`
	AgentID           *int64             `json:"agentId,omitempty"`
	Status            ConversationStatus `json:"status"`
	AutomationEnabled bool               `json:"automationEnabled"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// Unclaimed reports whether customer events should be broadcast to every
// connected agent.
func (c *Conversation) Unclaimed() bool {
	return c.AgentID == nil || c.Status == StatusWaiting
}

// Message represents a persisted chat message
type Message struct {
	ID             int64                  `json:"id"`
	ConversationID int64                  `json:"conversationId"`
	SenderID       string                 `json:"senderId"`
	IsFromAgent    bool                   `json:"isFromAgent"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IsRead         bool                   `json:"isRead"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// NewMessage is the data required to persist a message
type NewMessage struct {
	ConversationID int64
	SenderID       string
	IsFromAgent    bool
	Content        string
	Metadata       map[string]interface{}
}

// User represents a support agent account
type User struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	AutomationDelay int       `json:"automationDelay"` // seconds
	CreatedAt       time.Time `json:"createdAt"`
}

// LLMPrompt is a system prompt template owned by an agent
type LLMPrompt struct {
	ID           int64     `json:"id"`
	AgentID      int64     `json:"agentId"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"systemPrompt"`
	IsDefault    bool      `json:"isDefault"`
	CreatedAt    time.Time `json:"createdAt"`
}
