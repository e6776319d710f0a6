package constants

import "time"

// Automation delay bounds, in seconds. Stored per agent.
const (
	MinAutomationDelaySeconds = 1
	MaxAutomationDelaySeconds = 10

	// DefaultAutomationDelaySeconds is used when a conversation has no agent
	// or the stored delay is unusable.
	DefaultAutomationDelaySeconds = 3
)

// Reconnect backoff defaults for endpoint clients.
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Identity prefix for agent connections; customer identities are opaque.
const AgentIdentityPrefix = "agent-"

// Redis key prefixes and names
const (
	ConversationKeyPrefix  = "conversation:"
	MessageKeyPrefix       = "message:"
	UserKeyPrefix          = "user:"
	AgentPromptsKeyPrefix  = "agent_prompts:"
	ConversationIDSequence = "seq:conversation"
	MessageIDSequence      = "seq:message"
	UserIDSequence         = "seq:user"
	PromptIDSequence       = "seq:prompt"
	ConversationsIndexKey  = "conversations"
)

// MessagesKey returns the Redis list holding a conversation's message ids.
func MessagesKey(conversationKey string) string {
	return conversationKey + ":messages"
}

// ValidAutomationDelay reports whether seconds lies in the accepted range.
func ValidAutomationDelay(seconds int) bool {
	return seconds >= MinAutomationDelaySeconds && seconds <= MaxAutomationDelaySeconds
}
