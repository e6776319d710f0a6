package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// MetadataAutomated marks a message synthesized by the automation engine.
const MetadataAutomated = "automated"

// MessagePayload carries a chat message. ID and CreatedAt are set only on
// envelopes built from a persisted message.
type MessagePayload struct {
	ID             int64                  `json:"id,omitempty"`
	ConversationID int64                  `json:"conversationId"`
	SenderID       string                 `json:"senderId"`
	IsFromAgent    bool                   `json:"isFromAgent"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      *time.Time             `json:"createdAt,omitempty"`
}

func (MessagePayload) Kind() Kind { return KindMessage }
func (MessagePayload) isPayload() {}

// Automated reports whether the message was produced by the automation engine.
func (p MessagePayload) Automated() bool {
	v, _ := p.Metadata[MetadataAutomated].(bool)
	return v
}

type TypingPayload struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
	IsAgent        bool  `json:"isAgent"`
}

func (TypingPayload) Kind() Kind { return KindTyping }
func (TypingPayload) isPayload() {}

type StatusPayload struct {
	ConversationID int64  `json:"conversationId"`
	Status         string `json:"status"`
	AgentID        *int64 `json:"agentId,omitempty"`
}

func (StatusPayload) Kind() Kind { return KindStatus }
func (StatusPayload) isPayload() {}

type ReadPayload struct {
	MessageID int64 `json:"messageId"`
}

func (ReadPayload) Kind() Kind { return KindRead }
func (ReadPayload) isPayload() {}

// FlashbackPayload carries an opaque customer profile produced by an external
// generator. It is only routable when ConversationID is present.
type FlashbackPayload struct {
	Profile        json.RawMessage `json:"profile"`
	ConversationID *int64          `json:"conversationId,omitempty"`
}

func (FlashbackPayload) Kind() Kind { return KindFlashback }
func (FlashbackPayload) isPayload() {}

// ErrorPayload is sent by the relay to the originating sender only.
type ErrorPayload struct {
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversationId,omitempty"`
}

func (ErrorPayload) Kind() Kind { return KindError }
func (ErrorPayload) isPayload() {}

// Unknown preserves a payload of a kind this package does not know.
type Unknown struct {
	Name Kind
	Raw  json.RawMessage
}

func (u Unknown) Kind() Kind { return u.Name }
func (Unknown) isPayload()   {}

func NewMessage(p MessagePayload) Envelope {
	p.Metadata = copyMetadata(p.Metadata)
	return newEnvelope(p)
}

func NewTyping(conversationID int64, isTyping, isAgent bool) Envelope {
	return newEnvelope(TypingPayload{ConversationID: conversationID, IsTyping: isTyping, IsAgent: isAgent})
}

func NewStatus(conversationID int64, status string, agentID *int64) Envelope {
	return newEnvelope(StatusPayload{ConversationID: conversationID, Status: status, AgentID: copyID(agentID)})
}

func NewRead(messageID int64) Envelope {
	return newEnvelope(ReadPayload{MessageID: messageID})
}

func NewFlashback(profile json.RawMessage, conversationID *int64) Envelope {
	return newEnvelope(FlashbackPayload{
		Profile:        append(json.RawMessage(nil), profile...),
		ConversationID: copyID(conversationID),
	})
}

func NewError(message string, conversationID *int64) Envelope {
	return newEnvelope(ErrorPayload{Message: message, ConversationID: copyID(conversationID)})
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

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func decodeMessage(raw json.RawMessage) (Payload, error) {
	var w struct {
		ID             int64                  `json:"id"`
		ConversationID int64                  `json:"conversationId"`
		SenderID       string                 `json:"senderId"`
		IsFromAgent    *bool                  `json:"isFromAgent"`
		Content        *string                `json:"content"`
		Metadata       map[string]interface{} `json:"metadata"`
		CreatedAt      *time.Time             `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch {
	case w.ConversationID <= 0:
		return nil, errors.New("conversationId is required")
	case w.SenderID == "":
		return nil, errors.New("senderId is required")
	case w.IsFromAgent == nil:
		return nil, errors.New("isFromAgent is required")
	case w.Content == nil || *w.Content == "":
		return nil, errors.New("content is required")
	}
	return MessagePayload{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		IsFromAgent:    *w.IsFromAgent,
		Content:        *w.Content,
		Metadata:       w.Metadata,
		CreatedAt:      w.CreatedAt,
	}, nil
}

func decodeTyping(raw json.RawMessage) (Payload, error) {
	var w struct {
		ConversationID int64 `json:"conversationId"`
		IsTyping       *bool `json:"isTyping"`
		IsAgent        *bool `json:"isAgent"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch {
	case w.ConversationID <= 0:
		return nil, errors.New("conversationId is required")
	case w.IsTyping == nil:
		return nil, errors.New("isTyping is required")
	case w.IsAgent == nil:
		return nil, errors.New("isAgent is required")
	}
	return TypingPayload{ConversationID: w.ConversationID, IsTyping: *w.IsTyping, IsAgent: *w.IsAgent}, nil
}

func decodeStatus(raw json.RawMessage) (Payload, error) {
	var p StatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID <= 0 {
		return nil, errors.New("conversationId is required")
	}
	switch p.Status {
	case "waiting", "active", "resolved":
	default:
		return nil, errors.New("status must be one of waiting, active, resolved")
	}
	return p, nil
}

func decodeRead(raw json.RawMessage) (Payload, error) {
	var p ReadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.MessageID <= 0 {
		return nil, errors.New("messageId is required")
	}
	return p, nil
}

func decodeFlashback(raw json.RawMessage) (Payload, error) {
	var p FlashbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(p.Profile)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("profile is required")
	}
	return p, nil
}

func decodeError(raw json.RawMessage) (Payload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, errors.New("message is required")
	}
	return p, nil
}
