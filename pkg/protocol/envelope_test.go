package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Message(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"message","payload":{"conversationId":1,"senderId":"cust-1","isFromAgent":false,"content":"hi"}}`))
	require.NoError(t, err)

	assert.Equal(t, KindMessage, env.Kind())
	msg, ok := env.Payload().(MessagePayload)
	require.True(t, ok)
	assert.Equal(t, int64(1), msg.ConversationID)
	assert.Equal(t, "cust-1", msg.SenderID)
	assert.False(t, msg.IsFromAgent)
	assert.Equal(t, "hi", msg.Content)
	assert.False(t, msg.Automated())

	id, ok := ConversationID(env)
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	frames := map[string]string{
		"not json":             `{"kind":`,
		"no kind":              `{"payload":{"messageId":1}}`,
		"no payload":           `{"kind":"read"}`,
		"message no content":   `{"kind":"message","payload":{"conversationId":1,"senderId":"c","isFromAgent":false}}`,
		"message no sender":    `{"kind":"message","payload":{"conversationId":1,"isFromAgent":false,"content":"x"}}`,
		"message no direction": `{"kind":"message","payload":{"conversationId":1,"senderId":"c","content":"x"}}`,
		"typing no flag":       `{"kind":"typing","payload":{"conversationId":1,"isAgent":true}}`,
		"status bad value":     `{"kind":"status","payload":{"conversationId":1,"status":"closed"}}`,
		"read no id":           `{"kind":"read","payload":{}}`,
		"flashback no profile": `{"kind":"flashback","payload":{"conversationId":3}}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.True(t, errors.Is(err, ErrMalformedEnvelope), "got %v", err)
		})
	}
}

func TestDecode_UnknownKindIsAccepted(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"reaction","payload":{"emoji":"+1"}}`))
	require.NoError(t, err)

	assert.Equal(t, Kind("reaction"), env.Kind())
	assert.False(t, env.Known())

	out, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"reaction","payload":{"emoji":"+1"}}`, string(out))
}

func TestEncode_WireShape(t *testing.T) {
	agentID := int64(7)
	env := NewStatus(4, "active", &agentID)

	out, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"status","payload":{"conversationId":4,"status":"active","agentId":7}}`, string(out))

	typing, err := Encode(NewTyping(4, true, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"typing","payload":{"conversationId":4,"isTyping":true,"isAgent":true}}`, string(typing))
}

func TestNewMessage_CopiesMetadata(t *testing.T) {
	meta := map[string]interface{}{MetadataAutomated: true}
	env := NewMessage(MessagePayload{ConversationID: 1, SenderID: "agent-1", IsFromAgent: true, Content: "hello", Metadata: meta})

	meta[MetadataAutomated] = false

	msg := env.Payload().(MessagePayload)
	assert.True(t, msg.Automated())
}

func TestEnvelope_JSONRoundTripThroughStruct(t *testing.T) {
	convID := int64(9)
	original := NewFlashback(json.RawMessage(`{"lifePath":7}`), &convID)

	var holder struct {
		Event Envelope `json:"event"`
	}
	holder.Event = original
	data, err := json.Marshal(holder)
	require.NoError(t, err)

	var decoded struct {
		Event Envelope `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	fb, ok := decoded.Event.Payload().(FlashbackPayload)
	require.True(t, ok)
	assert.JSONEq(t, `{"lifePath":7}`, string(fb.Profile))
	id, ok := ConversationID(decoded.Event)
	assert.True(t, ok)
	assert.Equal(t, convID, id)
}
