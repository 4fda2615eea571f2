// Package protocol defines the JSON frames exchanged with relay clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/agent-relay/internal/domain"
)

// MessageType tags a wire frame.
type MessageType string

const (
	// Client -> Server
	TypeChatMessage MessageType = "chat_message"
	TypeInteraction MessageType = "interaction"
	TypePing        MessageType = "ping"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"

	// Server -> Client
	TypeConnect      MessageType = "connect"
	TypeClientJoined MessageType = "client_joined"
	TypeClientLeft   MessageType = "client_left"
	TypeChatChunk    MessageType = "chat_chunk"
	TypeCanvasUpdate MessageType = "canvas_update"
	TypeStateChange  MessageType = "state_change"
	TypeSuggestion   MessageType = "suggestion"
	TypeError        MessageType = "error"
	TypePong         MessageType = "pong"
	TypeSubscribed   MessageType = "subscribed"
)

// State change events.
const (
	EventAgentThinking = "agent_thinking"
	EventAgentDone     = "agent_done"
)

// Error codes carried in the error frame.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownSession = "unknown_session"
	CodeAgentBusy      = "agent_busy"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// ContextOverride is the optional per-message world/story context.
type ContextOverride struct {
	WorldID   *string `json:"worldId,omitempty"`
	StoryID   *string `json:"storyId,omitempty"`
	WorldName *string `json:"worldName,omitempty"`
}

// Patch converts the override into a domain patch.
func (o *ContextOverride) Patch() domain.ContextPatch {
	if o == nil {
		return domain.ContextPatch{}
	}
	return domain.ContextPatch{WorldID: o.WorldID, StoryID: o.StoryID, WorldName: o.WorldName}
}

// ClientMessage is any frame a client may send.
type ClientMessage struct {
	Type    MessageType      `json:"type"`
	Content string           `json:"content,omitempty"`
	Context *ContextOverride `json:"context,omitempty"`

	ComponentID     string          `json:"componentId,omitempty"`
	InteractionType string          `json:"interactionType,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Target          string          `json:"target,omitempty"`

	Topics []string `json:"topics,omitempty"`
}

// Decode parses and validates a client frame.
func Decode(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the required fields for the frame's type.
func (m *ClientMessage) Validate() error {
	switch m.Type {
	case TypeChatMessage:
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: content", ErrMissingField)
		}
	case TypeInteraction:
		if m.ComponentID == "" {
			return fmt.Errorf("%w: componentId", ErrMissingField)
		}
		if m.InteractionType == "" {
			return fmt.Errorf("%w: interactionType", ErrMissingField)
		}
	case TypeSubscribe, TypeUnsubscribe:
		if len(m.Topics) == 0 {
			return fmt.Errorf("%w: topics", ErrMissingField)
		}
	case TypePing:
	case "":
		return fmt.Errorf("%w: type", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}
