package protocol

import (
	"encoding/json"

	"github.com/ashureev/agent-relay/internal/domain"
)

// Connect is sent to a client once it has joined its session.
type Connect struct {
	Type             MessageType            `json:"type"`
	ClientID         string                 `json:"clientId"`
	SessionID        string                 `json:"sessionId"`
	Role             domain.Role            `json:"role"`
	ConnectedClients []domain.ClientInfo    `json:"connectedClients"`
	Context          *domain.SessionContext `json:"context,omitempty"`
}

// ClientJoined announces a new peer to the rest of the session.
type ClientJoined struct {
	Type   MessageType       `json:"type"`
	Client domain.ClientInfo `json:"client"`
}

// ClientLeft announces a departed peer.
type ClientLeft struct {
	Type       MessageType `json:"type"`
	ClientID   string      `json:"clientId"`
	ClientRole domain.Role `json:"clientRole"`
}

// ChatChunk wraps one streamed chunk of a turn.
type ChatChunk struct {
	Type   MessageType         `json:"type"`
	TurnID string              `json:"turnId,omitempty"`
	Chunk  *domain.StreamChunk `json:"chunk"`
}

// CanvasAction is the kind of canvas mutation.
type CanvasAction string

const (
	CanvasCreate CanvasAction = "create"
	CanvasUpdate CanvasAction = "update"
	CanvasRemove CanvasAction = "remove"
)

// Canvas is a UI component tree mutation pushed by tool activity.
type Canvas struct {
	Type        MessageType     `json:"type"`
	Action      CanvasAction    `json:"action"`
	Target      string          `json:"target"`
	ComponentID string          `json:"componentId"`
	Spec        json.RawMessage `json:"spec,omitempty"`
	Mode        string          `json:"mode,omitempty"`
}

// StateChange signals agent lifecycle transitions.
type StateChange struct {
	Type  MessageType `json:"type"`
	Event string      `json:"event"`
	Data  any         `json:"data"`
}

// Suggestion carries an agent hint for interactive clients.
type Suggestion struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Error is a per-client error reply.
type Error struct {
	Type    MessageType `json:"type"`
	Error   string      `json:"error"`
	Details string      `json:"details,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type MessageType `json:"type"`
}

// Subscribed acknowledges a topic subscription change with the client's current topics.
type Subscribed struct {
	Type   MessageType `json:"type"`
	Topics []string    `json:"topics"`
}

// ThinkingData is the payload of an agent_thinking state change.
type ThinkingData struct {
	TurnID          string `json:"turnId,omitempty"`
	ClientID        string `json:"clientId,omitempty"`
	ComponentID     string `json:"componentId,omitempty"`
	InteractionType string `json:"interactionType,omitempty"`
}

// DoneData is the payload of an agent_done state change.
type DoneData struct {
	TurnID  string `json:"turnId"`
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewConnect(client domain.ClientInfo, sessionID string, peers []domain.ClientInfo, sc domain.SessionContext) Connect {
	if peers == nil {
		peers = []domain.ClientInfo{}
	}
	msg := Connect{
		Type:             TypeConnect,
		ClientID:         client.ID,
		SessionID:        sessionID,
		Role:             client.Role,
		ConnectedClients: peers,
	}
	if !sc.IsZero() {
		msg.Context = &sc
	}
	return msg
}

func NewClientJoined(client domain.ClientInfo) ClientJoined {
	return ClientJoined{Type: TypeClientJoined, Client: client}
}

func NewClientLeft(clientID string, role domain.Role) ClientLeft {
	return ClientLeft{Type: TypeClientLeft, ClientID: clientID, ClientRole: role}
}

func NewChatChunk(turnID string, chunk *domain.StreamChunk) ChatChunk {
	return ChatChunk{Type: TypeChatChunk, TurnID: turnID, Chunk: chunk}
}

func NewThinking(data ThinkingData) StateChange {
	return StateChange{Type: TypeStateChange, Event: EventAgentThinking, Data: data}
}

func NewDone(data DoneData) StateChange {
	return StateChange{Type: TypeStateChange, Event: EventAgentDone, Data: data}
}

func NewSuggestion(payload json.RawMessage) Suggestion {
	return Suggestion{Type: TypeSuggestion, Payload: payload}
}

func NewError(code, details string) Error {
	return Error{Type: TypeError, Error: code, Details: details}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

func NewSubscribed(topics []string) Subscribed {
	if topics == nil {
		topics = []string{}
	}
	return Subscribed{Type: TypeSubscribed, Topics: topics}
}

func NewCanvas(action CanvasAction, target, componentID string, spec json.RawMessage, mode string) Canvas {
	return Canvas{
		Type:        TypeCanvasUpdate,
		Action:      action,
		Target:      target,
		ComponentID: componentID,
		Spec:        spec,
		Mode:        mode,
	}
}
