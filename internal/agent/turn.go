package agent

import (
	"context"
	"encoding/json"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/protocol"
)

// Pusher is the only channel through which work done during a turn can send
// frames to clients. It is valid for the duration of one turn; after the turn
// ends every method is a logged no-op returning 0.
type Pusher interface {
	// Canvas broadcasts a canvas_update frame to the turn's session.
	Canvas(ctx context.Context, msg protocol.Canvas) int
	// Suggest delivers a suggestion to the session's interactive clients.
	Suggest(ctx context.Context, payload json.RawMessage) int
	// Broadcast sends an arbitrary frame to the whole session.
	Broadcast(ctx context.Context, msg any) int
	// SendToUser sends a frame to every client of userID across sessions.
	SendToUser(ctx context.Context, userID string, msg any) int
	// Publish sends a frame to the session's subscribers of topic.
	Publish(ctx context.Context, topic string, msg any) int
}

// TurnContext is passed explicitly through every orchestrator call of a turn.
type TurnContext struct {
	SessionID string
	UserID    string
	ClientID  string
	TurnID    string
	// Context is the session context merged with the message override.
	Context domain.SessionContext
	Pusher  Pusher

	drain func() []domain.QueuedInteraction
}

// NewTurnContext builds a TurnContext. drain may be nil.
func NewTurnContext(sessionID, userID, clientID, turnID string, sc domain.SessionContext, p Pusher, drain func() []domain.QueuedInteraction) *TurnContext {
	return &TurnContext{
		SessionID: sessionID,
		UserID:    userID,
		ClientID:  clientID,
		TurnID:    turnID,
		Context:   sc,
		Pusher:    p,
		drain:     drain,
	}
}

// DrainInteractions consumes the interactions queued for this session.
// Each interaction is returned by at most one call across all turns.
func (tc *TurnContext) DrainInteractions() []domain.QueuedInteraction {
	if tc == nil || tc.drain == nil {
		return nil
	}
	return tc.drain()
}
