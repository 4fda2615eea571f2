package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/ashureev/agent-relay/internal/agent"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/protocol"
	"github.com/ashureev/agent-relay/internal/session"
)

// sessionPusher scopes agent pushes to one session for one turn.
type sessionPusher struct {
	registry  *session.Registry
	sessionID string
	turnID    string
	logger    *slog.Logger
	closed    atomic.Bool
}

var _ agent.Pusher = (*sessionPusher)(nil)

func newSessionPusher(registry *session.Registry, sessionID, turnID string, logger *slog.Logger) *sessionPusher {
	return &sessionPusher{registry: registry, sessionID: sessionID, turnID: turnID, logger: logger}
}

func (p *sessionPusher) close() {
	p.closed.Store(true)
}

func (p *sessionPusher) live(op string) bool {
	if p.closed.Load() {
		p.logger.Warn("Push after turn ended, dropped",
			"session_id", p.sessionID,
			"turn_id", p.turnID,
			"op", op,
		)
		return false
	}
	return true
}

func (p *sessionPusher) Canvas(ctx context.Context, msg protocol.Canvas) int {
	if !p.live("canvas") {
		return 0
	}
	msg.Type = protocol.TypeCanvasUpdate
	return p.registry.BroadcastToSession(ctx, p.sessionID, msg, "")
}

// Suggest drops the suggestion when no interactive client is connected.
func (p *sessionPusher) Suggest(ctx context.Context, payload json.RawMessage) int {
	if !p.live("suggestion") {
		return 0
	}
	if !p.registry.IsRoleConnected(p.sessionID, domain.RoleInteractive) {
		p.logger.Debug("Suggestion dropped, no interactive client", "session_id", p.sessionID, "turn_id", p.turnID)
		return 0
	}
	return p.registry.BroadcastToRole(ctx, p.sessionID, domain.RoleInteractive, protocol.NewSuggestion(payload))
}

func (p *sessionPusher) Broadcast(ctx context.Context, msg any) int {
	if !p.live("broadcast") {
		return 0
	}
	return p.registry.BroadcastToSession(ctx, p.sessionID, msg, "")
}

func (p *sessionPusher) SendToUser(ctx context.Context, userID string, msg any) int {
	if !p.live("user") {
		return 0
	}
	return p.registry.SendToUser(ctx, userID, msg)
}

func (p *sessionPusher) Publish(ctx context.Context, topic string, msg any) int {
	if !p.live("publish") {
		return 0
	}
	return p.registry.PublishToTopic(ctx, p.sessionID, topic, msg)
}
