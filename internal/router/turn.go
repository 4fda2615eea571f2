package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/agent-relay/internal/agent"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/protocol"
	"github.com/ashureev/agent-relay/internal/session"
	"github.com/google/uuid"
)

// handleChat runs one chat turn. Every chunk is broadcast as soon as it is
// produced. The turn always ends with exactly one agent_done, preceded by one
// error chunk when the orchestrator fails.
func (r *Router) handleChat(ctx context.Context, sess *session.Session, client *session.Client, msg *protocol.ClientMessage) error {
	turnID := uuid.NewString()
	if active, ok := r.beginTurn(sess.ID, turnID); !ok {
		r.metrics.TurnRejected(ctx)
		r.logger.Info("Chat rejected, turn in progress",
			"session_id", sess.ID,
			"client_id", client.ID,
			"turn_id", active,
		)
		if err := r.registry.SendToClient(ctx, client.ID, protocol.NewError(protocol.CodeAgentBusy, active)); err != nil {
			r.logger.Debug("Failed to send busy error", "client_id", client.ID, "error", err)
		}
		return fmt.Errorf("%w: session %s turn %s", ErrTurnInProgress, sess.ID, active)
	}
	defer r.endTurn(sess.ID, turnID)

	merged, _ := r.registry.UpdateSessionContext(sess.ID, msg.Context.Patch())

	turn := &domain.Turn{
		ID:          turnID,
		SessionID:   sess.ID,
		UserID:      client.UserID,
		ClientID:    client.ID,
		UserContent: msg.Content,
		StartedAt:   r.now(),
	}
	r.metrics.TurnStarted(ctx)
	r.logger.Info("Turn started", "session_id", sess.ID, "client_id", client.ID, "turn_id", turnID)

	r.registry.BroadcastToSession(ctx, sess.ID, protocol.NewThinking(protocol.ThinkingData{
		TurnID:   turnID,
		ClientID: client.ID,
	}), "")

	pusher := newSessionPusher(r.registry, sess.ID, turnID, r.logger)
	defer pusher.close()

	tc := agent.NewTurnContext(sess.ID, client.UserID, client.ID, turnID, merged, pusher, func() []domain.QueuedInteraction {
		return r.queue.GetInteractions(sess.ID)
	})

	sentError, streamErr := r.stream(ctx, tc, msg.Content, turn)

	done := protocol.DoneData{TurnID: turnID}
	if streamErr != nil {
		r.logger.Error("Turn failed", "session_id", sess.ID, "turn_id", turnID, "error", streamErr)
		// One error chunk per turn, whoever produced it.
		if !sentError {
			r.registry.BroadcastToSession(ctx, sess.ID, protocol.NewChatChunk(turnID, domain.ErrorChunk(streamErr.Error())), "")
		}
		done.Error = true
		done.Message = streamErr.Error()
		turn.Status = domain.TurnFailed
		turn.Error = streamErr.Error()
	} else {
		turn.Status = domain.TurnCompleted
	}
	r.registry.BroadcastToSession(ctx, sess.ID, protocol.NewDone(done), "")

	turn.EndedAt = r.now()
	r.metrics.TurnFinished(ctx, turn.EndedAt.Sub(turn.StartedAt).Seconds(), streamErr != nil)
	r.logger.Info("Turn finished",
		"session_id", sess.ID,
		"turn_id", turnID,
		"status", turn.Status,
		"chunks", turn.Chunks,
	)
	r.record(ctx, turn)
	return nil
}

// stream forwards orchestrator chunks to the session in generation order and
// reports whether an error chunk was among them. A panic in the orchestrator
// is returned as an error.
func (r *Router) stream(ctx context.Context, tc *agent.TurnContext, content string, turn *domain.Turn) (sentError bool, err error) {
	var text strings.Builder
	defer func() {
		turn.AssistantContent = text.String()
		if rec := recover(); rec != nil {
			err = fmt.Errorf("orchestrator panic: %v", rec)
		}
	}()

	for chunk, streamErr := range r.orchestrator.StreamResponse(ctx, tc.UserID, content, tc) {
		if streamErr != nil {
			return sentError, streamErr
		}
		if chunk == nil {
			continue
		}
		if chunk.Type == domain.ChunkError {
			if sentError {
				r.logger.Warn("Extra error chunk dropped", "session_id", tc.SessionID, "turn_id", tc.TurnID)
				continue
			}
			sentError = true
		}
		turn.Chunks++
		switch chunk.Type {
		case domain.ChunkAssistant:
			text.WriteString(chunk.Content)
		case domain.ChunkUsage:
			if chunk.Usage != nil {
				turn.Usage = *chunk.Usage
			}
		}
		r.registry.BroadcastToSession(ctx, tc.SessionID, protocol.NewChatChunk(tc.TurnID, chunk), "")
	}
	return sentError, nil
}

func (r *Router) record(ctx context.Context, turn *domain.Turn) {
	if r.transcripts == nil {
		return
	}
	if err := r.transcripts.RecordTurn(ctx, turn); err != nil {
		r.logger.Warn("Failed to record turn", "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	}
}
