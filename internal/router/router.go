// Package router dispatches decoded client frames to chat turns, the
// interaction queue, and topic subscriptions.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/agent"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/interaction"
	"github.com/ashureev/agent-relay/internal/protocol"
	"github.com/ashureev/agent-relay/internal/session"
	"github.com/ashureev/agent-relay/internal/telemetry"
)

// ErrTurnInProgress is returned when a chat message arrives while the
// session already has a turn streaming.
var ErrTurnInProgress = errors.New("turn already in progress")

// TranscriptRecorder persists completed turns.
type TranscriptRecorder interface {
	RecordTurn(ctx context.Context, turn *domain.Turn) error
}

// Options configures a Router.
type Options struct {
	Registry     *session.Registry
	Queue        *interaction.Queue
	Orchestrator agent.Orchestrator
	// Transcripts is optional.
	Transcripts TranscriptRecorder
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Router is the message router and streaming bridge.
type Router struct {
	registry     *session.Registry
	queue        *interaction.Queue
	orchestrator agent.Orchestrator
	transcripts  TranscriptRecorder
	metrics      *telemetry.Metrics
	logger       *slog.Logger

	mu    sync.Mutex
	turns map[string]string // sessionID -> active turnID
	now   func() time.Time
}

// New creates a Router.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Orchestrator == nil {
		opts.Orchestrator = agent.Unavailable{}
	}
	return &Router{
		registry:     opts.Registry,
		queue:        opts.Queue,
		orchestrator: opts.Orchestrator,
		transcripts:  opts.Transcripts,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		turns:        make(map[string]string),
		now:          time.Now,
	}
}

// HandleMessage dispatches one validated frame from client. Chat messages
// block until the whole turn has been streamed.
func (r *Router) HandleMessage(ctx context.Context, sess *session.Session, client *session.Client, msg *protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.TypeChatMessage:
		return r.handleChat(ctx, sess, client, msg)
	case protocol.TypeInteraction:
		r.handleInteraction(ctx, sess, client, msg)
		return nil
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		return r.handleSubscription(ctx, client, msg)
	case protocol.TypePing:
		return r.registry.SendToClient(ctx, client.ID, protocol.NewPong())
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, msg.Type)
	}
}

// ActiveTurns returns the number of sessions with a turn in flight.
func (r *Router) ActiveTurns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// ActiveTurn returns the in-flight turn id of a session.
func (r *Router) ActiveTurn(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.turns[sessionID]
	return id, ok
}

func (r *Router) beginTurn(sessionID, turnID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active, busy := r.turns[sessionID]; busy {
		return active, false
	}
	r.turns[sessionID] = turnID
	return turnID, true
}

func (r *Router) endTurn(sessionID, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turns[sessionID] == turnID {
		delete(r.turns, sessionID)
	}
}

// handleInteraction queues the event and tells the other clients, with only
// the component id and interaction type, that something happened.
func (r *Router) handleInteraction(ctx context.Context, sess *session.Session, client *session.Client, msg *protocol.ClientMessage) {
	item := r.queue.QueueInteraction(sess.ID, msg.ComponentID, msg.InteractionType, msg.Data, msg.Target)
	r.logger.Debug("Interaction queued",
		"session_id", sess.ID,
		"client_id", client.ID,
		"interaction_id", item.ID,
		"component_id", item.ComponentID,
		"interaction_type", item.InteractionType,
	)

	notice := protocol.NewThinking(protocol.ThinkingData{
		ComponentID:     msg.ComponentID,
		InteractionType: msg.InteractionType,
	})
	r.registry.BroadcastToSession(ctx, sess.ID, notice, client.ID)
}

func (r *Router) handleSubscription(ctx context.Context, client *session.Client, msg *protocol.ClientMessage) error {
	var (
		topics []string
		err    error
	)
	if msg.Type == protocol.TypeSubscribe {
		topics, err = r.registry.Subscribe(client.ID, msg.Topics...)
	} else {
		topics, err = r.registry.Unsubscribe(client.ID, msg.Topics...)
	}
	if err != nil {
		return fmt.Errorf("update topics: %w", err)
	}
	return r.registry.SendToClient(ctx, client.ID, protocol.NewSubscribed(topics))
}
