// Package agent defines the contract between the relay and the Agent
// Orchestrator that produces streamed responses.
package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/agent-relay/internal/domain"
)

// ErrUnavailable is yielded when no orchestrator is configured.
var ErrUnavailable = errors.New("agent orchestrator unavailable")

// Orchestrator produces a lazy, ordered, finite sequence of chunks for one
// user message. Each call starts a fresh stream; streams are not resumable.
type Orchestrator interface {
	StreamResponse(ctx context.Context, userID, content string, tc *TurnContext) iter.Seq2[*domain.StreamChunk, error]
	Close()
}

// Unavailable is the Orchestrator used when ORCHESTRATOR_ADDR is empty.
// Every turn fails immediately, which the router surfaces as an error turn.
type Unavailable struct{}

// StreamResponse yields ErrUnavailable.
func (Unavailable) StreamResponse(context.Context, string, string, *TurnContext) iter.Seq2[*domain.StreamChunk, error] {
	return func(yield func(*domain.StreamChunk, error) bool) {
		yield(nil, ErrUnavailable)
	}
}

// Close is a no-op.
func (Unavailable) Close() {}

var (
	_ Orchestrator = Unavailable{}
	_ Orchestrator = (*GrpcOrchestrator)(nil)
)
