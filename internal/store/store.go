// Package store persists transcripts of completed chat turns.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
)

// DefaultListLimit is used when ListTurns gets a non-positive limit.
const DefaultListLimit = 50

// MaxListLimit caps a single ListTurns page.
const MaxListLimit = 500

// TranscriptStore records and lists chat turns.
type TranscriptStore interface {
	// RecordTurn inserts a finished turn. Recording the same turn id twice is a no-op.
	RecordTurn(ctx context.Context, turn *domain.Turn) error

	// ListTurns returns a session's turns, newest first.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)

	// DeleteBefore removes turns that ended before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
