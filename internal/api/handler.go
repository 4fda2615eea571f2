// Package api provides the HTTP side-channel of the relay.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/agent-relay/internal/interaction"
	"github.com/ashureev/agent-relay/internal/session"
	"github.com/ashureev/agent-relay/internal/store"
	"github.com/ashureev/agent-relay/internal/telemetry"
	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize is the maximum allowed request body size (64KB).
const maxRequestBodySize = 64 << 10

// TurnCounter reports how many chat turns are in flight.
type TurnCounter interface {
	ActiveTurns() int
}

// Deps are the components the HTTP handlers read from.
type Deps struct {
	Registry *session.Registry
	Queue    *interaction.Queue
	Turns    TurnCounter
	// Transcripts is nil when transcript recording is disabled.
	Transcripts store.TranscriptStore
	Telemetry   *telemetry.Provider
}

// Handler serves the operational and session endpoints.
type Handler struct {
	registry    *session.Registry
	queue       *interaction.Queue
	turns       TurnCounter
	transcripts store.TranscriptStore
	telemetry   *telemetry.Provider
	startedAt   time.Time
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		registry:    deps.Registry,
		queue:       deps.Queue,
		turns:       deps.Turns,
		transcripts: deps.Transcripts,
		telemetry:   deps.Telemetry,
		startedAt:   time.Now(),
	}
}

// RegisterRoutes registers the HTTP routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/metrics", h.Metrics)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Get("/{sessionID}", h.GetSession)
		r.Delete("/{sessionID}", h.DeleteSession)
		r.Get("/{sessionID}/turns", h.ListTurns)
		r.Get("/{sessionID}/interactions", h.PeekInteractions)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
