package domain

import (
	"encoding/json"
	"time"
)

// QueuedInteraction is a UI-originated event waiting for the next agent turn.
type QueuedInteraction struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	ComponentID     string          `json:"componentId"`
	InteractionType string          `json:"interactionType"`
	Data            json.RawMessage `json:"data,omitempty"`
	Target          string          `json:"target,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}
