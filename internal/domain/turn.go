package domain

import "time"

// TurnStatus is the terminal state of a chat turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Turn is the transcript record of one completed chat turn.
type Turn struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	UserID           string     `json:"userId"`
	ClientID         string     `json:"clientId"`
	UserContent      string     `json:"userContent"`
	AssistantContent string     `json:"assistantContent"`
	Status           TurnStatus `json:"status"`
	Error            string     `json:"error,omitempty"`
	Chunks           int        `json:"chunks"`
	Usage            Usage      `json:"usage"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          time.Time  `json:"endedAt"`
}
