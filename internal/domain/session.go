// Package domain holds the value types shared by the relay components.
package domain

import "time"

// Role distinguishes how a client participates in a session.
type Role string

const (
	// RoleInteractive is a browser tab that renders the conversation and canvas.
	RoleInteractive Role = "ui"
	// RoleHeadless is a CLI or other tool that observes and drives the session without UI.
	RoleHeadless Role = "cli"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleInteractive || r == RoleHeadless
}

// SessionContext is the lightweight world/story context attached to a session.
type SessionContext struct {
	WorldID   string `json:"worldId,omitempty"`
	StoryID   string `json:"storyId,omitempty"`
	WorldName string `json:"worldName,omitempty"`
}

// ContextPatch is a partial SessionContext update. Nil fields are left untouched.
type ContextPatch struct {
	WorldID   *string `json:"worldId,omitempty"`
	StoryID   *string `json:"storyId,omitempty"`
	WorldName *string `json:"worldName,omitempty"`
}

// Apply merges p into c field by field; set fields in p win.
func (c SessionContext) Apply(p ContextPatch) SessionContext {
	if p.WorldID != nil {
		c.WorldID = *p.WorldID
	}
	if p.StoryID != nil {
		c.StoryID = *p.StoryID
	}
	if p.WorldName != nil {
		c.WorldName = *p.WorldName
	}
	return c
}

// IsZero reports whether no context field is set.
func (c SessionContext) IsZero() bool {
	return c == SessionContext{}
}

// ClientInfo is the public description of a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	UserID      string    `json:"userId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Context   SessionContext `json:"context"`
	Clients   []ClientInfo   `json:"clients"`
	CreatedAt time.Time      `json:"createdAt"`
}
