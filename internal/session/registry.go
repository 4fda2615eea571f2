// Package session tracks relay sessions, their connected clients, and fans
// frames out to them by session, client, user, or topic.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/telemetry"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DefaultGracePeriod is how long an empty session is kept before deletion.
const DefaultGracePeriod = 60 * time.Second

// DefaultWriteTimeout bounds a single socket write during fan-out.
const DefaultWriteTimeout = 10 * time.Second

// ErrClientNotFound is returned when a client id is not registered.
var ErrClientNotFound = errors.New("client not found")

// Conn is the socket surface the registry needs. *websocket.Conn satisfies it.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session groups the clients sharing one conversation.
// ID, UserID and CreatedAt never change; everything else is guarded by the Registry.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	clients    map[string]*Client
	context    domain.SessionContext
	graceTimer *time.Timer
}

// Client is one live connection bound to exactly one session.
type Client struct {
	ID          string
	Role        domain.Role
	SessionID   string
	UserID      string
	ConnectedAt time.Time

	conn   Conn
	topics map[string]struct{}
}

// Info returns the public description of the client.
func (c *Client) Info() domain.ClientInfo {
	return domain.ClientInfo{
		ID:          c.ID,
		Role:        c.Role,
		UserID:      c.UserID,
		ConnectedAt: c.ConnectedAt,
	}
}

// LeaveResult describes the client removed by LeaveSession.
type LeaveResult struct {
	SessionID string
	Role      domain.Role
	// Empty is true when the session has no clients left and deletion is scheduled.
	Empty bool
}

// Stats are aggregate registry counters.
type Stats struct {
	Sessions int `json:"sessions"`
	Clients  int `json:"clients"`
}

// Options configures a Registry.
type Options struct {
	GracePeriod  time.Duration
	WriteTimeout time.Duration
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
	// OnSessionDeleted runs after a session has been removed, outside the registry lock.
	OnSessionDeleted func(sessionID string)
}

// Registry owns every session and client of this process. All mutation goes
// through its methods under a single mutex; socket writes happen outside it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clients  map[string]*Client

	grace        time.Duration
	writeTimeout time.Duration
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	onDeleted    func(string)
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		clients:      make(map[string]*Client),
		grace:        opts.GracePeriod,
		writeTimeout: opts.WriteTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		onDeleted:    opts.OnSessionDeleted,
		now:          time.Now,
	}
}

// CreateSession registers a session. If sessionID is already registered the
// existing session is returned unchanged; an empty sessionID gets a fresh id.
func (r *Registry) CreateSession(userID, sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(userID, sessionID)
}

func (r *Registry) createLocked(userID, sessionID string) *Session {
	if sessionID != "" {
		if s, ok := r.sessions[sessionID]; ok {
			return s
		}
	} else {
		sessionID = uuid.NewString()
	}

	s := &Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: r.now(),
		clients:   make(map[string]*Client),
	}
	r.sessions[sessionID] = s
	// A session nobody joins is still reclaimed.
	r.scheduleExpiryLocked(s)
	r.metrics.SessionCount(context.Background(), 1)
	r.logger.Info("Session created", "session_id", sessionID, "user_id", userID)
	return s
}

func (r *Registry) scheduleExpiryLocked(s *Session) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(r.grace, func() { r.expire(s) })
}

// GetSession returns the session or nil.
func (r *Registry) GetSession(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// GetOrCreateSession returns the registered session or creates it.
func (r *Registry) GetOrCreateSession(userID, sessionID string) *Session {
	return r.CreateSession(userID, sessionID)
}

// JoinSession admits a client into an existing session. It returns nil when the
// session is not registered; sessions are never created implicitly here. The
// client is attributed to the session owner.
func (r *Registry) JoinSession(sessionID, clientID string, role domain.Role, conn Conn) *Client {
	return r.JoinSessionAs(sessionID, clientID, "", role, conn)
}

// JoinSessionAs is JoinSession for a client connecting as userID. An empty
// userID falls back to the session owner.
func (r *Registry) JoinSessionAs(sessionID, clientID, userID string, role domain.Role, conn Conn) *Client {
	r.mu.Lock()

	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Join rejected, session not registered", "session_id", sessionID, "client_id", clientID)
		return nil
	}

	var replaced *Client
	if existing, ok := r.clients[clientID]; ok {
		replaced = existing
		r.removeClientLocked(existing)
	}

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	if userID == "" {
		userID = s.UserID
	}
	c := &Client{
		ID:          clientID,
		Role:        role,
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: r.now(),
		conn:        conn,
		topics:      make(map[string]struct{}),
	}
	s.clients[clientID] = c
	r.clients[clientID] = c
	r.mu.Unlock()

	if replaced != nil && replaced.conn != nil {
		if err := replaced.conn.Close(websocket.StatusNormalClosure, "client replaced"); err != nil {
			r.logger.Debug("Failed to close replaced client", "client_id", clientID, "error", err)
		}
	}

	r.metrics.ClientConnected(context.Background(), 1, string(role))
	r.logger.Info("Client joined", "session_id", sessionID, "client_id", clientID, "role", role)
	return c
}

// LeaveSession removes a client. When the session becomes empty its deletion
// is scheduled after the grace period instead of happening immediately.
func (r *Registry) LeaveSession(clientID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return LeaveResult{}, false
	}
	empty := r.removeClientLocked(c)
	r.logger.Info("Client left", "session_id", c.SessionID, "client_id", clientID, "role", c.Role)
	return LeaveResult{SessionID: c.SessionID, Role: c.Role, Empty: empty}, true
}

// removeClientLocked unlinks c and schedules session expiry if it was the last member.
func (r *Registry) removeClientLocked(c *Client) bool {
	delete(r.clients, c.ID)
	r.metrics.ClientConnected(context.Background(), -1, string(c.Role))

	s, ok := r.sessions[c.SessionID]
	if !ok {
		return false
	}
	delete(s.clients, c.ID)
	if len(s.clients) > 0 {
		return false
	}

	r.scheduleExpiryLocked(s)
	r.logger.Debug("Session empty, deletion scheduled", "session_id", s.ID, "grace", r.grace)
	return true
}

// expire deletes s if it is still registered and still empty.
func (r *Registry) expire(s *Session) {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID]
	if !ok || cur != s || len(s.clients) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	s.graceTimer = nil
	r.mu.Unlock()

	r.metrics.SessionCount(context.Background(), -1)
	r.logger.Info("Session expired after grace period", "session_id", s.ID)
	if r.onDeleted != nil {
		r.onDeleted(s.ID)
	}
}

// DeleteSession closes every member socket with a normal closure and removes
// the session. It reports whether the session existed.
func (r *Registry) DeleteSession(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	members := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		members = append(members, c)
		delete(r.clients, c.ID)
	}
	s.clients = make(map[string]*Client)
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, c := range members {
		r.metrics.ClientConnected(context.Background(), -1, string(c.Role))
		if c.conn == nil {
			continue
		}
		if err := c.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			r.logger.Debug("Failed to close client socket", "session_id", sessionID, "client_id", c.ID, "error", err)
		}
	}

	r.metrics.SessionCount(context.Background(), -1)
	r.logger.Info("Session deleted", "session_id", sessionID, "clients_closed", len(members))
	if r.onDeleted != nil {
		r.onDeleted(sessionID)
	}
	return true
}

// Close deletes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.DeleteSession(id)
	}
}

// Lookup re-validates that a client is still a member of the given session.
func (r *Registry) Lookup(sessionID, clientID string) (*Session, *Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	c, ok := s.clients[clientID]
	if !ok {
		return s, nil, false
	}
	return s, c, true
}

// GetClientsInSession returns the session's clients ordered by connection time.
func (r *Registry) GetClientsInSession(sessionID string) []domain.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return clientInfos(s)
}

// IsRoleConnected reports whether any client with role is in the session.
func (r *Registry) IsRoleConnected(sessionID string, role domain.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for _, c := range s.clients {
		if c.Role == role {
			return true
		}
	}
	return false
}

// UpdateSessionContext merges patch into the session's context; set fields win.
func (r *Registry) UpdateSessionContext(sessionID string, patch domain.ContextPatch) (domain.SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.SessionContext{}, false
	}
	s.context = s.context.Apply(patch)
	return s.context, true
}

// GetSessionContext returns the session's current context.
func (r *Registry) GetSessionContext(sessionID string) (domain.SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.SessionContext{}, false
	}
	return s.context, true
}

// SessionInfo returns a snapshot of one session.
func (r *Registry) SessionInfo(sessionID string) (domain.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.SessionInfo{}, false
	}
	return infoOf(s), true
}

// ListSessions returns snapshots of all sessions, oldest first.
func (r *Registry) ListSessions() []domain.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, infoOf(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns session and client counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Sessions: len(r.sessions), Clients: len(r.clients)}
}

func infoOf(s *Session) domain.SessionInfo {
	return domain.SessionInfo{
		ID:        s.ID,
		UserID:    s.UserID,
		Context:   s.context,
		Clients:   clientInfos(s),
		CreatedAt: s.CreatedAt,
	}
}

func clientInfos(s *Session) []domain.ClientInfo {
	out := make([]domain.ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
