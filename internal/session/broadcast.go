package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/coder/websocket"
)

type target struct {
	clientID  string
	sessionID string
	conn      Conn
}

// BroadcastToSession serializes msg once and writes it to every client of the
// session except excludeClientID. A failed write is logged and skipped; it
// never stops delivery to the remaining clients. It returns the number of
// successful deliveries.
func (r *Registry) BroadcastToSession(ctx context.Context, sessionID string, msg any, excludeClientID string) int {
	data, ok := r.encode(msg, "session_id", sessionID)
	if !ok {
		return 0
	}

	r.mu.Lock()
	s, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		r.logger.Debug("[BROADCAST] Session not found", "session_id", sessionID)
		return 0
	}
	targets := make([]target, 0, len(s.clients))
	for _, c := range s.clients {
		if c.ID == excludeClientID {
			continue
		}
		targets = append(targets, target{clientID: c.ID, sessionID: sessionID, conn: c.conn})
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, data)
}

// BroadcastToRole writes msg to the clients of sessionID that have role.
func (r *Registry) BroadcastToRole(ctx context.Context, sessionID string, role domain.Role, msg any) int {
	data, ok := r.encode(msg, "session_id", sessionID)
	if !ok {
		return 0
	}

	r.mu.Lock()
	var targets []target
	if s, exists := r.sessions[sessionID]; exists {
		for _, c := range s.clients {
			if c.Role == role {
				targets = append(targets, target{clientID: c.ID, sessionID: sessionID, conn: c.conn})
			}
		}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, data)
}

// SendToClient writes msg to a single client.
func (r *Registry) SendToClient(ctx context.Context, clientID string, msg any) error {
	data, ok := r.encode(msg, "client_id", clientID)
	if !ok {
		return fmt.Errorf("encode message for client %s", clientID)
	}

	r.mu.Lock()
	c, exists := r.clients[clientID]
	var t target
	if exists {
		t = target{clientID: c.ID, sessionID: c.SessionID, conn: c.conn}
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if r.deliver(ctx, []target{t}, data) == 0 {
		return fmt.Errorf("write to client %s failed", clientID)
	}
	return nil
}

// SendToUser writes msg to every client of userID across all sessions.
func (r *Registry) SendToUser(ctx context.Context, userID string, msg any) int {
	data, ok := r.encode(msg, "user_id", userID)
	if !ok {
		return 0
	}

	r.mu.Lock()
	var targets []target
	for _, c := range r.clients {
		if c.UserID == userID {
			targets = append(targets, target{clientID: c.ID, sessionID: c.SessionID, conn: c.conn})
		}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, data)
}

// PublishToTopic writes msg to the clients of sessionID subscribed to topic.
// An empty sessionID publishes to subscribers in every session.
func (r *Registry) PublishToTopic(ctx context.Context, sessionID, topic string, msg any) int {
	data, ok := r.encode(msg, "topic", topic)
	if !ok {
		return 0
	}

	r.mu.Lock()
	var targets []target
	for _, c := range r.clients {
		if sessionID != "" && c.SessionID != sessionID {
			continue
		}
		if _, subscribed := c.topics[topic]; subscribed {
			targets = append(targets, target{clientID: c.ID, sessionID: c.SessionID, conn: c.conn})
		}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, data)
}

// Subscribe adds topics to a client and returns its full topic list.
func (r *Registry) Subscribe(clientID string, topics ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			c.topics[t] = struct{}{}
		}
	}
	return topicList(c), nil
}

// Unsubscribe removes topics from a client and returns its remaining topics.
func (r *Registry) Unsubscribe(clientID string, topics ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	for _, t := range topics {
		delete(c.topics, strings.TrimSpace(t))
	}
	return topicList(c), nil
}

func topicList(c *Client) []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) encode(msg any, scopeKey, scope string) ([]byte, bool) {
	if raw, ok := msg.([]byte); ok {
		return raw, true
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("[BROADCAST] Failed to marshal message", "error", err, scopeKey, scope)
		return nil, false
	}
	return data, true
}

// deliver writes data to each target in order, isolating failures per socket.
func (r *Registry) deliver(ctx context.Context, targets []target, data []byte) int {
	delivered, failed := 0, 0
	for _, t := range targets {
		if t.conn == nil {
			continue
		}
		if err := r.write(ctx, t.conn, data); err != nil {
			failed++
			r.logger.Warn("[BROADCAST] Failed to write to client",
				"error", err,
				"session_id", t.sessionID,
				"client_id", t.clientID,
			)
			continue
		}
		delivered++
	}
	r.metrics.FrameSent(ctx, delivered, failed)
	return delivered
}

func (r *Registry) write(ctx context.Context, conn Conn, data []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during write: %v", rec)
		}
	}()
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
