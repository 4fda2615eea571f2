// Package transport owns the WebSocket lifecycle of relay clients.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/identity"
	"github.com/ashureev/agent-relay/internal/protocol"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/session"
	"github.com/ashureev/agent-relay/internal/telemetry"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// maxFrameSize is the read limit for a single client frame (1MB).
const maxFrameSize = 1 << 20

// Options configures a Handler.
type Options struct {
	Registry *session.Registry
	Router   *router.Router
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	// AllowedOrigins are full origins or "*".
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to relay client connections.
type Handler struct {
	registry       *session.Registry
	router         *router.Router
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	originPatterns []string

	turns sync.WaitGroup

	// beforeJoin runs between the upgrade and the join. Tests only.
	beforeJoin func(sessionID string)
}

// NewHandler creates a WebSocket handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		registry:       opts.Registry,
		router:         opts.Router,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		originPatterns: originPatterns(opts.AllowedOrigins),
	}
}

// originPatterns converts origins into the host patterns websocket.Accept matches.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		if o = strings.TrimSpace(o); o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}

// ServeHTTP runs one client through CONNECTING, OPEN and CLOSED.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, ok := identity.ParamsFromContext(r.Context())
	if !ok {
		var err error
		if params, err = identity.FromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	// The session must exist before the upgrade completes so joining cannot fail.
	sess := h.registry.GetOrCreateSession(params.UserID, params.SessionID)

	h.logger.Info("WebSocket connection request",
		"session_id", sess.ID,
		"user_id", params.UserID,
		"role", params.Role,
		"ip", identity.IPFromRequest(r),
	)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sess.ID)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	if h.beforeJoin != nil {
		h.beforeJoin(sess.ID)
	}

	clientID := uuid.NewString()
	client := h.registry.JoinSessionAs(sess.ID, clientID, params.UserID, params.Role, ws)
	if client == nil {
		// The grace period of an empty session ran out during the handshake.
		sess = h.registry.GetOrCreateSession(params.UserID, sess.ID)
		client = h.registry.JoinSessionAs(sess.ID, clientID, params.UserID, params.Role, ws)
	}
	if client == nil {
		_ = ws.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}

	ctx := r.Context()
	h.open(ctx, client, params.Topics)
	h.readLoop(ctx, ws, client)
	h.closeClient(ctx, client)

	if err := ws.Close(websocket.StatusNormalClosure, "connection closed"); err != nil {
		h.logger.Debug("Failed to close websocket", "error", err, "client_id", clientID)
	}
}

func (h *Handler) open(ctx context.Context, client *session.Client, topics []string) {
	if len(topics) > 0 {
		if _, err := h.registry.Subscribe(client.ID, topics...); err != nil {
			h.logger.Warn("Failed to subscribe topics", "client_id", client.ID, "error", err)
		}
	}

	var peers []domain.ClientInfo
	for _, c := range h.registry.GetClientsInSession(client.SessionID) {
		if c.ID != client.ID {
			peers = append(peers, c)
		}
	}
	sc, _ := h.registry.GetSessionContext(client.SessionID)

	if err := h.registry.SendToClient(ctx, client.ID, protocol.NewConnect(client.Info(), client.SessionID, peers, sc)); err != nil {
		h.logger.Warn("Failed to send connect", "client_id", client.ID, "error", err)
	}
	h.registry.BroadcastToSession(ctx, client.SessionID, protocol.NewClientJoined(client.Info()), client.ID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, client *session.Client) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "client_id", client.ID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "client_id", client.ID)
			}
			return
		}
		h.handleFrame(ctx, client.SessionID, client.ID, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, sessionID, clientID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.metrics.FrameReceived(ctx, "invalid")
		h.reply(ctx, clientID, protocol.NewError(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	h.metrics.FrameReceived(ctx, string(msg.Type))

	if msg.Type == protocol.TypePing {
		h.reply(ctx, clientID, protocol.NewPong())
		return
	}

	// State may have changed since the previous frame.
	sess, client, ok := h.registry.Lookup(sessionID, clientID)
	if !ok {
		h.reply(ctx, clientID, protocol.NewError(protocol.CodeUnknownSession, sessionID))
		return
	}

	if msg.Type == protocol.TypeChatMessage {
		// The turn outlives the sender's socket.
		turnCtx := context.WithoutCancel(ctx)
		h.turns.Add(1)
		go func() {
			defer h.turns.Done()
			if err := h.router.HandleMessage(turnCtx, sess, client, msg); err != nil && !errors.Is(err, router.ErrTurnInProgress) {
				h.logger.Error("Chat turn failed", "session_id", sessionID, "client_id", clientID, "error", err)
			}
		}()
		return
	}

	if err := h.router.HandleMessage(ctx, sess, client, msg); err != nil {
		h.logger.Warn("Failed to handle message", "type", msg.Type, "client_id", clientID, "error", err)
	}
}

func (h *Handler) closeClient(ctx context.Context, client *session.Client) {
	res, ok := h.registry.LeaveSession(client.ID)
	if !ok {
		return
	}
	h.registry.BroadcastToSession(context.WithoutCancel(ctx), res.SessionID, protocol.NewClientLeft(client.ID, res.Role), "")
}

func (h *Handler) reply(ctx context.Context, clientID string, msg any) {
	if err := h.registry.SendToClient(ctx, clientID, msg); err != nil {
		h.logger.Debug("Failed to reply", "client_id", clientID, "error", err)
	}
}

// Wait blocks until in-flight chat turns finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
