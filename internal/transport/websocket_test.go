package transport

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/agent"
	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/identity"
	"github.com/ashureev/agent-relay/internal/interaction"
	"github.com/ashureev/agent-relay/internal/protocol"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type echoOrchestrator struct{}

func (echoOrchestrator) StreamResponse(_ context.Context, _, content string, _ *agent.TurnContext) iter.Seq2[*domain.StreamChunk, error] {
	return func(yield func(*domain.StreamChunk, error) bool) {
		for _, word := range strings.Fields(content) {
			if !yield(&domain.StreamChunk{Type: domain.ChunkAssistant, Content: word}, nil) {
				return
			}
		}
		yield(&domain.StreamChunk{Type: domain.ChunkDone}, nil)
	}
}

func (echoOrchestrator) Close() {}

type relay struct {
	server   *httptest.Server
	registry *session.Registry
	queue    *interaction.Queue
	handler  *Handler
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	return newRelayWith(t, time.Minute, []string{"*"}, nil)
}

func newRelayWith(t *testing.T, grace time.Duration, origins []string, configure func(*session.Registry, *Handler)) *relay {
	t.Helper()
	registry := session.NewRegistry(session.Options{GracePeriod: grace, WriteTimeout: time.Second})
	queue := interaction.NewQueue(interaction.Options{})
	rt := router.New(router.Options{Registry: registry, Queue: queue, Orchestrator: echoOrchestrator{}})
	h := NewHandler(Options{Registry: registry, Router: rt, AllowedOrigins: origins})
	if configure != nil {
		configure(registry, h)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", identity.Middleware(h))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		registry.Close()
	})
	return &relay{server: srv, registry: registry, queue: queue, handler: h}
}

func (r *relay) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?" + query
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m map[string]any
	if err := wsjson.Read(ctx, c, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func write(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readTurn reads frames until agent_done and returns them.
func readTurn(t *testing.T, c *websocket.Conn) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		m := read(t, c)
		frames = append(frames, m)
		if m["type"] == string(protocol.TypeStateChange) && m["event"] == protocol.EventAgentDone {
			return frames
		}
	}
}

func TestConnectAndJoinNotices(t *testing.T) {
	r := newRelay(t)

	a := r.dial(t, "session_id=S1&user_id=u1")
	connectA := read(t, a)
	if connectA["type"] != string(protocol.TypeConnect) || connectA["sessionId"] != "S1" {
		t.Fatalf("connect = %v", connectA)
	}
	if peers, _ := connectA["connectedClients"].([]any); len(peers) != 0 {
		t.Fatalf("first client saw peers %v", peers)
	}
	idA, _ := connectA["clientId"].(string)

	b := r.dial(t, "session_id=S1&user_id=u1&role=cli")
	connectB := read(t, b)
	peers, _ := connectB["connectedClients"].([]any)
	if len(peers) != 1 {
		t.Fatalf("second client peers = %v, want 1", peers)
	}
	if peer, _ := peers[0].(map[string]any); peer["id"] != idA {
		t.Errorf("peer = %v, want %s", peer, idA)
	}
	idB, _ := connectB["clientId"].(string)

	joined := read(t, a)
	client, _ := joined["client"].(map[string]any)
	if joined["type"] != string(protocol.TypeClientJoined) || client["id"] != idB || client["role"] != "cli" {
		t.Fatalf("client_joined = %v", joined)
	}

	if err := b.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	left := read(t, a)
	if left["type"] != string(protocol.TypeClientLeft) || left["clientId"] != idB || left["clientRole"] != "cli" {
		t.Fatalf("client_left = %v", left)
	}
}

func TestChatReachesEveryClientInOrder(t *testing.T) {
	r := newRelay(t)

	b1 := r.dial(t, "session_id=S1")
	read(t, b1)
	b2 := r.dial(t, "session_id=S1")
	read(t, b2)
	read(t, b1) // client_joined

	write(t, b1, map[string]any{"type": "chat_message", "content": "hello there"})

	t1, t2 := readTurn(t, b1), readTurn(t, b2)
	if len(t1) != len(t2) {
		t.Fatalf("B1 got %d frames, B2 got %d", len(t1), len(t2))
	}
	wantContent := []string{"hello", "there", ""}
	for i, want := range wantContent {
		f1, f2 := t1[i+1], t2[i+1]
		c1, _ := f1["chunk"].(map[string]any)
		c2, _ := f2["chunk"].(map[string]any)
		if f1["type"] != string(protocol.TypeChatChunk) || c1["content"] != c2["content"] {
			t.Fatalf("frame %d differs: %v vs %v", i+1, f1, f2)
		}
		if got, _ := c1["content"].(string); got != want {
			t.Errorf("chunk %d content = %q, want %q", i, got, want)
		}
	}
	if err := r.handler.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, "session_id=S1")
	read(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := read(t, c)
	if errFrame["type"] != string(protocol.TypeError) || errFrame["error"] != protocol.CodeInvalidMessage {
		t.Fatalf("reply = %v, want invalid_message error", errFrame)
	}

	write(t, c, map[string]any{"type": "ping"})
	if pong := read(t, c); pong["type"] != string(protocol.TypePong) {
		t.Fatalf("reply = %v, want pong", pong)
	}
}

func TestInteractionDrainScenario(t *testing.T) {
	r := newRelay(t)
	sender := r.dial(t, "session_id=S1")
	read(t, sender)
	observer := r.dial(t, "session_id=S1&role=cli")
	read(t, observer)
	read(t, sender) // client_joined

	write(t, sender, map[string]any{
		"type":            "interaction",
		"componentId":     "timeline",
		"interactionType": "select",
		"data":            map[string]any{"event_id": "seg-2"},
	})
	notice := read(t, observer)
	if notice["event"] != protocol.EventAgentThinking {
		t.Fatalf("observer got %v, want agent_thinking", notice)
	}

	got := r.queue.GetInteractions("S1")
	if len(got) != 1 || got[0].ComponentID != "timeline" || string(got[0].Data) != `{"event_id":"seg-2"}` {
		t.Fatalf("first drain = %+v", got)
	}
	if again := r.queue.GetInteractions("S1"); len(again) != 0 {
		t.Fatalf("second drain = %+v, want empty", again)
	}
}

func TestTopicsFromConnectionParams(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, "session_id=S1&topics=map")
	read(t, c)

	if n := r.registry.PublishToTopic(context.Background(), "S1", "map", map[string]string{"type": "canvas_update"}); n != 1 {
		t.Fatalf("published to %d clients, want 1", n)
	}
	if m := read(t, c); m["type"] != "canvas_update" {
		t.Fatalf("got %v", m)
	}
}

func TestInvalidParamsRejectedBeforeUpgrade(t *testing.T) {
	r := newRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?role=admin"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %v, want 400", resp)
	}
	if r.registry.Stats().Sessions != 0 {
		t.Fatal("rejected request created a session")
	}
}

func TestRejectedOriginLeavesNoSession(t *testing.T) {
	r := newRelayWith(t, 50*time.Millisecond, []string{"https://app.example.com"}, nil)
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?session_id=S"

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, resp, err := websocket.Dial(ctx, url+strconv.Itoa(i), &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{"https://evil.example.org"}},
		})
		cancel()
		if err == nil {
			_ = c.CloseNow()
			t.Fatal("upgrade from a foreign origin succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("dial %d: resp=%v err=%v, want 403", i, resp, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.registry.Stats().Sessions != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Sessions = %d after grace period, want 0", r.registry.Stats().Sessions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinSurvivesExpiryDuringHandshake(t *testing.T) {
	r := newRelayWith(t, time.Minute, []string{"*"}, func(registry *session.Registry, h *Handler) {
		// Simulates the grace timer firing mid-handshake.
		h.beforeJoin = func(sessionID string) { registry.DeleteSession(sessionID) }
	})
	r.registry.CreateSession("u1", "S1")

	c := r.dial(t, "session_id=S1&user_id=u1")
	connect := read(t, c)
	if connect["type"] != string(protocol.TypeConnect) || connect["sessionId"] != "S1" {
		t.Fatalf("connect = %v, want connect for S1", connect)
	}
	if got := r.registry.Stats(); got.Sessions != 1 || got.Clients != 1 {
		t.Fatalf("Stats = %+v, want one session with one client", got)
	}
}

func TestClientBoundToConnectingUser(t *testing.T) {
	r := newRelay(t)
	r.registry.CreateSession("owner", "S1")

	c := r.dial(t, "session_id=S1&user_id=guest")
	connect := read(t, c)
	clientID, _ := connect["clientId"].(string)

	_, client, ok := r.registry.Lookup("S1", clientID)
	if !ok {
		t.Fatalf("client %q not registered", clientID)
	}
	if client.UserID != "guest" {
		t.Errorf("UserID = %q, want guest", client.UserID)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://app.example.com", "localhost:3000"})
	if len(got) != 2 || got[0] != "app.example.com" || got[1] != "localhost:3000" {
		t.Fatalf("patterns = %v", got)
	}
	if got := originPatterns([]string{"https://a.example.com", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns = %v", got)
	}
}
