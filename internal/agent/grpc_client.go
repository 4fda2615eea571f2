package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamMethod is the full gRPC method name of the orchestrator stream.
// Requests and responses are google.protobuf.Struct messages.
const StreamMethod = "/orchestrator.v1.Orchestrator/StreamResponse"

var streamDesc = &grpc.StreamDesc{
	StreamName:    "StreamResponse",
	ServerStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errUnknownEvent             = errors.New("unknown orchestrator event")
)

// Event kinds sent by the remote orchestrator.
const (
	eventChunk      = "chunk"
	eventCanvas     = "canvas"
	eventSuggestion = "suggestion"
	eventPublish    = "publish"
	eventUser       = "user"
)

// GrpcConfig holds configuration for the gRPC orchestrator client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcOrchestrator streams responses from a remote orchestrator service.
type GrpcOrchestrator struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// streamRequest is the JSON shape of the request Struct.
type streamRequest struct {
	UserID       string                     `json:"userId"`
	SessionID    string                     `json:"sessionId"`
	ClientID     string                     `json:"clientId"`
	TurnID       string                     `json:"turnId"`
	Content      string                     `json:"content"`
	Context      domain.SessionContext      `json:"context"`
	Interactions []domain.QueuedInteraction `json:"interactions"`
}

// streamEvent is the JSON shape of one response Struct.
type streamEvent struct {
	Kind       string              `json:"kind"`
	Chunk      *domain.StreamChunk `json:"chunk,omitempty"`
	Canvas     *canvasEvent        `json:"canvas,omitempty"`
	Suggestion json.RawMessage     `json:"suggestion,omitempty"`
	Topic      string              `json:"topic,omitempty"`
	UserID     string              `json:"userId,omitempty"`
	Message    json.RawMessage     `json:"message,omitempty"`
}

type canvasEvent struct {
	Action      protocol.CanvasAction `json:"action"`
	Target      string                `json:"target"`
	ComponentID string                `json:"componentId"`
	Spec        json.RawMessage       `json:"spec,omitempty"`
	Mode        string                `json:"mode,omitempty"`
}

// NewGrpcOrchestrator connects to the orchestrator and waits until the
// connection is ready so a bad address fails at startup.
func NewGrpcOrchestrator(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcOrchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepaliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("orchestrator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent orchestrator", "address", cfg.Address)
	return &GrpcOrchestrator{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (o *GrpcOrchestrator) Close() {
	if o.conn != nil {
		if err := o.conn.Close(); err != nil {
			o.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Ready reports whether the underlying connection is usable.
func (o *GrpcOrchestrator) Ready() bool {
	state := o.conn.GetState()
	return state == connectivity.Ready || state == connectivity.Idle
}

// StreamResponse drains the session's queued interactions into the request,
// opens a server stream, and yields chunks in arrival order. Canvas,
// suggestion, topic and per-user events are pushed through tc.Pusher as they
// arrive, interleaved with the chunks.
func (o *GrpcOrchestrator) StreamResponse(ctx context.Context, userID, content string, tc *TurnContext) iter.Seq2[*domain.StreamChunk, error] {
	return func(yield func(*domain.StreamChunk, error) bool) {
		req, err := o.buildRequest(userID, content, tc)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.conn.NewStream(ctx, streamDesc, StreamMethod)
		if err != nil {
			yield(nil, fmt.Errorf("orchestrator stream failed to start: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield(nil, fmt.Errorf("orchestrator send failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("orchestrator close send failed: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("orchestrator stream error: %w", err))
				return
			}

			ev, err := decodeEvent(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			if ev.Kind == eventChunk {
				if !yield(ev.Chunk, nil) {
					return
				}
				continue
			}
			if err := o.push(ctx, tc, ev); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func (o *GrpcOrchestrator) buildRequest(userID, content string, tc *TurnContext) (*structpb.Struct, error) {
	r := streamRequest{UserID: userID, Content: content}
	if tc != nil {
		r.SessionID = tc.SessionID
		r.ClientID = tc.ClientID
		r.TurnID = tc.TurnID
		r.Context = tc.Context
		r.Interactions = tc.DrainInteractions()
	}
	if r.Interactions == nil {
		r.Interactions = []domain.QueuedInteraction{}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode orchestrator request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("encode orchestrator request: %w", err)
	}
	return msg, nil
}

func decodeEvent(msg *structpb.Struct) (*streamEvent, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("decode orchestrator event: %w", err)
	}
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode orchestrator event: %w", err)
	}
	if ev.Kind == "" && ev.Chunk != nil {
		ev.Kind = eventChunk
	}
	if ev.Kind == eventChunk && ev.Chunk == nil {
		return nil, fmt.Errorf("%w: chunk event without chunk", errUnknownEvent)
	}
	return &ev, nil
}

func (o *GrpcOrchestrator) push(ctx context.Context, tc *TurnContext, ev *streamEvent) error {
	if tc == nil || tc.Pusher == nil {
		o.logger.Warn("Orchestrator event without pusher, dropped", "kind", ev.Kind)
		return nil
	}
	switch ev.Kind {
	case eventCanvas:
		if ev.Canvas == nil {
			return fmt.Errorf("%w: canvas event without canvas", errUnknownEvent)
		}
		c := ev.Canvas
		tc.Pusher.Canvas(ctx, protocol.NewCanvas(c.Action, c.Target, c.ComponentID, c.Spec, c.Mode))
	case eventSuggestion:
		tc.Pusher.Suggest(ctx, ev.Suggestion)
	case eventPublish:
		tc.Pusher.Publish(ctx, ev.Topic, []byte(ev.Message))
	case eventUser:
		tc.Pusher.SendToUser(ctx, ev.UserID, []byte(ev.Message))
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, ev.Kind)
	}
	return nil
}
