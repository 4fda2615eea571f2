// Package sessiontest provides an in-memory socket for tests.
package sessiontest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"
)

// ErrWriteFailed is returned by a Conn configured to fail.
var ErrWriteFailed = errors.New("simulated write failure")

// Conn records written frames in memory.
type Conn struct {
	mu        sync.Mutex
	frames    [][]byte
	fail      bool
	closed    bool
	closeCode websocket.StatusCode
	notify    chan struct{}
}

// NewConn returns an empty recording socket.
func NewConn() *Conn {
	return &Conn{notify: make(chan struct{}, 1024)}
}

// NewFailingConn returns a socket whose writes always fail.
func NewFailingConn() *Conn {
	c := NewConn()
	c.fail = true
	return c
}

func (c *Conn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrWriteFailed
	}
	if c.closed {
		return errors.New("write on closed connection")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.frames = append(c.frames, buf)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

// Frames returns a copy of every frame written so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Decoded returns every frame decoded into a generic map.
func (c *Conn) Decoded() []map[string]any {
	frames := c.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types returns the "type" field of each frame in order.
func (c *Conn) Types() []string {
	decoded := c.Decoded()
	out := make([]string, 0, len(decoded))
	for _, m := range decoded {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

// Closed reports whether Close was called and with which status.
func (c *Conn) Closed() (bool, websocket.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}
