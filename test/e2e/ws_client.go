package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/livewire/pkg/protocol"
)

// WSClient connects to the livewire WebSocket endpoint and collects every
// frame the server sends, so tests can assert on the full stream.
type WSClient struct {
	ClientID string

	conn   *websocket.Conn
	frames []*protocol.Message
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	seq    int
}

// WSConnect establishes a WebSocket connection and starts collecting frames
// in a background goroutine.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes one raw frame map to the server, filling in an id when the
// test did not set one.
func (c *WSClient) Send(frame map[string]any) error {
	c.mu.Lock()
	c.seq++
	if _, ok := frame["id"]; !ok {
		frame["id"] = fmt.Sprintf("%s-frame-%d", c.ClientID, c.seq)
	}
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// SendRaw writes arbitrary bytes, for malformed-frame tests.
func (c *WSClient) SendRaw(data []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Mount mounts a component and returns the component_mounted frame.
func (c *WSClient) Mount(typeName string, props map[string]any) (*protocol.Message, error) {
	reqID := fmt.Sprintf("mount-%s-%d", typeName, time.Now().UnixNano())
	if err := c.Send(map[string]any{
		"type":       protocol.TypeComponentMount,
		"request_id": reqID,
		"payload":    map[string]any{"type": typeName, "props": props},
	}); err != nil {
		return nil, err
	}
	return c.WaitFor(func(m *protocol.Message) bool {
		return (m.Type == protocol.TypeComponentMounted || m.Type == protocol.TypeError) && m.RequestID == reqID
	}, 5*time.Second)
}

// MountChild mounts a component under an existing parent.
func (c *WSClient) MountChild(typeName, parentID string, props map[string]any) (*protocol.Message, error) {
	reqID := fmt.Sprintf("mount-%s-%d", typeName, time.Now().UnixNano())
	if err := c.Send(map[string]any{
		"type":       protocol.TypeComponentMount,
		"request_id": reqID,
		"payload":    map[string]any{"type": typeName, "props": props, "parent_id": parentID},
	}); err != nil {
		return nil, err
	}
	return c.WaitFor(func(m *protocol.Message) bool {
		return (m.Type == protocol.TypeComponentMounted || m.Type == protocol.TypeError) && m.RequestID == reqID
	}, 5*time.Second)
}

// CallAction invokes an action and returns the method_result or error frame.
func (c *WSClient) CallAction(componentID, action string, args map[string]any) (*protocol.Message, error) {
	reqID := fmt.Sprintf("call-%s-%d", action, time.Now().UnixNano())
	payload := map[string]any{}
	if args != nil {
		payload["args"] = args
	}
	if err := c.Send(map[string]any{
		"type":         protocol.TypeCallAction,
		"component_id": componentID,
		"action":       action,
		"request_id":   reqID,
		"payload":      payload,
	}); err != nil {
		return nil, err
	}
	return c.WaitFor(func(m *protocol.Message) bool {
		return (m.Type == protocol.TypeMethodResult || m.Type == protocol.TypeError) && m.RequestID == reqID
	}, 5*time.Second)
}

// WaitFor waits until a frame matching the predicate is received, or times
// out.
func (c *WSClient) WaitFor(predicate func(*protocol.Message) bool, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	seen := 0
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d frames)", len(c.Frames()))
		case <-tick.C:
			c.mu.Lock()
			for ; seen < len(c.frames); seen++ {
				if predicate(c.frames[seen]) {
					m := c.frames[seen]
					c.mu.Unlock()
					return m, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for a frame with the given type.
func (c *WSClient) WaitForType(frameType string, timeout time.Duration) (*protocol.Message, error) {
	return c.WaitFor(func(m *protocol.Message) bool {
		return m.Type == frameType
	}, timeout)
}

// Frames returns a snapshot of every collected frame.
func (c *WSClient) Frames() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.frames))
	copy(out, c.frames)
	return out
}

// FramesOfType returns collected frames filtered by type.
func (c *WSClient) FramesOfType(frameType string) []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Message
	for _, m := range c.frames {
		if m.Type == frameType {
			out = append(out, m)
		}
	}
	return out
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// CloseGraceful performs a normal WebSocket close handshake.
func (c *WSClient) CloseGraceful() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.doneCh
	return err
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, &msg)
		c.mu.Unlock()
	}
}
