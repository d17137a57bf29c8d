package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/livewire/pkg/config"
	"github.com/codeready-toolchain/livewire/pkg/metrics"
	"github.com/codeready-toolchain/livewire/pkg/protocol"
)

// parse error kill switch: more than parseErrLimit malformed frames inside
// parseErrWindow terminates the connection.
const (
	parseErrLimit  = 10
	parseErrWindow = 10 * time.Second
)

// FrameHandler consumes inbound frames. Implemented by the router.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn *Connection, msg *protocol.Message)
}

// ConnectionManager owns every client connection: accept, welcome,
// heartbeats, idle detection, the per-connection writer, and teardown.
// Each process has one.
type ConnectionManager struct {
	cfg     *config.ConnectionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	issues  *metrics.IssueLedger

	mu          sync.RWMutex
	connections map[string]*Connection

	handlerMu sync.RWMutex
	handler   FrameHandler

	// onDisconnect fires after a connection is unregistered, with whether
	// the close was graceful.
	onDisconnect func(clientID string, graceful bool)
}

// NewConnectionManager creates the manager. mts and issues may be nil.
func NewConnectionManager(cfg *config.ConnectionConfig, mts *metrics.Metrics, issues *metrics.IssueLedger, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		cfg:         cfg,
		logger:      logger.With("component", "connections"),
		metrics:     mts,
		issues:      issues,
		connections: make(map[string]*Connection),
	}
}

// SetHandler installs the frame router. Called once during assembly.
func (m *ConnectionManager) SetHandler(h FrameHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

// SetOnDisconnect installs the disconnect callback. Called once during
// assembly.
func (m *ConnectionManager) SetOnDisconnect(fn func(clientID string, graceful bool)) {
	m.onDisconnect = fn
}

// HandleConnection manages one WebSocket lifecycle: welcome, writer,
// heartbeat, and read loop. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	if m.ActiveConnections() >= m.cfg.MaxConnections {
		m.logger.Warn("Connection rejected, at capacity", "max", m.cfg.MaxConnections)
		_ = conn.Close(websocket.StatusTryAgainLater, "server at connection capacity")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:         uuid.New().String(),
		conn:       conn,
		queue:      newSendQueue(m.cfg.SendQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
	c.touch()

	m.register(c)
	defer m.unregister(c)

	go m.writeLoop(c)
	go m.heartbeatLoop(c)

	welcome := protocol.NewMessage(protocol.TypeWelcome, protocol.SystemComponentID, map[string]any{
		"client_id":             c.ID,
		"heartbeat_interval_ms": m.cfg.HeartbeatInterval.Milliseconds(),
		"idle_timeout_ms":       m.cfg.IdleTimeout.Milliseconds(),
	})
	m.enqueue(c, welcome)

	m.readLoop(ctx, c)
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ConnectionOpened()
	}
	m.logger.Info("Client connected", "client_id", c.ID)
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	_, present := m.connections[c.ID]
	delete(m.connections, c.ID)
	m.mu.Unlock()
	if !present {
		return
	}

	graceful := c.graceful.Load()

	// Give queued replies a bounded chance to flush before the socket
	// drops.
	if graceful {
		deadline := time.Now().Add(m.cfg.DrainTimeout)
		for c.queue.len() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	c.cancel()
	<-c.writerDone
	c.queue.close()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")

	if m.metrics != nil {
		m.metrics.ConnectionClosed()
	}
	m.logger.Info("Client disconnected", "client_id", c.ID, "graceful", graceful)

	if m.onDisconnect != nil {
		m.onDisconnect(c.ID, graceful)
	}
}

// readLoop processes inbound frames until the connection closes.
func (m *ConnectionManager) readLoop(ctx context.Context, c *Connection) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			c.graceful.Store(status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway)
			return
		}
		c.touch()

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			m.logger.Warn("Malformed frame", "client_id", c.ID, "error", err)
			m.enqueue(c, protocol.NewError(protocol.SystemComponentID,
				protocol.ErrBadFrame, "malformed frame: "+err.Error(), ""))
			if c.recordParseError(parseErrLimit, parseErrWindow) {
				m.logger.Warn("Terminating connection, parse error threshold exceeded",
					"client_id", c.ID)
				if m.issues != nil {
					m.issues.Record("parse_error_kill", "", "client "+c.ID+" exceeded malformed frame threshold")
				}
				c.graceful.Store(false)
				return
			}
			continue
		}

		if msg.Type == protocol.TypeHeartbeatResponse {
			continue
		}

		m.handlerMu.RLock()
		h := m.handler
		m.handlerMu.RUnlock()
		if h != nil {
			h.HandleFrame(ctx, c, msg)
		}
	}
}

// writeLoop is the single writer for one connection.
func (m *ConnectionManager) writeLoop(c *Connection) {
	defer close(c.writerDone)
	for {
		msg := c.queue.pop()
		if msg == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-c.queue.notify:
				continue
			}
		}

		data, err := json.Marshal(msg)
		if err != nil {
			m.logger.Warn("Frame marshal failed", "client_id", c.ID, "error", err)
			continue
		}
		writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
		err = c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			m.logger.Warn("Frame write failed", "client_id", c.ID, "error", err)
			c.cancel()
			return
		}
		if m.metrics != nil {
			m.metrics.FrameSent()
		}
	}
}

// heartbeatLoop sends periodic heartbeats and closes idle connections.
func (m *ConnectionManager) heartbeatLoop(c *Connection) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.idleSince()) > m.cfg.IdleTimeout {
				m.logger.Info("Closing idle connection", "client_id", c.ID,
					"idle", time.Since(c.idleSince()))
				_ = c.conn.Close(websocket.StatusGoingAway, "idle timeout")
				c.graceful.Store(true)
				c.cancel()
				return
			}
			m.enqueue(c, protocol.NewMessage(protocol.TypeHeartbeat, protocol.SystemComponentID, nil))
		}
	}
}

// enqueue pushes a frame onto the connection's send queue, accounting for
// drops.
func (m *ConnectionManager) enqueue(c *Connection, msg *protocol.Message) {
	evicted, ok := c.queue.push(msg)
	if !ok {
		if m.metrics != nil {
			m.metrics.FrameDropped("queue_full")
		}
		if m.issues != nil {
			m.issues.Record("frame_dropped", msg.ComponentID, "send queue full for client "+c.ID)
		}
		return
	}
	if evicted != nil {
		if m.metrics != nil {
			m.metrics.FrameDropped("evicted")
		}
		m.logger.Debug("Evicted stale frame from send queue",
			"client_id", c.ID, "type", evicted.Type)
	}
}

// Send queues a frame for one client. Returns false for unknown clients.
func (m *ConnectionManager) Send(clientID string, msg *protocol.Message) bool {
	m.mu.RLock()
	c, ok := m.connections[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	m.enqueue(c, msg)
	return true
}

// SendToAll queues a frame for each listed client, skipping exclude.
func (m *ConnectionManager) SendToAll(clientIDs []string, msg *protocol.Message, exclude string) {
	// Snapshot pointers under the lock, send outside it.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(clientIDs))
	for _, id := range clientIDs {
		if id == exclude {
			continue
		}
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.enqueue(c, msg)
	}
}

// ActiveConnections returns the number of open connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CloseAll closes every connection, used at shutdown.
func (m *ConnectionManager) CloseAll(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.graceful.Store(true)
		_ = c.conn.Close(websocket.StatusGoingAway, reason)
		c.cancel()
	}
}
