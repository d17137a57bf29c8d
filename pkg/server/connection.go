package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/livewire/pkg/protocol"
)

// sendQueue is the bounded per-connection outbound buffer. When full, the
// oldest non-critical frame is evicted to make room; critical frames are
// never dropped.
type sendQueue struct {
	mu     sync.Mutex
	items  []*protocol.Message
	max    int
	closed bool
	notify chan struct{}
}

func newSendQueue(max int) *sendQueue {
	return &sendQueue{max: max, notify: make(chan struct{}, 1)}
}

// push enqueues a frame. Returns the evicted frame when one was displaced,
// and ok=false when the incoming frame itself was dropped.
func (q *sendQueue) push(msg *protocol.Message) (evicted *protocol.Message, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	if len(q.items) >= q.max {
		idx := -1
		for i, m := range q.items {
			if !m.Critical() {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			evicted = q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		case msg.Critical():
			// Queue is all critical; let it grow rather than lose a
			// critical frame.
		default:
			q.mu.Unlock()
			return nil, false
		}
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, true
}

func (q *sendQueue) pop() *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

// Connection is one multiplexed client. All writes go through the send
// queue and its single writer goroutine; reads happen on the goroutine
// that owns the connection.
type Connection struct {
	ID   string
	conn *websocket.Conn

	queue    *sendQueue
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen atomic.Int64
	graceful atomic.Bool

	// parse error tracking for the bad-frame kill switch
	parseMu   sync.Mutex
	parseErrs []time.Time

	writerDone chan struct{}
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) idleSince() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// recordParseError notes a malformed inbound frame and reports whether the
// connection crossed the kill threshold (more than limit errors inside the
// window).
func (c *Connection) recordParseError(limit int, window time.Duration) bool {
	now := time.Now()
	cutoff := now.Add(-window)

	c.parseMu.Lock()
	defer c.parseMu.Unlock()
	kept := c.parseErrs[:0]
	for _, t := range c.parseErrs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.parseErrs = append(kept, now)
	return len(c.parseErrs) > limit
}
