package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livewire/pkg/protocol"
)

func heartbeatFrame() *protocol.Message {
	return protocol.NewMessage(protocol.TypeHeartbeat, protocol.SystemComponentID, nil)
}

func errorFrame() *protocol.Message {
	return protocol.NewError("comp-1", protocol.ErrInternal, "boom", "")
}

func TestSendQueue_FIFO(t *testing.T) {
	q := newSendQueue(4)

	first := heartbeatFrame()
	second := errorFrame()
	for _, m := range []*protocol.Message{first, second} {
		evicted, ok := q.push(m)
		require.True(t, ok)
		require.Nil(t, evicted)
	}

	assert.Same(t, first, q.pop())
	assert.Same(t, second, q.pop())
	assert.Nil(t, q.pop())
}

func TestSendQueue_EvictsOldestNonCritical(t *testing.T) {
	q := newSendQueue(2)

	stale := heartbeatFrame()
	critical := errorFrame()
	q.push(stale)
	q.push(critical)

	incoming := heartbeatFrame()
	evicted, ok := q.push(incoming)
	require.True(t, ok)
	assert.Same(t, stale, evicted, "oldest non-critical frame should be displaced")

	assert.Same(t, critical, q.pop())
	assert.Same(t, incoming, q.pop())
}

func TestSendQueue_DropsNonCriticalWhenAllCritical(t *testing.T) {
	q := newSendQueue(2)
	q.push(errorFrame())
	q.push(errorFrame())

	evicted, ok := q.push(heartbeatFrame())
	assert.False(t, ok, "non-critical frame must be dropped, not a critical one")
	assert.Nil(t, evicted)
	assert.Equal(t, 2, q.len())
}

func TestSendQueue_GrowsForCriticalWhenAllCritical(t *testing.T) {
	q := newSendQueue(2)
	q.push(errorFrame())
	q.push(errorFrame())

	extra := errorFrame()
	evicted, ok := q.push(extra)
	require.True(t, ok)
	assert.Nil(t, evicted)
	assert.Equal(t, 3, q.len())
}

func TestSendQueue_ClosedRejects(t *testing.T) {
	q := newSendQueue(2)
	q.close()
	_, ok := q.push(errorFrame())
	assert.False(t, ok)
}

func TestConnection_ParseErrorKillSwitch(t *testing.T) {
	c := &Connection{}
	for i := 0; i < 10; i++ {
		assert.False(t, c.recordParseError(10, time.Second), "error %d should stay under the threshold", i+1)
	}
	assert.True(t, c.recordParseError(10, time.Second), "11th error inside the window crosses the threshold")
}

func TestConnection_ParseErrorWindowSlides(t *testing.T) {
	c := &Connection{}
	for i := 0; i < 10; i++ {
		c.recordParseError(10, 20*time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.recordParseError(10, 20*time.Millisecond),
		"errors outside the window must not count")
}
