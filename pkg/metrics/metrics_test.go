package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterAndCount(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal))

	m.ComponentMounted("Counter", false)
	m.ComponentMounted("Counter", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.componentsMounted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mountsTotal.WithLabelValues("Counter", "true")))

	m.ComponentUnmounted("idle_timeout")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.componentsMounted))

	m.ConflictRecorded("high", "last_write_wins", "resolved")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.conflictsTotal.WithLabelValues("high", "last_write_wins", "resolved")))

	m.SetEventQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.eventQueueDepth))

	m.FrameSent()
	m.FrameDropped("queue_full")
	m.ObserveActionDuration(5 * time.Millisecond)
	m.ObserveBroadcastLatency(time.Millisecond)
}

func TestMetrics_NilRegistry(t *testing.T) {
	m := New(nil)
	m.ConnectionOpened()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive))
}

func TestIssueLedger_Bounded(t *testing.T) {
	l := NewIssueLedger(3)
	for i := 0; i < 5; i++ {
		l.Record("frame_dropped", "comp-1", "queue full")
	}
	issues := l.Recent()
	require.Len(t, issues, 3)
	assert.Equal(t, "frame_dropped", issues[0].Kind)
	assert.Equal(t, "comp-1", issues[0].ComponentID)
}
