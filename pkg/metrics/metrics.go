// Package metrics exposes runtime counters, gauges, and histograms over
// Prometheus, plus a bounded in-memory ledger of recent runtime issues for
// the debug endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus instrument set for the runtime.
type Metrics struct {
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	componentsMounted  prometheus.Gauge
	mountsTotal        *prometheus.CounterVec
	unmountsTotal      *prometheus.CounterVec
	stateCommitsTotal  prometheus.Counter
	conflictsTotal     *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
	eventQueueDepth    prometheus.Gauge
	deadLettersTotal   *prometheus.CounterVec
	framesSentTotal    prometheus.Counter
	framesDroppedTotal *prometheus.CounterVec
	actionDuration     prometheus.Histogram
	broadcastLatency   prometheus.Histogram
}

// New creates and registers the instrument set. A nil registry creates
// unregistered instruments, which tests use to avoid global state.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livewire",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of currently open client connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "connections",
			Name:      "total",
			Help:      "Total number of accepted client connections",
		}),
		componentsMounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livewire",
			Subsystem: "components",
			Name:      "mounted",
			Help:      "Number of currently mounted component instances",
		}),
		mountsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "components",
			Name:      "mounts_total",
			Help:      "Total number of component mounts",
		}, []string{"type", "rebound"}),
		unmountsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "components",
			Name:      "unmounts_total",
			Help:      "Total number of component unmounts",
		}, []string{"reason"}),
		stateCommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "state",
			Name:      "commits_total",
			Help:      "Total number of committed state operations",
		}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "state",
			Name:      "conflicts_total",
			Help:      "Total number of detected state conflicts",
		}, []string{"severity", "strategy", "status"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total number of processed events",
		}, []string{"scope"}),
		eventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livewire",
			Subsystem: "events",
			Name:      "queue_depth",
			Help:      "Current depth of the event priority queue",
		}),
		deadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "events",
			Name:      "dead_letters_total",
			Help:      "Total number of dead-lettered events",
		}, []string{"reason"}),
		framesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to clients",
		}),
		framesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped before delivery",
		}, []string{"reason"}),
		actionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "livewire",
			Subsystem: "components",
			Name:      "action_duration_seconds",
			Help:      "Action handler execution time",
			Buckets:   prometheus.DefBuckets,
		}),
		broadcastLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "livewire",
			Subsystem: "state",
			Name:      "broadcast_latency_seconds",
			Help:      "Commit-to-broadcast latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.connectionsActive, m.connectionsTotal,
			m.componentsMounted, m.mountsTotal, m.unmountsTotal,
			m.stateCommitsTotal, m.conflictsTotal,
			m.eventsTotal, m.eventQueueDepth, m.deadLettersTotal,
			m.framesSentTotal, m.framesDroppedTotal,
			m.actionDuration, m.broadcastLatency,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() { m.connectionsActive.Dec() }

func (m *Metrics) ComponentMounted(typeName string, rebound bool) {
	if !rebound {
		m.componentsMounted.Inc()
	}
	label := "false"
	if rebound {
		label = "true"
	}
	m.mountsTotal.WithLabelValues(typeName, label).Inc()
}

func (m *Metrics) ComponentUnmounted(reason string) {
	m.componentsMounted.Dec()
	m.unmountsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) StateCommitted() { m.stateCommitsTotal.Inc() }

func (m *Metrics) ConflictRecorded(severity, strategy, status string) {
	m.conflictsTotal.WithLabelValues(severity, strategy, status).Inc()
}

func (m *Metrics) EventProcessed(scope string) { m.eventsTotal.WithLabelValues(scope).Inc() }

func (m *Metrics) SetEventQueueDepth(depth int) { m.eventQueueDepth.Set(float64(depth)) }

func (m *Metrics) DeadLettered(reason string) { m.deadLettersTotal.WithLabelValues(reason).Inc() }

func (m *Metrics) FrameSent() { m.framesSentTotal.Inc() }

func (m *Metrics) FrameDropped(reason string) { m.framesDroppedTotal.WithLabelValues(reason).Inc() }

func (m *Metrics) ObserveActionDuration(d time.Duration) {
	m.actionDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveBroadcastLatency(d time.Duration) {
	m.broadcastLatency.Observe(d.Seconds())
}
