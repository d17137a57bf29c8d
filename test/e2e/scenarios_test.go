package e2e

import (
	"context"
	"fmt"
	"time"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/protocol"
)

func counterType() *component.Type {
	return &component.Type{
		Name: "Counter",
		InitialState: func(props map[string]any) (map[string]any, error) {
			start := 0.0
			if v, ok := props["start"].(float64); ok {
				start = v
			}
			return map[string]any{"count": start, "label": "counter"}, nil
		},
		Actions: map[string]component.ActionFunc{
			"increment": func(_ context.Context, st, _ map[string]any) (map[string]any, any, error) {
				count, _ := st["count"].(float64)
				st["count"] = count + 1
				return st, st["count"], nil
			},
		},
	}
}

func panelType() *component.Type {
	return &component.Type{
		Name: "Panel",
		InitialState: func(map[string]any) (map[string]any, error) {
			return map[string]any{"open": true}, nil
		},
	}
}

// chartType depends on axisType; mounting a Chart auto-mounts an Axis child
// and state changes on Axis instances cascade dependency.updated events to
// Chart instances.
func axisType() *component.Type {
	return &component.Type{
		Name: "Axis",
		InitialState: func(map[string]any) (map[string]any, error) {
			return map[string]any{"scale": "linear"}, nil
		},
		Actions: map[string]component.ActionFunc{
			"rescale": func(_ context.Context, st, payload map[string]any) (map[string]any, any, error) {
				scale, _ := payload["scale"].(string)
				if scale == "" {
					scale = "log"
				}
				st["scale"] = scale
				return st, scale, nil
			},
		},
	}
}

func chartType() *component.Type {
	return &component.Type{
		Name: "Chart",
		InitialState: func(map[string]any) (map[string]any, error) {
			return map[string]any{"series": []any{}}, nil
		},
		Dependencies: []component.Dependency{
			{Name: "Axis", Kind: component.DepComponent, Required: true, Resolution: component.ResolveImmediate},
		},
	}
}

func defaultTypes() []*component.Type {
	return []*component.Type{counterType(), panelType(), axisType(), chartType()}
}

func TestE2E_MountAndCallAction(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	c := app.Connect()

	mounted, err := c.Mount("Counter", map[string]any{"start": 10.0})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeComponentMounted, mounted.Type)
	componentID := mounted.Payload["component_id"].(string)

	result, err := c.CallAction(componentID, "increment", nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeMethodResult, result.Type)
	assert.Equal(t, 11.0, result.Payload["result"])
	assert.Equal(t, uint64(1), *result.Version)
}

func TestE2E_OptimisticRejectedWhenDisabled(t *testing.T) {
	cfg := DefaultTestConfig()
	cfg.Sync.EnableOptimistic = false
	app := NewTestApp(t, WithConfig(cfg), WithTypes(defaultTypes()...))
	c := app.Connect()

	mounted, err := c.Mount("Counter", nil)
	require.NoError(t, err)
	componentID := mounted.Payload["component_id"].(string)

	require.NoError(t, c.Send(map[string]any{
		"type":         protocol.TypeStateUpdate,
		"component_id": componentID,
		"request_id":   "opt-1",
		"payload": map[string]any{
			"op":         "set",
			"path":       "label",
			"value":      "hopeful",
			"optimistic": true,
		},
	}))

	errFrame, err := c.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeError && m.RequestID == "opt-1"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(protocol.ErrInvalidStateChange), errFrame.Error)
}

func TestE2E_SiblingEventFanOut(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	owner := app.Connect()
	watcher := app.Connect()

	panel, err := owner.Mount("Panel", nil)
	require.NoError(t, err)
	panelID := panel.Payload["component_id"].(string)

	left, err := owner.MountChild("Counter", panelID, map[string]any{"start": 1.0})
	require.NoError(t, err)
	leftID := left.Payload["component_id"].(string)

	right, err := owner.MountChild("Counter", panelID, map[string]any{"start": 2.0})
	require.NoError(t, err)
	rightID := right.Payload["component_id"].(string)
	require.NotEqual(t, leftID, rightID)

	// watcher subscribes to the right child via deterministic remount.
	rebound, err := watcher.MountChild("Counter", panelID, map[string]any{"start": 2.0})
	require.NoError(t, err)
	require.Equal(t, true, rebound.Payload["rebound"])

	// Emitting with sibling scope from the left child must reach the right
	// child's subscribers only.
	require.NoError(t, owner.Send(map[string]any{
		"type":         protocol.TypeEventEmit,
		"component_id": leftID,
		"payload": map[string]any{
			"name":    "counter.synced",
			"scope":   "siblings",
			"payload": map[string]any{"from": "left"},
		},
	}))

	evt, err := watcher.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeBroadcast &&
			m.Payload["kind"] == "event" &&
			m.Payload["name"] == "counter.synced"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, rightID, evt.ComponentID)
	assert.Equal(t, leftID, evt.Payload["source_component_id"])
}

func TestE2E_ConflictLastWriteWins(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	first := app.Connect()
	second := app.Connect()

	mounted, err := first.Mount("Counter", nil)
	require.NoError(t, err)
	componentID := mounted.Payload["component_id"].(string)
	reboundFrame, err := second.Mount("Counter", nil)
	require.NoError(t, err)
	require.Equal(t, true, reboundFrame.Payload["rebound"])

	base := time.Now().UnixMilli()
	require.NoError(t, first.Send(map[string]any{
		"type":         protocol.TypeStateUpdate,
		"component_id": componentID,
		"request_id":   "w-1",
		"payload": map[string]any{
			"op": "set", "path": "label", "value": "first", "timestamp": base,
		},
	}))
	_, err = first.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeStateUpdateConfirmed && m.RequestID == "w-1"
	}, 5*time.Second)
	require.NoError(t, err)

	// Second writer hits the same path inside the tolerance window with a
	// later timestamp, so last_write_wins commits it over the first.
	require.NoError(t, second.Send(map[string]any{
		"type":         protocol.TypeStateUpdate,
		"component_id": componentID,
		"request_id":   "w-2",
		"payload": map[string]any{
			"op": "set", "path": "label", "value": "second", "timestamp": base + 10,
		},
	}))
	confirmed, err := second.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeStateUpdateConfirmed && m.RequestID == "w-2"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), *confirmed.Version)

	// The losing writer sees the winning value in the broadcast.
	broadcast, err := first.WaitFor(func(m *protocol.Message) bool {
		if m.Type != protocol.TypeBroadcast || m.Payload["kind"] != "state" {
			return false
		}
		st, _ := m.Payload["state"].(map[string]any)
		return st != nil && st["label"] == "second"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), *broadcast.Version)

	// The conflict record lands in the sink.
	require.Eventually(t, func() bool {
		return len(app.Sink.Conflicts()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	conflict := app.Sink.Conflicts()[0]
	assert.Equal(t, "last_write_wins", conflict.StrategyUsed)
}

func TestE2E_GraceRebindPreservesState(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	first := app.Connect()

	mounted, err := first.Mount("Counter", map[string]any{"start": 3.0})
	require.NoError(t, err)
	componentID := mounted.Payload["component_id"].(string)

	result, err := first.CallAction(componentID, "increment", nil)
	require.NoError(t, err)
	require.Equal(t, 4.0, result.Payload["result"])

	require.NoError(t, first.CloseGraceful())

	// Reconnect inside the grace window with the same identity.
	second := app.Connect()
	rebound, err := second.Mount("Counter", map[string]any{"start": 3.0})
	require.NoError(t, err)
	assert.Equal(t, componentID, rebound.Payload["component_id"])
	assert.Equal(t, true, rebound.Payload["rebound"])

	st := rebound.Payload["state"].(map[string]any)
	assert.Equal(t, 4.0, st["count"], "state must survive the reconnect")
	assert.Equal(t, uint64(1), *rebound.Version)
}

func TestE2E_AbnormalCloseRebindsWithinGrace(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	first := app.Connect()

	mounted, err := first.Mount("Counter", map[string]any{"start": 7.0})
	require.NoError(t, err)
	componentID := mounted.Payload["component_id"].(string)

	_, err = first.CallAction(componentID, "increment", nil)
	require.NoError(t, err)

	// Drop the socket without a close handshake: the registry retains the
	// component for the same grace window.
	require.NoError(t, first.Close())

	second := app.Connect()
	rebound, err := second.Mount("Counter", map[string]any{"start": 7.0})
	require.NoError(t, err)
	assert.Equal(t, componentID, rebound.Payload["component_id"])
	assert.Equal(t, true, rebound.Payload["rebound"])

	st := rebound.Payload["state"].(map[string]any)
	assert.Equal(t, 8.0, st["count"], "state survives the abnormal disconnect")
	assert.Equal(t, uint64(1), *rebound.Version)
}

func TestE2E_GraceExpiryUnmounts(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	c := app.Connect()

	_, err := c.Mount("Counter", nil)
	require.NoError(t, err)
	require.NoError(t, c.CloseGraceful())

	require.Eventually(t, func() bool {
		return app.Server.Registry().Count() == 0
	}, 5*time.Second, 20*time.Millisecond, "component must be unmounted after grace expires")
}

func TestE2E_DependencyCascade(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	c := app.Connect()

	chart, err := c.Mount("Chart", nil)
	require.NoError(t, err)
	chartID := chart.Payload["component_id"].(string)

	// The Axis child was auto-mounted; find it through the debug endpoint.
	var axisID string
	for _, id := range app.Server.Registry().ChildrenOf(chartID) {
		axisID = id
	}
	require.NotEmpty(t, axisID, "Chart must auto-mount its Axis dependency")

	_, err = c.CallAction(axisID, "rescale", map[string]any{"scale": "log"})
	require.NoError(t, err)

	// The Axis change cascades a dependency.updated event to the Chart.
	evt, err := c.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeBroadcast &&
			m.Payload["kind"] == "event" &&
			m.Payload["name"] == "dependency.updated"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, chartID, evt.ComponentID)

	payload := evt.Payload["payload"].(map[string]any)
	assert.Equal(t, axisID, payload["source_component_id"])
	assert.Equal(t, 1.0, payload["cascade_depth"])
}

func TestE2E_UnmountCascadesToChildren(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	c := app.Connect()

	panel, err := c.Mount("Panel", nil)
	require.NoError(t, err)
	panelID := panel.Payload["component_id"].(string)

	for i := 0; i < 3; i++ {
		_, err := c.MountChild("Counter", panelID, map[string]any{"start": float64(i)})
		require.NoError(t, err)
	}
	require.Equal(t, 4, app.Server.Registry().Count())

	require.NoError(t, c.Send(map[string]any{
		"type":         protocol.TypeComponentUnmount,
		"component_id": panelID,
		"request_id":   "unmount-1",
	}))
	_, err = c.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeComponentUnmounted && m.RequestID == "unmount-1"
	}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, app.Server.Registry().Count())
}

func TestE2E_SyncAfterReconnect(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	first := app.Connect()

	mounted, err := first.Mount("Counter", nil)
	require.NoError(t, err)
	componentID := mounted.Payload["component_id"].(string)

	for i := 0; i < 3; i++ {
		_, err := first.CallAction(componentID, "increment", nil)
		require.NoError(t, err)
	}
	require.NoError(t, first.CloseGraceful())

	second := app.Connect()
	rebound, err := second.Mount("Counter", nil)
	require.NoError(t, err)
	require.Equal(t, true, rebound.Payload["rebound"])

	// The client last saw version 1; the history ring replays the gap.
	require.NoError(t, second.Send(map[string]any{
		"type":         protocol.TypeSyncRequest,
		"component_id": componentID,
		"request_id":   "sync-1",
		"version":      1,
	}))
	resp, err := second.WaitFor(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeSyncResponse && m.RequestID == "sync-1"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ops", resp.Payload["mode"])
	assert.Equal(t, uint64(3), *resp.Version)
	assert.Len(t, resp.Payload["ops"], 2)
}

func TestE2E_DebugRuntimeSurface(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	c := app.Connect()

	_, err := c.Mount("Counter", nil)
	require.NoError(t, err)

	body := app.GetJSON("/debug/runtime")
	assert.Equal(t, 1.0, body["connections"])
	assert.Len(t, body["components"], 1)

	health := app.GetJSON("/healthz")
	assert.Equal(t, "healthy", health["status"])
}

func TestE2E_ManySubscribersSeeSameVersionStream(t *testing.T) {
	app := NewTestApp(t, WithTypes(defaultTypes()...))
	owner := app.Connect()

	mounted, err := owner.Mount("Counter", nil)
	require.NoError(t, err)
	componentID := mounted.Payload["component_id"].(string)

	watchers := make([]*WSClient, 3)
	for i := range watchers {
		watchers[i] = app.Connect()
		_, err := watchers[i].Mount("Counter", nil)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		_, err := owner.CallAction(componentID, "increment", nil)
		require.NoError(t, err)
	}

	// Every watcher converges on version 5 with count 5.
	for i, w := range watchers {
		final, err := w.WaitFor(func(m *protocol.Message) bool {
			return m.Type == protocol.TypeBroadcast && m.Version != nil && *m.Version == 5
		}, 5*time.Second)
		require.NoError(t, err, "watcher %d never saw version 5", i)
		st := final.Payload["state"].(map[string]any)
		assert.Equal(t, 5.0, st["count"])
	}

	versionsMonotonic := func(w *WSClient) bool {
		var last uint64
		for _, m := range w.FramesOfType(protocol.TypeBroadcast) {
			if m.Version == nil {
				continue
			}
			if *m.Version <= last {
				return false
			}
			last = *m.Version
		}
		return true
	}
	for i, w := range watchers {
		assert.True(t, versionsMonotonic(w), fmt.Sprintf("watcher %d saw non-increasing versions", i))
	}
}
