package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/events"
	"github.com/codeready-toolchain/livewire/pkg/identity"
	"github.com/codeready-toolchain/livewire/pkg/metrics"
	"github.com/codeready-toolchain/livewire/pkg/protocol"
	"github.com/codeready-toolchain/livewire/pkg/registry"
	"github.com/codeready-toolchain/livewire/pkg/state"
)

// Router maps inbound frames onto registry and event engine operations and
// writes the replies.
type Router struct {
	registry *registry.Registry
	events   *events.Engine
	manager  *ConnectionManager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRouter wires the frame router.
func NewRouter(reg *registry.Registry, ev *events.Engine, manager *ConnectionManager, mts *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		events:   ev,
		manager:  manager,
		metrics:  mts,
		logger:   logger.With("component", "router"),
	}
}

// HandleFrame dispatches one inbound frame. Replies and errors go back
// through the connection's send queue.
func (r *Router) HandleFrame(ctx context.Context, conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeComponentMount:
		r.handleMount(ctx, conn, msg)
	case protocol.TypeComponentUnmount:
		r.handleUnmount(ctx, conn, msg)
	case protocol.TypeCallAction:
		r.handleCallAction(ctx, conn, msg)
	case protocol.TypePropertyUpdate:
		r.handlePropertyUpdate(conn, msg)
	case protocol.TypeStateUpdate:
		r.handleStateUpdate(conn, msg)
	case protocol.TypeEventEmit:
		r.handleEventEmit(conn, msg)
	case protocol.TypeSyncRequest:
		r.handleSyncRequest(conn, msg)
	default:
		r.sendError(conn, msg.ComponentID, protocol.ErrBadFrame,
			"unknown frame type "+msg.Type, msg.RequestID)
	}
}

func (r *Router) handleMount(ctx context.Context, conn *Connection, msg *protocol.Message) {
	typeName, _ := msg.Payload["component"].(string)
	if typeName == "" {
		// "type" accepted as an alias for the component name.
		typeName, _ = msg.Payload["type"].(string)
	}
	if typeName == "" {
		r.sendError(conn, msg.ComponentID, protocol.ErrBadFrame, "mount requires a component", msg.RequestID)
		return
	}
	props, _ := msg.Payload["props"].(map[string]any)
	parentID, _ := msg.Payload["parent_id"].(string)

	inst, rebound, err := r.registry.Mount(ctx, conn.ID, typeName, props, parentID)
	if err != nil {
		r.sendError(conn, msg.ComponentID, mountErrorKind(err), err.Error(), msg.RequestID)
		return
	}
	snapshot, version := inst.Engine.Snapshot()
	reply := protocol.NewReply(protocol.TypeComponentMounted, msg, map[string]any{
		"component_id": inst.ComponentID,
		"instance_id":  inst.InstanceID,
		"fingerprint":  inst.Fingerprint,
		"parent_id":    inst.ParentID,
		"path":         inst.Path,
		"state":        snapshot,
		"rebound":      rebound,
	})
	reply.ComponentID = inst.ComponentID
	r.manager.enqueue(conn, reply.WithVersion(version))
}

func mountErrorKind(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, registry.ErrUnknownType):
		return protocol.ErrUnknownComponentType
	case errors.Is(err, registry.ErrComponentNotFound):
		return protocol.ErrComponentNotFound
	case errors.Is(err, identity.ErrCyclicHierarchy),
		errors.Is(err, registry.ErrCyclicDependency):
		return protocol.ErrCyclicDependency
	default:
		return protocol.ErrInternal
	}
}

func (r *Router) handleUnmount(ctx context.Context, conn *Connection, msg *protocol.Message) {
	if err := r.registry.Unmount(ctx, msg.ComponentID, "client_request"); err != nil {
		r.sendError(conn, msg.ComponentID, protocol.ErrComponentNotFound, err.Error(), msg.RequestID)
		return
	}
	if msg.RequestID != "" {
		r.manager.enqueue(conn, protocol.NewReply(protocol.TypeComponentUnmounted, msg, map[string]any{
			"component_id": msg.ComponentID,
		}))
	}
}

func (r *Router) handleCallAction(ctx context.Context, conn *Connection, msg *protocol.Message) {
	action := msg.Action
	if action == "" {
		action, _ = msg.Payload["method"].(string)
	}
	if action == "" {
		r.sendError(conn, msg.ComponentID, protocol.ErrBadFrame, "call_action requires an action", msg.RequestID)
		return
	}
	// Arguments ride payload.args when present, otherwise the payload itself
	// (minus the method key) is the argument object.
	args, ok := msg.Payload["args"].(map[string]any)
	if !ok && msg.Payload != nil {
		args = make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			if k == "method" {
				continue
			}
			args[k] = v
		}
	}

	started := time.Now()
	outcome, err := r.registry.CallAction(ctx, msg.ComponentID, action, args)
	if r.metrics != nil {
		r.metrics.ObserveActionDuration(time.Since(started))
	}
	if err != nil {
		r.sendError(conn, msg.ComponentID, actionErrorKind(err), err.Error(), msg.RequestID)
		return
	}

	// Fire-and-forget calls get no reply; the state broadcast carries the
	// effect.
	if msg.RequestID == "" {
		return
	}
	reply := protocol.NewReply(protocol.TypeMethodResult, msg, map[string]any{
		"action":        action,
		"result":        outcome.Result,
		"state_changed": outcome.StateChanged,
	})
	r.manager.enqueue(conn, reply.WithVersion(outcome.Version))
}

func actionErrorKind(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, registry.ErrComponentNotFound):
		return protocol.ErrComponentNotFound
	case errors.Is(err, registry.ErrUnknownAction):
		return protocol.ErrActionFailed
	case errors.Is(err, registry.ErrActionTimeout):
		return protocol.ErrActionTimeout
	case errors.Is(err, component.ErrLifecycleTransition):
		return protocol.ErrComponentNotFound
	default:
		return protocol.ErrActionFailed
	}
}

func (r *Router) handlePropertyUpdate(conn *Connection, msg *protocol.Message) {
	if msg.Property == "" {
		r.sendError(conn, msg.ComponentID, protocol.ErrBadFrame, "property_update requires a property", msg.RequestID)
		return
	}
	op, err := r.registry.SetProperty(msg.ComponentID, msg.Property, msg.Payload["value"], conn.ID)
	if err != nil {
		r.sendError(conn, msg.ComponentID, propertyErrorKind(err), err.Error(), msg.RequestID)
		return
	}
	if msg.RequestID != "" {
		reply := protocol.NewReply(protocol.TypeStateUpdateConfirmed, msg, map[string]any{
			"property": msg.Property,
		})
		r.manager.enqueue(conn, reply.WithVersion(op.Version))
	}
}

func propertyErrorKind(err error) protocol.ErrorKind {
	if errors.Is(err, registry.ErrComponentNotFound) {
		return protocol.ErrComponentNotFound
	}
	return protocol.ErrInvalidStateChange
}

func (r *Router) handleStateUpdate(conn *Connection, msg *protocol.Message) {
	op := state.FromWire(msg.ComponentID, msg.Payload)
	op.OriginClientID = conn.ID

	committed, conflict, err := r.registry.ApplyStateChange(msg.ComponentID, op)
	if err != nil {
		r.sendError(conn, msg.ComponentID, propertyErrorKind(err), err.Error(), msg.RequestID)
		return
	}

	if committed == nil {
		// The op lost its conflict or was parked; the client must not keep
		// its optimistic value.
		kind := protocol.ErrInvalidStateChange
		detail := "operation superseded by conflict resolution"
		if conflict != nil && conflict.Status == state.ConflictPending {
			kind = protocol.ErrConflictUnresolved
			detail = "conflict " + conflict.ConflictID + " pending resolution"
		}
		errMsg := protocol.NewError(msg.ComponentID, kind, detail, msg.RequestID)
		if inst, ok := r.registry.Get(msg.ComponentID); ok {
			snapshot, version := inst.Engine.Snapshot()
			errMsg.Payload["state"] = snapshot
			errMsg.WithVersion(version)
		}
		r.manager.enqueue(conn, errMsg)
		return
	}

	if msg.RequestID != "" {
		reply := protocol.NewReply(protocol.TypeStateUpdateConfirmed, msg, map[string]any{
			"op_id": committed.OpID,
		})
		r.manager.enqueue(conn, reply.WithVersion(committed.Version))
	}
}

func (r *Router) handleEventEmit(conn *Connection, msg *protocol.Message) {
	name, _ := msg.Payload["name"].(string)
	if name == "" {
		r.sendError(conn, msg.ComponentID, protocol.ErrBadFrame, "event_emit requires a name", msg.RequestID)
		return
	}
	if _, ok := r.registry.Get(msg.ComponentID); !ok {
		r.sendError(conn, msg.ComponentID, protocol.ErrComponentNotFound,
			"no component "+msg.ComponentID, msg.RequestID)
		return
	}

	payload, _ := msg.Payload["payload"].(map[string]any)
	evt := events.New(name, msg.ComponentID, payload)
	evt.OriginClientID = conn.ID
	if scope, ok := msg.Payload["scope"].(string); ok {
		evt.Scope = events.Scope(scope)
	}
	if p, ok := msg.Payload["priority"].(float64); ok {
		evt.Priority = events.Priority(p)
	}
	if raw, ok := msg.Payload["targets"].([]any); ok {
		for _, t := range raw {
			if id, ok := t.(string); ok {
				evt.Targets = append(evt.Targets, id)
			}
		}
	}
	if resolver, ok := msg.Payload["resolver"].(string); ok {
		evt.Resolver = resolver
	}
	if depth, ok := msg.Payload["max_depth"].(float64); ok {
		evt.MaxDepth = int(depth)
	}
	if bubbles, ok := msg.Payload["bubbles"].(bool); ok {
		evt.Bubbles = bubbles
	}
	if cancelable, ok := msg.Payload["cancelable"].(bool); ok {
		evt.Cancelable = cancelable
	}

	if err := r.events.Emit(evt); err != nil {
		kind := protocol.ErrBadFrame
		if errors.Is(err, events.ErrQueueOverflow) {
			kind = protocol.ErrQueueOverflow
		}
		r.sendError(conn, msg.ComponentID, kind, err.Error(), msg.RequestID)
	}
}

// handleSyncRequest reconciles a client's view after reconnect: it replies
// with the missed operations when the history ring still covers the
// client's version, or a full snapshot otherwise. The reported version is
// always the server's actual current one.
func (r *Router) handleSyncRequest(conn *Connection, msg *protocol.Message) {
	inst, ok := r.registry.Get(msg.ComponentID)
	if !ok {
		r.sendError(conn, msg.ComponentID, protocol.ErrComponentNotFound,
			"no component "+msg.ComponentID, msg.RequestID)
		return
	}

	var clientVersion uint64
	if v, ok := msg.Payload["current_version"].(float64); ok {
		clientVersion = uint64(v)
	} else if msg.Version != nil {
		clientVersion = *msg.Version
	}

	ops, covered := inst.Engine.OpsSince(clientVersion)
	snapshot, version := inst.Engine.Snapshot()

	payload := map[string]any{}
	switch {
	case !covered:
		payload["mode"] = "snapshot"
		payload["state"] = snapshot
	case len(ops) == 0:
		payload["mode"] = "current"
	default:
		payload["mode"] = "ops"
		payload["ops"] = ops
	}
	reply := protocol.NewReply(protocol.TypeSyncResponse, msg, payload)
	r.manager.enqueue(conn, reply.WithVersion(version))
}

func (r *Router) sendError(conn *Connection, componentID string, kind protocol.ErrorKind, detail, requestID string) {
	if componentID == "" {
		componentID = protocol.SystemComponentID
	}
	r.logger.Debug("Frame rejected", "client_id", conn.ID,
		"component_id", componentID, "kind", string(kind), "detail", detail)
	r.manager.enqueue(conn, protocol.NewError(componentID, kind, detail, requestID))
}
