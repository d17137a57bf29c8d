package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/state"
)

// ActionOutcome is what a completed action produced.
type ActionOutcome struct {
	Result       any
	Version      uint64
	StateChanged bool
}

// CallAction runs a named action against a live instance. The handler gets
// a snapshot of the current state and runs under the configured timeout;
// on timeout or error the state is untouched. A returned new state commits
// as a single server-origin operation.
func (r *Registry) CallAction(ctx context.Context, componentID, action string, payload map[string]any) (*ActionOutcome, error) {
	inst, ok := r.Get(componentID)
	if !ok || !inst.Alive() {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, componentID)
	}
	fn, ok := inst.Type.Action(action)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %q", ErrUnknownAction, action, inst.Type.Name)
	}

	inst.Touch()

	// Actions serialize per instance: concurrent calls would otherwise read
	// the same snapshot and lose each other's commits.
	inst.LockActions()
	defer inst.UnlockActions()

	snapshot, version := inst.Engine.Snapshot()

	actionCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	defer cancel()

	type actionResult struct {
		newState map[string]any
		result   any
		err      error
	}
	done := make(chan actionResult, 1)
	go func() {
		newState, result, err := fn(actionCtx, snapshot, payload)
		done <- actionResult{newState, result, err}
	}()

	var res actionResult
	select {
	case res = <-done:
	case <-actionCtx.Done():
		r.logger.Warn("Action timed out",
			"component_id", componentID, "action", action, "timeout", r.cfg.ActionTimeout)
		return nil, fmt.Errorf("%w: %q after %s", ErrActionTimeout, action, r.cfg.ActionTimeout)
	}
	if res.err != nil {
		return nil, fmt.Errorf("action %q on %s: %w", action, componentID, res.err)
	}

	outcome := &ActionOutcome{Result: res.result, Version: version}
	// Compare against a fresh snapshot: handlers may mutate their input
	// copy in place, and the engine may have moved underneath the handler.
	current, _ := inst.Engine.Snapshot()
	if res.newState != nil && !state.Equal(current, res.newState) {
		op := state.NewOperation(componentID, state.OpSet, "", res.newState)
		committed, err := inst.Engine.ApplyLocal(op)
		if err != nil {
			return nil, fmt.Errorf("commit action %q on %s: %w", action, componentID, err)
		}
		outcome.Version = committed.Version
		outcome.StateChanged = true
		r.CascadeUpdate(componentID, 0)
	}
	return outcome, nil
}

// ApplyStateChange routes a client-origin operation through the instance
// engine, with conflict detection.
func (r *Registry) ApplyStateChange(componentID string, op *state.Operation) (*state.Operation, *state.Conflict, error) {
	inst, ok := r.Get(componentID)
	if !ok || !inst.Alive() {
		return nil, nil, fmt.Errorf("%w: %q", ErrComponentNotFound, componentID)
	}
	inst.Touch()
	committed, conflict, err := inst.Engine.ApplyRemote(op)
	if err == nil && committed != nil {
		r.CascadeUpdate(componentID, 0)
	}
	return committed, conflict, err
}

// SetProperty commits a single server-validated set on a state path.
func (r *Registry) SetProperty(componentID, property string, value any, originClientID string) (*state.Operation, error) {
	inst, ok := r.Get(componentID)
	if !ok || !inst.Alive() {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, componentID)
	}
	inst.Touch()
	op := state.NewOperation(componentID, state.OpSet, property, value)
	op.OriginClientID = originClientID
	committed, err := inst.Engine.ApplyLocal(op)
	if err == nil {
		r.CascadeUpdate(componentID, 0)
	}
	return committed, err
}

// CascadeUpdate notifies instances whose type depends on the changed
// component's type, emitting dependency.updated with the cascade depth.
// Propagation stops at the configured depth bound; handlers that mutate
// state in response pass the payload depth back in.
func (r *Registry) CascadeUpdate(componentID string, depth int) {
	if r.hooks.Emit == nil {
		return
	}
	if depth >= r.cfg.MaxCascadeDepth {
		r.logger.Warn("Dependency cascade hit depth bound",
			"component_id", componentID, "depth", depth)
		return
	}

	source, ok := r.Get(componentID)
	if !ok {
		return
	}
	dependentTypes := r.dependentTypes(source.Type.Name)
	if len(dependentTypes) == 0 {
		return
	}
	wanted := make(map[string]bool, len(dependentTypes))
	for _, t := range dependentTypes {
		wanted[t] = true
	}

	for _, id := range r.AllMounted() {
		inst, found := r.Get(id)
		if !found || !inst.Alive() || !wanted[inst.Type.Name] {
			continue
		}
		r.hooks.Emit("dependency.updated", inst.ComponentID, map[string]any{
			"source_component_id": componentID,
			"source_type":         source.Type.Name,
			"cascade_depth":       depth + 1,
			"changed_at":          time.Now().UnixMilli(),
		})
	}
}
