package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/identity"
	"github.com/codeready-toolchain/livewire/pkg/state"
)

// Mount creates (or rebinds) a component instance for a client. A mount
// with the same (type, props, parent) as a live or grace-period instance
// reuses its component id and state; rebound is true in that case.
func (r *Registry) Mount(ctx context.Context, clientID, typeName string, props map[string]any, parentID string) (*component.Instance, bool, error) {
	r.mu.Lock()
	typ, ok := r.types[typeName]
	if !ok {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}

	var parent *component.Instance
	if parentID != "" {
		parent, ok = r.instances[parentID]
		if !ok {
			r.mu.Unlock()
			return nil, false, fmt.Errorf("%w: parent %q", ErrComponentNotFound, parentID)
		}
	}

	key, err := identity.Key(typeName, props, parentID)
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}

	// Deterministic remount: the same identity maps back to the existing
	// instance, state and version intact.
	if existingID, found := r.byIdentity[key]; found {
		existing := r.instances[existingID]
		r.mu.Unlock()
		if existing != nil && existing.Lifecycle() != component.LifecycleDestroyed {
			existing.Subscribe(clientID)
			existing.Touch()
			r.logger.Info("Rebound component to client",
				"component_id", existing.ComponentID, "client_id", clientID)
			if r.hooks.OnMounted != nil {
				r.hooks.OnMounted(existing, true)
			}
			return existing, true, nil
		}
		// Stale index entry; fall through and mount fresh.
		r.mu.Lock()
	}

	depth := 0
	path := typePathSegment(typeName)
	if parent != nil {
		depth = parent.Depth + 1
		path = parent.Path + "." + typePathSegment(typeName)
	}
	if depth > identity.MaxDepth {
		r.mu.Unlock()
		return nil, false, identity.ErrCyclicHierarchy
	}

	componentID := identity.ComponentID(typeName, key, parentID, time.Now())
	for n := 1; ; n++ {
		if _, taken := r.instances[componentID]; !taken {
			break
		}
		componentID = identity.Disambiguate(componentID, n)
	}

	inst := component.NewInstance(identity.InstanceID(componentID), componentID, key, typ, parentID, depth, path, props)
	r.instances[componentID] = inst
	r.byIdentity[key] = componentID
	r.mu.Unlock()

	if err := r.initialize(ctx, inst, clientID, parent); err != nil {
		inst.MarkError(err)
		r.mu.Lock()
		delete(r.instances, componentID)
		if r.byIdentity[key] == componentID {
			delete(r.byIdentity, key)
		}
		r.mu.Unlock()
		return nil, false, err
	}

	inst.Subscribe(clientID)
	if parent != nil {
		parent.AddChild(componentID)
	}
	r.logger.Info("Mounted component",
		"component_id", componentID, "type", typeName, "client_id", clientID, "depth", depth)
	if r.hooks.OnMounted != nil {
		r.hooks.OnMounted(inst, false)
	}
	r.emit("component.mounted", componentID, map[string]any{
		"type":      typeName,
		"client_id": clientID,
		"parent_id": parentID,
	})
	return inst, false, nil
}

// initialize runs the mount sequence outside the registry lock:
// dependency resolution, the initial state factory, engine creation, and
// the on_mount hook.
func (r *Registry) initialize(ctx context.Context, inst *component.Instance, clientID string, parent *component.Instance) error {
	typ := inst.Type

	if err := r.resolveDependencies(ctx, inst, clientID); err != nil {
		return fmt.Errorf("resolve dependencies for %s: %w", inst.ComponentID, err)
	}

	initial := map[string]any{}
	if typ.InitialState != nil {
		s, err := typ.InitialState(inst.Props)
		if err != nil {
			return fmt.Errorf("initial state for %s: %w", inst.ComponentID, err)
		}
		if s != nil {
			initial = s
		}
	}

	fp, err := identity.Fingerprint(typ.Name, inst.Props, initial)
	if err != nil {
		return err
	}
	inst.Fingerprint = fp

	inst.Engine = state.NewEngine(inst.ComponentID, initial, r.syncCfg, r.ledger, state.Hooks{
		Broadcast:            r.hooks.Broadcast,
		OnCommit:             r.hooks.OnCommit,
		OnConflictResolved:   r.hooks.OnConflictResolved,
		OnConflictUnresolved: r.hooks.OnConflictUnresolved,
	})
	if typ.ConflictStrategy != "" {
		inst.Engine.SetStrategy(typ.ConflictStrategy)
	}

	if err := inst.Transition(component.LifecycleInitializing); err != nil {
		return err
	}
	if typ.OnMount != nil {
		if err := typ.OnMount(ctx, inst); err != nil {
			return fmt.Errorf("on_mount for %s: %w", inst.ComponentID, err)
		}
	}
	return inst.Transition(component.LifecycleReady)
}

// resolveDependencies settles every declared dependency before on_mount.
// Component-kind dependencies auto-mount as children in dependency-first
// order; the rest resolve per their mode.
func (r *Registry) resolveDependencies(ctx context.Context, inst *component.Instance, clientID string) error {
	typ := inst.Type
	if len(typ.Dependencies) == 0 {
		return nil
	}

	order := r.TopoOrder(typ.Name)
	rank := make(map[string]int, len(order))
	for i, n := range order {
		rank[n] = i
	}
	deps := append([]component.Dependency(nil), typ.Dependencies...)
	sortDeps(deps, rank)

	for _, dep := range deps {
		if dep.Resolution == component.ResolveConditional && dep.Condition != nil && !dep.Condition(inst.Props) {
			continue
		}

		switch dep.Kind {
		case component.DepComponent:
			child, _, err := r.Mount(ctx, clientID, dep.Name, map[string]any{}, inst.ComponentID)
			if err != nil {
				if dep.Required {
					return fmt.Errorf("mount dependency %q: %w", dep.Name, err)
				}
				r.logger.Warn("Optional component dependency failed to mount",
					"component_id", inst.ComponentID, "dependency", dep.Name, "error", err)
				continue
			}
			inst.SetDep(dep.Name, child.ComponentID)

		default:
			if dep.Resolve == nil {
				if dep.Required {
					return fmt.Errorf("dependency %q has no resolver", dep.Name)
				}
				continue
			}
			if dep.Resolution == component.ResolveLazy {
				resolve, name := dep.Resolve, dep.Name
				inst.SetLazyDep(name, func() (any, error) { return resolve(context.Background()) })
				continue
			}

			timeout := dep.Timeout
			if timeout <= 0 {
				timeout = r.cfg.DependencyTimeout
			}
			depCtx, cancel := context.WithTimeout(ctx, timeout)
			value, err := dep.Resolve(depCtx)
			cancel()
			if err != nil {
				if dep.Required {
					return fmt.Errorf("dependency %q: %w", dep.Name, err)
				}
				r.logger.Warn("Optional dependency failed to resolve",
					"component_id", inst.ComponentID, "dependency", dep.Name, "error", err)
				continue
			}
			inst.SetDep(dep.Name, value)
		}
	}
	return nil
}

// Unmount destroys an instance and its subtree. Teardown is post-order:
// the instance is detached from its parent first, then children are torn
// down depth-first, then the instance itself.
func (r *Registry) Unmount(ctx context.Context, componentID, reason string) error {
	r.mu.RLock()
	inst, ok := r.instances[componentID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrComponentNotFound, componentID)
	}

	if inst.ParentID != "" {
		if parent, found := r.Get(inst.ParentID); found {
			parent.RemoveChild(componentID)
		}
	}
	r.unmountTree(ctx, inst, reason)
	return nil
}

func (r *Registry) unmountTree(ctx context.Context, inst *component.Instance, reason string) {
	if err := inst.Transition(component.LifecycleUnmounting); err != nil {
		// Already unmounting or destroyed elsewhere.
		return
	}

	for _, childID := range inst.Children() {
		inst.RemoveChild(childID)
		if child, ok := r.Get(childID); ok {
			r.unmountTree(ctx, child, reason)
		}
	}

	if inst.Type.OnUnmount != nil {
		if err := inst.Type.OnUnmount(ctx, inst); err != nil {
			r.logger.Warn("Unmount hook failed",
				"component_id", inst.ComponentID, "error", err)
		}
	}
	if inst.Engine != nil {
		inst.Engine.Close()
	}

	r.mu.Lock()
	delete(r.instances, inst.ComponentID)
	if r.byIdentity[inst.IdentityKey] == inst.ComponentID {
		delete(r.byIdentity, inst.IdentityKey)
	}
	r.mu.Unlock()

	if err := inst.Transition(component.LifecycleDestroyed); err != nil {
		inst.MarkError(err)
	}
	r.logger.Info("Unmounted component",
		"component_id", inst.ComponentID, "reason", reason)
	if r.hooks.OnUnmounted != nil {
		r.hooks.OnUnmounted(inst.ComponentID, reason)
	}
	r.emit("component.unmounted", inst.ComponentID, map[string]any{"reason": reason})
}

// ClientDisconnected removes the client from every subscriber set and
// returns the component ids left with no subscribers, for the cleanup
// service to schedule grace-period teardown.
func (r *Registry) ClientDisconnected(clientID string) []string {
	r.mu.RLock()
	instances := make([]*component.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.RUnlock()

	var orphaned []string
	for _, inst := range instances {
		if !inst.Subscribed(clientID) {
			continue
		}
		if inst.Unsubscribe(clientID) == 0 {
			orphaned = append(orphaned, inst.ComponentID)
		}
	}
	return orphaned
}

func (r *Registry) emit(name, componentID string, payload map[string]any) {
	if r.hooks.Emit != nil {
		r.hooks.Emit(name, componentID, payload)
	}
}

func typePathSegment(typeName string) string {
	return strings.ToLower(typeName)
}

// sortDeps orders dependencies so component-kind deps follow the
// dependency-first rank; all other kinds keep declaration order.
func sortDeps(deps []component.Dependency, rank map[string]int) {
	sort.SliceStable(deps, func(i, j int) bool {
		di, dj := deps[i], deps[j]
		if di.Kind == component.DepComponent && dj.Kind == component.DepComponent {
			return rank[di.Name] < rank[dj.Name]
		}
		return false
	})
}
