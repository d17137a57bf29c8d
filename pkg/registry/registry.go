// Package registry manages the component type catalog and the live instance
// tree: mounting, deterministic remounts, action dispatch, dependency
// resolution, and post-order unmount cascades.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/component"
	"github.com/codeready-toolchain/livewire/pkg/config"
	"github.com/codeready-toolchain/livewire/pkg/state"
)

var (
	ErrUnknownType       = errors.New("unknown component type")
	ErrComponentNotFound = errors.New("component not found")
	ErrUnknownAction     = errors.New("unknown action")
	ErrActionTimeout     = errors.New("action timed out")
	ErrCyclicDependency  = errors.New("cyclic component dependency")
	ErrDuplicateType     = errors.New("component type already registered")
)

// Hooks are the registry's outbound edges. All are optional.
type Hooks struct {
	// Broadcast is threaded into every instance engine and fires on
	// committed state changes.
	Broadcast state.Broadcast

	// OnCommit mirrors committed operations to the durable sink.
	OnCommit func(*state.Operation)

	// OnConflictResolved and OnConflictUnresolved forward engine conflict
	// outcomes.
	OnConflictResolved   func(*state.Conflict)
	OnConflictUnresolved func(*state.Conflict)

	// OnMounted fires after a mount (or a rebind of an existing mount)
	// completes.
	OnMounted func(inst *component.Instance, rebound bool)

	// OnUnmounted fires after an instance is destroyed.
	OnUnmounted func(componentID, reason string)

	// Emit publishes an internal runtime event (component.mounted,
	// component.unmounted, dependency.updated).
	Emit func(name, componentID string, payload map[string]any)
}

// Registry is the authoritative component table. Reads take the shared
// lock; structural mutation (mount, unmount) takes the exclusive lock.
// Slow work (hooks, handlers, dependency resolution) runs outside it.
type Registry struct {
	cfg     *config.RegistryConfig
	syncCfg *config.SyncConfig
	ledger  *state.ConflictLedger
	hooks   Hooks
	logger  *slog.Logger

	mu         sync.RWMutex
	types      map[string]*component.Type
	instances  map[string]*component.Instance
	byIdentity map[string]string // identity key → component id
	dependents map[string][]string // type name → types depending on it
}

// New creates an empty registry. The conflict ledger is shared across all
// instance engines.
func New(cfg *config.RegistryConfig, syncCfg *config.SyncConfig, ledger *state.ConflictLedger, hooks Hooks, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:        cfg,
		syncCfg:    syncCfg,
		ledger:     ledger,
		hooks:      hooks,
		logger:     logger.With("component", "registry"),
		types:      make(map[string]*component.Type),
		instances:  make(map[string]*component.Instance),
		byIdentity: make(map[string]string),
		dependents: make(map[string][]string),
	}
}

// RegisterType adds a component type to the catalog. Duplicate names and
// component-kind dependency cycles are rejected.
func (r *Registry) RegisterType(t *component.Type) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("component type requires a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateType, t.Name)
	}
	r.types[t.Name] = t

	if cycle := r.findTypeCycleLocked(t.Name); cycle != nil {
		// Roll back so the catalog stays acyclic.
		delete(r.types, t.Name)
		return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
	}

	r.rebuildDependentsLocked()
	r.logger.Info("Registered component type",
		"type", t.Name, "actions", len(t.Actions), "dependencies", len(t.Dependencies))
	return nil
}

// Type returns a registered type by name.
func (r *Registry) Type(name string) (*component.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Get returns a live instance by component id.
func (r *Registry) Get(componentID string) (*component.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[componentID]
	return inst, ok
}

// Parent returns the parent component id. ok is false for roots and
// unknown ids.
func (r *Registry) Parent(componentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[componentID]
	if !ok || inst.ParentID == "" {
		return "", false
	}
	return inst.ParentID, true
}

// ChildrenOf returns the direct children of a component.
func (r *Registry) ChildrenOf(componentID string) []string {
	r.mu.RLock()
	inst, ok := r.instances[componentID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	children := inst.Children()
	sort.Strings(children)
	return children
}

// AllMounted returns every live component id, sorted for deterministic
// iteration.
func (r *Registry) AllMounted() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// SubscribersOf returns the clients subscribed to a component's broadcasts.
func (r *Registry) SubscribersOf(componentID string) []string {
	inst, ok := r.Get(componentID)
	if !ok {
		return nil
	}
	return inst.Subscribers()
}

// SubscriberCount returns the number of subscribed clients.
func (r *Registry) SubscriberCount(componentID string) int {
	return len(r.SubscribersOf(componentID))
}

// LastActivity returns the component's most recent activity time. ok is
// false for unknown ids.
func (r *Registry) LastActivity(componentID string) (time.Time, bool) {
	inst, ok := r.Get(componentID)
	if !ok {
		return time.Time{}, false
	}
	return inst.LastActivity(), true
}

// --- dependency graph ---

// findTypeCycleLocked walks the component-kind dependency edges from the
// given type and returns the cycle path if one is reachable.
func (r *Registry) findTypeCycleLocked(start string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		t, ok := r.types[name]
		if ok {
			for _, dep := range t.ComponentDeps() {
				switch color[dep] {
				case grey:
					// Found the back edge; slice the cycle out of the stack.
					for i, n := range stack {
						if n == dep {
							cycle = append(append([]string{}, stack[i:]...), dep)
							return true
						}
					}
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	if visit(start) {
		return cycle
	}
	return nil
}

// topoOrderLocked returns the component-kind dependencies of a type in
// dependency-first order, suitable as a mount order for auto-resolved
// children. The catalog is acyclic by construction.
func (r *Registry) topoOrderLocked(name string) []string {
	seen := make(map[string]bool)
	var order []string

	var visit func(n string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		if t, ok := r.types[n]; ok {
			for _, dep := range t.ComponentDeps() {
				visit(dep)
			}
		}
		if n != name {
			order = append(order, n)
		}
	}
	visit(name)
	return order
}

// TopoOrder returns the transitive component dependencies of a type in
// mount order.
func (r *Registry) TopoOrder(typeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topoOrderLocked(typeName)
}

// rebuildDependentsLocked inverts the type dependency edges so state
// changes can cascade to dependents.
func (r *Registry) rebuildDependentsLocked() {
	r.dependents = make(map[string][]string)
	for name, t := range r.types {
		for _, dep := range t.ComponentDeps() {
			r.dependents[dep] = append(r.dependents[dep], name)
		}
	}
	for _, list := range r.dependents {
		sort.Strings(list)
	}
}

// dependentTypes returns the types that declare a component dependency on
// the given type.
func (r *Registry) dependentTypes(typeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.dependents[typeName]...)
}
