package component

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/livewire/pkg/state"
)

// Lifecycle is the phase an instance is in. Transitions are linear except
// for the error state, which is reachable from any phase.
type Lifecycle string

const (
	LifecycleCreating     Lifecycle = "creating"
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleReady        Lifecycle = "ready"
	LifecycleUpdating     Lifecycle = "updating"
	LifecycleUnmounting   Lifecycle = "unmounting"
	LifecycleDestroyed    Lifecycle = "destroyed"
	LifecycleError        Lifecycle = "error"
)

// ErrLifecycleTransition is returned for a phase change the lifecycle
// machine does not allow.
var ErrLifecycleTransition = errors.New("invalid lifecycle transition")

var lifecycleNext = map[Lifecycle][]Lifecycle{
	LifecycleCreating:     {LifecycleInitializing, LifecycleError},
	LifecycleInitializing: {LifecycleReady, LifecycleError},
	LifecycleReady:        {LifecycleUpdating, LifecycleUnmounting, LifecycleError},
	LifecycleUpdating:     {LifecycleReady, LifecycleUnmounting, LifecycleError},
	LifecycleUnmounting:   {LifecycleDestroyed, LifecycleError},
	LifecycleError:        {LifecycleUnmounting, LifecycleDestroyed},
	LifecycleDestroyed:    nil,
}

// Instance is one mounted component. The registry owns creation and
// teardown; state mutation goes through the embedded engine, which
// serializes commits on its own.
type Instance struct {
	// InstanceID is unique per mount, even across remounts of the same
	// identity.
	InstanceID string

	// ComponentID is the hierarchical deterministic identifier. Remounts
	// of the same (type, props, parent) reuse it.
	ComponentID string

	// IdentityKey is the stable identity hash backing ComponentID reuse.
	IdentityKey string

	Type *Type

	// ParentID is empty for roots.
	ParentID string

	// Depth is 0 for roots.
	Depth int

	// Path is the dot-joined type path from the root.
	Path string

	Props map[string]any

	// Engine holds the authoritative state and version counter.
	Engine *state.Engine

	Fingerprint string
	CreatedAt   time.Time

	// actionMu serializes action execution: snapshot, handler, and commit
	// form one critical section per instance.
	actionMu sync.Mutex

	mu           sync.Mutex
	lifecycle    Lifecycle
	lifecycleErr error
	childIDs     map[string]struct{}
	subscribers  map[string]struct{}
	deps         map[string]any
	lazyDeps     map[string]func() (any, error)
	lastActivity atomic.Int64
}

// NewInstance builds an instance in the creating phase. The registry fills
// in the engine and runs the lifecycle from here.
func NewInstance(instanceID, componentID, identityKey string, typ *Type, parentID string, depth int, path string, props map[string]any) *Instance {
	inst := &Instance{
		InstanceID:  instanceID,
		ComponentID: componentID,
		IdentityKey: identityKey,
		Type:        typ,
		ParentID:    parentID,
		Depth:       depth,
		Path:        path,
		Props:       props,
		CreatedAt:   time.Now(),
		lifecycle:   LifecycleCreating,
		childIDs:    make(map[string]struct{}),
		subscribers: make(map[string]struct{}),
		deps:        make(map[string]any),
		lazyDeps:    make(map[string]func() (any, error)),
	}
	inst.Touch()
	return inst
}

// LockActions takes the per-instance action lock. Callers pair it with
// UnlockActions around the whole read-execute-commit cycle.
func (i *Instance) LockActions() { i.actionMu.Lock() }

// UnlockActions releases the per-instance action lock.
func (i *Instance) UnlockActions() { i.actionMu.Unlock() }

// Transition moves the lifecycle to the next phase, rejecting moves the
// machine does not allow.
func (i *Instance) Transition(to Lifecycle) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, allowed := range lifecycleNext[i.lifecycle] {
		if allowed == to {
			i.lifecycle = to
			return nil
		}
	}
	return ErrLifecycleTransition
}

// MarkError records err and forces the error phase.
func (i *Instance) MarkError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lifecycle = LifecycleError
	i.lifecycleErr = err
}

// Lifecycle returns the current phase.
func (i *Instance) Lifecycle() Lifecycle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lifecycle
}

// LifecycleErr returns the error recorded by MarkError, if any.
func (i *Instance) LifecycleErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lifecycleErr
}

// Alive reports whether the instance can still serve actions and state
// changes.
func (i *Instance) Alive() bool {
	switch i.Lifecycle() {
	case LifecycleReady, LifecycleUpdating:
		return true
	}
	return false
}

// AddChild links a child component id.
func (i *Instance) AddChild(componentID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.childIDs[componentID] = struct{}{}
}

// RemoveChild unlinks a child component id.
func (i *Instance) RemoveChild(componentID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.childIDs, componentID)
}

// Children returns a copy of the child component ids.
func (i *Instance) Children() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.childIDs))
	for id := range i.childIDs {
		out = append(out, id)
	}
	return out
}

// Subscribe adds a client to the broadcast set.
func (i *Instance) Subscribe(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers[clientID] = struct{}{}
}

// Unsubscribe removes a client from the broadcast set and reports whether
// any subscribers remain.
func (i *Instance) Unsubscribe(clientID string) (remaining int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.subscribers, clientID)
	return len(i.subscribers)
}

// Subscribers returns a copy of the subscribed client ids.
func (i *Instance) Subscribers() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.subscribers))
	for id := range i.subscribers {
		out = append(out, id)
	}
	return out
}

// Subscribed reports whether the client receives broadcasts for this
// instance.
func (i *Instance) Subscribed(clientID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.subscribers[clientID]
	return ok
}

// SetDep stores a resolved dependency value.
func (i *Instance) SetDep(name string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deps[name] = value
}

// SetLazyDep stores a deferred resolver, invoked on first Dep access.
func (i *Instance) SetLazyDep(name string, resolve func() (any, error)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lazyDeps[name] = resolve
}

// Dep returns a resolved dependency, resolving lazy ones on first use.
func (i *Instance) Dep(name string) (any, error) {
	i.mu.Lock()
	if v, ok := i.deps[name]; ok {
		i.mu.Unlock()
		return v, nil
	}
	resolve, ok := i.lazyDeps[name]
	i.mu.Unlock()
	if !ok {
		return nil, nil
	}

	v, err := resolve()
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	i.deps[name] = v
	delete(i.lazyDeps, name)
	i.mu.Unlock()
	return v, nil
}

// Touch records activity for idle accounting.
func (i *Instance) Touch() {
	i.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent Touch.
func (i *Instance) LastActivity() time.Time {
	return time.Unix(0, i.lastActivity.Load())
}
