// Package component defines the registered component type model: state
// factories, action tables, lifecycle hooks, and dependency declarations.
// Component implementations are user code; the runtime only drives them.
package component

import (
	"context"
	"time"
)

// ActionFunc is a named mutation handler. It receives a snapshot of the
// instance state and returns the new state (nil to leave state untouched)
// plus an optional result delivered to the caller when a request id was
// provided.
type ActionFunc func(ctx context.Context, state map[string]any, payload map[string]any) (newState map[string]any, result any, err error)

// HookFunc runs at a lifecycle boundary (mount/unmount).
type HookFunc func(ctx context.Context, inst *Instance) error

// DependencyKind classifies what a component depends on.
type DependencyKind string

const (
	DepComponent DependencyKind = "component"
	DepService   DependencyKind = "service"
	DepState     DependencyKind = "state"
	DepEvent     DependencyKind = "event"
)

// ResolutionMode controls when a dependency is resolved.
type ResolutionMode string

const (
	ResolveImmediate   ResolutionMode = "immediate"
	ResolveLazy        ResolutionMode = "lazy"
	ResolveConditional ResolutionMode = "conditional"
	ResolveAsync       ResolutionMode = "async"
)

// Dependency declares something a component needs before its on_mount hook
// runs. For kind "component" the Name references another registered type;
// the registry auto-mounts those as children in topological order.
type Dependency struct {
	Name       string
	Kind       DependencyKind
	Required   bool
	Resolution ResolutionMode

	// Timeout bounds async resolution. Zero falls back to the registry
	// default.
	Timeout time.Duration

	// Resolve produces the dependency value for service/state/event kinds.
	Resolve func(ctx context.Context) (any, error)

	// Condition gates conditional resolution on the mount props.
	Condition func(props map[string]any) bool
}

// Type is a registered component template. Instances are created from it
// at mount time.
type Type struct {
	// Name uniquely identifies the type in the registry.
	Name string

	// InitialState builds the instance state from the mount props.
	InitialState func(props map[string]any) (map[string]any, error)

	// Actions maps action names to handlers.
	Actions map[string]ActionFunc

	// OnMount runs after dependency resolution, before the instance is
	// announced to the client.
	OnMount HookFunc

	// OnUnmount runs at teardown, before children are cascaded.
	OnUnmount HookFunc

	// Dependencies are resolved before OnMount.
	Dependencies []Dependency

	// ConflictStrategy overrides the global default for instances of
	// this type. Empty uses the configured default.
	ConflictStrategy string
}

// Action looks up a handler by name.
func (t *Type) Action(name string) (ActionFunc, bool) {
	fn, ok := t.Actions[name]
	return fn, ok
}

// ComponentDeps returns the names of component-kind dependencies, in
// declaration order.
func (t *Type) ComponentDeps() []string {
	var out []string
	for _, d := range t.Dependencies {
		if d.Kind == DepComponent {
			out = append(out, d.Name)
		}
	}
	return out
}
