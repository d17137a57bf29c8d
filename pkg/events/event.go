// Package events implements the hierarchical component event engine:
// a bounded priority queue, scope-based target resolution over the
// component tree, listener dispatch with middleware, and dead-letter
// retention for dropped or failed events.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders events in the queue. Higher drains first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Scope selects which components an event reaches, relative to its source.
type Scope string

const (
	ScopeLocal       Scope = "local"
	ScopeParent      Scope = "parent"
	ScopeChildren    Scope = "children"
	ScopeDescendants Scope = "descendants"
	ScopeSubtree     Scope = "subtree"
	ScopeSiblings    Scope = "siblings"
	ScopeAncestors   Scope = "ancestors"
	ScopeGlobal      Scope = "global"
	ScopeCustom      Scope = "custom"
)

// Event is one unit of propagation through the component tree.
type Event struct {
	EventID           string         `json:"event_id"`
	Name              string         `json:"name"`
	SourceComponentID string         `json:"source_component_id"`
	Scope             Scope          `json:"scope"`
	Priority          Priority       `json:"priority"`
	Payload           map[string]any `json:"payload,omitempty"`

	// Targets is the explicit recipient list for the custom scope.
	Targets []string `json:"targets,omitempty"`

	// Resolver names a registered scope resolver, consulted for the
	// custom scope when Targets is empty.
	Resolver string `json:"resolver,omitempty"`

	// MaxDepth bounds the subtree and descendants walks. Zero means
	// unbounded.
	MaxDepth int `json:"max_depth,omitempty"`

	// Bubbles marks the event as one that propagates past its immediate
	// targets; informational for subscribers and clients.
	Bubbles bool `json:"bubbles,omitempty"`

	// Cancelable events honor Cancel: the engine skips the client
	// fan-out once the default action has been prevented.
	Cancelable bool `json:"cancelable,omitempty"`

	// OriginClientID is set for client-emitted events so the emitter can
	// be excluded from its own broadcast echo.
	OriginClientID string `json:"origin_client_id,omitempty"`

	// Timestamp is the emit wall clock in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	seq uint64

	// Dispatch flags, mutated only on the dispatcher goroutine.
	stopped          bool
	defaultPrevented bool
}

// StopPropagation halts dispatch: remaining listeners and targets for
// this event are skipped.
func (e *Event) StopPropagation() { e.stopped = true }

// Stopped reports whether propagation has been halted.
func (e *Event) Stopped() bool { return e.stopped }

// Cancel prevents the event's default action, which for this runtime is
// the client fan-out. Listeners still run. No-op unless Cancelable.
func (e *Event) Cancel() {
	if e.Cancelable {
		e.defaultPrevented = true
	}
}

// DefaultPrevented reports whether a cancelable event was canceled.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// New builds an event with defaults filled in: a fresh id, local scope,
// normal priority, and the current wall clock.
func New(name, sourceComponentID string, payload map[string]any) *Event {
	return &Event{
		EventID:           uuid.New().String(),
		Name:              name,
		SourceComponentID: sourceComponentID,
		Scope:             ScopeLocal,
		Priority:          PriorityNormal,
		Payload:           payload,
		Timestamp:         time.Now().UnixMilli(),
	}
}

// WithScope sets the propagation scope.
func (e *Event) WithScope(scope Scope) *Event {
	e.Scope = scope
	return e
}

// WithPriority sets the queue priority.
func (e *Event) WithPriority(p Priority) *Event {
	e.Priority = p
	return e
}

// WithTargets sets explicit recipients and switches to the custom scope.
func (e *Event) WithTargets(componentIDs ...string) *Event {
	e.Scope = ScopeCustom
	e.Targets = componentIDs
	return e
}

// validScopes guards Emit against unknown scope names from the wire.
var validScopes = map[Scope]bool{
	ScopeLocal: true, ScopeParent: true, ScopeChildren: true,
	ScopeDescendants: true, ScopeSubtree: true, ScopeSiblings: true,
	ScopeAncestors: true, ScopeGlobal: true, ScopeCustom: true,
}

// ValidScope reports whether the scope name is known.
func ValidScope(s Scope) bool {
	return validScopes[s]
}
