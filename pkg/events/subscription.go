package events

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// HandlerFunc consumes an event delivered to a target component.
type HandlerFunc func(ctx context.Context, componentID string, evt *Event) error

// Middleware wraps handler invocation. Registered middleware applies to
// every dispatch, outermost first.
type Middleware func(next HandlerFunc) HandlerFunc

// Subscription is a server-side listener registration.
type Subscription struct {
	// SubID is assigned at Subscribe time.
	SubID string

	// ComponentID limits delivery to events targeting that component.
	// Empty matches any target.
	ComponentID string

	// EventName matches exactly, or as a prefix when it ends in ".*"
	// (component.* matches component.mounted). "*" matches everything.
	EventName string

	// Priority orders handlers for the same event, higher first.
	Priority int

	// Once removes the subscription after its first delivery.
	Once bool

	// Filter, when set, must return true for the handler to run.
	Filter func(*Event) bool

	Handler HandlerFunc

	seq uint64
}

// Matches reports whether the subscription wants an event aimed at the
// given target component.
func (s *Subscription) Matches(targetComponentID string, evt *Event) bool {
	if s.ComponentID != "" && s.ComponentID != targetComponentID {
		return false
	}
	if !nameMatches(s.EventName, evt.Name) {
		return false
	}
	if s.Filter != nil && !s.Filter(evt) {
		return false
	}
	return true
}

func nameMatches(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return pattern == name
}

func newSubID() string {
	return "sub-" + uuid.New().String()
}
