package metrics

import (
	"sync"
	"time"
)

// Issue is one recorded runtime anomaly (dropped frame, failed listener,
// unresolved conflict). Served by the debug endpoint.
type Issue struct {
	Kind        string    `json:"kind"`
	ComponentID string    `json:"component_id,omitempty"`
	Detail      string    `json:"detail"`
	At          time.Time `json:"at"`
}

// IssueLedger is a bounded ring of recent issues.
type IssueLedger struct {
	mu     sync.Mutex
	max    int
	issues []Issue
}

// NewIssueLedger creates a ledger retaining up to max entries.
func NewIssueLedger(max int) *IssueLedger {
	return &IssueLedger{max: max}
}

// Record appends an issue, evicting the oldest past the bound.
func (l *IssueLedger) Record(kind, componentID, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issues = append(l.issues, Issue{Kind: kind, ComponentID: componentID, Detail: detail, At: time.Now()})
	if len(l.issues) > l.max {
		l.issues = l.issues[len(l.issues)-l.max:]
	}
}

// Recent returns a copy of the retained issues, oldest first.
func (l *IssueLedger) Recent() []Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Issue, len(l.issues))
	copy(out, l.issues)
	return out
}
