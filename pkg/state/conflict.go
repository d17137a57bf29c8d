package state

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how dangerous a conflict is. Critical conflicts are
// never auto-resolved.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictStatus is the lifecycle state of a recorded conflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictFailed   ConflictStatus = "failed"
	ConflictIgnored  ConflictStatus = "ignored"
)

// Conflict records a local and a remote mutation hitting the same component
// within the tolerance window.
type Conflict struct {
	ConflictID       string         `json:"conflict_id"`
	ComponentID      string         `json:"component_id"`
	LocalOp          *Operation     `json:"local_op"`
	RemoteOp         *Operation     `json:"remote_op"`
	ConflictingPaths []string       `json:"conflicting_paths"`
	Severity         Severity       `json:"severity"`
	Status           ConflictStatus `json:"status"`
	StrategyUsed     string         `json:"strategy_used,omitempty"`
	DetectedAt       time.Time      `json:"detected_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
}

// criticalPaths always escalate a conflict to critical severity.
var criticalPaths = map[string]bool{"id": true, "version": true, "type": true}

// elevatedPaths raise severity to at least medium.
var elevatedPaths = map[string]bool{"status": true, "state": true, "data": true}

// NewConflict builds a pending conflict between two operations. The
// conflicting paths are the distinct paths of both sides that overlap.
func NewConflict(componentID string, local, remote *Operation) *Conflict {
	paths := conflictingPaths(local, remote)
	return &Conflict{
		ConflictID:       uuid.New().String(),
		ComponentID:      componentID,
		LocalOp:          local,
		RemoteOp:         remote,
		ConflictingPaths: paths,
		Severity:         classify(paths),
		Status:           ConflictPending,
		DetectedAt:       time.Now(),
	}
}

// conflictingPaths expands both operations into the paths they write and
// returns the distinct ones on either side that overlap the other. Wide
// object writes fan out per key, so two broad sets surface every
// overlapping field rather than a single root path.
func conflictingPaths(local, remote *Operation) []string {
	lp := touchedPaths(local)
	rp := touchedPaths(remote)

	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, a := range lp {
		for _, b := range rp {
			if PathsOverlap(a, b) {
				add(a)
				add(b)
			}
		}
	}
	if out == nil {
		// Keep the record non-empty even when the expansion found no
		// overlap.
		add(local.Path)
		add(remote.Path)
	}
	return out
}

// touchedPaths lists the paths an operation writes. Most ops touch exactly
// their path; a set or merge carrying an object also touches each of the
// object's top-level keys under that path.
func touchedPaths(op *Operation) []string {
	obj, ok := op.Value.(map[string]any)
	if !ok || len(obj) == 0 || (op.Op != OpSet && op.Op != OpMerge) {
		return []string{op.Path}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if op.Path == "" {
			out = append(out, k)
		} else {
			out = append(out, op.Path+"."+k)
		}
	}
	return out
}

// classify applies the severity rules: critical for identity-bearing keys,
// high for wide conflicts, medium for elevated keys, low otherwise.
func classify(paths []string) Severity {
	for _, p := range paths {
		segs := PathSegments(p)
		if len(segs) > 0 && criticalPaths[segs[0]] {
			return SeverityCritical
		}
	}
	if len(paths) > 5 {
		return SeverityHigh
	}
	for _, p := range paths {
		segs := PathSegments(p)
		if len(segs) > 0 && elevatedPaths[segs[0]] {
			return SeverityMedium
		}
	}
	return SeverityLow
}

// resolve marks the conflict resolved with the strategy that decided it.
func (c *Conflict) resolve(strategy string) {
	now := time.Now()
	c.Status = ConflictResolved
	c.StrategyUsed = strategy
	c.ResolvedAt = &now
}

func (c *Conflict) fail(strategy string) {
	c.Status = ConflictFailed
	c.StrategyUsed = strategy
}

// ConflictLedger retains conflicts bounded by size, oldest evicted first.
type ConflictLedger struct {
	mu      sync.Mutex
	entries []*Conflict
	max     int
}

// NewConflictLedger creates a ledger holding at most max entries.
func NewConflictLedger(max int) *ConflictLedger {
	return &ConflictLedger{max: max}
}

// Record appends a conflict, evicting the oldest entry when full.
func (l *ConflictLedger) Record(c *Conflict) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, c)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Pending returns the conflicts still awaiting resolution.
func (l *ConflictLedger) Pending() []*Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Conflict
	for _, c := range l.entries {
		if c.Status == ConflictPending {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every retained conflict.
func (l *ConflictLedger) All() []*Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conflict, len(l.entries))
	copy(out, l.entries)
	return out
}

// CountBySeverity aggregates retained conflicts for metrics.
func (l *ConflictLedger) CountBySeverity() map[Severity]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[Severity]int{}
	for _, c := range l.entries {
		out[c.Severity]++
	}
	return out
}
