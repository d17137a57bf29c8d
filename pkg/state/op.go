// Package state implements the authoritative per-instance state store:
// path-addressed operations, the commit protocol with server-assigned
// versions, optimistic-update reconciliation, and conflict resolution.
package state

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpKind enumerates the atomic mutation kinds.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpMerge  OpKind = "merge"
	OpDelete OpKind = "delete"
	OpInc    OpKind = "inc"
	OpDec    OpKind = "dec"
	OpPush   OpKind = "push"
	OpPop    OpKind = "pop"
	OpSplice OpKind = "splice"
)

// Operation is an atomic mutation descriptor. Version is assigned by the
// server at commit; PrevValue is filled on apply so the operation can be
// inverted.
type Operation struct {
	OpID           string `json:"op_id"`
	ComponentID    string `json:"component_id"`
	Op             OpKind `json:"op"`
	Path           string `json:"path"` // dotted; empty = root
	Value          any    `json:"value,omitempty"`
	PrevValue      any    `json:"prev_value,omitempty"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
	OriginClientID string `json:"origin_client_id,omitempty"`
	Version        uint64 `json:"version,omitempty"`
	Optimistic     bool   `json:"optimistic,omitempty"`
}

// NewOperation builds a server-origin operation with a fresh id and the
// current timestamp.
func NewOperation(componentID string, kind OpKind, path string, value any) *Operation {
	return &Operation{
		OpID:        uuid.New().String(),
		ComponentID: componentID,
		Op:          kind,
		Path:        path,
		Value:       value,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// FromWire builds an Operation from a decoded frame payload. Missing op_id
// and timestamp are filled in so every committed op is traceable.
func FromWire(componentID string, payload map[string]any) *Operation {
	op := &Operation{ComponentID: componentID}
	if v, ok := payload["op_id"].(string); ok {
		op.OpID = v
	}
	if op.OpID == "" {
		op.OpID = uuid.New().String()
	}
	if v, ok := payload["op"].(string); ok {
		op.Op = OpKind(v)
	}
	if v, ok := payload["path"].(string); ok {
		op.Path = v
	}
	op.Value = payload["value"]
	if v, ok := payload["timestamp"].(float64); ok {
		op.Timestamp = int64(v)
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	if v, ok := payload["optimistic"].(bool); ok {
		op.Optimistic = v
	}
	return op
}

// PathSegments splits a dotted path. The empty path (root) yields nil.
func PathSegments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// PathsOverlap reports whether two dotted paths address overlapping state:
// equal paths, or one a segment-prefix of the other. The root path overlaps
// everything.
func PathsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	as := PathSegments(a)
	bs := PathSegments(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// SameIntent reports whether two operations describe the same mutation.
// Used to match optimistic confirmations when the op id was lost: both the
// path, the kind, and the value must match.
func SameIntent(a, b *Operation) bool {
	return a.Path == b.Path && a.Op == b.Op && deepEqual(a.Value, b.Value)
}
