package state

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrInvalidOperation marks operations that cannot be applied to the
// current state shape (push on a non-array, merge on a non-object, ...).
// It maps to the invalid_state_change wire error.
var ErrInvalidOperation = errors.New("invalid state operation")

// Apply mutates state in place according to op and returns the previous
// value at op.Path for inversion. state is the instance root object.
//
// On error the state is unchanged: every validation happens before the
// first write.
func Apply(state map[string]any, op *Operation) (prev any, err error) {
	segments := PathSegments(op.Path)

	switch op.Op {
	case OpSet:
		return applySet(state, segments, op.Value)
	case OpMerge:
		return applyMerge(state, segments, op.Value)
	case OpDelete:
		return applyDelete(state, segments)
	case OpInc, OpDec:
		return applyIncDec(state, segments, op)
	case OpPush:
		return applyPush(state, segments, op.Value)
	case OpPop:
		return applyPop(state, segments)
	case OpSplice:
		return applySplice(state, segments, op.Value)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidOperation, op.Op)
	}
}

// container walks to the parent object of the addressed key, creating
// missing intermediate objects when create is set.
func container(state map[string]any, segments []string, create bool) (map[string]any, error) {
	current := state
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg]
		if !ok {
			if !create {
				return nil, nil
			}
			child := map[string]any{}
			current[seg] = child
			current = child
			continue
		}
		obj, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: path segment %q is not an object", ErrInvalidOperation, seg)
		}
		current = obj
	}
	return current, nil
}

func applySet(state map[string]any, segments []string, value any) (any, error) {
	if len(segments) == 0 {
		// Root replacement: the new root must be an object.
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: root set requires an object value", ErrInvalidOperation)
		}
		prev := cloneMap(state)
		for k := range state {
			delete(state, k)
		}
		for k, v := range obj {
			state[k] = v
		}
		return prev, nil
	}

	parent, err := container(state, segments, true)
	if err != nil {
		return nil, err
	}
	key := segments[len(segments)-1]
	prev := parent[key]
	parent[key] = value
	return prev, nil
}

func applyMerge(state map[string]any, segments []string, value any) (any, error) {
	patch, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: merge requires an object value", ErrInvalidOperation)
	}

	target := state
	var prev any
	if len(segments) > 0 {
		parent, err := container(state, segments, true)
		if err != nil {
			return nil, err
		}
		key := segments[len(segments)-1]
		existing, found := parent[key]
		if !found {
			existing = map[string]any{}
			parent[key] = existing
		}
		obj, ok := existing.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: merge target %q is not an object", ErrInvalidOperation, key)
		}
		prev = cloneMap(obj)
		target = obj
	} else {
		prev = cloneMap(state)
	}

	// Shallow merge: top-level keys of the patch replace.
	for k, v := range patch {
		target[k] = v
	}
	return prev, nil
}

func applyDelete(state map[string]any, segments []string) (any, error) {
	if len(segments) == 0 {
		prev := cloneMap(state)
		for k := range state {
			delete(state, k)
		}
		return prev, nil
	}
	parent, err := container(state, segments, false)
	if err != nil || parent == nil {
		return nil, err // absent path: no-op
	}
	key := segments[len(segments)-1]
	prev, found := parent[key]
	if !found {
		return nil, nil
	}
	delete(parent, key)
	return prev, nil
}

func applyIncDec(state map[string]any, segments []string, op *Operation) (any, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %s requires a non-root path", ErrInvalidOperation, op.Op)
	}
	delta := 1.0
	if op.Value != nil {
		n, ok := toNumber(op.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s delta is not numeric", ErrInvalidOperation, op.Op)
		}
		delta = n
	}
	if op.Op == OpDec {
		delta = -delta
	}

	parent, err := container(state, segments, true)
	if err != nil {
		return nil, err
	}
	key := segments[len(segments)-1]
	current := 0.0
	prev, found := parent[key]
	if found {
		n, ok := toNumber(prev)
		if !ok {
			return nil, fmt.Errorf("%w: %s target %q is not numeric", ErrInvalidOperation, op.Op, key)
		}
		current = n
	}
	parent[key] = current + delta
	if !found {
		return nil, nil
	}
	return prev, nil
}

func applyPush(state map[string]any, segments []string, value any) (any, error) {
	arr, parent, key, err := arrayAt(state, segments, OpPush)
	if err != nil {
		return nil, err
	}
	prev := cloneSlice(arr)
	parent[key] = append(arr, value)
	return prev, nil
}

func applyPop(state map[string]any, segments []string) (any, error) {
	arr, parent, key, err := arrayAt(state, segments, OpPop)
	if err != nil {
		return nil, err
	}
	prev := cloneSlice(arr)
	if len(arr) > 0 {
		parent[key] = arr[:len(arr)-1]
	}
	return prev, nil
}

func applySplice(state map[string]any, segments []string, value any) (any, error) {
	spec, ok := value.([]any)
	if !ok || len(spec) < 2 {
		return nil, fmt.Errorf("%w: splice requires [start, deleteCount, ...items]", ErrInvalidOperation)
	}
	startF, okS := toNumber(spec[0])
	delF, okD := toNumber(spec[1])
	if !okS || !okD || startF < 0 || delF < 0 {
		return nil, fmt.Errorf("%w: splice start/deleteCount must be non-negative numbers", ErrInvalidOperation)
	}
	items := spec[2:]

	arr, parent, key, err := arrayAt(state, segments, OpSplice)
	if err != nil {
		return nil, err
	}
	prev := cloneSlice(arr)

	start := int(startF)
	if start > len(arr) {
		start = len(arr)
	}
	deleteCount := int(delF)
	if start+deleteCount > len(arr) {
		deleteCount = len(arr) - start
	}

	out := make([]any, 0, len(arr)-deleteCount+len(items))
	out = append(out, arr[:start]...)
	out = append(out, items...)
	out = append(out, arr[start+deleteCount:]...)
	parent[key] = out
	return prev, nil
}

// arrayAt resolves an existing array at the path. Array ops never create
// their target.
func arrayAt(state map[string]any, segments []string, kind OpKind) ([]any, map[string]any, string, error) {
	if len(segments) == 0 {
		return nil, nil, "", fmt.Errorf("%w: %s requires a non-root path", ErrInvalidOperation, kind)
	}
	parent, err := container(state, segments, false)
	if err != nil {
		return nil, nil, "", err
	}
	key := segments[len(segments)-1]
	if parent == nil {
		return nil, nil, "", fmt.Errorf("%w: %s target %q does not exist", ErrInvalidOperation, kind, key)
	}
	val, found := parent[key]
	if !found {
		return nil, nil, "", fmt.Errorf("%w: %s target %q does not exist", ErrInvalidOperation, kind, key)
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: %s target %q is not an array", ErrInvalidOperation, kind, key)
	}
	return arr, parent, key, nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Clone deep-copies a state object. Snapshots returned to callers must not
// alias engine-owned maps.
func Clone(state map[string]any) map[string]any {
	return cloneMap(state)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		return cloneSlice(val)
	default:
		return val
	}
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Equal reports whether two state trees are structurally identical.
func Equal(a, b map[string]any) bool {
	return deepEqual(a, b)
}

// DeepMerge merges src into a copy of dst: nested objects merge
// recursively, arrays and scalars from src replace. Used by the merge
// conflict strategy.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := cloneMap(dst)
	if out == nil {
		out = map[string]any{}
	}
	for k, sv := range src {
		if so, ok := sv.(map[string]any); ok {
			if do, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(do, so)
				continue
			}
		}
		out[k] = cloneValue(sv)
	}
	return out
}
