package state

import (
	"fmt"
)

// Resolution is the outcome of applying a strategy to a conflict.
type Resolution struct {
	// Winner is the operation to commit, nil when MergedState is set.
	Winner *Operation
	// MergedState, when non-nil, replaces the conflicting subtrees via a
	// synthetic root merge instead of picking one side.
	MergedState map[string]any
	// Park indicates the conflict needs manual (or delayed) resolution
	// and nothing is committed now.
	Park bool
}

// CustomResolver resolves a conflict for the "custom" strategy. It may
// return a winner, a merged state, or an error to fail the conflict.
type CustomResolver func(c *Conflict, localState map[string]any) (*Resolution, error)

// MergePriorityPolicy lists top-level keys that prefer one side during
// merge_priority resolution. Keys absent from both lists fall back to the
// remote (global) side.
type MergePriorityPolicy struct {
	PreferLocal  []string
	PreferGlobal []string
}

// resolver applies a named strategy to a conflict.
//
// Terminology: the "local" op is the one already committed
// on this server; the "remote" op arrived from a client afterwards.
type resolver struct {
	strategy string
	policy   *MergePriorityPolicy
	custom   CustomResolver
}

func (r *resolver) apply(c *Conflict, localState map[string]any) (*Resolution, error) {
	switch r.strategy {
	case "local_wins":
		return &Resolution{Winner: c.LocalOp}, nil

	case "global_wins":
		return &Resolution{Winner: c.RemoteOp}, nil

	case "last_write_wins":
		if c.RemoteOp.Timestamp >= c.LocalOp.Timestamp {
			return &Resolution{Winner: c.RemoteOp}, nil
		}
		return &Resolution{Winner: c.LocalOp}, nil

	case "merge":
		merged, err := mergeSides(c, localState)
		if err != nil {
			return nil, err
		}
		return &Resolution{MergedState: merged}, nil

	case "merge_priority":
		merged, err := mergeSides(c, localState)
		if err != nil {
			return nil, err
		}
		if r.policy != nil {
			applyMergePolicy(merged, c, localState, r.policy)
		}
		return &Resolution{MergedState: merged}, nil

	case "manual":
		return &Resolution{Park: true}, nil

	case "custom":
		if r.custom == nil {
			return nil, fmt.Errorf("custom conflict strategy selected but no resolver registered")
		}
		return r.custom(c, localState)

	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", r.strategy)
	}
}

// mergeSides deep-merges the remote op's object value over the local state
// at the conflict path. Arrays are replaced, not concatenated. Non-object
// values fall back to last-write-wins on the remote side.
func mergeSides(c *Conflict, localState map[string]any) (map[string]any, error) {
	remoteObj, ok := c.RemoteOp.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge strategy requires object values (path %q)", c.RemoteOp.Path)
	}

	base := localState
	if c.RemoteOp.Path != "" {
		sub, _ := valueAt(localState, c.RemoteOp.Path)
		if obj, ok := sub.(map[string]any); ok {
			base = obj
		} else {
			base = map[string]any{}
		}
	}
	return DeepMerge(base, remoteObj), nil
}

// applyMergePolicy pins keys listed in the policy to the preferred side
// after the structural merge.
func applyMergePolicy(merged map[string]any, c *Conflict, localState map[string]any, policy *MergePriorityPolicy) {
	localBase := localState
	if c.RemoteOp.Path != "" {
		if sub, ok := valueAt(localState, c.RemoteOp.Path); ok {
			if obj, isObj := sub.(map[string]any); isObj {
				localBase = obj
			}
		}
	}
	for _, key := range policy.PreferLocal {
		if v, ok := localBase[key]; ok {
			merged[key] = cloneValue(v)
		}
	}
	remoteObj, _ := c.RemoteOp.Value.(map[string]any)
	for _, key := range policy.PreferGlobal {
		if v, ok := remoteObj[key]; ok {
			merged[key] = cloneValue(v)
		}
	}
}

// valueAt reads the value at a dotted path without mutating state.
func valueAt(state map[string]any, path string) (any, bool) {
	segments := PathSegments(path)
	var current any = state
	for _, seg := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
