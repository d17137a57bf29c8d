// Package identity generates deterministic component, instance, and event
// identifiers. Component ids are reproducible from (type, props, parent) so
// a reconnecting client can re-assert the same mount; instance ids carry a
// runtime suffix and are never reused.
package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxDepth bounds every hierarchy walk. A chain of parents longer than this
// indicates a cycle (or a tree nobody intended).
const MaxDepth = 100

// ErrCyclicHierarchy is returned when a parent walk exceeds MaxDepth hops.
var ErrCyclicHierarchy = errors.New("cyclic hierarchy: parent walk exceeded max depth")

// ErrInvalidComponentID is returned when an id does not match the grammar.
var ErrInvalidComponentID = errors.New("invalid component id")

// componentIDPattern is the reversible component id grammar:
// optional dotted parent path, type segment, hash36, ts36, optional
// disambiguator segments.
var componentIDPattern = regexp.MustCompile(`^([a-z0-9.-]+\.)?[A-Za-z][A-Za-z0-9]*-[a-z0-9]+-[a-z0-9]+(-[a-z0-9]+)*$`)

// Key returns the deterministic identity hash for a mount: FNV-1a 64 over
// the canonical JSON of (type, props, parent_id?), rendered in base 36.
// Two mounts with identical inputs always share a key.
func Key(componentType string, props map[string]any, parentID string) (string, error) {
	input := map[string]any{
		"type":  componentType,
		"props": props,
	}
	if parentID != "" {
		input["parent_id"] = parentID
	}
	canonical, err := CanonicalJSON(input)
	if err != nil {
		return "", fmt.Errorf("identity key: %w", err)
	}
	return hash36(canonical), nil
}

// ComponentID builds a component id for a mount happening at the given
// wall-clock instant: [parent_id.]<type_lower>-<key>-<ts36>.
func ComponentID(componentType string, key string, parentID string, at time.Time) string {
	base := strings.ToLower(componentType) + "-" + key + "-" + strconv.FormatInt(at.UnixMilli(), 36)
	if parentID == "" {
		return base
	}
	return parentID + "." + base
}

// Disambiguate appends an extra suffix segment to an id. Used when two live
// mounts would otherwise collide.
func Disambiguate(componentID string, n int) string {
	return componentID + "-" + strconv.FormatInt(int64(n), 36)
}

// InstanceID derives a globally unique runtime id for one mount of a
// component. The uuid suffix guarantees it is never reused, even when the
// same component id is mounted again after teardown.
func InstanceID(componentID string) string {
	return componentID + "#" + uuid.New().String()
}

// Fingerprint hashes (type, props, initial_state) for hydration validation.
// It is independent of the component id so clients can detect a server-side
// state factory change even when the id matches.
func Fingerprint(componentType string, props, initialState map[string]any) (string, error) {
	canonical, err := CanonicalJSON(map[string]any{
		"type":          componentType,
		"props":         props,
		"initial_state": initialState,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hash36(canonical), nil
}

// ParsedID is the decomposed form of a component id. String reassembles it
// exactly, making parsing reversible.
type ParsedID struct {
	ParentPath    string   // dotted parent id, empty at root
	Type          string   // type segment as it appears in the id
	Hash          string   // identity key (base 36)
	Timestamp     string   // mount wall clock (base 36 milliseconds)
	Disambiguator []string // optional trailing segments
}

// String reassembles the id from its parts.
func (p ParsedID) String() string {
	var sb strings.Builder
	if p.ParentPath != "" {
		sb.WriteString(p.ParentPath)
		sb.WriteByte('.')
	}
	sb.WriteString(p.Type)
	sb.WriteByte('-')
	sb.WriteString(p.Hash)
	sb.WriteByte('-')
	sb.WriteString(p.Timestamp)
	for _, d := range p.Disambiguator {
		sb.WriteByte('-')
		sb.WriteString(d)
	}
	return sb.String()
}

// MountedAt decodes the timestamp segment back to wall-clock time.
func (p ParsedID) MountedAt() (time.Time, error) {
	ms, err := strconv.ParseInt(p.Timestamp, 36, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse id timestamp %q: %w", p.Timestamp, err)
	}
	return time.UnixMilli(ms), nil
}

// Validate reports whether an id matches the component id grammar.
func Validate(componentID string) error {
	if !componentIDPattern.MatchString(componentID) {
		return fmt.Errorf("%w: %q", ErrInvalidComponentID, componentID)
	}
	return nil
}

// ParseComponentID splits an id into its structural parts. The last dotted
// segment is the local id; everything before the final dot is the parent
// path.
func ParseComponentID(componentID string) (ParsedID, error) {
	if err := Validate(componentID); err != nil {
		return ParsedID{}, err
	}

	parentPath := ""
	local := componentID
	if idx := strings.LastIndex(componentID, "."); idx >= 0 {
		parentPath = componentID[:idx]
		local = componentID[idx+1:]
	}

	segments := strings.Split(local, "-")
	if len(segments) < 3 {
		return ParsedID{}, fmt.Errorf("%w: %q", ErrInvalidComponentID, componentID)
	}

	return ParsedID{
		ParentPath:    parentPath,
		Type:          segments[0],
		Hash:          segments[1],
		Timestamp:     segments[2],
		Disambiguator: segments[3:],
	}, nil
}

// ParentResolver looks up the parent of a component. ok is false at roots
// and for unknown ids.
type ParentResolver func(componentID string) (parentID string, ok bool)

// Depth computes the depth of a component by walking parents. The walk is
// bounded at MaxDepth hops; exceeding it returns ErrCyclicHierarchy.
func Depth(resolve ParentResolver, componentID string) (int, error) {
	depth := 0
	current := componentID
	for {
		parent, ok := resolve(current)
		if !ok || parent == "" {
			return depth, nil
		}
		depth++
		if depth > MaxDepth {
			return 0, ErrCyclicHierarchy
		}
		current = parent
	}
}

// Path builds the dot-joined lowercased type path for a component given its
// ancestor chain, innermost last.
func Path(types []string) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = strings.ToLower(t)
	}
	return strings.Join(parts, ".")
}

func hash36(data []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return strconv.FormatUint(h.Sum64(), 36)
}
