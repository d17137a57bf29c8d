package events

// Hierarchy exposes the component tree to the event engine. Implemented by
// the registry.
type Hierarchy interface {
	Parent(componentID string) (parentID string, ok bool)
	ChildrenOf(componentID string) []string
	AllMounted() []string
}

// ScopeResolver computes the target set for a custom-scope event.
// Registered by name via Engine.RegisterScopeResolver.
type ScopeResolver func(h Hierarchy, evt *Event) []string

// resolveTargets expands an event's scope into the concrete component ids
// it should reach, in a stable order.
func resolveTargets(h Hierarchy, resolvers map[string]ScopeResolver, evt *Event) []string {
	src := evt.SourceComponentID

	switch evt.Scope {
	case ScopeLocal:
		return []string{src}

	case ScopeParent:
		if parent, ok := h.Parent(src); ok {
			return []string{parent}
		}
		return nil

	case ScopeChildren:
		return h.ChildrenOf(src)

	case ScopeDescendants:
		return descendants(h, src, evt.MaxDepth)

	case ScopeSubtree:
		return append([]string{src}, descendants(h, src, evt.MaxDepth)...)

	case ScopeSiblings:
		parent, ok := h.Parent(src)
		if !ok {
			return nil
		}
		var out []string
		for _, id := range h.ChildrenOf(parent) {
			if id != src {
				out = append(out, id)
			}
		}
		return out

	case ScopeAncestors:
		var out []string
		current := src
		seen := map[string]bool{src: true}
		for {
			parent, ok := h.Parent(current)
			if !ok || seen[parent] {
				return out
			}
			seen[parent] = true
			out = append(out, parent)
			current = parent
		}

	case ScopeGlobal:
		return h.AllMounted()

	case ScopeCustom:
		if len(evt.Targets) > 0 {
			return evt.Targets
		}
		if fn := resolvers[evt.Resolver]; fn != nil {
			return fn(h, evt)
		}
		return nil
	}
	return nil
}

// descendants walks the subtree breadth-first, excluding the root.
// maxDepth bounds the walk in levels; zero walks the whole subtree.
func descendants(h Hierarchy, componentID string, maxDepth int) []string {
	var out []string
	seen := map[string]bool{componentID: true}
	frontier := h.ChildrenOf(componentID)
	depth := 1
	for len(frontier) > 0 {
		if maxDepth > 0 && depth > maxDepth {
			break
		}
		var next []string
		for _, id := range frontier {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			next = append(next, h.ChildrenOf(id)...)
		}
		frontier = next
		depth++
	}
	return out
}
