package fasq

import (
	"fmt"
	"sync"
)

// DependencyManager tracks parent→child relationships between queries as a
// directed acyclic graph, enforced at registration time. It is used to
// cancel or invalidate dependents when an ancestor is disposed or
// invalidated.
type DependencyManager struct {
	mu       sync.RWMutex
	children map[QueryKey]map[QueryKey]struct{}
	parents  map[QueryKey]QueryKey
}

// NewDependencyManager creates an empty dependency graph.
func NewDependencyManager() *DependencyManager {
	return &DependencyManager{
		children: make(map[QueryKey]map[QueryKey]struct{}),
		parents:  make(map[QueryKey]QueryKey),
	}
}

// RegisterDependency records child as depending on parent. Self-dependencies
// and edges that would create a cycle (direct or transitive) are rejected.
// Re-registering an existing child moves it atomically to the new parent.
func (d *DependencyManager) RegisterDependency(child, parent QueryKey) error {
	if child == parent {
		return fmt.Errorf("%w: %q", ErrSelfDependency, child)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Walk up from parent; finding child means the new edge closes a cycle.
	for ancestor, ok := parent, true; ok; ancestor, ok = d.parents[ancestor] {
		if ancestor == child {
			return fmt.Errorf("%w: %q -> %q", ErrCyclicDependency, child, parent)
		}
	}

	if old, ok := d.parents[child]; ok {
		delete(d.children[old], child)
		if len(d.children[old]) == 0 {
			delete(d.children, old)
		}
	}

	if d.children[parent] == nil {
		d.children[parent] = make(map[QueryKey]struct{})
	}
	d.children[parent][child] = struct{}{}
	d.parents[child] = parent
	return nil
}

// Unregister removes node as both parent and child. Its former children are
// orphaned (they keep no parent).
func (d *DependencyManager) Unregister(node QueryKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for child := range d.children[node] {
		delete(d.parents, child)
	}
	delete(d.children, node)

	if parent, ok := d.parents[node]; ok {
		delete(d.children[parent], node)
		if len(d.children[parent]) == 0 {
			delete(d.children, parent)
		}
		delete(d.parents, node)
	}
}

// GetParent returns node's parent, if registered.
func (d *DependencyManager) GetParent(node QueryKey) (QueryKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	parent, ok := d.parents[node]
	return parent, ok
}

// GetChildren returns node's direct children.
func (d *DependencyManager) GetChildren(node QueryKey) []QueryKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.directChildren(node)
}

// GetAllDescendants returns the full transitive closure of node's children.
func (d *DependencyManager) GetAllDescendants(node QueryKey) []QueryKey {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var descendants []QueryKey
	stack := d.directChildren(node)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		descendants = append(descendants, current)
		stack = append(stack, d.directChildren(current)...)
	}
	return descendants
}

// NotifyParentDisposed invokes onChild for each direct child of parent.
// Transitive descendants are not visited; a child reacting by disposing
// itself triggers its own notification.
func (d *DependencyManager) NotifyParentDisposed(parent QueryKey, onChild func(child QueryKey)) {
	d.mu.RLock()
	children := d.directChildren(parent)
	d.mu.RUnlock()

	for _, child := range children {
		onChild(child)
	}
}

// directChildren returns a copy of node's child set. Caller holds a lock.
func (d *DependencyManager) directChildren(node QueryKey) []QueryKey {
	set := d.children[node]
	if len(set) == 0 {
		return nil
	}
	children := make([]QueryKey, 0, len(set))
	for child := range set {
		children = append(children, child)
	}
	return children
}
