// Package tree keeps the catalog entities seen during a sync, linked to their
// parents by UUID.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dfelinto/blender-cloud-addon/pkg/models"
)

var (
	// ErrCycle is returned when a UUID appears twice on one lineage.
	ErrCycle = errors.New("catalog cycle detected")
	// ErrDetached is returned when an ancestor is not in the tree.
	ErrDetached = errors.New("ancestor not known")
)

// Tree indexes entities by UUID. Parent links are weak: a child refers to its
// parent by identifier and the parent need not be present yet.
type Tree struct {
	mu       sync.RWMutex
	nodes    map[string]models.Entity
	children map[string]map[string]struct{}
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		nodes:    make(map[string]models.Entity),
		children: make(map[string]map[string]struct{}),
	}
}

// Add inserts or replaces an entity.
func (t *Tree) Add(e models.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := e.ID()
	if old, ok := t.nodes[id]; ok && old.ParentID() != e.ParentID() {
		t.unlink(old.ParentID(), id)
	}
	t.nodes[id] = e
	if pid := e.ParentID(); pid != "" {
		set := t.children[pid]
		if set == nil {
			set = make(map[string]struct{})
			t.children[pid] = set
		}
		set[id] = struct{}{}
	}
}

// Get returns the entity with the given UUID.
func (t *Tree) Get(id string) (models.Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.nodes[id]
	return e, ok
}

// Remove drops an entity. Its children stay, detached.
func (t *Tree) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.nodes[id]; ok {
		t.unlink(e.ParentID(), id)
		delete(t.nodes, id)
	}
}

func (t *Tree) unlink(parent, id string) {
	if set := t.children[parent]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(t.children, parent)
		}
	}
}

// Children returns the known children of id ordered by UUID.
func (t *Tree) Children(id string) []models.Entity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.children[id]
	out := make([]models.Entity, 0, len(set))
	for cid := range set {
		if e, ok := t.nodes[cid]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Lineage returns the entities from the root down to id (inclusive).
func (t *Tree) Lineage(id string) ([]models.Entity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var rev []models.Entity
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("lineage of %s: %w at %s", id, ErrCycle, cur)
		}
		seen[cur] = true
		e, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("lineage of %s: %w: %s", id, ErrDetached, cur)
		}
		rev = append(rev, e)
		cur = e.ParentID()
	}

	out := make([]models.Entity, len(rev))
	for i, e := range rev {
		out[len(rev)-1-i] = e
	}
	return out, nil
}

// Len returns the number of entities.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// CountSubtree counts id and all of its known descendants.
func (t *Tree) CountSubtree(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.nodes[id]; !ok {
		return 0
	}
	return t.count(id, make(map[string]bool))
}

func (t *Tree) count(id string, seen map[string]bool) int {
	if seen[id] {
		return 0
	}
	seen[id] = true
	n := 1
	for cid := range t.children[id] {
		n += t.count(cid, seen)
	}
	return n
}

// ChildPath joins a slash-separated parent path and a segment.
func ChildPath(parent, segment string) string {
	if parent == "" || parent == "/" {
		return segment
	}
	return parent + "/" + segment
}
