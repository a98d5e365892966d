package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Hierarchy indexes a role forest by id. It never recurses: every walk is
// bounded by the number of known roles, so corrupt parent pointers end the
// walk with ErrCorruptHierarchy instead of looping.
type Hierarchy struct {
	roles    map[int64]Role
	children map[int64][]int64
}

// NewHierarchy builds an index over roles. Later duplicates replace earlier ones.
func NewHierarchy(roles []Role) *Hierarchy {
	h := &Hierarchy{
		roles:    make(map[int64]Role, len(roles)),
		children: make(map[int64][]int64),
	}
	for _, r := range roles {
		h.roles[r.ID] = r
	}
	for id, r := range h.roles {
		if r.ParentID != 0 {
			h.children[r.ParentID] = append(h.children[r.ParentID], id)
		}
	}
	for parent := range h.children {
		ids := h.children[parent]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return h
}

// Len returns the number of indexed roles.
func (h *Hierarchy) Len() int {
	return len(h.roles)
}

// Role looks up a role by id.
func (h *Hierarchy) Role(id int64) (Role, bool) {
	r, ok := h.roles[id]
	return r, ok
}

// Put adds or replaces a role, keeping the child index consistent.
func (h *Hierarchy) Put(r Role) {
	if old, ok := h.roles[r.ID]; ok && old.ParentID != 0 {
		h.children[old.ParentID] = removeID(h.children[old.ParentID], r.ID)
	}
	h.roles[r.ID] = r
	if r.ParentID != 0 {
		ids := append(h.children[r.ParentID], r.ID)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		h.children[r.ParentID] = ids
	}
}

// Ancestors returns the chain from id to its root, self first.
func (h *Hierarchy) Ancestors(id int64) ([]Role, error) {
	current, ok := h.roles[id]
	if !ok {
		return nil, notFound("role", id)
	}
	chain := []Role{current}
	for steps := 0; current.ParentID != 0; steps++ {
		if steps >= len(h.roles) {
			return nil, fmt.Errorf("%w: ancestor walk from %s exceeded %d roles", ErrCorruptHierarchy, chain[0].Code, len(h.roles))
		}
		parent, ok := h.roles[current.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: role %s references missing parent %d", ErrCorruptHierarchy, current.Code, current.ParentID)
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// CanInheritFrom reports whether roleID may take candidateID as its parent.
// It rejects the role itself, any descendant of the role, unknown candidates
// and candidates whose own chain is corrupt.
func (h *Hierarchy) CanInheritFrom(roleID, candidateID int64) bool {
	if roleID == candidateID {
		return false
	}
	current, ok := h.roles[candidateID]
	if !ok {
		return false
	}
	for steps := 0; ; steps++ {
		if current.ID == roleID {
			return false
		}
		if current.ParentID == 0 {
			return true
		}
		if steps >= len(h.roles) {
			return false
		}
		next, ok := h.roles[current.ParentID]
		if !ok {
			return false
		}
		current = next
	}
}

// Descendants returns every role below id in breadth-first order.
func (h *Hierarchy) Descendants(id int64) []Role {
	var out []Role
	seen := map[int64]bool{id: true}
	queue := append([]int64(nil), h.children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if r, ok := h.roles[next]; ok {
			out = append(out, r)
		}
		queue = append(queue, h.children[next]...)
	}
	return out
}

// ValidateParent checks that role may hang below parentID: no cycle, and the
// role's anchor must sit inside the parent's anchor.
func (h *Hierarchy) ValidateParent(role Role, parentID int64) error {
	if parentID == 0 {
		return nil
	}
	parent, ok := h.roles[parentID]
	if !ok {
		return notFound("parent role", parentID)
	}
	if role.ID != 0 && !h.CanInheritFrom(role.ID, parentID) {
		return &ValidationError{
			Field:  "parent_id",
			Reason: "parent would create a cycle in the role hierarchy",
			Codes:  []string{role.Code, parent.Code},
		}
	}
	if _, err := h.Ancestors(parentID); err != nil {
		return &ValidationError{Field: "parent_id", Reason: err.Error(), Codes: []string{parent.Code}}
	}
	if !parent.Anchor().Contains(role.Anchor()) {
		return &ValidationError{
			Field:  "scope",
			Reason: "child role scope must lie within the parent role scope",
			Codes:  []string{role.Code, parent.Code},
		}
	}
	return nil
}

// Derive validates role against the hierarchy and returns it with Depth and
// FullPath recomputed from its parent chain.
func (h *Hierarchy) Derive(role Role) (Role, error) {
	if err := h.ValidateParent(role, role.ParentID); err != nil {
		return Role{}, err
	}
	role.Depth = 0
	role.FullPath = role.Code
	if role.ParentID == 0 {
		return role, nil
	}
	chain, err := h.Ancestors(role.ParentID)
	if err != nil {
		return Role{}, err
	}
	codes := make([]string, 0, len(chain)+1)
	for i := len(chain) - 1; i >= 0; i-- {
		codes = append(codes, chain[i].Code)
	}
	codes = append(codes, role.Code)
	role.Depth = len(chain)
	role.FullPath = strings.Join(codes, "/")
	return role, nil
}

// Rederive recomputes depth and path for every descendant of id after id
// itself changed. The returned roles are already stored back in h.
func (h *Hierarchy) Rederive(id int64) ([]Role, error) {
	descendants := h.Descendants(id)
	out := make([]Role, 0, len(descendants))
	for _, d := range descendants {
		updated, err := h.Derive(d)
		if err != nil {
			return nil, err
		}
		h.Put(updated)
		out = append(out, updated)
	}
	return out, nil
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
