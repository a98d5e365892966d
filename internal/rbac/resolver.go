package rbac

import (
	"fmt"
	"sort"
	"time"
)

// DecisionReason explains how a decision was reached.
type DecisionReason string

const (
	// ReasonAllow means at least one ALLOW matched and no DENY did.
	ReasonAllow DecisionReason = "allow"
	// ReasonDenyExplicit means a DENY binding matched.
	ReasonDenyExplicit DecisionReason = "deny_explicit"
	// ReasonDenyDefault means no binding matched the query.
	ReasonDenyDefault DecisionReason = "deny_default"
	// ReasonDenyNoRoles means the user holds no valid assignment for the scope.
	ReasonDenyNoRoles DecisionReason = "deny_no_roles"
	// ReasonDenyInvalid means the query itself was malformed.
	ReasonDenyInvalid DecisionReason = "deny_invalid"
	// ReasonDenyError means resolution failed and the check fails closed.
	ReasonDenyError DecisionReason = "deny_error"
)

// Query is a single permission check.
type Query struct {
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	Scope      Scope  `json:"scope"`
	ResourceID string `json:"resource_id,omitempty"`
}

// Decision is the resolved outcome of a Query.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  DecisionReason `json:"reason"`
	Winner  *Candidate     `json:"winner,omitempty"`
	Denied  []Candidate    `json:"denied,omitempty"`
	Matched int            `json:"matched"`
	Detail  string         `json:"detail,omitempty"`
}

// EffectiveBinding is a binding visible to a role after inheritance.
type EffectiveBinding struct {
	Binding      Binding `json:"binding"`
	SourceRoleID int64   `json:"source_role_id"`
	Inherited    bool    `json:"inherited"`
}

// Candidate is an effective binding reached through one of the user's assignments.
type Candidate struct {
	EffectiveBinding
	RoleID       int64     `json:"role_id"`
	RoleCode     string    `json:"role_code"`
	Priority     int       `json:"priority"`
	AssignmentID int64     `json:"assignment_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Snapshot is the data one resolution runs over.
type Snapshot struct {
	Hierarchy   *Hierarchy
	Bindings    map[int64][]Binding
	Assignments []Assignment
}

// Resolver computes permission decisions from a Snapshot. It performs no I/O
// and holds no mutable state, so one instance may serve concurrent callers.
type Resolver struct {
	now func() time.Time
}

// NewResolver constructs a Resolver. A nil clock uses time.Now.
func NewResolver(clock func() time.Time) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{now: clock}
}

// EffectiveBindings returns the role's own bindings followed by inherited ones,
// most specific role first. For identical keys the closer role wins outright,
// whatever the effect. Inactive ancestors contribute nothing but are still walked.
func (r *Resolver) EffectiveBindings(snap Snapshot, roleID int64) ([]EffectiveBinding, error) {
	if snap.Hierarchy == nil {
		return nil, fmt.Errorf("%w: snapshot without hierarchy", ErrCorruptHierarchy)
	}
	chain, err := snap.Hierarchy.Ancestors(roleID)
	if err != nil {
		return nil, err
	}
	seen := make(map[PermissionKey]struct{})
	var out []EffectiveBinding
	for level, role := range chain {
		if !role.IsActive {
			continue
		}
		for _, b := range snap.Bindings[role.ID] {
			key := b.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, EffectiveBinding{Binding: b, SourceRoleID: role.ID, Inherited: level > 0})
		}
	}
	return out, nil
}

type candidateFilter func(Binding) bool

// Candidates gathers every binding reachable for q: valid assignments covering
// the scope, their effective bindings, then permission, scope, resource and
// time-window filters.
func (r *Resolver) Candidates(snap Snapshot, q Query) ([]Candidate, int, error) {
	return r.collect(snap, q.Scope, func(b Binding) bool {
		return b.MatchesPermission(q.Permission) && b.MatchesScope(q.Scope) && b.AppliesToResource(q.ResourceID)
	})
}

// ScopeCandidates gathers every binding visible at scope and resource, whatever the permission.
func (r *Resolver) ScopeCandidates(snap Snapshot, scope Scope, resourceID string) ([]Candidate, int, error) {
	return r.collect(snap, scope, func(b Binding) bool {
		return b.MatchesScope(scope) && b.AppliesToResource(resourceID)
	})
}

func (r *Resolver) collect(snap Snapshot, scope Scope, keep candidateFilter) ([]Candidate, int, error) {
	if snap.Hierarchy == nil {
		return nil, 0, fmt.Errorf("%w: snapshot without hierarchy", ErrCorruptHierarchy)
	}
	now := r.now()
	var (
		out         []Candidate
		assignments int
	)
	for _, a := range snap.Assignments {
		if !a.IsValid(now) {
			continue
		}
		role, ok := snap.Hierarchy.Role(a.RoleID)
		if !ok || !role.IsActive || !a.CoversFor(role, scope) {
			continue
		}
		assignments++
		effective, err := r.EffectiveBindings(snap, role.ID)
		if err != nil {
			return nil, assignments, err
		}
		for _, eb := range effective {
			if !eb.Binding.ActiveAt(now) || !keep(eb.Binding) {
				continue
			}
			out = append(out, Candidate{
				EffectiveBinding: eb,
				RoleID:           role.ID,
				RoleCode:         role.Code,
				Priority:         role.EffectivePriority(),
				AssignmentID:     a.ID,
				AssignedAt:       a.AssignedAt,
			})
		}
	}
	return out, assignments, nil
}

// Decide answers q. It never returns an error: malformed queries and corrupt
// data resolve to a denial carrying the matching reason.
func (r *Resolver) Decide(snap Snapshot, q Query) Decision {
	q.Permission = NormalizePermissionCode(q.Permission)
	if err := ValidatePermissionFormat(q.Permission); err != nil {
		return Decision{Reason: ReasonDenyInvalid, Detail: err.Error()}
	}
	if err := q.Scope.Validate(); err != nil {
		return Decision{Reason: ReasonDenyInvalid, Detail: err.Error()}
	}
	candidates, assignments, err := r.Candidates(snap, q)
	if err != nil {
		return Decision{Reason: ReasonDenyError, Detail: err.Error()}
	}
	return decide(candidates, assignments)
}

func decide(candidates []Candidate, assignments int) Decision {
	if len(candidates) == 0 {
		if assignments == 0 {
			return Decision{Reason: ReasonDenyNoRoles}
		}
		return Decision{Reason: ReasonDenyDefault}
	}
	decision := Decision{Matched: len(candidates)}
	var best *Candidate
	for _, res := range ResolvePermissionPrecedence(candidates) {
		if res.Effect == EffectDeny {
			for _, c := range res.Contributors {
				if c.Binding.Effect == EffectDeny {
					decision.Denied = append(decision.Denied, c)
				}
			}
			continue
		}
		if best == nil || outranks(res.Winner, *best) {
			w := res.Winner
			best = &w
		}
	}
	if len(decision.Denied) > 0 {
		decision.Reason = ReasonDenyExplicit
		return decision
	}
	decision.Allowed = true
	decision.Reason = ReasonAllow
	decision.Winner = best
	return decision
}

// Resolution is the precedence outcome for one permission key.
type Resolution struct {
	Key          PermissionKey `json:"key"`
	Effect       Effect        `json:"effect"`
	Winner       Candidate     `json:"winner"`
	Contributors []Candidate   `json:"contributors"`
}

// ResolvePermissionPrecedence groups candidates by key. A group containing
// any DENY resolves to DENY; otherwise the highest-priority ALLOW wins, ties
// going to the most recent assignment and then the lowest role id.
func ResolvePermissionPrecedence(candidates []Candidate) []Resolution {
	groups := make(map[PermissionKey]*Resolution)
	var order []PermissionKey
	for _, c := range candidates {
		key := c.Binding.Key()
		res, ok := groups[key]
		if !ok {
			res = &Resolution{Key: key, Effect: EffectAllow}
			groups[key] = res
			order = append(order, key)
		}
		res.Contributors = append(res.Contributors, c)
	}
	out := make([]Resolution, 0, len(order))
	for _, key := range order {
		res := groups[key]
		var winner *Candidate
		for i := range res.Contributors {
			c := res.Contributors[i]
			if c.Binding.Effect == EffectDeny {
				if res.Effect != EffectDeny || outranks(c, *winner) {
					winner = &res.Contributors[i]
				}
				res.Effect = EffectDeny
				continue
			}
			if res.Effect == EffectDeny {
				continue
			}
			if winner == nil || outranks(c, *winner) {
				winner = &res.Contributors[i]
			}
		}
		res.Winner = *winner
		out = append(out, *res)
	}
	sort.SliceStable(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out
}

// outranks orders candidates by priority, then later assignment, then lower role id.
func outranks(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AssignedAt.Equal(b.AssignedAt) {
		return a.AssignedAt.After(b.AssignedAt)
	}
	return a.RoleID < b.RoleID
}

func lessKey(a, b PermissionKey) bool {
	if a.Permission != b.Permission {
		return a.Permission < b.Permission
	}
	if a.OrganizationID != b.OrganizationID {
		return a.OrganizationID < b.OrganizationID
	}
	if a.DepartmentID != b.DepartmentID {
		return a.DepartmentID < b.DepartmentID
	}
	return a.ResourceID < b.ResourceID
}

// Conflict records a key reachable with both ALLOW and DENY.
type Conflict struct {
	Permission     string   `json:"permission"`
	OrganizationID int64    `json:"organization_id,omitempty"`
	DepartmentID   int64    `json:"department_id,omitempty"`
	ResourceID     string   `json:"resource_id,omitempty"`
	Effects        []Effect `json:"effects"`
	RoleIDs        []int64  `json:"role_ids"`
}

// CheckPermissionConflicts reports every key with both ALLOW and DENY
// contributors. It is diagnostic only; Decide always applies DENY-wins.
func CheckPermissionConflicts(candidates []Candidate) []Conflict {
	var out []Conflict
	for _, res := range ResolvePermissionPrecedence(candidates) {
		var allow, deny bool
		roles := make(map[int64]struct{})
		for _, c := range res.Contributors {
			switch c.Binding.Effect {
			case EffectAllow:
				allow = true
			case EffectDeny:
				deny = true
			}
			roles[c.SourceRoleID] = struct{}{}
		}
		if !allow || !deny {
			continue
		}
		ids := make([]int64, 0, len(roles))
		for id := range roles {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, Conflict{
			Permission:     res.Key.Permission,
			OrganizationID: res.Key.OrganizationID,
			DepartmentID:   res.Key.DepartmentID,
			ResourceID:     res.Key.ResourceID,
			Effects:        []Effect{EffectAllow, EffectDeny},
			RoleIDs:        ids,
		})
	}
	return out
}

// PermissionInfos projects resolutions into the read model.
func PermissionInfos(resolutions []Resolution) []PermissionInfo {
	out := make([]PermissionInfo, 0, len(resolutions))
	for _, res := range resolutions {
		w := res.Winner
		info := PermissionInfo{
			Permission:     res.Key.Permission,
			Category:       PermissionCategory(res.Key.Permission),
			Effect:         res.Effect,
			OrganizationID: res.Key.OrganizationID,
			DepartmentID:   res.Key.DepartmentID,
			ResourceID:     res.Key.ResourceID,
			RoleID:         w.RoleID,
			RoleCode:       w.RoleCode,
			SourceRoleID:   w.SourceRoleID,
			Inherited:      w.Inherited,
			Priority:       w.Priority,
		}
		seen := make(map[int64]struct{})
		for _, c := range res.Contributors {
			if _, ok := seen[c.RoleID]; ok {
				continue
			}
			seen[c.RoleID] = struct{}{}
			info.Contributors = append(info.Contributors, c.RoleID)
		}
		out = append(out, info)
	}
	return out
}
