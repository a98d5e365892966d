package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names an RBAC change notification.
type EventType string

const (
	EventRoleAssigned      EventType = "rbac.role_assigned"
	EventRoleRevoked       EventType = "rbac.role_revoked"
	EventRoleCreated       EventType = "rbac.role_created"
	EventRoleUpdated       EventType = "rbac.role_updated"
	EventRoleDeleted       EventType = "rbac.role_deleted"
	EventPermissionChanged EventType = "rbac.permission_changed"
)

// Event carries the minimal context an audit consumer needs.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       EventType      `json:"type"`
	RoleID     int64          `json:"role_id"`
	RoleCode   string         `json:"role_code,omitempty"`
	UserID     int64          `json:"user_id,omitempty"`
	ActorID    int64          `json:"actor_id,omitempty"`
	Scope      Scope          `json:"scope"`
	ResourceID string         `json:"resource_id,omitempty"`
	Added      []string       `json:"added,omitempty"`
	Removed    []string       `json:"removed,omitempty"`
	Status     ApprovalStatus `json:"status,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher delivers events to audit and notification collaborators.
// Delivery is fire-and-forget: failures never undo the originating change.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

func newEvent(t EventType, role Role, at time.Time) Event {
	return Event{ID: uuid.New(), Type: t, RoleID: role.ID, RoleCode: role.Code, At: at}
}

// NewRoleAssignedEvent describes an assignment becoming usable or pending.
func NewRoleAssignedEvent(role Role, a Assignment, actorID int64, at time.Time) Event {
	ev := newEvent(EventRoleAssigned, role, at)
	ev.UserID = a.UserID
	ev.ActorID = actorID
	ev.Scope = a.Scope()
	ev.Status = a.ApprovalStatus
	return ev
}

// NewRoleRevokedEvent describes an assignment being revoked or rejected.
func NewRoleRevokedEvent(role Role, a Assignment, actorID int64, at time.Time) Event {
	ev := newEvent(EventRoleRevoked, role, at)
	ev.UserID = a.UserID
	ev.ActorID = actorID
	ev.Scope = a.Scope()
	ev.Status = a.ApprovalStatus
	return ev
}

// NewRoleCreatedEvent describes a new role.
func NewRoleCreatedEvent(role Role, actorID int64, at time.Time) Event {
	ev := newEvent(EventRoleCreated, role, at)
	ev.ActorID = actorID
	ev.Scope = role.Anchor()
	return ev
}

// NewRoleUpdatedEvent describes a changed role. Added lists the fields
// that changed.
func NewRoleUpdatedEvent(role Role, changed []string, actorID int64, at time.Time) Event {
	ev := newEvent(EventRoleUpdated, role, at)
	ev.ActorID = actorID
	ev.Scope = role.Anchor()
	ev.Added = changed
	return ev
}

// NewRoleDeletedEvent describes a soft-deleted role.
func NewRoleDeletedEvent(role Role, actorID int64, at time.Time) Event {
	ev := newEvent(EventRoleDeleted, role, at)
	ev.ActorID = actorID
	ev.Scope = role.Anchor()
	return ev
}

// NewPermissionChangedEvent describes bindings added to or removed from a role.
func NewPermissionChangedEvent(role Role, b Binding, added, removed []string, actorID int64, at time.Time) Event {
	ev := newEvent(EventPermissionChanged, role, at)
	ev.ActorID = actorID
	ev.Scope = Scope{OrganizationID: b.OrganizationID, DepartmentID: b.DepartmentID}
	ev.ResourceID = b.ResourceID
	ev.Added = added
	ev.Removed = removed
	return ev
}
