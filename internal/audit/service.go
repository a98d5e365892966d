package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Entities written by Recorder.
const (
	EntityRole       = "rbac.role"
	EntityAssignment = "rbac.assignment"
)

// Repository menyediakan akses baca ke audit_logs.
type Repository interface {
	TimelineWindow(ctx context.Context, params WindowParams) ([]TimelineRow, error)
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.TimelineWindow(ctx, WindowParams{
		From:     filters.From,
		To:       filters.To,
		ActorID:  filters.ActorID,
		Entity:   strings.TrimSpace(filters.Entity),
		EntityID: strings.TrimSpace(filters.EntityID),
		Action:   strings.TrimSpace(filters.Action),
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Writer persists audit rows. shared.AuditLogger satisfies it.
type Writer interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder turns RBAC events into audit_logs rows.
type Recorder struct {
	writer Writer
}

// NewRecorder constructs a Recorder.
func NewRecorder(writer Writer) *Recorder {
	return &Recorder{writer: writer}
}

// Record writes one event.
func (r *Recorder) Record(ctx context.Context, event rbac.Event) error {
	if r == nil || r.writer == nil {
		return fmt.Errorf("audit: recorder not configured")
	}
	return r.writer.Record(ctx, EventLog(event))
}

// EventLog maps an event to its audit row. Assignment events are keyed by
// "user:role" so one timeline query returns a user's history for a role.
func EventLog(event rbac.Event) shared.AuditLog {
	log := shared.AuditLog{
		EventID:  event.ID.String(),
		ActorID:  event.ActorID,
		Action:   string(event.Type),
		Entity:   EntityRole,
		EntityID: strconv.FormatInt(event.RoleID, 10),
		At:       event.At,
		Meta: map[string]any{
			"event_id":  event.ID.String(),
			"role_code": event.RoleCode,
		},
	}
	if event.UserID != 0 {
		log.Entity = EntityAssignment
		log.EntityID = strconv.FormatInt(event.UserID, 10) + ":" + strconv.FormatInt(event.RoleID, 10)
		log.Meta["user_id"] = event.UserID
	}
	if event.Scope != (rbac.Scope{}) {
		log.Meta["scope"] = event.Scope
	}
	if event.ResourceID != "" {
		log.Meta["resource_id"] = event.ResourceID
	}
	if len(event.Added) > 0 {
		log.Meta["added"] = event.Added
	}
	if len(event.Removed) > 0 {
		log.Meta["removed"] = event.Removed
	}
	if event.Status != rbac.ApprovalNone {
		log.Meta["status"] = string(event.Status)
	}
	return log
}
