package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// RoleColumns is the column list ScanRole expects.
const RoleColumns = `r.id, r.code, r.name, r.description, r.role_type, r.is_system,
	COALESCE(r.parent_id, 0), COALESCE(r.organization_id, 0), COALESCE(r.department_id, 0),
	r.depth, r.full_path, r.priority, r.is_active, r.requires_approval, r.permissions,
	r.created_at, r.updated_at, COALESCE(r.created_by, 0), COALESCE(r.updated_by, 0), r.deleted_at`

// BindingColumns is the column list ScanBinding expects.
const BindingColumns = `rp.id, rp.role_id, rp.permission_id, p.code, rp.effect,
	COALESCE(rp.organization_id, 0), COALESCE(rp.department_id, 0), rp.resource_id,
	rp.conditions, rp.valid_from, rp.valid_until, rp.created_at, COALESCE(rp.created_by, 0)`

const assignmentColumns = `id, user_id, role_id, organization_id, COALESCE(department_id, 0), COALESCE(project_id, 0),
	is_active, is_primary, valid_from, expires_at, approval_status, COALESCE(assigned_by, 0), assigned_at,
	COALESCE(approved_by, 0), approved_at, COALESCE(revoked_by, 0), revoked_at`

// The partial unique index on active assignments treats NULL scope columns as 0.
const assignmentKeyPredicate = `user_id = $1 AND role_id = $2 AND organization_id = $3
	AND COALESCE(department_id, 0) = $4 AND COALESCE(project_id, 0) = $5`

// ScanRole reads one role selected with RoleColumns.
func ScanRole(row pgx.Row) (Role, error) {
	var (
		r     Role
		perms []byte
		typ   string
	)
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &typ, &r.IsSystem,
		&r.ParentID, &r.OrganizationID, &r.DepartmentID,
		&r.Depth, &r.FullPath, &r.Priority, &r.IsActive, &r.RequiresApproval, &perms,
		&r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &r.UpdatedBy, &r.DeletedAt)
	if err != nil {
		return Role{}, err
	}
	r.Type = RoleType(typ)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &r.Permissions); err != nil {
			return Role{}, fmt.Errorf("rbac: decode permissions of role %d: %w", r.ID, err)
		}
	}
	return r, nil
}

// ScanBinding reads one binding selected with BindingColumns.
func ScanBinding(row pgx.Row) (Binding, error) {
	var (
		b          Binding
		effect     string
		conditions []byte
	)
	err := row.Scan(&b.ID, &b.RoleID, &b.PermissionID, &b.PermissionCode, &effect,
		&b.OrganizationID, &b.DepartmentID, &b.ResourceID,
		&conditions, &b.ValidFrom, &b.ValidUntil, &b.CreatedAt, &b.CreatedBy)
	if err != nil {
		return Binding{}, err
	}
	b.Effect = Effect(effect)
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &b.Conditions); err != nil {
			return Binding{}, fmt.Errorf("rbac: decode conditions of binding %d: %w", b.ID, err)
		}
	}
	return b, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a      Assignment
		status string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.OrganizationID, &a.DepartmentID, &a.ProjectID,
		&a.IsActive, &a.IsPrimary, &a.ValidFrom, &a.ExpiresAt, &status, &a.AssignedBy, &a.AssignedAt,
		&a.ApprovedBy, &a.ApprovedAt, &a.RevokedBy, &a.RevokedAt)
	if err != nil {
		return Assignment{}, err
	}
	a.ApprovalStatus = ApprovalStatus(status)
	return a, nil
}

// IsUniqueViolation reports a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Repository provides PostgreSQL backed persistence for permission resolution.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction. A unique violation
// surfacing at commit is reported as a duplicate assignment.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if IsUniqueViolation(err) && !errors.Is(err, shared.ErrConflict) {
		return errDuplicateAssignment
	}
	return err
}

// GetRole loads a non-deleted role.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := ScanRole(r.pool.QueryRow(ctx, `SELECT `+RoleColumns+` FROM roles r WHERE r.id = $1 AND r.deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, notFound("role", id)
	}
	return role, err
}

// ListRoles returns every non-deleted role.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	return r.queryRoles(ctx, `SELECT `+RoleColumns+` FROM roles r WHERE r.deleted_at IS NULL ORDER BY r.id`)
}

// ListRolesByOrganization returns roles anchored to the organization.
func (r *Repository) ListRolesByOrganization(ctx context.Context, organizationID int64) ([]Role, error) {
	return r.queryRoles(ctx, `SELECT `+RoleColumns+` FROM roles r
WHERE r.organization_id = $1 AND r.deleted_at IS NULL ORDER BY r.depth, r.code`, organizationID)
}

// ListRolesByDepartment returns roles anchored to the department.
func (r *Repository) ListRolesByDepartment(ctx context.Context, departmentID int64) ([]Role, error) {
	return r.queryRoles(ctx, `SELECT `+RoleColumns+` FROM roles r
WHERE r.department_id = $1 AND r.deleted_at IS NULL ORDER BY r.depth, r.code`, departmentID)
}

func (r *Repository) queryRoles(ctx context.Context, sql string, args ...any) ([]Role, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := ScanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// ListBindings returns the bindings of the given roles.
func (r *Repository) ListBindings(ctx context.Context, roleIDs []int64) ([]Binding, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+BindingColumns+`
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = ANY($1)
ORDER BY rp.role_id, rp.id`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		b, err := ScanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListUserAssignments returns the user's active assignments. Validity windows
// and approval state are evaluated by the caller.
func (r *Repository) ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+`
FROM user_roles WHERE user_id = $1 AND is_active ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAssignment loads one assignment by id.
func (r *Repository) GetAssignment(ctx context.Context, id int64) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, notFound("assignment", id)
	}
	return a, err
}

// DeactivateExpired switches off active assignments whose expiry has passed.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE user_roles
SET is_active = FALSE, revoked_at = $1
WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) FindActiveAssignment(ctx context.Context, key AssignmentKey) (Assignment, error) {
	a, err := scanAssignment(t.tx.QueryRow(ctx, `SELECT `+assignmentColumns+`
FROM user_roles WHERE `+assignmentKeyPredicate+` AND is_active
FOR UPDATE`, keyArgs(key)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, notFound("assignment for user", key.UserID)
	}
	return a, err
}

func (t *txRepo) FindLatestAssignment(ctx context.Context, key AssignmentKey) (Assignment, error) {
	a, err := scanAssignment(t.tx.QueryRow(ctx, `SELECT `+assignmentColumns+`
FROM user_roles WHERE `+assignmentKeyPredicate+`
ORDER BY is_active DESC, assigned_at DESC, id DESC
LIMIT 1
FOR UPDATE`, keyArgs(key)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, notFound("assignment for user", key.UserID)
	}
	return a, err
}

func (t *txRepo) LockAssignment(ctx context.Context, id int64) (Assignment, error) {
	a, err := scanAssignment(t.tx.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, notFound("assignment", id)
	}
	return a, err
}

func (t *txRepo) InsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO user_roles (user_id, role_id, organization_id, department_id, project_id,
	is_active, is_primary, valid_from, expires_at, approval_status, assigned_by, assigned_at)
VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, 0), $6, $7, $8, $9, $10, NULLIF($11, 0), $12)
RETURNING id`,
		a.UserID, a.RoleID, a.OrganizationID, a.DepartmentID, a.ProjectID,
		a.IsActive, a.IsPrimary, a.ValidFrom, a.ExpiresAt, string(a.ApprovalStatus), a.AssignedBy, a.AssignedAt).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			return Assignment{}, errDuplicateAssignment
		}
		return Assignment{}, err
	}
	a.ID = id
	return a, nil
}

func (t *txRepo) UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE user_roles SET
	is_active = $2, is_primary = $3, valid_from = $4, expires_at = $5, approval_status = $6,
	assigned_by = NULLIF($7, 0), assigned_at = $8, approved_by = NULLIF($9, 0), approved_at = $10,
	revoked_by = NULLIF($11, 0), revoked_at = $12
WHERE id = $1`,
		a.ID, a.IsActive, a.IsPrimary, a.ValidFrom, a.ExpiresAt, string(a.ApprovalStatus),
		a.AssignedBy, a.AssignedAt, a.ApprovedBy, a.ApprovedAt, a.RevokedBy, a.RevokedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return Assignment{}, errDuplicateAssignment
		}
		return Assignment{}, err
	}
	if tag.RowsAffected() == 0 {
		return Assignment{}, notFound("assignment", a.ID)
	}
	return a, nil
}

func (t *txRepo) ClearPrimary(ctx context.Context, userID, organizationID, exceptID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE user_roles SET is_primary = FALSE
WHERE user_id = $1 AND organization_id = $2 AND id <> $3 AND is_primary`, userID, organizationID, exceptID)
	return err
}

func keyArgs(key AssignmentKey) []any {
	return []any{key.UserID, key.RoleID, key.Scope.OrganizationID, key.Scope.DepartmentID, key.Scope.ProjectID}
}
