package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ListRoles returns all non-deleted roles, including inactive ones.
func (r *Repository) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return queryRoles(ctx, r.pool, `SELECT `+rbac.RoleColumns+` FROM roles r WHERE r.deleted_at IS NULL ORDER BY r.depth, r.code`)
}

// ListBindings returns the bindings of one role.
func (r *Repository) ListBindings(ctx context.Context, roleID int64) ([]rbac.Binding, error) {
	return queryBindings(ctx, r.pool, roleID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryRoles(ctx context.Context, q querier, sql string, args ...any) ([]rbac.Role, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rbac.Role
	for rows.Next() {
		role, err := rbac.ScanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func queryBindings(ctx context.Context, q querier, roleID int64) ([]rbac.Binding, error) {
	rows, err := q.Query(ctx, `SELECT `+rbac.BindingColumns+`
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1
ORDER BY rp.id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rbac.Binding
	for rows.Next() {
		b, err := rbac.ScanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *txRepo) Lock(ctx context.Context, key int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}

func (t *txRepo) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return queryRoles(ctx, t.tx, `SELECT `+rbac.RoleColumns+` FROM roles r WHERE r.deleted_at IS NULL ORDER BY r.id`)
}

func (t *txRepo) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	role, err := rbac.ScanRole(t.tx.QueryRow(ctx, `SELECT `+rbac.RoleColumns+`
FROM roles r WHERE r.id = $1 AND r.deleted_at IS NULL FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.Role{}, fmt.Errorf("%w: role %d", rbac.ErrNotFound, id)
	}
	return role, err
}

func (t *txRepo) InsertRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return rbac.Role{}, err
	}
	err = t.tx.QueryRow(ctx, `INSERT INTO roles (code, name, description, role_type, is_system, parent_id,
	organization_id, department_id, depth, full_path, priority, is_active, requires_approval, permissions,
	created_at, updated_at, created_by, updated_by)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, 0), $9, $10, $11, $12, $13, $14,
	$15, $15, NULLIF($16, 0), NULLIF($16, 0))
RETURNING id`,
		role.Code, role.Name, role.Description, string(role.Type), role.IsSystem, role.ParentID,
		role.OrganizationID, role.DepartmentID, role.Depth, role.FullPath, role.Priority, role.IsActive,
		role.RequiresApproval, perms, role.CreatedAt, role.CreatedBy).Scan(&role.ID)
	if err != nil {
		if rbac.IsUniqueViolation(err) {
			return rbac.Role{}, fmt.Errorf("role code %q already exists: %w", role.Code, shared.ErrConflict)
		}
		return rbac.Role{}, err
	}
	role.UpdatedAt = role.CreatedAt
	role.UpdatedBy = role.CreatedBy
	return role, nil
}

func (t *txRepo) UpdateRole(ctx context.Context, role rbac.Role) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET name = $2, description = $3, parent_id = NULLIF($4, 0),
	depth = $5, full_path = $6, priority = $7, is_active = $8, requires_approval = $9,
	updated_at = $10, updated_by = NULLIF($11, 0)
WHERE id = $1`,
		role.ID, role.Name, role.Description, role.ParentID, role.Depth, role.FullPath, role.Priority,
		role.IsActive, role.RequiresApproval, role.UpdatedAt, role.UpdatedBy)
	return err
}

func (t *txRepo) UpdateDerived(ctx context.Context, role rbac.Role) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET depth = $2, full_path = $3 WHERE id = $1`, role.ID, role.Depth, role.FullPath)
	return err
}

func (t *txRepo) SoftDeleteRole(ctx context.Context, id, actorID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET is_active = FALSE, deleted_at = $2, updated_at = $2, updated_by = NULLIF($3, 0)
WHERE id = $1`, id, at, actorID)
	return err
}

func (t *txRepo) CountActiveChildren(ctx context.Context, id int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM roles WHERE parent_id = $1 AND deleted_at IS NULL`, id).Scan(&n)
	return n, err
}

func (t *txRepo) DeactivateAssignments(ctx context.Context, roleID, actorID int64, at time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE user_roles SET is_active = FALSE, revoked_by = NULLIF($2, 0), revoked_at = $3
WHERE role_id = $1 AND is_active`, roleID, actorID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) EnsurePermission(ctx context.Context, code string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO permissions (code, category)
VALUES ($1, $2)
ON CONFLICT (code) DO UPDATE SET category = EXCLUDED.category
RETURNING id`, code, rbac.PermissionCategory(code)).Scan(&id)
	return id, err
}

func (t *txRepo) InsertBinding(ctx context.Context, b rbac.Binding) (rbac.Binding, error) {
	conditions, err := json.Marshal(b.Conditions)
	if err != nil {
		return rbac.Binding{}, err
	}
	err = t.tx.QueryRow(ctx, `INSERT INTO role_permissions (role_id, permission_id, effect, organization_id,
	department_id, resource_id, conditions, valid_from, valid_until, created_at, created_by)
VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, 0), $6, $7, $8, $9, $10, NULLIF($11, 0))
RETURNING id`,
		b.RoleID, b.PermissionID, string(b.Effect), b.OrganizationID, b.DepartmentID, b.ResourceID,
		conditions, b.ValidFrom, b.ValidUntil, b.CreatedAt, b.CreatedBy).Scan(&b.ID)
	if err != nil {
		if rbac.IsUniqueViolation(err) {
			return rbac.Binding{}, fmt.Errorf("binding %s already exists on role %d: %w", b.PermissionCode, b.RoleID, shared.ErrConflict)
		}
		return rbac.Binding{}, err
	}
	return b, nil
}

func (t *txRepo) DeleteBinding(ctx context.Context, roleID, bindingID int64) (rbac.Binding, error) {
	b, err := rbac.ScanBinding(t.tx.QueryRow(ctx, `DELETE FROM role_permissions rp
USING permissions p
WHERE rp.id = $1 AND rp.role_id = $2 AND p.id = rp.permission_id
RETURNING `+rbac.BindingColumns, bindingID, roleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.Binding{}, fmt.Errorf("%w: binding %d on role %d", rbac.ErrNotFound, bindingID, roleID)
	}
	return b, err
}

func (t *txRepo) ListBindings(ctx context.Context, roleID int64) ([]rbac.Binding, error) {
	return queryBindings(ctx, t.tx, roleID)
}

func (t *txRepo) SetInlinePermissions(ctx context.Context, roleID int64, perms map[string]rbac.Effect) error {
	body, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE roles SET permissions = $2 WHERE id = $1`, roleID, body)
	return err
}
